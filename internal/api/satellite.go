package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
)

type createSubscriptionRequest struct {
	PolicyID string         `json:"policy_id" validate:"required,min=3"`
	PlotID   string         `json:"plot_id" validate:"required,min=3"`
	Geometry model.Geometry `json:"geometry"`
	StartAt  time.Time      `json:"start_at" validate:"required"`
	EndAt    time.Time      `json:"end_at" validate:"required"`
}

// createSubscription opens biomass monitoring for a plot. The manager owns
// geometry validation and reuses an open subscription when one exists, so a
// repeated create is safe.
func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeFault(w, err)
		return
	}

	sub, err := s.d.Subs.EnsureSubscription(r.Context(), req.PolicyID, req.PlotID, req.Geometry, req.StartAt, req.EndAt)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

type subscriptionResponse struct {
	*model.Subscription
	Events []model.SubscriptionEvent `json:"events"`
}

// getSubscription returns the record with its full transition history.
func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	sub, err := s.d.Store.SubscriptionByID(ctx, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	events, err := s.d.Store.SubscriptionEvents(ctx, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	if events == nil {
		events = []model.SubscriptionEvent{}
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{Subscription: sub, Events: events})
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Subs.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// biomassSummary serves the cached summary, falling back to a fresh rollup
// from stored samples.
func (s *Server) biomassSummary(w http.ResponseWriter, r *http.Request) {
	plotID := chi.URLParam(r, "plot")
	ctx := r.Context()

	var cached model.BiomassSummary
	found, err := s.d.Cache.GetJSON(ctx, cache.BiomassSummaryKey(plotID), &cached)
	if err != nil {
		log.Warn().Err(err).Str("plot_id", plotID).Msg("biomass cache read failed")
	}
	if found {
		writeJSON(w, http.StatusOK, &cached)
		return
	}

	sum, err := s.d.Subs.Summary(ctx, plotID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := s.d.Cache.SetJSON(ctx, cache.BiomassSummaryKey(plotID), sum, s.d.TTL.Biomass); err != nil {
		log.Warn().Err(err).Str("plot_id", plotID).Msg("biomass cache write failed")
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) plotGeometry(w http.ResponseWriter, r *http.Request) {
	plotID := chi.URLParam(r, "plot")

	geom, err := s.d.Store.PlotGeometry(r.Context(), plotID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if geom == nil {
		writeFault(w, fault.New(fault.InsufficientData, "api.geometry", "no geometry stored for plot %s", plotID))
		return
	}
	writeJSON(w, http.StatusOK, geom)
}
