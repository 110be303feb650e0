package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
	"microcrop-processor/internal/scheduler"
	"microcrop-processor/internal/store"
	"microcrop-processor/internal/tasks"
)

// Bounds for the list endpoints.
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type triggerAssessmentRequest struct {
	PlotID     string `json:"plot_id" validate:"required,min=3"`
	PolicyID   string `json:"policy_id" validate:"required,min=3"`
	PeriodDays int    `json:"period_days" validate:"omitempty,gte=1,lte=30"`
}

// triggerAssessment queues a manual bundling run. The window ends on the
// truncated hour and the submission carries the same idempotency key the
// threshold trigger uses, so a manual request inside an already-queued hour
// dedupes instead of double-bundling.
func (s *Server) triggerAssessment(w http.ResponseWriter, r *http.Request) {
	var req triggerAssessmentRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	ctx := r.Context()
	if !s.allow(ctx, "assess", req.PlotID, s.d.API.AssessPerHour, time.Hour) {
		writeFault(w, fault.New(fault.RateLimited, "api.assess", "assessment limit reached for plot %s", req.PlotID))
		return
	}

	days := req.PeriodDays
	if days == 0 {
		days = s.d.Tasks.AssessmentWindowDays
	}
	end := s.now().UTC().Truncate(time.Hour)
	win := model.NewWindow(end.AddDate(0, 0, -days), end)

	taskID, err := s.d.Submitter.Submit(ctx, tasks.KindProcessAssessment, tasks.AssessmentPayload{
		PlotID:   req.PlotID,
		PolicyID: req.PolicyID,
		Window:   win,
		Trigger:  model.TriggerManual,
	}, scheduler.WithIdempotencyKey(req.PlotID+":"+win.Key()))
	if err != nil {
		writeFault(w, err)
		return
	}

	log.Info().Str("task_id", taskID).Str("plot_id", req.PlotID).Int("period_days", days).
		Msg("assessment requested")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": taskID,
		"status":  "queued",
		"window":  win,
	})
}

type assessmentListResponse struct {
	PlotID      string              `json:"plot_id"`
	Count       int                 `json:"count"`
	Assessments []*model.Assessment `json:"assessments"`
}

// listAssessments returns recent assessments for a plot, newest first, with
// an optional payout-status filter applied after the fetch.
func (s *Server) listAssessments(w http.ResponseWriter, r *http.Request) {
	plotID := chi.URLParam(r, "plot")

	limit := defaultListLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > maxListLimit {
			writeFault(w, fault.New(fault.Permanent, "api.assessments", "limit must be 1-%d", maxListLimit))
			return
		}
		limit = n
	}

	rows, err := s.d.Store.AssessmentsForPlot(r.Context(), plotID, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	if q := r.URL.Query().Get("status"); q != "" {
		want := model.PayoutStatus(q)
		rows = lo.Filter(rows, func(a *model.Assessment, _ int) bool {
			return a.PayoutStatus == want
		})
	}
	if rows == nil {
		rows = []*model.Assessment{}
	}
	writeJSON(w, http.StatusOK, assessmentListResponse{PlotID: plotID, Count: len(rows), Assessments: rows})
}

// getAssessment serves one assessment by id, cache-first. Rows are immutable
// apart from archival, so a long TTL is safe.
func (s *Server) getAssessment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var cached model.Assessment
	found, err := s.d.Cache.GetJSON(ctx, cache.AssessmentKey(id), &cached)
	if err != nil {
		log.Warn().Err(err).Str("assessment_id", id).Msg("assessment cache read failed")
	}
	if found {
		writeJSON(w, http.StatusOK, &cached)
		return
	}

	a, err := s.d.Store.Assessment(ctx, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := s.d.Cache.SetJSON(ctx, cache.AssessmentKey(id), a, s.d.TTL.Assessment); err != nil {
		log.Warn().Err(err).Str("assessment_id", id).Msg("assessment cache write failed")
	}
	writeJSON(w, http.StatusOK, a)
}

// Coarse states reported by the task lookup endpoint.
const (
	taskPending   = "pending"
	taskCompleted = "completed"
	taskFailed    = "failed"
)

func coarseTaskState(status string) string {
	switch status {
	case scheduler.StatusSucceeded:
		return taskCompleted
	case scheduler.StatusQuarantined, scheduler.StatusCancelled:
		return taskFailed
	default:
		return taskPending
	}
}

type taskStatusResponse struct {
	TaskID     string     `json:"task_id"`
	Kind       string     `json:"kind"`
	State      string     `json:"state"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// taskStatus reads the scheduler's cached execution record. Records expire
// with the cache TTL; an expired task reads as not found.
func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var rec scheduler.Record
	found, err := s.d.Cache.GetJSON(r.Context(), cache.TaskKey(id), &rec)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !found {
		writeFault(w, fault.New(fault.InsufficientData, "api.tasks", "no record for task %s", id))
		return
	}
	writeJSON(w, http.StatusOK, taskStatusResponse{
		TaskID:     rec.ID,
		Kind:       rec.Kind,
		State:      coarseTaskState(rec.Status),
		Status:     rec.Status,
		Attempts:   rec.Attempts,
		Error:      rec.Error,
		EnqueuedAt: rec.EnqueuedAt,
		FinishedAt: rec.FinishedAt,
	})
}

type quarantineRow struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error"`
	QuarantinedAt  time.Time       `json:"quarantined_at"`
}

// quarantineList exposes the newest dead-letter rows for operator review.
func (s *Server) quarantineList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > maxListLimit {
			writeFault(w, fault.New(fault.Permanent, "api.quarantine", "limit must be 1-%d", maxListLimit))
			return
		}
		limit = n
	}

	rows, err := s.d.Store.QuarantinedTasks(r.Context(), limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	out := lo.Map(rows, func(t store.QuarantinedTask, _ int) quarantineRow {
		payload := json.RawMessage(t.Payload)
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		return quarantineRow{
			ID:             t.ID,
			Kind:           t.Kind,
			Queue:          t.Queue,
			Payload:        payload,
			IdempotencyKey: t.IdempotencyKey,
			Attempts:       t.Attempts,
			LastError:      t.LastError,
			QuarantinedAt:  t.QuarantinedAt,
		}
	})
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "tasks": out})
}
