package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/metrics"
	"microcrop-processor/internal/model"
)

// submitWeatherRequest is a manual station observation. Optional readings are
// pointers so an omitted field and a zero reading stay distinguishable.
type submitWeatherRequest struct {
	PlotID          string    `json:"plot_id" validate:"required,min=3"`
	PolicyID        string    `json:"policy_id" validate:"required,min=3"`
	StationID       string    `json:"station_id" validate:"required,min=3"`
	Timestamp       time.Time `json:"timestamp"`
	Latitude        float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude       float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Temperature     float64   `json:"temperature" validate:"gte=-90,lte=60"`
	Rainfall        float64   `json:"rainfall" validate:"gte=0"`
	Humidity        float64   `json:"humidity" validate:"gte=0,lte=100"`
	Pressure        *float64  `json:"pressure,omitempty" validate:"omitempty,gt=0"`
	WindSpeed       *float64  `json:"wind_speed,omitempty" validate:"omitempty,gte=0"`
	SolarRadiation  *float64  `json:"solar_radiation,omitempty" validate:"omitempty,gte=0"`
	UVIndex         *float64  `json:"uv_index,omitempty" validate:"omitempty,gte=0"`
	SoilMoisture    *float64  `json:"soil_moisture,omitempty" validate:"omitempty,gte=0"`
	SoilTemperature *float64  `json:"soil_temperature,omitempty"`
	Quality         *float64  `json:"data_quality,omitempty" validate:"omitempty,gte=0,lte=1"`
}

func (req *submitWeatherRequest) sample(now time.Time) model.StationSample {
	s := model.StationSample{
		StationID:       req.StationID,
		Timestamp:       req.Timestamp.UTC(),
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
		Temperature:     req.Temperature,
		Rainfall:        req.Rainfall,
		Humidity:        req.Humidity,
		Pressure:        model.DefaultPressure,
		WindSpeed:       req.WindSpeed,
		SolarRadiation:  req.SolarRadiation,
		UVIndex:         req.UVIndex,
		SoilTemperature: req.SoilTemperature,
		Quality:         1.0,
	}
	if req.Timestamp.IsZero() {
		s.Timestamp = now
	}
	if req.Pressure != nil {
		s.Pressure = *req.Pressure
	}
	if req.Quality != nil {
		s.Quality = *req.Quality
	}
	if req.SoilMoisture != nil {
		v := model.NormalizeSoilMoisture(*req.SoilMoisture)
		s.SoilMoisture = &v
	}
	return s
}

// submitWeather ingests one observation synchronously: rate checked, row
// written, current-conditions cache invalidated, plot room notified.
func (s *Server) submitWeather(w http.ResponseWriter, r *http.Request) {
	var req submitWeatherRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	ctx := r.Context()
	if !s.allow(ctx, "submit", req.PlotID, s.d.API.SubmitPerMinute, time.Minute) {
		writeFault(w, fault.New(fault.RateLimited, "api.submit", "submit limit reached for plot %s", req.PlotID))
		return
	}

	sample := req.sample(s.now().UTC())
	n, err := s.d.Store.InsertSamples(ctx, req.PlotID, req.PolicyID, []model.StationSample{sample})
	if err != nil {
		writeFault(w, err)
		return
	}
	metrics.SamplesIngested.WithLabelValues("submit").Add(float64(n))

	if err := s.d.Cache.Delete(ctx, cache.CurrentWeatherKey(req.PlotID)); err != nil {
		log.Warn().Err(err).Str("plot_id", req.PlotID).Msg("current-weather invalidation failed")
	}
	s.d.Hub.Broadcast("weather", req.PlotID, sample)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"plot_id":  req.PlotID,
		"inserted": n,
	})
}

type computeIndexRequest struct {
	PlotID   string    `json:"plot_id" validate:"required,min=3"`
	PolicyID string    `json:"policy_id" validate:"required,min=3"`
	Start    time.Time `json:"window_start" validate:"required"`
	End      time.Time `json:"window_end" validate:"required"`
}

// computeIndex scores a caller-chosen window on demand. Index identity is
// deterministic, so recomputing a stored window collides in the store; the
// freshly computed value is identical and is returned either way.
func (s *Server) computeIndex(w http.ResponseWriter, r *http.Request) {
	var req computeIndexRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	ctx := r.Context()

	win := model.NewWindow(req.Start, req.End)
	samples, err := s.d.Store.SamplesForWindow(ctx, req.PlotID, win)
	if err != nil {
		writeFault(w, err)
		return
	}
	idx, err := s.d.Engine.Compute(req.PlotID, req.PolicyID, win, samples)
	if err != nil {
		writeFault(w, err)
		return
	}

	switch err := s.d.Store.InsertIndex(ctx, idx); {
	case err == nil:
		metrics.IndicesComputed.Inc()
	case fault.Is(err, fault.Conflict):
		// Already stored from an earlier run of the same window.
	default:
		writeFault(w, err)
		return
	}

	// The window is caller-chosen, so the latest-index cache is left alone.
	writeJSON(w, http.StatusOK, idx)
}

// latestIndex serves the newest index for a plot, or the newest one
// overlapping an explicit start/end filter.
func (s *Server) latestIndex(w http.ResponseWriter, r *http.Request) {
	plotID := chi.URLParam(r, "plot")
	ctx := r.Context()

	if startQ, endQ := r.URL.Query().Get("start"), r.URL.Query().Get("end"); startQ != "" || endQ != "" {
		win, err := windowFromQuery(startQ, endQ, s.now().UTC(), s.d.Tasks.AssessmentWindowDays)
		if err != nil {
			writeFault(w, err)
			return
		}
		idx, err := s.d.Store.IndexCovering(ctx, plotID, win)
		if err != nil {
			writeFault(w, err)
			return
		}
		if idx == nil {
			writeFault(w, fault.New(fault.InsufficientData, "api.indices", "no index overlaps %s for plot %s", win.Key(), plotID))
			return
		}
		writeJSON(w, http.StatusOK, idx)
		return
	}

	var cached model.WeatherIndex
	found, err := s.d.Cache.GetJSON(ctx, cache.LatestIndexKey(plotID), &cached)
	if err != nil {
		log.Warn().Err(err).Str("plot_id", plotID).Msg("latest-index cache read failed")
	}
	if found {
		writeJSON(w, http.StatusOK, &cached)
		return
	}

	idx, err := s.d.Store.LatestIndex(ctx, plotID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if idx == nil {
		writeFault(w, fault.New(fault.InsufficientData, "api.indices", "no index stored for plot %s", plotID))
		return
	}
	if err := s.d.Cache.SetJSON(ctx, cache.LatestIndexKey(plotID), idx, s.d.TTL.Index); err != nil {
		log.Warn().Err(err).Str("plot_id", plotID).Msg("latest-index cache write failed")
	}
	writeJSON(w, http.StatusOK, idx)
}

type indexHistoryResponse struct {
	PlotID  string                `json:"plot_id"`
	Count   int                   `json:"count"`
	Indices []*model.WeatherIndex `json:"indices"`
}

// indexHistory lists a plot's stored indices newest first.
func (s *Server) indexHistory(w http.ResponseWriter, r *http.Request) {
	plotID := chi.URLParam(r, "plot")

	limit := defaultListLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > maxListLimit {
			writeFault(w, fault.New(fault.Permanent, "api.indices", "limit must be 1-%d", maxListLimit))
			return
		}
		limit = n
	}

	rows, err := s.d.Store.IndicesForPlot(r.Context(), plotID, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	if rows == nil {
		rows = []*model.WeatherIndex{}
	}
	writeJSON(w, http.StatusOK, indexHistoryResponse{PlotID: plotID, Count: len(rows), Indices: rows})
}

// indexByID serves one stored index, the audit companion to the index_id an
// assessment carries.
func (s *Server) indexByID(w http.ResponseWriter, r *http.Request) {
	idx, err := s.d.Store.IndexByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

// currentWeather serves the cached current conditions. The view only lives in
// the cache; expiry reads as not-found.
func (s *Server) currentWeather(w http.ResponseWriter, r *http.Request) {
	plotID := chi.URLParam(r, "plot")

	var cur model.StationSample
	found, err := s.d.Cache.GetJSON(r.Context(), cache.CurrentWeatherKey(plotID), &cur)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !found {
		writeFault(w, fault.New(fault.InsufficientData, "api.current", "no current conditions for plot %s", plotID))
		return
	}
	writeJSON(w, http.StatusOK, &cur)
}

// windowFromQuery builds a filter window from optional RFC3339 bounds. A
// missing end means now; a missing start reaches defaultDays back from end.
func windowFromQuery(startQ, endQ string, now time.Time, defaultDays int) (model.Window, error) {
	end := now
	if endQ != "" {
		t, err := time.Parse(time.RFC3339, endQ)
		if err != nil {
			return model.Window{}, fault.New(fault.Permanent, "api.window", "bad end %q: %v", endQ, err)
		}
		end = t
	}
	start := end.AddDate(0, 0, -defaultDays)
	if startQ != "" {
		t, err := time.Parse(time.RFC3339, startQ)
		if err != nil {
			return model.Window{}, fault.New(fault.Permanent, "api.window", "bad start %q: %v", startQ, err)
		}
		start = t
	}
	win := model.NewWindow(start, end)
	if err := win.Validate(); err != nil {
		return model.Window{}, fault.New(fault.Permanent, "api.window", "%v", err)
	}
	return win, nil
}
