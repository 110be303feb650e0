package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/fault"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

// writeFault translates the fault taxonomy into a status code. Server-side
// failures get logged here so handlers don't have to.
func writeFault(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// decodeValid decodes a JSON body into out and runs struct validation. Both
// failure modes are the caller's fault and map to 422.
func (s *Server) decodeValid(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fault.New(fault.Permanent, "api.decode", "malformed request body: %v", err)
	}
	if err := s.validate.Struct(out); err != nil {
		return fault.New(fault.Permanent, "api.validate", "invalid request: %v", err)
	}
	return nil
}

// allow enforces a fixed-window per-plot limit. The counter lives in Redis
// and fails open with the cache.
func (s *Server) allow(ctx context.Context, scope, plotID string, limit int, window time.Duration) bool {
	return s.d.Cache.Allow(ctx, cache.RateKey(scope, plotID), int64(limit), window)
}
