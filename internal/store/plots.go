package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
)

// PlotRef identifies a plot the sweep should fetch weather for, with the
// coordinates station search starts from.
type PlotRef struct {
	PlotID    string
	PolicyID  string
	Latitude  float64
	Longitude float64
}

const upsertPlotSQL = `
INSERT INTO plots (id, geometry, updated_at) VALUES ($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET geometry = EXCLUDED.geometry, updated_at = EXCLUDED.updated_at`

// UpsertPlot stores or replaces a plot boundary.
func (s *Store) UpsertPlot(ctx context.Context, id string, geom model.Geometry) error {
	raw, err := json.Marshal(geom)
	if err != nil {
		return fault.Wrap(fault.Permanent, "store.upsert_plot", err)
	}
	if _, err := s.pool.Exec(ctx, upsertPlotSQL, id, raw, time.Now().UTC()); err != nil {
		return fault.Wrap(fault.Transient, "store.upsert_plot", err)
	}
	return nil
}

// PlotGeometry fetches a stored boundary, or nil when the plot is unknown.
func (s *Store) PlotGeometry(ctx context.Context, id string) (*model.Geometry, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, "SELECT geometry FROM plots WHERE id = $1", id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.plot_geometry", err)
	}
	var geom model.Geometry
	if err := json.Unmarshal(raw, &geom); err != nil {
		return nil, fault.Wrap(fault.Permanent, "store.plot_geometry", err)
	}
	return &geom, nil
}

const recentSamplePlotsSQL = `
SELECT DISTINCT ON (plot_id) plot_id, policy_id, lat, lon
FROM weather_samples WHERE time > $1
ORDER BY plot_id, time DESC`

const pendingPlotsSQL = `
SELECT DISTINCT ON (plot_id) plot_id, policy_id
FROM assessments WHERE payout_status = $1 AND NOT archived
ORDER BY plot_id, created_at DESC`

const latestCoordsSQL = `
SELECT DISTINCT ON (plot_id) plot_id, lat, lon
FROM weather_samples WHERE plot_id = ANY($1)
ORDER BY plot_id, time DESC`

// ActivePlots lists the plots the weather sweep covers: every plot with
// samples after the cutoff, plus every plot carrying a pending assessment.
// Coordinates come from the stored boundary when known, otherwise from the
// plot's most recent station sample.
func (s *Store) ActivePlots(ctx context.Context, sampleCutoff time.Time) ([]PlotRef, error) {
	refs := make(map[string]*PlotRef)

	rows, err := s.pool.Query(ctx, recentSamplePlotsSQL, sampleCutoff.UTC())
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.active_plots", err)
	}
	for rows.Next() {
		var r PlotRef
		if err := rows.Scan(&r.PlotID, &r.PolicyID, &r.Latitude, &r.Longitude); err != nil {
			rows.Close()
			return nil, fault.Wrap(fault.Transient, "store.active_plots", err)
		}
		refs[r.PlotID] = &r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, "store.active_plots", err)
	}

	rows, err = s.pool.Query(ctx, pendingPlotsSQL, string(model.PayoutPending))
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.active_plots", err)
	}
	var coordless []string
	for rows.Next() {
		var plotID, policyID string
		if err := rows.Scan(&plotID, &policyID); err != nil {
			rows.Close()
			return nil, fault.Wrap(fault.Transient, "store.active_plots", err)
		}
		if _, ok := refs[plotID]; !ok {
			refs[plotID] = &PlotRef{PlotID: plotID, PolicyID: policyID}
			coordless = append(coordless, plotID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, "store.active_plots", err)
	}

	if len(coordless) > 0 {
		rows, err = s.pool.Query(ctx, latestCoordsSQL, coordless)
		if err != nil {
			return nil, fault.Wrap(fault.Transient, "store.active_plots", err)
		}
		for rows.Next() {
			var (
				plotID   string
				lat, lon float64
			)
			if err := rows.Scan(&plotID, &lat, &lon); err != nil {
				rows.Close()
				return nil, fault.Wrap(fault.Transient, "store.active_plots", err)
			}
			if r, ok := refs[plotID]; ok {
				r.Latitude, r.Longitude = lat, lon
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fault.Wrap(fault.Transient, "store.active_plots", err)
		}
	}

	// Stored boundaries are authoritative over station coordinates.
	ids := make([]string, 0, len(refs))
	for id := range refs {
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		rows, err = s.pool.Query(ctx, "SELECT id, geometry FROM plots WHERE id = ANY($1)", ids)
		if err != nil {
			return nil, fault.Wrap(fault.Transient, "store.active_plots", err)
		}
		for rows.Next() {
			var (
				id  string
				raw []byte
			)
			if err := rows.Scan(&id, &raw); err != nil {
				rows.Close()
				return nil, fault.Wrap(fault.Transient, "store.active_plots", err)
			}
			var geom model.Geometry
			if err := json.Unmarshal(raw, &geom); err != nil {
				continue
			}
			if r, ok := refs[id]; ok {
				r.Latitude, r.Longitude = geom.Centroid()
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fault.Wrap(fault.Transient, "store.active_plots", err)
		}
	}

	out := make([]PlotRef, 0, len(refs))
	for _, r := range refs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlotID < out[j].PlotID })
	return out, nil
}
