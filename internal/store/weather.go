package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
)

const insertSampleSQL = `
INSERT INTO weather_samples (
    time, plot_id, policy_id, station_id, lat, lon,
    temperature, feels_like, temp_min, temp_max,
    rainfall, rainfall_rate, humidity, pressure,
    wind_speed, wind_direction, wind_gust, solar, uv_index,
    soil_moisture, soil_temperature, quality
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
ON CONFLICT (plot_id, time, station_id) DO NOTHING`

// InsertSamples writes a batch of station samples and reports how many rows
// were new. Re-delivered samples hit the primary key and are dropped, so a
// repeated sweep never mutates history.
func (s *Store) InsertSamples(ctx context.Context, plotID, policyID string, samples []model.StationSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, sm := range samples {
		batch.Queue(insertSampleSQL,
			sm.Timestamp.UTC(), plotID, policyID, sm.StationID, sm.Latitude, sm.Longitude,
			sm.Temperature, sm.FeelsLike, sm.MinTemperature, sm.MaxTemperature,
			sm.Rainfall, sm.RainfallRate, sm.Humidity, sm.Pressure,
			sm.WindSpeed, sm.WindDirection, sm.WindGust, sm.SolarRadiation, sm.UVIndex,
			sm.SoilMoisture, sm.SoilTemperature, sm.Quality,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range samples {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fault.Wrap(fault.Transient, "store.insert_samples", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

const selectSamplesSQL = `
SELECT time, station_id, lat, lon,
       temperature, feels_like, temp_min, temp_max,
       rainfall, rainfall_rate, humidity, pressure,
       wind_speed, wind_direction, wind_gust, solar, uv_index,
       soil_moisture, soil_temperature, quality
FROM weather_samples
WHERE plot_id = $1 AND time >= $2 AND time <= $3
ORDER BY time ASC`

// SamplesForWindow returns the stored samples of a plot inside the window,
// oldest first.
func (s *Store) SamplesForWindow(ctx context.Context, plotID string, w model.Window) ([]model.StationSample, error) {
	rows, err := s.pool.Query(ctx, selectSamplesSQL, plotID, w.Start.UTC(), w.End.UTC())
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.samples_for_window", err)
	}
	defer rows.Close()

	var out []model.StationSample
	for rows.Next() {
		var sm model.StationSample
		if err := rows.Scan(
			&sm.Timestamp, &sm.StationID, &sm.Latitude, &sm.Longitude,
			&sm.Temperature, &sm.FeelsLike, &sm.MinTemperature, &sm.MaxTemperature,
			&sm.Rainfall, &sm.RainfallRate, &sm.Humidity, &sm.Pressure,
			&sm.WindSpeed, &sm.WindDirection, &sm.WindGust, &sm.SolarRadiation, &sm.UVIndex,
			&sm.SoilMoisture, &sm.SoilTemperature, &sm.Quality,
		); err != nil {
			return nil, fault.Wrap(fault.Transient, "store.samples_for_window", err)
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, "store.samples_for_window", err)
	}
	return out, nil
}

// indexDetails is the JSONB shape holding the per-stress breakdowns.
type indexDetails struct {
	Drought model.DroughtDetail `json:"drought"`
	Flood   model.FloodDetail   `json:"flood"`
	Heat    model.HeatDetail    `json:"heat"`
}

const insertIndexSQL = `
INSERT INTO weather_indices (
    id, plot_id, policy_id, window_start, window_end,
    drought, flood, heat, composite, dominant,
    severities, details, stations, samples, quality, confidence,
    anomaly, anomaly_score, engine_version, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT (id) DO NOTHING`

// InsertIndex persists a computed index. The id is deterministic over
// (plot, policy, window); recomputing the same window is reported as a
// conflict and leaves the stored row untouched.
func (s *Store) InsertIndex(ctx context.Context, idx *model.WeatherIndex) error {
	severities, err := json.Marshal(idx.Severity)
	if err != nil {
		return fault.Wrap(fault.Permanent, "store.insert_index", err)
	}
	details, err := json.Marshal(indexDetails{Drought: idx.DroughtDetail, Flood: idx.FloodDetail, Heat: idx.HeatDetail})
	if err != nil {
		return fault.Wrap(fault.Permanent, "store.insert_index", err)
	}
	tag, err := s.pool.Exec(ctx, insertIndexSQL,
		idx.ID, idx.PlotID, idx.PolicyID, idx.Window.Start.UTC(), idx.Window.End.UTC(),
		idx.Drought, idx.Flood, idx.Heat, idx.Composite, string(idx.Dominant),
		severities, details, idx.Stations, idx.Samples, idx.Quality, idx.Confidence,
		idx.Anomaly, idx.AnomalyScore, idx.EngineVersion, idx.CreatedAt.UTC(),
	)
	if err != nil {
		return fault.Wrap(fault.Transient, "store.insert_index", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.Conflict, "store.insert_index", "index %s already stored", idx.ID)
	}
	return nil
}

const selectIndexSQL = `
SELECT id, plot_id, policy_id, window_start, window_end,
       drought, flood, heat, composite, dominant,
       severities, details, stations, samples, quality, confidence,
       anomaly, anomaly_score, engine_version, created_at
FROM weather_indices`

func scanIndex(row pgx.Row) (*model.WeatherIndex, error) {
	var (
		idx        model.WeatherIndex
		dominant   string
		severities []byte
		details    []byte
	)
	err := row.Scan(
		&idx.ID, &idx.PlotID, &idx.PolicyID, &idx.Window.Start, &idx.Window.End,
		&idx.Drought, &idx.Flood, &idx.Heat, &idx.Composite, &dominant,
		&severities, &details, &idx.Stations, &idx.Samples, &idx.Quality, &idx.Confidence,
		&idx.Anomaly, &idx.AnomalyScore, &idx.EngineVersion, &idx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	idx.Dominant = model.Stress(dominant)
	if err := json.Unmarshal(severities, &idx.Severity); err != nil {
		return nil, err
	}
	var d indexDetails
	if err := json.Unmarshal(details, &d); err != nil {
		return nil, err
	}
	idx.DroughtDetail, idx.FloodDetail, idx.HeatDetail = d.Drought, d.Flood, d.Heat
	return &idx, nil
}

// IndexByID fetches one stored index.
func (s *Store) IndexByID(ctx context.Context, id string) (*model.WeatherIndex, error) {
	idx, err := scanIndex(s.pool.QueryRow(ctx, selectIndexSQL+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.InsufficientData, "store.index_by_id", "index %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.index_by_id", err)
	}
	return idx, nil
}

// IndexCovering returns the newest index overlapping the window, or nil when
// the window holds no scored evidence. Daily indices qualify week-long
// assessment windows this way; containment would disqualify them all.
func (s *Store) IndexCovering(ctx context.Context, plotID string, w model.Window) (*model.WeatherIndex, error) {
	idx, err := scanIndex(s.pool.QueryRow(ctx,
		selectIndexSQL+` WHERE plot_id = $1 AND window_start < $3 AND window_end > $2
 ORDER BY window_end DESC, created_at DESC LIMIT 1`, plotID, w.Start.UTC(), w.End.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.index_covering", err)
	}
	return idx, nil
}

// LatestIndex returns the most recent index of a plot by window end, or nil
// when none exists.
func (s *Store) LatestIndex(ctx context.Context, plotID string) (*model.WeatherIndex, error) {
	idx, err := scanIndex(s.pool.QueryRow(ctx,
		selectIndexSQL+" WHERE plot_id = $1 ORDER BY window_end DESC LIMIT 1", plotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.latest_index", err)
	}
	return idx, nil
}

const recentIndicesSQL = selectIndexSQL + `
WHERE (plot_id, created_at) IN (
    SELECT plot_id, MAX(created_at) FROM weather_indices
    WHERE created_at > $1 GROUP BY plot_id
)
ORDER BY composite DESC`

// RecentIndices returns the newest index per plot computed after the cutoff,
// highest composite first.
func (s *Store) RecentIndices(ctx context.Context, since time.Time) ([]*model.WeatherIndex, error) {
	rows, err := s.pool.Query(ctx, recentIndicesSQL, since.UTC())
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.recent_indices", err)
	}
	defer rows.Close()

	var out []*model.WeatherIndex
	for rows.Next() {
		idx, err := scanIndex(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Transient, "store.recent_indices", err)
		}
		out = append(out, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, "store.recent_indices", err)
	}
	return out, nil
}

// IndicesForPlot lists a plot's indices newest first, capped at limit.
func (s *Store) IndicesForPlot(ctx context.Context, plotID string, limit int) ([]*model.WeatherIndex, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		selectIndexSQL+" WHERE plot_id = $1 ORDER BY window_end DESC LIMIT $2", plotID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.indices_for_plot", err)
	}
	defer rows.Close()

	var out []*model.WeatherIndex
	for rows.Next() {
		idx, err := scanIndex(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Transient, "store.indices_for_plot", err)
		}
		out = append(out, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, "store.indices_for_plot", err)
	}
	return out, nil
}
