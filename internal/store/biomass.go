package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
)

const upsertBiomassSQL = `
INSERT INTO biomass_samples (plot_id, observation_date, value, cloud_cover, quality, subscription_id, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (plot_id, observation_date) DO UPDATE SET
    value = EXCLUDED.value,
    cloud_cover = EXCLUDED.cloud_cover,
    quality = EXCLUDED.quality,
    subscription_id = EXCLUDED.subscription_id,
    updated_at = EXCLUDED.updated_at`

// UpsertBiomass writes delivered observations. Re-delivered dates replace the
// stored row; satellite providers reprocess scenes and the newest delivery is
// authoritative.
func (s *Store) UpsertBiomass(ctx context.Context, samples []model.BiomassSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, b := range samples {
		updated := b.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		batch.Queue(upsertBiomassSQL,
			b.PlotID, b.Date.UTC(), b.Value, b.CloudCover, string(b.Quality), b.SubscriptionID, updated.UTC())
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	written := 0
	for range samples {
		if _, err := br.Exec(); err != nil {
			return written, fault.Wrap(fault.Transient, "store.upsert_biomass", err)
		}
		written++
	}
	return written, nil
}

// BiomassSeries returns the newest limit observations of a plot in ascending
// date order, ready for the reducer.
func (s *Store) BiomassSeries(ctx context.Context, plotID string, limit int) ([]model.BiomassSample, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
SELECT plot_id, observation_date, value, cloud_cover, quality, subscription_id, updated_at
FROM (
    SELECT * FROM biomass_samples WHERE plot_id = $1 ORDER BY observation_date DESC LIMIT $2
) latest
ORDER BY observation_date ASC`, plotID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.biomass_series", err)
	}
	defer rows.Close()

	var out []model.BiomassSample
	for rows.Next() {
		var (
			b       model.BiomassSample
			quality string
		)
		if err := rows.Scan(&b.PlotID, &b.Date, &b.Value, &b.CloudCover, &quality, &b.SubscriptionID, &b.UpdatedAt); err != nil {
			return nil, fault.Wrap(fault.Transient, "store.biomass_series", err)
		}
		b.Quality = model.QualityTag(quality)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, "store.biomass_series", err)
	}
	return out, nil
}

// LowQualityCounts counts low-grade observations per plot delivered after the
// cutoff. The quality monitor alerts on plots above its threshold.
func (s *Store) LowQualityCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT plot_id, COUNT(*) FROM biomass_samples
WHERE quality = $1 AND updated_at > $2
GROUP BY plot_id`, string(model.QualityLow), since.UTC())
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.low_quality_counts", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			plotID string
			n      int
		)
		if err := rows.Scan(&plotID, &n); err != nil {
			return nil, fault.Wrap(fault.Transient, "store.low_quality_counts", err)
		}
		out[plotID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, "store.low_quality_counts", err)
	}
	return out, nil
}

const deleteStaleBiomassSQL = `
DELETE FROM biomass_samples
WHERE observation_date < $1
  AND plot_id NOT IN (SELECT plot_id FROM subscriptions WHERE status = $2)`

// DeleteStaleBiomass drops observations older than the cutoff for plots that
// no longer have an active subscription. Covered plots keep their history.
func (s *Store) DeleteStaleBiomass(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, deleteStaleBiomassSQL, cutoff.UTC(), string(model.SubscriptionActive))
	if err != nil {
		return 0, fault.Wrap(fault.Transient, "store.delete_stale_biomass", err)
	}
	return tag.RowsAffected(), nil
}
