package tasks

import (
	"context"

	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/scheduler"
)

// The planet-queue kinds delegate to the subscription manager; the handlers
// here only add scheduling concerns (logging, retention arithmetic).

func (p *Pipeline) checkSubscriptions(ctx context.Context, _ scheduler.Task) error {
	_, err := p.d.Subs.SweepStatuses(ctx)
	return err
}

func (p *Pipeline) fetchBiomass(ctx context.Context, _ scheduler.Task) error {
	_, err := p.d.Subs.FetchLatestBiomass(ctx)
	return err
}

func (p *Pipeline) cancelExpiredSubs(ctx context.Context, _ scheduler.Task) error {
	_, err := p.d.Subs.CancelExpired(ctx)
	return err
}

func (p *Pipeline) monitorQuality(ctx context.Context, _ scheduler.Task) error {
	_, err := p.d.Subs.MonitorQuality(ctx)
	return err
}

// cleanupRetention is the weekly retention pass: stale biomass for plots
// without an active subscription, raw weather past its window in bounded
// batches, and old quarantine rows.
func (p *Pipeline) cleanupRetention(ctx context.Context, _ scheduler.Task) error {
	now := p.now().UTC()

	biomassRows, err := p.d.Subs.CleanupStale(ctx, now.AddDate(0, 0, -p.d.Retention.BiomassDays))
	if err != nil {
		return err
	}

	var sampleRows int64
	weatherCutoff := now.AddDate(0, 0, -p.d.Retention.WeatherDays)
	for {
		n, err := p.d.Store.DeleteOldSamples(ctx, weatherCutoff, retentionBatch)
		if err != nil {
			return err
		}
		sampleRows += n
		if n < retentionBatch {
			break
		}
	}

	quarantineRows, err := p.d.Store.DeleteOldQuarantine(ctx, now.AddDate(0, 0, -p.d.Retention.QuarantineDays))
	if err != nil {
		return err
	}

	log.Info().
		Int64("biomass_rows", biomassRows).
		Int64("sample_rows", sampleRows).
		Int64("quarantine_rows", quarantineRows).
		Msg("retention cleanup finished")
	return nil
}
