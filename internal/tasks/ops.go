package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/metrics"
	"microcrop-processor/internal/model"
	"microcrop-processor/internal/scheduler"
)

// healthProbeKey is the cache round-trip key; the short TTL keeps a dead
// probe from masquerading as a live one.
const healthProbeKey = "health:probe"

// collectMetrics refreshes the pipeline gauges. A failed read leaves the
// previous gauge value standing and is only logged; one broken query must
// not blank the rest of the dashboard.
func (p *Pipeline) collectMetrics(ctx context.Context, _ scheduler.Task) error {
	now := p.now().UTC()

	if n, err := p.d.Store.SampleCountSince(ctx, now.Add(-24*time.Hour)); err == nil {
		metrics.IngestLast24h.Set(float64(n))
	} else {
		log.Warn().Err(err).Msg("ingest gauge refresh failed")
	}

	if n, err := p.d.Store.PendingAssessmentCount(ctx); err == nil {
		metrics.PendingAssessments.Set(float64(n))
	} else {
		log.Warn().Err(err).Msg("pending-assessment gauge refresh failed")
	}

	if n, err := p.d.Store.ActivePlotCount(ctx, now.AddDate(0, 0, -7)); err == nil {
		metrics.ActivePlots.Set(float64(n))
	} else {
		log.Warn().Err(err).Msg("active-plot gauge refresh failed")
	}

	if counts, err := p.d.Store.SubscriptionStatusCounts(ctx); err == nil {
		statuses := []model.SubscriptionStatus{
			model.SubscriptionRequested, model.SubscriptionActive,
			model.SubscriptionExpired, model.SubscriptionCancelled, model.SubscriptionFailed,
		}
		// Every status is written so an emptied bucket reads zero.
		for _, st := range statuses {
			metrics.SubscriptionsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
		}
	} else {
		log.Warn().Err(err).Msg("subscription gauge refresh failed")
	}

	if p.d.Depths != nil {
		for q, depth := range p.d.Depths.Depths() {
			metrics.QueueDepth.WithLabelValues(string(q)).Set(float64(depth))
		}
	}
	return nil
}

// healthCheck probes the database, the cache and the weather configuration,
// and flips the readiness gauge. Degradation is reported through the gauge
// and the log, never as a task failure: retrying a probe adds nothing.
func (p *Pipeline) healthCheck(ctx context.Context, _ scheduler.Task) error {
	healthy := true

	if err := p.d.Store.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("database health probe failed")
		healthy = false
	}

	if err := p.d.Cache.SetJSON(ctx, healthProbeKey, "ok", time.Minute); err != nil {
		log.Error().Err(err).Msg("cache health probe write failed")
		healthy = false
	} else {
		var v string
		found, err := p.d.Cache.GetJSON(ctx, healthProbeKey, &v)
		if err != nil || !found || v != "ok" {
			log.Error().Err(err).Bool("found", found).Msg("cache health probe read failed")
			healthy = false
		}
	}

	if !p.d.WeatherConfigured {
		log.Error().Msg("weather upstream is not configured")
		healthy = false
	}

	if healthy {
		metrics.Ready.Set(1)
	} else {
		metrics.Ready.Set(0)
	}
	return nil
}
