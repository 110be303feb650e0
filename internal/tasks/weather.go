package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/metrics"
	"microcrop-processor/internal/model"
	"microcrop-processor/internal/scheduler"
)

// plotPayload parameterises one per-plot weather fetch.
type plotPayload struct {
	PlotID   string  `json:"plot_id"`
	PolicyID string  `json:"policy_id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// sweepWeather fans out one fetch per active plot. The plot id is the
// idempotency key, so overlapping sweeps collapse to one fetch per plot per
// dedup window.
func (p *Pipeline) sweepWeather(ctx context.Context, _ scheduler.Task) error {
	cutoff := p.now().UTC().AddDate(0, 0, -p.d.Tasks.ActiveWindowDays)
	plots, err := p.d.Store.ActivePlots(ctx, cutoff)
	if err != nil {
		return err
	}

	submitted := 0
	for _, ref := range plots {
		_, err := p.d.Submitter.Submit(ctx, KindFetchPlotWeather, plotPayload{
			PlotID:   ref.PlotID,
			PolicyID: ref.PolicyID,
			Lat:      ref.Latitude,
			Lon:      ref.Longitude,
		}, scheduler.WithIdempotencyKey(ref.PlotID))
		if errors.Is(err, scheduler.ErrDeduped) {
			continue
		}
		if err != nil {
			return err
		}
		submitted++
	}

	log.Info().Int("plots", len(plots)).Int("submitted", submitted).Msg("weather sweep fanned out")
	return nil
}

// fetchPlotWeather pulls current conditions plus the recent history for one
// plot, persists what is new and refreshes the live view. A plot without
// station coverage is a quiet no-op, not a failure.
func (p *Pipeline) fetchPlotWeather(ctx context.Context, t scheduler.Task) error {
	var pl plotPayload
	if err := t.Bind(&pl); err != nil {
		return fault.Wrap(fault.Permanent, "tasks.fetch_weather", err)
	}
	if pl.PlotID == "" {
		return fault.New(fault.Permanent, "tasks.fetch_weather", "payload missing plot id")
	}

	current, err := p.d.Weather.CurrentConditions(ctx, pl.PlotID, pl.Lat, pl.Lon)
	if err != nil && !fault.Is(err, fault.InsufficientData) {
		return err
	}

	now := p.now().UTC()
	history, err := p.d.Weather.PlotHistory(ctx, pl.PlotID, pl.Lat, pl.Lon,
		model.NewWindow(now.Add(-recentHistory), now))
	if err != nil && !fault.Is(err, fault.InsufficientData) {
		return err
	}

	samples := history
	if current != nil {
		samples = append(samples, *current)
	}
	if len(samples) == 0 {
		log.Debug().Str("plot_id", pl.PlotID).Msg("no station coverage for plot")
		return nil
	}

	inserted, err := p.d.Store.InsertSamples(ctx, pl.PlotID, pl.PolicyID, samples)
	if err != nil {
		return err
	}
	metrics.SamplesIngested.WithLabelValues("sweep").Add(float64(inserted))

	if current != nil {
		if err := p.d.Cache.SetJSON(ctx, cache.CurrentWeatherKey(pl.PlotID), current, p.d.TTL.Current); err != nil {
			log.Warn().Err(err).Str("plot_id", pl.PlotID).Msg("current-weather cache write failed")
		}
		p.d.WS.Broadcast("weather", pl.PlotID, current)
	}

	log.Debug().Str("plot_id", pl.PlotID).Int("fetched", len(samples)).Int("new", inserted).
		Msg("plot weather refreshed")
	return nil
}

// dailyIndices scores yesterday's full UTC day for every active plot. A
// recomputed day collides on the deterministic index id and is skipped.
func (p *Pipeline) dailyIndices(ctx context.Context, _ scheduler.Task) error {
	now := p.now().UTC()
	dayEnd := now.Truncate(24 * time.Hour)
	w := model.NewWindow(dayEnd.Add(-24*time.Hour), dayEnd)

	plots, err := p.d.Store.ActivePlots(ctx, now.AddDate(0, 0, -p.d.Tasks.ActiveWindowDays))
	if err != nil {
		return err
	}

	computed := 0
	for _, ref := range plots {
		samples, err := p.d.Store.SamplesForWindow(ctx, ref.PlotID, w)
		if err != nil {
			log.Warn().Err(err).Str("plot_id", ref.PlotID).Msg("loading samples for daily index failed")
			continue
		}
		idx, err := p.d.Engine.Compute(ref.PlotID, ref.PolicyID, w, samples)
		if fault.Is(err, fault.InsufficientData) {
			log.Debug().Str("plot_id", ref.PlotID).Msg("no samples for yesterday, index skipped")
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("plot_id", ref.PlotID).Msg("daily index computation failed")
			continue
		}
		if err := p.d.Store.InsertIndex(ctx, idx); err != nil {
			if fault.Is(err, fault.Conflict) {
				continue
			}
			log.Warn().Err(err).Str("plot_id", ref.PlotID).Msg("daily index insert failed")
			continue
		}
		metrics.IndicesComputed.Inc()
		if err := p.d.Cache.SetJSON(ctx, cache.LatestIndexKey(ref.PlotID), idx, p.d.TTL.Index); err != nil {
			log.Warn().Err(err).Str("plot_id", ref.PlotID).Msg("index cache write failed")
		}
		computed++
	}

	log.Info().Int("plots", len(plots)).Int("computed", computed).Time("window_start", w.Start).
		Msg("daily indices finished")
	return nil
}

// checkTriggers turns fresh over-threshold indices into assessment tasks.
// The assessment window end is bucketed to the hour, so the dedup key and
// the deterministic assessment id agree across re-checks inside the hour.
func (p *Pipeline) checkTriggers(ctx context.Context, _ scheduler.Task) error {
	now := p.now().UTC()
	indices, err := p.d.Store.RecentIndices(ctx, now.Add(-time.Hour))
	if err != nil {
		return err
	}
	hot := lo.Filter(indices, func(idx *model.WeatherIndex, _ int) bool {
		return idx.Composite >= p.d.Tasks.TriggerStress
	})

	submitted := 0
	for _, idx := range hot {
		covered, err := p.d.Store.HasAssessmentSince(ctx, idx.PlotID, now.Add(-24*time.Hour))
		if err != nil {
			log.Warn().Err(err).Str("plot_id", idx.PlotID).Msg("assessment lookback failed")
			continue
		}
		if covered {
			continue
		}

		end := now.Truncate(time.Hour)
		w := model.NewWindow(end.AddDate(0, 0, -p.d.Tasks.AssessmentWindowDays), end)
		_, err = p.d.Submitter.Submit(ctx, KindProcessAssessment, AssessmentPayload{
			PlotID:   idx.PlotID,
			PolicyID: idx.PolicyID,
			Window:   w,
			Trigger:  model.TriggerThreshold,
		}, scheduler.WithIdempotencyKey(idx.PlotID+":"+w.Key()))
		if errors.Is(err, scheduler.ErrDeduped) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("plot_id", idx.PlotID).Msg("assessment submission failed")
			continue
		}
		submitted++
		log.Info().Str("plot_id", idx.PlotID).Float64("composite", idx.Composite).
			Str("dominant", string(idx.Dominant)).Msg("stress trigger fired")
	}

	if len(hot) > 0 {
		log.Info().Int("over_threshold", len(hot)).Int("submitted", submitted).
			Msg("trigger check finished")
	}
	return nil
}
