package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
	"microcrop-processor/internal/scheduler"
)

// AssessmentPayload parameterises one bundling run.
type AssessmentPayload struct {
	PlotID   string              `json:"plot_id"`
	PolicyID string              `json:"policy_id"`
	Window   model.Window        `json:"window"`
	Trigger  model.TriggerSource `json:"trigger_source"`
}

// processAssessment runs the bundler for one plot and window. The bundler is
// idempotent over its deterministic id, so retries and duplicate submissions
// converge on one stored assessment.
func (p *Pipeline) processAssessment(ctx context.Context, t scheduler.Task) error {
	var pl AssessmentPayload
	if err := t.Bind(&pl); err != nil {
		return fault.Wrap(fault.Permanent, "tasks.process_assessment", err)
	}
	if pl.PlotID == "" || pl.PolicyID == "" {
		return fault.New(fault.Permanent, "tasks.process_assessment", "payload missing plot or policy")
	}
	trigger := pl.Trigger
	if trigger == "" {
		trigger = model.TriggerScheduled
	}

	a, err := p.d.Bundler.AssembleAndPublish(ctx, pl.PlotID, pl.PolicyID, pl.Window, trigger)
	if err != nil {
		return err
	}
	log.Info().Str("assessment_id", a.ID).Str("plot_id", a.PlotID).
		Str("damage_type", string(a.DamageType)).Msg("assessment processed")
	return nil
}

// processPending is the catch-up path behind the threshold trigger: plots
// whose latest index in the trailing two hours is over threshold and which
// still lack a fresh assessment get bundled directly, a bounded batch at a
// time.
func (p *Pipeline) processPending(ctx context.Context, _ scheduler.Task) error {
	now := p.now().UTC()
	indices, err := p.d.Store.RecentIndices(ctx, now.Add(-2*time.Hour))
	if err != nil {
		return err
	}
	hot := lo.Filter(indices, func(idx *model.WeatherIndex, _ int) bool {
		return idx.Composite >= p.d.Tasks.TriggerStress
	})
	batch := lo.Slice(hot, 0, p.d.Tasks.PendingBatch)

	bundled := 0
	for _, idx := range batch {
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
		if _, err := p.d.Bundler.AssembleAndPublish(ctx, idx.PlotID, idx.PolicyID, w, model.TriggerScheduled); err != nil {
			if fault.Is(err, fault.InsufficientData) {
				log.Debug().Str("plot_id", idx.PlotID).Msg("window not assessable yet")
				continue
			}
			log.Warn().Err(err).Str("plot_id", idx.PlotID).Msg("pending assessment failed")
			continue
		}
		bundled++
	}

	if len(batch) > 0 {
		log.Info().Int("candidates", len(batch)).Int("bundled", bundled).
			Msg("pending assessments processed")
	}
	return nil
}

// archiveAssessments flags settled assessments past the archive age, oldest
// first, one bounded batch per run.
func (p *Pipeline) archiveAssessments(ctx context.Context, _ scheduler.Task) error {
	cutoff := p.now().UTC().AddDate(0, 0, -p.d.Retention.ArchiveDays)
	settled := []model.PayoutStatus{model.PayoutCompleted, model.PayoutRejected, model.PayoutApproved}

	n, err := p.d.Store.ArchiveAssessments(ctx, settled, cutoff, archiveBatch)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int64("archived", n).Time("cutoff", cutoff).Msg("assessments archived")
	}
	return nil
}
