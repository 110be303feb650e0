package evidence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/config"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/metrics"
	"microcrop-processor/internal/model"
)

// SchemaVersion stamps every evidence document; bump on layout changes.
const SchemaVersion = "1.0"

// Store is the slice of the persistence layer the bundler touches.
type Store interface {
	Assessment(ctx context.Context, id string) (*model.Assessment, error)
	IndexCovering(ctx context.Context, plotID string, w model.Window) (*model.WeatherIndex, error)
	InsertAssessment(ctx context.Context, a *model.Assessment) error
}

// Summarizer supplies the optional biomass side of a bundle.
type Summarizer interface {
	Summary(ctx context.Context, plotID string) (*model.BiomassSummary, error)
}

// Pinner publishes canonical bytes and returns their content id.
type Pinner interface {
	PinJSON(ctx context.Context, name string, keyvalues map[string]string, payload []byte) (string, int64, error)
}

// Alerter fans an event out to plot subscribers and the alert stream.
type Alerter interface {
	Alert(event, plotID string, payload any)
}

// Document is the evidence bundle layout. Field order is irrelevant; the
// canonical encoding sorts keys at every depth.
type Document struct {
	SchemaVersion string                `json:"schema_version"`
	AssessmentID  string                `json:"assessment_id"`
	PlotID        string                `json:"plot_id"`
	PolicyID      string                `json:"policy_id"`
	WindowStart   time.Time             `json:"window_start"`
	WindowEnd     time.Time             `json:"window_end"`
	TriggerSource model.TriggerSource   `json:"trigger_source"`
	Index         model.WeatherIndex    `json:"index"`
	Biomass       *model.BiomassSummary `json:"biomass,omitempty"`
	Gaps          []string              `json:"gaps,omitempty"`
	Stations      []string              `json:"stations"`
	GeneratedAt   time.Time             `json:"generated_at"`
}

// Bundler assembles damage evidence, pins it, and records the assessment.
// It never mutates existing rows; payout fields stay at their defaults for
// the external settlement workflow to own.
type Bundler struct {
	store   Store
	summary Summarizer
	pinner  Pinner
	cache   *cache.Cache
	alerts  Alerter
	cfg     config.TasksConfig
	now     func() time.Time
}

func NewBundler(store Store, summary Summarizer, pinner Pinner, c *cache.Cache, alerts Alerter, cfg config.TasksConfig) *Bundler {
	return &Bundler{
		store:   store,
		summary: summary,
		pinner:  pinner,
		cache:   c,
		alerts:  alerts,
		cfg:     cfg,
		now:     time.Now,
	}
}

// AssembleAndPublish builds the evidence bundle for one plot, policy and
// window, pins the canonical document, and inserts the assessment row. The
// assessment id is deterministic in (plot, policy, window), so bundling the
// same window twice returns the stored row and its cid without pinning
// again.
func (b *Bundler) AssembleAndPublish(ctx context.Context, plotID, policyID string, w model.Window, trigger model.TriggerSource) (*model.Assessment, error) {
	if err := w.Validate(); err != nil {
		return nil, fault.Wrap(fault.Permanent, "evidence.assemble", err)
	}
	id := model.AssessmentID(plotID, policyID, w)

	existing, err := b.store.Assessment(ctx, id)
	if err == nil {
		log.Debug().Str("assessment_id", id).Str("plot_id", plotID).
			Msg("window already assessed, returning stored evidence")
		return existing, nil
	}
	if !fault.Is(err, fault.InsufficientData) {
		return nil, err
	}

	// The bundler never computes indices; a window nobody has scored yet is
	// not assessable.
	idx, err := b.store.IndexCovering(ctx, plotID, w)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, fault.New(fault.InsufficientData, "evidence.assemble",
			"no weather index covering %s for plot %s", w.Key(), plotID)
	}

	doc := Document{
		SchemaVersion: SchemaVersion,
		AssessmentID:  id,
		PlotID:        plotID,
		PolicyID:      policyID,
		WindowStart:   w.Start.UTC(),
		WindowEnd:     w.End.UTC(),
		TriggerSource: trigger,
		Index:         normalizeIndex(*idx),
		Stations:      idx.Stations,
		GeneratedAt:   b.now().UTC().Truncate(time.Second),
	}

	summary, err := b.summary.Summary(ctx, plotID)
	switch {
	case err == nil:
		s := *summary
		s.LastUpdated = s.LastUpdated.UTC()
		doc.Biomass = &s
	case fault.Is(err, fault.InsufficientData):
		doc.Gaps = append(doc.Gaps, "biomass summary unavailable")
	default:
		return nil, err
	}

	payload, err := Canonical(doc)
	if err != nil {
		return nil, err
	}

	cid, size, err := b.pinner.PinJSON(ctx, "damage_proof_"+id, map[string]string{
		"type":      "damage_proof",
		"plot_id":   plotID,
		"policy_id": policyID,
	}, payload)
	if err != nil {
		return nil, err
	}
	metrics.EvidencePinned.Inc()
	metrics.EvidencePinnedBytes.Add(float64(len(payload)))

	a := &model.Assessment{
		ID:            id,
		PlotID:        plotID,
		PolicyID:      policyID,
		Window:        model.NewWindow(w.Start, w.End),
		TriggerSource: trigger,
		DamageType:    model.DamageTypeFor(idx.Dominant),
		Severity:      assessmentSeverity(idx),
		EvidenceCID:   cid,
		SumInsured:    b.cfg.SumInsured,
		MaxPayout:     b.cfg.MaxPayout,
		PayoutStatus:  model.PayoutPending,
		CreatedAt:     b.now().UTC(),
	}
	if err := b.store.InsertAssessment(ctx, a); err != nil {
		if fault.Is(err, fault.Conflict) {
			// Lost a race with a concurrent bundle of the same window; the
			// stored row is authoritative.
			return b.store.Assessment(ctx, id)
		}
		return nil, err
	}

	metrics.AssessmentsCreated.WithLabelValues(string(trigger)).Inc()
	if err := b.cache.Delete(ctx, cache.AssessmentsKey(plotID)); err != nil {
		log.Warn().Err(err).Str("plot_id", plotID).Msg("assessment cache invalidation failed")
	}
	b.alerts.Alert("assessment", plotID, a)

	log.Info().
		Str("assessment_id", id).
		Str("plot_id", plotID).
		Str("policy_id", policyID).
		Str("cid", cid).
		Int64("pinned_size", size).
		Str("damage_type", string(a.DamageType)).
		Str("severity", a.Severity).
		Msg("evidence bundle published")
	return a, nil
}

// assessmentSeverity picks the label of the dominant sub-index. Combined
// stress anchors on drought, its qualifying component.
func assessmentSeverity(idx *model.WeatherIndex) string {
	switch idx.Dominant {
	case model.StressDrought, model.StressCombined:
		return idx.Severity.Drought
	case model.StressFlood:
		return idx.Severity.Flood
	case model.StressHeat:
		return idx.Severity.Heat
	default:
		return "none"
	}
}

// normalizeIndex pins every timestamp to UTC so the canonical rendering does
// not depend on the zone the driver scanned into.
func normalizeIndex(idx model.WeatherIndex) model.WeatherIndex {
	idx.Window = model.NewWindow(idx.Window.Start, idx.Window.End)
	idx.CreatedAt = idx.CreatedAt.UTC()
	return idx
}
