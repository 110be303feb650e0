// Package satellite owns the subscription lifecycle and the biomass intake.
// Status transitions are monotone: a terminal record never changes, and
// every applied transition leaves an audit row.
package satellite

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/biomass"
	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/clients/planet"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
)

const (
	// lowQualityWindow and lowQualityLimit tune the delivery-quality alert:
	// more than the limit of low-grade observations inside the window flags
	// the plot.
	lowQualityWindow = 7 * 24 * time.Hour
	lowQualityLimit  = 3
)

// Store is the slice of the persistence layer the manager touches.
type Store interface {
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	SubscriptionByID(ctx context.Context, id string) (*model.Subscription, error)
	OpenSubscription(ctx context.Context, policyID, plotID string) (*model.Subscription, error)
	SubscriptionsByStatus(ctx context.Context, status model.SubscriptionStatus) ([]*model.Subscription, error)
	SubscriptionsPastEnd(ctx context.Context, at time.Time) ([]*model.Subscription, error)
	TransitionSubscription(ctx context.Context, id string, from, to model.SubscriptionStatus, reason, changedBy string) error
	UpsertPlot(ctx context.Context, id string, geom model.Geometry) error
	UpsertBiomass(ctx context.Context, samples []model.BiomassSample) (int, error)
	BiomassSeries(ctx context.Context, plotID string, limit int) ([]model.BiomassSample, error)
	LowQualityCounts(ctx context.Context, since time.Time) (map[string]int, error)
	DeleteStaleBiomass(ctx context.Context, cutoff time.Time) (int64, error)
}

// Broadcaster pushes biomass and quality events to websocket clients.
type Broadcaster interface {
	Broadcast(event, plotID string, payload any)
	Alert(event, plotID string, payload any)
}

// Manager drives the subscription state machine and biomass persistence.
type Manager struct {
	store   Store
	client  planet.Client
	ws      Broadcaster
	cache   *cache.Cache
	reducer *biomass.Reducer
	cfg     biomass.Config
	now     func() time.Time
}

func NewManager(store Store, client planet.Client, ws Broadcaster, c *cache.Cache, cfg biomass.Config) *Manager {
	return &Manager{
		store:   store,
		client:  client,
		ws:      ws,
		cache:   c,
		reducer: biomass.NewReducer(cfg),
		cfg:     cfg,
		now:     time.Now,
	}
}

// EnsureSubscription orders satellite delivery for a plot, idempotent per
// (policy, plot): an existing non-terminal record is returned unchanged. A
// create that the upstream rejects persists a failed record carrying the
// fault message, so the attempt is visible in the audit trail.
func (m *Manager) EnsureSubscription(ctx context.Context, policyID, plotID string, geom model.Geometry, start, end time.Time) (*model.Subscription, error) {
	if err := geom.Validate(); err != nil {
		return nil, fault.Wrap(fault.Permanent, "satellite.ensure", err)
	}
	if !end.After(start) {
		return nil, fault.New(fault.Permanent, "satellite.ensure",
			"coverage end %s not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	existing, err := m.store.OpenSubscription(ctx, policyID, plotID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Debug().Str("subscription", existing.ID).Str("plot_id", plotID).
			Msg("plot already has an open subscription")
		return existing, nil
	}

	// Geometry feeds station search and the geometry endpoint even when the
	// upstream order fails.
	if err := m.store.UpsertPlot(ctx, plotID, geom); err != nil {
		return nil, err
	}

	upstreamID, createErr := m.client.Create(ctx, policyID, plotID, geom, start, end)
	if createErr != nil {
		m.persistFailedCreate(ctx, policyID, plotID, geom, start, end, createErr)
		return nil, createErr
	}

	now := m.now().UTC()
	sub := &model.Subscription{
		ID:        upstreamID,
		PolicyID:  policyID,
		PlotID:    plotID,
		Geometry:  geom,
		StartAt:   start.UTC(),
		EndAt:     end.UTC(),
		Status:    model.SubscriptionRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	if err := m.store.TransitionSubscription(ctx, sub.ID,
		model.SubscriptionRequested, model.SubscriptionActive,
		"Upstream subscription created", "system"); err != nil {
		return nil, err
	}

	log.Info().Str("subscription", sub.ID).Str("policy_id", policyID).Str("plot_id", plotID).
		Time("start", sub.StartAt).Time("end", sub.EndAt).Msg("subscription activated")
	return m.store.SubscriptionByID(ctx, sub.ID)
}

// persistFailedCreate records a rejected order. The upstream assigned no id,
// so the tombstone gets a local one.
func (m *Manager) persistFailedCreate(ctx context.Context, policyID, plotID string, geom model.Geometry, start, end time.Time, cause error) {
	now := m.now().UTC()
	sub := &model.Subscription{
		ID:        "local-" + uuid.NewString(),
		PolicyID:  policyID,
		PlotID:    plotID,
		Geometry:  geom,
		StartAt:   start.UTC(),
		EndAt:     end.UTC(),
		Status:    model.SubscriptionRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		log.Error().Err(err).Str("plot_id", plotID).Msg("persisting failed subscription record")
		return
	}
	if err := m.store.TransitionSubscription(ctx, sub.ID,
		model.SubscriptionRequested, model.SubscriptionFailed,
		cause.Error(), "system"); err != nil {
		log.Error().Err(err).Str("subscription", sub.ID).Msg("marking subscription failed")
	}
}

// SweepStatuses refreshes every active subscription: past-end records are
// marked expired, and upstream terminal states are applied when the machine
// admits them. One broken record never sinks the sweep.
func (m *Manager) SweepStatuses(ctx context.Context) (int, error) {
	subs, err := m.store.SubscriptionsByStatus(ctx, model.SubscriptionActive)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, sub := range subs {
		var target model.SubscriptionStatus
		var reason string

		if m.now().After(sub.EndAt) {
			target, reason = model.SubscriptionExpired, "Coverage window ended"
		} else {
			upstream, err := m.client.Status(ctx, sub.ID)
			if err != nil {
				log.Warn().Err(err).Str("subscription", sub.ID).Msg("upstream status check failed")
				continue
			}
			switch upstream {
			case model.SubscriptionCancelled:
				target, reason = model.SubscriptionCancelled, "Upstream reports cancelled"
			case model.SubscriptionExpired:
				target, reason = model.SubscriptionExpired, "Upstream reports completed"
			case model.SubscriptionFailed:
				// active -> failed is not a lawful move; surface for an operator.
				log.Warn().Str("subscription", sub.ID).Msg("upstream reports failed for an active subscription")
				continue
			default:
				continue
			}
		}

		err := m.store.TransitionSubscription(ctx, sub.ID, model.SubscriptionActive, target, reason, "sweep")
		if fault.Is(err, fault.Conflict) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("subscription", sub.ID).Msg("sweep transition failed")
			continue
		}
		applied++
	}

	log.Info().Int("checked", len(subs)).Int("applied", applied).Msg("subscription sweep finished")
	return applied, nil
}

// biomassUpdate is the websocket payload for refreshed deliveries.
type biomassUpdate struct {
	NewObservations int       `json:"new_observations"`
	LatestDate      time.Time `json:"latest_date"`
}

// FetchLatestBiomass pulls the rolling delivery window for every active
// subscription, discards cloud-contaminated observations, and upserts the
// rest keyed by (plot, observation date) so corrections overwrite.
func (m *Manager) FetchLatestBiomass(ctx context.Context) (int, error) {
	subs, err := m.store.SubscriptionsByStatus(ctx, model.SubscriptionActive)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, sub := range subs {
		samples, err := m.client.LatestBiomass(ctx, sub.ID, sub.PlotID, m.cfg.RollingObservations)
		if err != nil {
			log.Warn().Err(err).Str("subscription", sub.ID).Str("plot_id", sub.PlotID).
				Msg("biomass fetch failed")
			continue
		}

		kept := make([]model.BiomassSample, 0, len(samples))
		for _, s := range samples {
			if s.CloudCover > m.cfg.MaxCloudCover {
				log.Debug().Str("plot_id", sub.PlotID).Time("date", s.Date).
					Float64("cloud_cover", s.CloudCover).Msg("discarding cloud-contaminated observation")
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			continue
		}

		n, err := m.store.UpsertBiomass(ctx, kept)
		if err != nil {
			log.Warn().Err(err).Str("plot_id", sub.PlotID).Msg("biomass upsert failed")
			continue
		}
		total += n
		if err := m.cache.Delete(ctx, cache.BiomassSummaryKey(sub.PlotID)); err != nil {
			log.Warn().Err(err).Str("plot_id", sub.PlotID).Msg("biomass summary invalidation failed")
		}
		m.ws.Broadcast("biomass", sub.PlotID, biomassUpdate{
			NewObservations: n,
			LatestDate:      kept[len(kept)-1].Date,
		})
	}

	log.Info().Int("subscriptions", len(subs)).Int("observations", total).Msg("biomass fetch finished")
	return total, nil
}

// CancelExpired cancels delivery upstream for active subscriptions whose
// coverage has ended, then marks them cancelled. Records the status sweep
// already expired are terminal and out of reach here.
func (m *Manager) CancelExpired(ctx context.Context) (int, error) {
	subs, err := m.store.SubscriptionsPastEnd(ctx, m.now())
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, sub := range subs {
		if err := m.client.Cancel(ctx, sub.ID); err != nil {
			// Leave the record active; the next run retries the upstream.
			log.Warn().Err(err).Str("subscription", sub.ID).Msg("upstream cancel failed")
			continue
		}
		err := m.store.TransitionSubscription(ctx, sub.ID,
			model.SubscriptionActive, model.SubscriptionCancelled, "Policy expired", "system")
		if fault.Is(err, fault.Conflict) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("subscription", sub.ID).Msg("cancel transition failed")
			continue
		}
		cancelled++
	}

	log.Info().Int("candidates", len(subs)).Int("cancelled", cancelled).Msg("expired-subscription cancel finished")
	return cancelled, nil
}

// Cancel ends one subscription on request: upstream first, then the guarded
// transition. Cancelling an already-cancelled record is a no-op; any other
// terminal record is a conflict for the caller to surface.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	sub, err := m.store.SubscriptionByID(ctx, id)
	if err != nil {
		return err
	}
	switch sub.Status {
	case model.SubscriptionCancelled:
		return nil
	case model.SubscriptionActive:
	default:
		return fault.New(fault.Conflict, "satellite.cancel", "subscription %s is %s, not active", id, sub.Status)
	}

	if err := m.client.Cancel(ctx, sub.ID); err != nil {
		return err
	}
	if err := m.store.TransitionSubscription(ctx, id,
		model.SubscriptionActive, model.SubscriptionCancelled, "Cancelled by request", "api"); err != nil {
		return err
	}
	log.Info().Str("subscription", id).Str("plot_id", sub.PlotID).Msg("subscription cancelled on request")
	return nil
}

// qualityAlert is the websocket payload for degraded delivery quality.
type qualityAlert struct {
	LowQualityCount int    `json:"low_quality_count"`
	Window          string `json:"window"`
}

// MonitorQuality flags plots whose recent deliveries are mostly cloud-graded
// low, and returns the flagged plot ids.
func (m *Manager) MonitorQuality(ctx context.Context) ([]string, error) {
	counts, err := m.store.LowQualityCounts(ctx, m.now().Add(-lowQualityWindow))
	if err != nil {
		return nil, err
	}

	var flagged []string
	for plotID, n := range counts {
		if n <= lowQualityLimit {
			continue
		}
		flagged = append(flagged, plotID)
		log.Warn().Str("plot_id", plotID).Int("low_quality_count", n).
			Msg("biomass delivery quality degraded")
		m.ws.Alert("biomass_quality", plotID, qualityAlert{
			LowQualityCount: n,
			Window:          lowQualityWindow.String(),
		})
	}
	return flagged, nil
}

// Summary reduces the stored series for one plot. Fewer observations than
// the configured minimum is InsufficientData.
func (m *Manager) Summary(ctx context.Context, plotID string) (*model.BiomassSummary, error) {
	samples, err := m.store.BiomassSeries(ctx, plotID, m.cfg.RollingObservations)
	if err != nil {
		return nil, err
	}
	return m.reducer.Reduce(plotID, samples)
}

// CleanupStale drops biomass rows older than the cutoff for plots with no
// active subscription.
func (m *Manager) CleanupStale(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := m.store.DeleteStaleBiomass(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("stale biomass rows deleted")
	}
	return n, nil
}
