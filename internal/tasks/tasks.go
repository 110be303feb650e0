// Package tasks holds the pipeline's background work: the weather sweep and
// its per-plot fan-out, daily index computation, trigger evaluation,
// subscription upkeep, assessment bundling, retention and the operational
// probes. Handlers are idempotent; the scheduler delivers at least once.
package tasks

import (
	"context"
	"time"

	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/clients/weatherxm"
	"microcrop-processor/internal/config"
	"microcrop-processor/internal/model"
	"microcrop-processor/internal/scheduler"
	"microcrop-processor/internal/store"
	"microcrop-processor/internal/weather"
)

// Task kinds. Names double as metric label values and dedup key prefixes.
const (
	KindSweepWeather       = "sweep-weather"
	KindFetchPlotWeather   = "fetch-plot-weather"
	KindDailyIndices       = "daily-weather-indices"
	KindCheckTriggers      = "check-weather-triggers"
	KindCheckSubscriptions = "check-subscriptions"
	KindFetchBiomass       = "fetch-latest-biomass"
	KindCancelExpiredSubs  = "cancel-expired-subs"
	KindMonitorQuality     = "monitor-biomass-quality"
	KindProcessPending     = "process-pending-assessments"
	KindProcessAssessment  = "process-assessment"
	KindArchiveAssessments = "archive-old-assessments"
	KindCleanupRetention   = "cleanup-biomass-cache"
	KindCollectMetrics     = "collect-metrics"
	KindHealthCheck        = "health-check"
)

const (
	// archiveBatch bounds one archive pass.
	archiveBatch = 100
	// retentionBatch bounds one raw-sample delete; the cleanup loops until a
	// short batch signals the backlog is gone.
	retentionBatch = 10000
	// recentHistory is how far back each plot fetch reaches. Wide enough to
	// ride out a few missed sweeps; re-delivered rows dedup on insert.
	recentHistory = 6 * time.Hour
)

// Store is the slice of the persistence layer the handlers touch.
type Store interface {
	ActivePlots(ctx context.Context, sampleCutoff time.Time) ([]store.PlotRef, error)
	InsertSamples(ctx context.Context, plotID, policyID string, samples []model.StationSample) (int, error)
	SamplesForWindow(ctx context.Context, plotID string, w model.Window) ([]model.StationSample, error)
	InsertIndex(ctx context.Context, idx *model.WeatherIndex) error
	RecentIndices(ctx context.Context, since time.Time) ([]*model.WeatherIndex, error)
	HasAssessmentSince(ctx context.Context, plotID string, cutoff time.Time) (bool, error)
	ArchiveAssessments(ctx context.Context, statuses []model.PayoutStatus, cutoff time.Time, limit int) (int64, error)
	PendingAssessmentCount(ctx context.Context) (int64, error)
	SampleCountSince(ctx context.Context, cutoff time.Time) (int64, error)
	ActivePlotCount(ctx context.Context, cutoff time.Time) (int64, error)
	SubscriptionStatusCounts(ctx context.Context) (map[model.SubscriptionStatus]int64, error)
	DeleteOldSamples(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	DeleteOldQuarantine(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// SubscriptionManager is the satellite lifecycle surface the planet-queue
// tasks drive.
type SubscriptionManager interface {
	SweepStatuses(ctx context.Context) (int, error)
	FetchLatestBiomass(ctx context.Context) (int, error)
	CancelExpired(ctx context.Context) (int, error)
	MonitorQuality(ctx context.Context) ([]string, error)
	CleanupStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Assessor bundles and publishes one assessment.
type Assessor interface {
	AssembleAndPublish(ctx context.Context, plotID, policyID string, w model.Window, trigger model.TriggerSource) (*model.Assessment, error)
}

// Broadcaster pushes plot events to websocket clients.
type Broadcaster interface {
	Broadcast(event, plotID string, payload any)
}

// DepthReporter exposes queue backlogs for the metrics sweep.
type DepthReporter interface {
	Depths() map[scheduler.Queue]int
}

// Deps wires the pipeline handlers to the rest of the process.
type Deps struct {
	Store     Store
	Cache     *cache.Cache
	Weather   weatherxm.Client
	Engine    *weather.Engine
	Subs      SubscriptionManager
	Bundler   Assessor
	Submitter scheduler.Submitter
	WS        Broadcaster
	Depths    DepthReporter

	// WeatherConfigured feeds the health check; a live probe is not the
	// point, a missing API key is.
	WeatherConfigured bool

	Tasks     config.TasksConfig
	Retention config.RetentionConfig
	TTL       config.CacheTTLConfig
}

// Pipeline owns the handlers.
type Pipeline struct {
	d   Deps
	now func() time.Time
}

func New(d Deps) *Pipeline {
	return &Pipeline{d: d, now: time.Now}
}

// Register binds every kind to its queue.
func (p *Pipeline) Register(s *scheduler.Scheduler) error {
	regs := []struct {
		kind    string
		queue   scheduler.Queue
		handler scheduler.Handler
	}{
		{KindSweepWeather, scheduler.QueueWeather, p.sweepWeather},
		{KindFetchPlotWeather, scheduler.QueueWeather, p.fetchPlotWeather},
		{KindDailyIndices, scheduler.QueueWeather, p.dailyIndices},
		{KindCheckTriggers, scheduler.QueueWeather, p.checkTriggers},
		{KindCheckSubscriptions, scheduler.QueuePlanet, p.checkSubscriptions},
		{KindFetchBiomass, scheduler.QueuePlanet, p.fetchBiomass},
		{KindCancelExpiredSubs, scheduler.QueuePlanet, p.cancelExpiredSubs},
		{KindMonitorQuality, scheduler.QueuePlanet, p.monitorQuality},
		{KindCleanupRetention, scheduler.QueuePlanet, p.cleanupRetention},
		{KindProcessPending, scheduler.QueueDamage, p.processPending},
		{KindProcessAssessment, scheduler.QueueDamage, p.processAssessment},
		{KindArchiveAssessments, scheduler.QueueDamage, p.archiveAssessments},
		{KindCollectMetrics, scheduler.QueueDefault, p.collectMetrics},
		{KindHealthCheck, scheduler.QueueDefault, p.healthCheck},
	}
	for _, r := range regs {
		if err := s.Register(r.kind, r.queue, r.handler); err != nil {
			return err
		}
	}
	return nil
}

// Schedule installs the periodic table. All specs evaluate in UTC.
func (p *Pipeline) Schedule(s *scheduler.Scheduler) error {
	entries := []struct{ spec, kind string }{
		{"*/5 * * * *", KindSweepWeather},
		{"0 0 * * *", KindDailyIndices},
		{"*/10 * * * *", KindCheckTriggers},
		{"0 */6 * * *", KindCheckSubscriptions},
		{"0 2 * * *", KindFetchBiomass},
		{"0 3 * * *", KindCancelExpiredSubs},
		{"0 4 * * *", KindMonitorQuality},
		{"*/10 * * * *", KindProcessPending},
		{"30 2 * * *", KindArchiveAssessments},
		{"0 5 * * 0", KindCleanupRetention},
		{"*/5 * * * *", KindCollectMetrics},
		{"* * * * *", KindHealthCheck},
	}
	for _, e := range entries {
		if err := s.AddCron(e.spec, e.kind); err != nil {
			return err
		}
	}
	return nil
}
