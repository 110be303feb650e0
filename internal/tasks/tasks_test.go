package tasks

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/config"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
	"microcrop-processor/internal/scheduler"
	"microcrop-processor/internal/store"
	"microcrop-processor/internal/weather"
)

var testNow = time.Date(2026, 6, 10, 14, 30, 0, 0, time.UTC)

// env bundles a pipeline with every collaborator faked except the cache and
// the index engine, which are cheap enough to run for real.
type env struct {
	p     *Pipeline
	st    *fakeStore
	wx    *fakeWeather
	subs  *fakeSubs
	bun   *fakeBundler
	sched *fakeSubmitter
	ws    *fakeBroadcaster
	mr    *miniredis.Miniredis
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })

	e := &env{
		st:    newFakeStore(),
		wx:    &fakeWeather{},
		subs:  &fakeSubs{},
		bun:   &fakeBundler{},
		sched: &fakeSubmitter{},
		ws:    &fakeBroadcaster{},
		mr:    mr,
	}
	e.p = New(Deps{
		Store:             e.st,
		Cache:             c,
		Weather:           e.wx,
		Engine:            weather.NewEngine(weather.DefaultThresholds()),
		Subs:              e.subs,
		Bundler:           e.bun,
		Submitter:         e.sched,
		WS:                e.ws,
		WeatherConfigured: true,
		Tasks: config.TasksConfig{
			TriggerStress:        0.5,
			AssessmentWindowDays: 7,
			PendingBatch:         2,
			ActiveWindowDays:     30,
		},
		Retention: config.RetentionConfig{
			WeatherDays:    730,
			BiomassDays:    365,
			QuarantineDays: 90,
			ArchiveDays:    365,
		},
		TTL: config.CacheTTLConfig{
			Current: 5 * time.Minute,
			Index:   time.Hour,
		},
	})
	e.p.now = func() time.Time { return testNow }
	return e
}

// taskFor wraps a payload the way the scheduler would deliver it.
func taskFor(t *testing.T, kind string, payload any) scheduler.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return scheduler.Task{ID: "t-1", Kind: kind, Payload: raw, Attempt: 1, EnqueuedAt: testNow}
}

func sample(stationID string, at time.Time, tempC, rainMM float64) model.StationSample {
	return model.StationSample{
		StationID:   stationID,
		Timestamp:   at,
		Latitude:    -1.25,
		Longitude:   36.85,
		Temperature: tempC,
		Rainfall:    rainMM,
		Humidity:    62,
		Pressure:    model.DefaultPressure,
		Quality:     0.9,
	}
}

func indexFor(plotID, policyID string, composite float64) *model.WeatherIndex {
	w := model.NewWindow(testNow.Add(-25*time.Hour), testNow.Add(-time.Hour))
	return &model.WeatherIndex{
		ID:        model.IndexID(plotID, policyID, w),
		PlotID:    plotID,
		PolicyID:  policyID,
		Window:    w,
		Composite: composite,
		Dominant:  model.StressDrought,
		CreatedAt: testNow.Add(-30 * time.Minute),
	}
}

type fakeStore struct {
	mu sync.Mutex

	plots    []store.PlotRef
	plotsErr error

	inserted  map[string][]model.StationSample
	insertErr error

	windows map[string][]model.StationSample

	indices []*model.WeatherIndex

	recent    []*model.WeatherIndex
	recentErr error

	covered    map[string]bool
	coveredErr error

	archived        int64
	archiveStatuses []model.PayoutStatus
	archiveCutoff   time.Time
	archiveLimit    int

	pendingCount int64
	pendingErr   error
	sampleCount  int64
	plotCount    int64
	subCounts    map[model.SubscriptionStatus]int64

	sampleBatches []int64
	sampleCutoff  time.Time
	sampleLimit   int
	deleteCalls   int

	quarantineRows   int64
	quarantineCutoff time.Time

	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		inserted: make(map[string][]model.StationSample),
		windows:  make(map[string][]model.StationSample),
		covered:  make(map[string]bool),
	}
}

func (f *fakeStore) ActivePlots(_ context.Context, _ time.Time) ([]store.PlotRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.plotsErr != nil {
		return nil, f.plotsErr
	}
	return append([]store.PlotRef(nil), f.plots...), nil
}

func (f *fakeStore) InsertSamples(_ context.Context, plotID, _ string, samples []model.StationSample) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.inserted[plotID] = append(f.inserted[plotID], samples...)
	return len(samples), nil
}

func (f *fakeStore) SamplesForWindow(_ context.Context, plotID string, _ model.Window) ([]model.StationSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windows[plotID], nil
}

func (f *fakeStore) InsertIndex(_ context.Context, idx *model.WeatherIndex) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, have := range f.indices {
		if have.ID == idx.ID {
			return fault.New(fault.Conflict, "store.weather", "index %s already stored", idx.ID)
		}
	}
	f.indices = append(f.indices, idx)
	return nil
}

func (f *fakeStore) RecentIndices(_ context.Context, _ time.Time) ([]*model.WeatherIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return append([]*model.WeatherIndex(nil), f.recent...), nil
}

func (f *fakeStore) HasAssessmentSince(_ context.Context, plotID string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.coveredErr != nil {
		return false, f.coveredErr
	}
	return f.covered[plotID], nil
}

func (f *fakeStore) ArchiveAssessments(_ context.Context, statuses []model.PayoutStatus, cutoff time.Time, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archiveStatuses = statuses
	f.archiveCutoff = cutoff
	f.archiveLimit = limit
	return f.archived, nil
}

func (f *fakeStore) PendingAssessmentCount(_ context.Context) (int64, error) {
	if f.pendingErr != nil {
		return 0, f.pendingErr
	}
	return f.pendingCount, nil
}

func (f *fakeStore) SampleCountSince(_ context.Context, _ time.Time) (int64, error) {
	return f.sampleCount, nil
}

func (f *fakeStore) ActivePlotCount(_ context.Context, _ time.Time) (int64, error) {
	return f.plotCount, nil
}

func (f *fakeStore) SubscriptionStatusCounts(_ context.Context) (map[model.SubscriptionStatus]int64, error) {
	return f.subCounts, nil
}

func (f *fakeStore) DeleteOldSamples(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sampleCutoff = cutoff
	f.sampleLimit = limit
	call := f.deleteCalls
	f.deleteCalls++
	if call >= len(f.sampleBatches) {
		return 0, nil
	}
	return f.sampleBatches[call], nil
}

func (f *fakeStore) DeleteOldQuarantine(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quarantineCutoff = cutoff
	return f.quarantineRows, nil
}

func (f *fakeStore) Ping(_ context.Context) error { return f.pingErr }

// fakeWeather answers per-plot lookups from maps; plots missing from a map
// read as no station coverage.
type fakeWeather struct {
	mu      sync.Mutex
	current map[string]*model.StationSample
	history map[string][]model.StationSample
	err     error

	historyWindows []model.Window
}

func (f *fakeWeather) TestConnection(context.Context) error { return nil }

func (f *fakeWeather) Station(context.Context, string) (*model.Station, error) {
	return nil, fault.New(fault.InsufficientData, "weatherxm.station", "not stubbed")
}

func (f *fakeWeather) NearbyStations(context.Context, float64, float64, float64) ([]model.Station, error) {
	return nil, nil
}

func (f *fakeWeather) StationHistory(context.Context, string, model.Window) ([]model.StationSample, error) {
	return nil, nil
}

func (f *fakeWeather) CurrentConditions(_ context.Context, plotID string, _, _ float64) (*model.StationSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.current[plotID]
	if !ok {
		return nil, fault.New(fault.InsufficientData, "weatherxm.current", "no station near plot %s", plotID)
	}
	return s, nil
}

func (f *fakeWeather) PlotHistory(_ context.Context, plotID string, _, _ float64, w model.Window) ([]model.StationSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.historyWindows = append(f.historyWindows, w)
	h, ok := f.history[plotID]
	if !ok {
		return nil, fault.New(fault.InsufficientData, "weatherxm.history", "no stations near plot %s", plotID)
	}
	return h, nil
}

type fakeSubs struct {
	mu    sync.Mutex
	calls []string

	swept       int
	fetched     int
	cancelled   int
	flagged     []string
	staleRows   int64
	staleCutoff time.Time
	err         error
}

func (f *fakeSubs) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeSubs) SweepStatuses(context.Context) (int, error) {
	return f.swept, f.record("sweep")
}

func (f *fakeSubs) FetchLatestBiomass(context.Context) (int, error) {
	return f.fetched, f.record("fetch")
}

func (f *fakeSubs) CancelExpired(context.Context) (int, error) {
	return f.cancelled, f.record("cancel")
}

func (f *fakeSubs) MonitorQuality(context.Context) ([]string, error) {
	return f.flagged, f.record("quality")
}

func (f *fakeSubs) CleanupStale(_ context.Context, cutoff time.Time) (int64, error) {
	f.staleCutoff = cutoff
	return f.staleRows, f.record("cleanup")
}

type bundleCall struct {
	plotID, policyID string
	window           model.Window
	trigger          model.TriggerSource
}

type fakeBundler struct {
	mu    sync.Mutex
	calls []bundleCall
	errs  map[string]error
}

func (f *fakeBundler) AssembleAndPublish(_ context.Context, plotID, policyID string, w model.Window, trigger model.TriggerSource) (*model.Assessment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[plotID]; err != nil {
		return nil, err
	}
	f.calls = append(f.calls, bundleCall{plotID: plotID, policyID: policyID, window: w, trigger: trigger})
	return &model.Assessment{
		ID:            model.AssessmentID(plotID, policyID, w),
		PlotID:        plotID,
		PolicyID:      policyID,
		Window:        w,
		TriggerSource: trigger,
		DamageType:    model.DamageDrought,
	}, nil
}

type submission struct {
	kind    string
	payload any
	opts    scheduler.SubmitOptions
}

// fakeSubmitter accepts everything once per idempotency key, mirroring the
// scheduler's dedup contract.
type fakeSubmitter struct {
	mu   sync.Mutex
	subs []submission
	seen map[string]bool
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, kind string, payload any, opts ...scheduler.SubmitOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	var o scheduler.SubmitOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.IdempotencyKey != "" {
		if f.seen == nil {
			f.seen = make(map[string]bool)
		}
		key := kind + ":" + o.IdempotencyKey
		if f.seen[key] {
			return "", fault.Wrap(fault.Conflict, "scheduler.submit", scheduler.ErrDeduped)
		}
		f.seen[key] = true
	}
	f.subs = append(f.subs, submission{kind: kind, payload: payload, opts: o})
	return "task-" + strconv.Itoa(len(f.subs)), nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBroadcaster) Broadcast(event, plotID string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event+":"+plotID)
}

type fakeDepths map[scheduler.Queue]int

func (f fakeDepths) Depths() map[scheduler.Queue]int { return f }

type noQuarantine struct{}

func (noQuarantine) QuarantineTask(context.Context, store.QuarantinedTask) error { return nil }

func TestRegisterAndScheduleInstallEveryKind(t *testing.T) {
	e := newEnv(t)
	s := scheduler.New(config.SchedulerConfig{
		Enabled:     true,
		Concurrency: 1,
		QueueBuffer: 1,
		DedupTTL:    time.Minute,
		SoftLimit:   time.Second,
		HardLimit:   2 * time.Second,
		MaxAttempts: 1,
	}, e.p.d.Cache, noQuarantine{})

	if err := e.p.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// A second pass must trip the duplicate-kind guard on the first entry,
	// which proves the kind table itself holds no duplicates.
	if err := e.p.Register(s); err == nil {
		t.Fatal("second Register accepted duplicate kinds")
	}
	if err := e.p.Schedule(s); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
}
