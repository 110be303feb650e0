package satellite

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"microcrop-processor/internal/biomass"
	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func polygon() model.Geometry {
	return model.Geometry{
		Type: "Polygon",
		Coordinates: [][][2]float64{{
			{36.8, -1.3}, {36.9, -1.3}, {36.9, -1.2}, {36.8, -1.2}, {36.8, -1.3},
		}},
	}
}

type fakeStore struct {
	mu      sync.Mutex
	subs    map[string]*model.Subscription
	events  []model.SubscriptionEvent
	plots   map[string]model.Geometry
	biomass map[string][]model.BiomassSample
	lowQ    map[string]int
	stale   int64
	cutoff  time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:    make(map[string]*model.Subscription),
		plots:   make(map[string]model.Geometry),
		biomass: make(map[string][]model.BiomassSample),
	}
}

func (f *fakeStore) CreateSubscription(_ context.Context, sub *model.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.ID]; ok {
		return fault.New(fault.Conflict, "store.subscription", "subscription %s already exists", sub.ID)
	}
	cp := *sub
	f.subs[sub.ID] = &cp
	return nil
}

func (f *fakeStore) SubscriptionByID(_ context.Context, id string) (*model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, fault.New(fault.InsufficientData, "store.subscription", "subscription %s not found", id)
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeStore) OpenSubscription(_ context.Context, policyID, plotID string) (*model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.PolicyID != policyID || sub.PlotID != plotID {
			continue
		}
		if sub.Status == model.SubscriptionRequested || sub.Status == model.SubscriptionActive {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SubscriptionsByStatus(_ context.Context, status model.SubscriptionStatus) ([]*model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Subscription
	for _, sub := range f.subs {
		if sub.Status == status {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) SubscriptionsPastEnd(_ context.Context, at time.Time) ([]*model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Subscription
	for _, sub := range f.subs {
		if sub.Status == model.SubscriptionActive && sub.EndAt.Before(at) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) TransitionSubscription(_ context.Context, id string, from, to model.SubscriptionStatus, reason, changedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !from.CanTransition(to) {
		return fault.New(fault.Permanent, "store.subscription", "transition %s -> %s not allowed", from, to)
	}
	sub, ok := f.subs[id]
	if !ok || sub.Status != from {
		return fault.New(fault.Conflict, "store.subscription", "subscription %s is no longer %s", id, from)
	}
	sub.Status = to
	sub.UpdatedAt = testNow
	f.events = append(f.events, model.SubscriptionEvent{
		SubscriptionID: id, OldStatus: from, NewStatus: to,
		Reason: reason, ChangedBy: changedBy, At: testNow,
	})
	return nil
}

func (f *fakeStore) UpsertPlot(_ context.Context, id string, geom model.Geometry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plots[id] = geom
	return nil
}

func (f *fakeStore) UpsertBiomass(_ context.Context, samples []model.BiomassSample) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range samples {
		f.biomass[s.PlotID] = append(f.biomass[s.PlotID], s)
	}
	return len(samples), nil
}

func (f *fakeStore) BiomassSeries(_ context.Context, plotID string, limit int) ([]model.BiomassSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	series := f.biomass[plotID]
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	return append([]model.BiomassSample(nil), series...), nil
}

func (f *fakeStore) LowQualityCounts(_ context.Context, _ time.Time) (map[string]int, error) {
	return f.lowQ, nil
}

func (f *fakeStore) DeleteStaleBiomass(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoff = cutoff
	return f.stale, nil
}

func (f *fakeStore) seedSubscription(id string, status model.SubscriptionStatus, end time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[id] = &model.Subscription{
		ID: id, PolicyID: "pol-" + id, PlotID: "plot-" + id,
		Geometry: polygon(),
		StartAt:  testNow.AddDate(0, -3, 0), EndAt: end,
		Status:    status,
		CreatedAt: testNow.AddDate(0, -3, 0), UpdatedAt: testNow.AddDate(0, -3, 0),
	}
}

func (f *fakeStore) eventFor(id string) *model.SubscriptionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.events {
		if f.events[i].SubscriptionID == id {
			return &f.events[i]
		}
	}
	return nil
}

type fakePlanet struct {
	mu         sync.Mutex
	createID   string
	createErr  error
	creates    int
	statuses   map[string]model.SubscriptionStatus
	statusErr  map[string]error
	cancelErr  map[string]error
	cancelled  []string
	biomass    map[string][]model.BiomassSample
	biomassErr map[string]error
}

func newFakePlanet() *fakePlanet {
	return &fakePlanet{
		createID:   "ps-sub-1",
		statuses:   make(map[string]model.SubscriptionStatus),
		statusErr:  make(map[string]error),
		cancelErr:  make(map[string]error),
		biomass:    make(map[string][]model.BiomassSample),
		biomassErr: make(map[string]error),
	}
}

func (f *fakePlanet) Create(context.Context, string, string, model.Geometry, time.Time, time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createID, nil
}

func (f *fakePlanet) Status(_ context.Context, id string) (model.SubscriptionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusErr[id]; err != nil {
		return "", err
	}
	if st, ok := f.statuses[id]; ok {
		return st, nil
	}
	return model.SubscriptionActive, nil
}

func (f *fakePlanet) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.cancelErr[id]; err != nil {
		return err
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakePlanet) LatestBiomass(_ context.Context, subID, _ string, _ int) ([]model.BiomassSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.biomassErr[subID]; err != nil {
		return nil, err
	}
	return f.biomass[subID], nil
}

type fakeBroadcaster struct {
	mu         sync.Mutex
	broadcasts []string
	alerts     []string
}

func (f *fakeBroadcaster) Broadcast(event, plotID string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, event+":"+plotID)
}

func (f *fakeBroadcaster) Alert(event, plotID string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, event+":"+plotID)
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, *fakePlanet, *fakeBroadcaster, *miniredis.Miniredis) {
	t.Helper()
	st := newFakeStore()
	pl := newFakePlanet()
	ws := &fakeBroadcaster{}
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	m := NewManager(st, pl, ws, c, biomass.DefaultConfig())
	m.now = func() time.Time { return testNow }
	return m, st, pl, ws, mr
}

func TestEnsureSubscriptionActivates(t *testing.T) {
	m, st, pl, _, _ := newTestManager(t)
	start, end := testNow.AddDate(0, 0, -1), testNow.AddDate(0, 3, 0)

	sub, err := m.EnsureSubscription(context.Background(), "pol-1", "plot-1", polygon(), start, end)
	if err != nil {
		t.Fatalf("EnsureSubscription() error = %v", err)
	}
	if sub.ID != "ps-sub-1" {
		t.Errorf("id = %q, want upstream id ps-sub-1", sub.ID)
	}
	if sub.Status != model.SubscriptionActive {
		t.Errorf("status = %q, want active", sub.Status)
	}
	if pl.creates != 1 {
		t.Errorf("upstream creates = %d, want 1", pl.creates)
	}
	if _, ok := st.plots["plot-1"]; !ok {
		t.Error("plot geometry was not persisted")
	}
	ev := st.eventFor("ps-sub-1")
	if ev == nil {
		t.Fatal("no audit event recorded")
	}
	if ev.OldStatus != model.SubscriptionRequested || ev.NewStatus != model.SubscriptionActive {
		t.Errorf("event = %s -> %s, want requested -> active", ev.OldStatus, ev.NewStatus)
	}
	if ev.Reason != "Upstream subscription created" || ev.ChangedBy != "system" {
		t.Errorf("event reason/by = %q/%q", ev.Reason, ev.ChangedBy)
	}
}

func TestEnsureSubscriptionReturnsOpenRecord(t *testing.T) {
	m, st, pl, _, _ := newTestManager(t)
	st.seedSubscription("existing", model.SubscriptionActive, testNow.AddDate(0, 2, 0))

	sub, err := m.EnsureSubscription(context.Background(), "pol-existing", "plot-existing",
		polygon(), testNow, testNow.AddDate(0, 2, 0))
	if err != nil {
		t.Fatalf("EnsureSubscription() error = %v", err)
	}
	if sub.ID != "existing" {
		t.Errorf("id = %q, want the open record", sub.ID)
	}
	if pl.creates != 0 {
		t.Errorf("upstream creates = %d, want 0 for an open record", pl.creates)
	}
}

func TestEnsureSubscriptionPersistsFailedCreate(t *testing.T) {
	m, st, pl, _, _ := newTestManager(t)
	pl.createErr = fault.New(fault.Transient, "planet.create", "upstream 503")

	_, err := m.EnsureSubscription(context.Background(), "pol-1", "plot-1",
		polygon(), testNow, testNow.AddDate(0, 3, 0))
	if !fault.Is(err, fault.Transient) {
		t.Fatalf("EnsureSubscription() error kind = %v, want transient", fault.KindOf(err))
	}

	if len(st.subs) != 1 {
		t.Fatalf("stored subscriptions = %d, want 1 failed record", len(st.subs))
	}
	for id, sub := range st.subs {
		if !strings.HasPrefix(id, "local-") {
			t.Errorf("id = %q, want a local- prefix when upstream assigned none", id)
		}
		if sub.Status != model.SubscriptionFailed {
			t.Errorf("status = %q, want failed", sub.Status)
		}
		ev := st.eventFor(id)
		if ev == nil {
			t.Fatal("no audit event for the failed create")
		}
		if !strings.Contains(ev.Reason, "upstream 503") {
			t.Errorf("event reason = %q, want the fault message", ev.Reason)
		}
	}
	if _, ok := st.plots["plot-1"]; !ok {
		t.Error("plot geometry should persist even when the create fails")
	}
}

func TestEnsureSubscriptionRejectsBadInput(t *testing.T) {
	m, st, pl, _, _ := newTestManager(t)

	_, err := m.EnsureSubscription(context.Background(), "pol-1", "plot-1",
		model.Geometry{Type: "Point"}, testNow, testNow.AddDate(0, 3, 0))
	if !fault.Is(err, fault.Permanent) {
		t.Errorf("bad geometry error kind = %v, want permanent", fault.KindOf(err))
	}

	_, err = m.EnsureSubscription(context.Background(), "pol-1", "plot-1",
		polygon(), testNow, testNow.AddDate(0, -1, 0))
	if !fault.Is(err, fault.Permanent) {
		t.Errorf("inverted window error kind = %v, want permanent", fault.KindOf(err))
	}

	if len(st.subs) != 0 || pl.creates != 0 {
		t.Errorf("rejected input persisted %d subs, %d creates; want none", len(st.subs), pl.creates)
	}
}

func TestSweepStatusesExpiresPastEnd(t *testing.T) {
	m, st, pl, _, _ := newTestManager(t)
	st.seedSubscription("old", model.SubscriptionActive, testNow.Add(-time.Hour))
	// A past-end record must expire without an upstream round trip.
	pl.statusErr["old"] = fault.New(fault.Transient, "planet.status", "unreachable")

	applied, err := m.SweepStatuses(context.Background())
	if err != nil {
		t.Fatalf("SweepStatuses() error = %v", err)
	}
	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}
	if st.subs["old"].Status != model.SubscriptionExpired {
		t.Errorf("status = %q, want expired", st.subs["old"].Status)
	}
	ev := st.eventFor("old")
	if ev == nil || ev.Reason != "Coverage window ended" || ev.ChangedBy != "sweep" {
		t.Errorf("event = %+v, want reason 'Coverage window ended' by sweep", ev)
	}
}

func TestSweepStatusesAppliesUpstreamState(t *testing.T) {
	m, st, pl, _, _ := newTestManager(t)
	future := testNow.AddDate(0, 1, 0)
	for _, id := range []string{"s-cancelled", "s-completed", "s-failed", "s-active", "s-broken"} {
		st.seedSubscription(id, model.SubscriptionActive, future)
	}
	pl.statuses["s-cancelled"] = model.SubscriptionCancelled
	pl.statuses["s-completed"] = model.SubscriptionExpired
	pl.statuses["s-failed"] = model.SubscriptionFailed
	pl.statusErr["s-broken"] = fault.New(fault.Transient, "planet.status", "timeout")

	applied, err := m.SweepStatuses(context.Background())
	if err != nil {
		t.Fatalf("SweepStatuses() error = %v", err)
	}
	if applied != 2 {
		t.Errorf("applied = %d, want 2", applied)
	}

	want := map[string]model.SubscriptionStatus{
		"s-cancelled": model.SubscriptionCancelled,
		"s-completed": model.SubscriptionExpired,
		"s-failed":    model.SubscriptionActive,
		"s-active":    model.SubscriptionActive,
		"s-broken":    model.SubscriptionActive,
	}
	for id, status := range want {
		if got := st.subs[id].Status; got != status {
			t.Errorf("%s = %q, want %q", id, got, status)
		}
	}
}

func TestSweepStatusesIsIdempotent(t *testing.T) {
	m, st, _, _, _ := newTestManager(t)
	st.seedSubscription("old", model.SubscriptionActive, testNow.Add(-time.Hour))

	if _, err := m.SweepStatuses(context.Background()); err != nil {
		t.Fatalf("first sweep error = %v", err)
	}
	applied, err := m.SweepStatuses(context.Background())
	if err != nil {
		t.Fatalf("second sweep error = %v", err)
	}
	if applied != 0 {
		t.Errorf("second sweep applied = %d, want 0", applied)
	}
	if len(st.events) != 1 {
		t.Errorf("audit rows = %d, want exactly 1", len(st.events))
	}
}

func TestCancelExpiredCancelsUpstreamFirst(t *testing.T) {
	m, st, pl, _, _ := newTestManager(t)
	st.seedSubscription("done", model.SubscriptionActive, testNow.Add(-time.Hour))
	st.seedSubscription("stuck", model.SubscriptionActive, testNow.Add(-time.Hour))
	pl.cancelErr["stuck"] = fault.New(fault.Transient, "planet.cancel", "upstream 500")

	n, err := m.CancelExpired(context.Background())
	if err != nil {
		t.Fatalf("CancelExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("cancelled = %d, want 1", n)
	}
	if st.subs["done"].Status != model.SubscriptionCancelled {
		t.Errorf("done = %q, want cancelled", st.subs["done"].Status)
	}
	ev := st.eventFor("done")
	if ev == nil || ev.Reason != "Policy expired" || ev.ChangedBy != "system" {
		t.Errorf("event = %+v, want reason 'Policy expired' by system", ev)
	}
	// The upstream cancel failed, so the record stays active for a retry.
	if st.subs["stuck"].Status != model.SubscriptionActive {
		t.Errorf("stuck = %q, want active", st.subs["stuck"].Status)
	}
	if len(pl.cancelled) != 1 || pl.cancelled[0] != "done" {
		t.Errorf("upstream cancels = %v, want [done]", pl.cancelled)
	}
}

func TestFetchLatestBiomassFiltersClouds(t *testing.T) {
	m, st, pl, ws, mr := newTestManager(t)
	st.seedSubscription("sub-a", model.SubscriptionActive, testNow.AddDate(0, 1, 0))
	st.seedSubscription("sub-b", model.SubscriptionActive, testNow.AddDate(0, 1, 0))
	mr.Set(cache.BiomassSummaryKey("plot-sub-a"), "{}")

	day := func(offset int) time.Time { return testNow.AddDate(0, 0, offset-5) }
	pl.biomass["sub-a"] = []model.BiomassSample{
		{PlotID: "plot-sub-a", Date: day(0), Value: 0.71, CloudCover: 0.05, Quality: model.QualityHigh},
		{PlotID: "plot-sub-a", Date: day(1), Value: 0.68, CloudCover: 0.55, Quality: model.QualityLow},
		{PlotID: "plot-sub-a", Date: day(2), Value: 0.70, CloudCover: 0.12, Quality: model.QualityMedium},
	}
	pl.biomassErr["sub-b"] = fault.New(fault.Transient, "planet.results", "timeout")

	total, err := m.FetchLatestBiomass(context.Background())
	if err != nil {
		t.Fatalf("FetchLatestBiomass() error = %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2 after cloud filtering", total)
	}
	if got := len(st.biomass["plot-sub-a"]); got != 2 {
		t.Errorf("stored observations = %d, want 2", got)
	}
	for _, s := range st.biomass["plot-sub-a"] {
		if s.CloudCover > m.cfg.MaxCloudCover {
			t.Errorf("stored a cloud-contaminated observation: %v", s.CloudCover)
		}
	}
	if len(ws.broadcasts) != 1 || ws.broadcasts[0] != "biomass:plot-sub-a" {
		t.Errorf("broadcasts = %v, want one biomass event for plot-sub-a", ws.broadcasts)
	}
	if mr.Exists(cache.BiomassSummaryKey("plot-sub-a")) {
		t.Error("cached biomass summary should be invalidated by fresh observations")
	}
}

func TestMonitorQualityFlagsOnlyAboveLimit(t *testing.T) {
	m, st, _, ws, _ := newTestManager(t)
	st.lowQ = map[string]int{"plot-a": 5, "plot-b": 3, "plot-c": 1}

	flagged, err := m.MonitorQuality(context.Background())
	if err != nil {
		t.Fatalf("MonitorQuality() error = %v", err)
	}
	if len(flagged) != 1 || flagged[0] != "plot-a" {
		t.Errorf("flagged = %v, want [plot-a]", flagged)
	}
	if len(ws.alerts) != 1 || ws.alerts[0] != "biomass_quality:plot-a" {
		t.Errorf("alerts = %v, want one quality alert for plot-a", ws.alerts)
	}
}

func TestSummaryReducesStoredSeries(t *testing.T) {
	m, st, _, _, _ := newTestManager(t)
	values := []float64{0.80, 0.78, 0.76, 0.70, 0.60}
	for i, v := range values {
		st.biomass["plot-1"] = append(st.biomass["plot-1"], model.BiomassSample{
			PlotID: "plot-1", Date: testNow.AddDate(0, 0, i-10), Value: v, Quality: model.QualityHigh,
		})
	}

	got, err := m.Summary(context.Background(), "plot-1")
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if math.Abs(got.Current-0.60) > 0.001 {
		t.Errorf("current = %v, want 0.60", got.Current)
	}
	if got.Observations != 5 {
		t.Errorf("observations = %d, want 5", got.Observations)
	}

	_, err = m.Summary(context.Background(), "plot-thin")
	if !fault.Is(err, fault.InsufficientData) {
		t.Errorf("thin series error kind = %v, want insufficient_data", fault.KindOf(err))
	}
}

func TestCleanupStale(t *testing.T) {
	m, st, _, _, _ := newTestManager(t)
	st.stale = 7
	cutoff := testNow.AddDate(0, -6, 0)

	n, err := m.CleanupStale(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("CleanupStale() error = %v", err)
	}
	if n != 7 {
		t.Errorf("deleted = %d, want 7", n)
	}
	if !st.cutoff.Equal(cutoff) {
		t.Errorf("cutoff = %v, want %v", st.cutoff, cutoff)
	}
}

func TestCancelStopsActiveSubscription(t *testing.T) {
	m, st, pl, _, _ := newTestManager(t)
	st.seedSubscription("sub-live", model.SubscriptionActive, testNow.AddDate(0, 2, 0))

	if err := m.Cancel(context.Background(), "sub-live"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got := st.subs["sub-live"].Status; got != model.SubscriptionCancelled {
		t.Errorf("status = %q, want cancelled", got)
	}
	if len(pl.cancelled) != 1 || pl.cancelled[0] != "sub-live" {
		t.Errorf("upstream cancels = %v, want [sub-live]", pl.cancelled)
	}
	ev := st.eventFor("sub-live")
	if ev == nil {
		t.Fatal("no audit event recorded")
	}
	if ev.Reason != "Cancelled by request" || ev.ChangedBy != "api" {
		t.Errorf("event = %+v", ev)
	}
}

func TestCancelGuardsTerminalStates(t *testing.T) {
	m, st, pl, _, _ := newTestManager(t)
	st.seedSubscription("sub-done", model.SubscriptionCancelled, testNow.AddDate(0, -1, 0))
	st.seedSubscription("sub-over", model.SubscriptionExpired, testNow.AddDate(0, -1, 0))

	// Re-cancelling is a quiet no-op.
	if err := m.Cancel(context.Background(), "sub-done"); err != nil {
		t.Fatalf("Cancel(cancelled) error = %v", err)
	}
	// Any other terminal state conflicts.
	if err := m.Cancel(context.Background(), "sub-over"); !fault.Is(err, fault.Conflict) {
		t.Fatalf("Cancel(expired) error = %v, want conflict", err)
	}
	if err := m.Cancel(context.Background(), "sub-missing"); !fault.Is(err, fault.InsufficientData) {
		t.Fatalf("Cancel(missing) error = %v, want not-found", err)
	}
	if len(pl.cancelled) != 0 {
		t.Errorf("upstream cancels = %v, want none", pl.cancelled)
	}
}

func TestCancelLeavesRecordWhenUpstreamFails(t *testing.T) {
	m, st, pl, _, _ := newTestManager(t)
	st.seedSubscription("sub-stuck", model.SubscriptionActive, testNow.AddDate(0, 2, 0))
	pl.cancelErr["sub-stuck"] = fault.New(fault.Transient, "planet.cancel", "upstream 502")

	if err := m.Cancel(context.Background(), "sub-stuck"); !fault.Is(err, fault.Transient) {
		t.Fatalf("Cancel() error = %v, want transient", err)
	}
	if got := st.subs["sub-stuck"].Status; got != model.SubscriptionActive {
		t.Errorf("status = %q, want still active", got)
	}
}
