package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/config"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/store"
)

type fakeDeadLetters struct {
	mu   sync.Mutex
	rows []store.QuarantinedTask
}

func (f *fakeDeadLetters) QuarantineTask(_ context.Context, t store.QuarantinedTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, t)
	return nil
}

func (f *fakeDeadLetters) snapshot() []store.QuarantinedTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.QuarantinedTask(nil), f.rows...)
}

func testScheduler(t *testing.T, mutate func(*config.SchedulerConfig)) (*Scheduler, *cache.Cache, *fakeDeadLetters) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })

	cfg := config.SchedulerConfig{
		Enabled:     true,
		Concurrency: 2,
		QueueBuffer: 4,
		DedupTTL:    5 * time.Minute,
		SoftLimit:   time.Second,
		HardLimit:   2 * time.Second,
		MaxAttempts: 3,
		RetryDelays: []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 15 * time.Millisecond},
		JitterFrac:  0,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	dead := &fakeDeadLetters{}
	s := New(cfg, c, dead)
	return s, c, dead
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func taskRecord(t *testing.T, c *cache.Cache, id string) (Record, bool) {
	t.Helper()
	var rec Record
	found, err := c.GetJSON(context.Background(), cache.TaskKey(id), &rec)
	if err != nil {
		t.Fatalf("GetJSON(record) error = %v", err)
	}
	return rec, found
}

func TestSubmitRunsHandlerWithPayload(t *testing.T) {
	s, c, _ := testScheduler(t, nil)

	type payload struct {
		PlotID string `json:"plot_id"`
	}
	got := make(chan payload, 1)
	err := s.Register("weather_fetch", QueueWeather, func(ctx context.Context, task Task) error {
		var p payload
		if err := task.Bind(&p); err != nil {
			return err
		}
		got <- p
		return nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	s.Start()
	defer s.Stop()

	id, err := s.Submit(context.Background(), "weather_fetch", payload{PlotID: "plot-1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id == "" {
		t.Fatal("Submit() returned empty task id")
	}

	select {
	case p := <-got:
		if p.PlotID != "plot-1" {
			t.Errorf("payload = %+v, want plot-1", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	waitFor(t, "succeeded record", func() bool {
		rec, found := taskRecord(t, c, id)
		return found && rec.Status == StatusSucceeded
	})
	rec, _ := taskRecord(t, c, id)
	if rec.Attempts != 1 || rec.FinishedAt == nil {
		t.Errorf("record = %+v, want 1 attempt and a finish time", rec)
	}
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	s, c, dead := testScheduler(t, nil)

	var calls atomic.Int32
	_ = s.Register("flaky", QueueDefault, func(ctx context.Context, task Task) error {
		if calls.Add(1) < 3 {
			return fault.New(fault.Transient, "test", "upstream hiccup")
		}
		return nil
	})

	s.Start()
	defer s.Stop()

	id, err := s.Submit(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, "third attempt to succeed", func() bool {
		rec, found := taskRecord(t, c, id)
		return found && rec.Status == StatusSucceeded
	})
	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}
	rec, _ := taskRecord(t, c, id)
	if rec.Attempts != 3 {
		t.Errorf("record attempts = %d, want 3", rec.Attempts)
	}
	if len(dead.snapshot()) != 0 {
		t.Errorf("quarantine rows = %d, want 0", len(dead.snapshot()))
	}
}

func TestPermanentFailureQuarantinesImmediately(t *testing.T) {
	s, c, dead := testScheduler(t, nil)

	var calls atomic.Int32
	_ = s.Register("doomed", QueueDamage, func(ctx context.Context, task Task) error {
		calls.Add(1)
		return fault.New(fault.Permanent, "test", "bad payload shape")
	})

	s.Start()
	defer s.Stop()

	id, _ := s.Submit(context.Background(), "doomed", map[string]string{"plot_id": "plot-9"})

	waitFor(t, "quarantine row", func() bool { return len(dead.snapshot()) == 1 })
	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1 (no retries for permanent)", got)
	}
	row := dead.snapshot()[0]
	if row.Kind != "doomed" || row.Attempts != 1 || row.Queue != string(QueueDamage) {
		t.Errorf("row = %+v", row)
	}
	rec, _ := taskRecord(t, c, id)
	if rec.Status != StatusQuarantined {
		t.Errorf("record status = %q, want quarantined", rec.Status)
	}
}

func TestRetriesExhaustIntoQuarantine(t *testing.T) {
	s, _, dead := testScheduler(t, nil)

	var calls atomic.Int32
	_ = s.Register("always-flaky", QueueDefault, func(ctx context.Context, task Task) error {
		calls.Add(1)
		return fault.New(fault.Transient, "test", "still down")
	})

	s.Start()
	defer s.Stop()

	if _, err := s.Submit(context.Background(), "always-flaky", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, "budget exhaustion", func() bool { return len(dead.snapshot()) == 1 })
	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want MaxAttempts 3", got)
	}
	if row := dead.snapshot()[0]; row.Attempts != 3 {
		t.Errorf("row attempts = %d, want 3", row.Attempts)
	}
}

func TestDuplicateSubmissionIsDropped(t *testing.T) {
	s, _, _ := testScheduler(t, nil)

	var calls atomic.Int32
	_ = s.Register("sweep", QueueWeather, func(ctx context.Context, task Task) error {
		calls.Add(1)
		return nil
	})

	s.Start()
	defer s.Stop()

	ctx := context.Background()
	if _, err := s.Submit(ctx, "sweep", nil, WithIdempotencyKey("tick-1")); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	_, err := s.Submit(ctx, "sweep", nil, WithIdempotencyKey("tick-1"))
	if !errors.Is(err, ErrDeduped) {
		t.Fatalf("second Submit() error = %v, want ErrDeduped", err)
	}
	if !fault.Is(err, fault.Conflict) {
		t.Errorf("dedup fault kind = %v, want Conflict", fault.KindOf(err))
	}

	waitFor(t, "single execution", func() bool { return calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
}

func TestSubmitUnknownKind(t *testing.T) {
	s, _, _ := testScheduler(t, nil)
	_, err := s.Submit(context.Background(), "no-such-kind", nil)
	if !fault.Is(err, fault.Permanent) {
		t.Errorf("Submit() error = %v, want Permanent fault", err)
	}
}

func TestRegisterRejectsDuplicateKind(t *testing.T) {
	s, _, _ := testScheduler(t, nil)
	h := func(ctx context.Context, task Task) error { return nil }
	if err := s.Register("once", QueueDefault, h); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Register("once", QueueDefault, h); err == nil {
		t.Error("second Register() succeeded, want error")
	}
}

func TestHardLimitConvertsHangToTransient(t *testing.T) {
	s, _, dead := testScheduler(t, func(cfg *config.SchedulerConfig) {
		cfg.SoftLimit = 10 * time.Millisecond
		cfg.HardLimit = 30 * time.Millisecond
		cfg.MaxAttempts = 1
	})

	_ = s.Register("hung", QueueDefault, func(ctx context.Context, task Task) error {
		<-ctx.Done()
		return ctx.Err()
	})

	s.Start()
	defer s.Stop()

	if _, err := s.Submit(context.Background(), "hung", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, "hang to quarantine", func() bool { return len(dead.snapshot()) == 1 })
	row := dead.snapshot()[0]
	if row.Attempts != 1 {
		t.Errorf("row attempts = %d, want 1", row.Attempts)
	}
}

func TestStopPreservesAttemptsOfInFlightTask(t *testing.T) {
	s, c, dead := testScheduler(t, nil)

	started := make(chan struct{})
	_ = s.Register("long-haul", QueuePlanet, func(ctx context.Context, task Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	s.Start()
	id, err := s.Submit(context.Background(), "long-haul", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started
	s.Stop()

	rec, found := taskRecord(t, c, id)
	if !found {
		t.Fatal("task record missing after shutdown")
	}
	if rec.Status != StatusCancelled {
		t.Errorf("record status = %q, want cancelled", rec.Status)
	}
	if rec.Attempts != 0 {
		t.Errorf("record attempts = %d, want 0 (cancellation preserves attempts)", rec.Attempts)
	}
	if len(dead.snapshot()) != 0 {
		t.Error("cancelled task landed in quarantine")
	}
}

func TestSubmitBackpressureRespectsContext(t *testing.T) {
	s, _, _ := testScheduler(t, func(cfg *config.SchedulerConfig) {
		cfg.Concurrency = 1
		cfg.QueueBuffer = 1
	})

	release := make(chan struct{})
	_ = s.Register("slow", QueueDefault, func(ctx context.Context, task Task) error {
		<-release
		return nil
	})

	s.Start()
	defer s.Stop()
	defer close(release)

	ctx := context.Background()
	// First task occupies the worker; the second blocks at most until the
	// worker dequeues the first, then fills the buffer.
	if _, err := s.Submit(ctx, "slow", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(ctx, "slow", nil); err != nil {
		t.Fatal(err)
	}

	bounded, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := s.Submit(bounded, "slow", nil)
	if !fault.Is(err, fault.Cancelled) {
		t.Errorf("Submit() on full queue = %v, want Cancelled fault", err)
	}
}

func TestAddCronValidation(t *testing.T) {
	s, _, _ := testScheduler(t, nil)
	_ = s.Register("sweep", QueueWeather, func(ctx context.Context, task Task) error { return nil })

	if err := s.AddCron("*/5 * * * *", "sweep"); err != nil {
		t.Errorf("AddCron(five-field) error = %v", err)
	}
	if err := s.AddCron("@every 6h", "sweep"); err != nil {
		t.Errorf("AddCron(@every) error = %v", err)
	}
	if err := s.AddCron("not-a-spec", "sweep"); err == nil {
		t.Error("AddCron(bad spec) succeeded, want error")
	}
	if err := s.AddCron("@every 1m", "unregistered"); err == nil {
		t.Error("AddCron(unknown kind) succeeded, want error")
	}
}
