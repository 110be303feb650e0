// Package scheduler runs the pipeline's background work: fixed worker pools
// per queue, a UTC cron table, dedup on submission and retry with
// quarantine on exhaustion. Delivery is at-least-once; handlers are expected
// to be idempotent.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/config"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/metrics"
	"microcrop-processor/internal/store"
)

// ErrDeduped is returned by Submit when the idempotency window already holds
// the task; the duplicate was dropped, not enqueued.
var ErrDeduped = errors.New("duplicate task dropped")

// recordTTL keeps execution traces queryable well past the longest retry
// chain.
const recordTTL = time.Hour

// DeadLetterStore receives tasks that exhausted their budget.
type DeadLetterStore interface {
	QuarantineTask(ctx context.Context, t store.QuarantinedTask) error
}

type registration struct {
	queue   Queue
	handler Handler
}

// Scheduler owns the queues, the worker pools and the cron table.
type Scheduler struct {
	cfg         config.SchedulerConfig
	cache       *cache.Cache
	deadLetters DeadLetterStore

	mu       sync.RWMutex
	handlers map[string]registration

	queues map[Queue]chan Task
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group
}

func New(cfg config.SchedulerConfig, c *cache.Cache, deadLetters DeadLetterStore) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	queues := make(map[Queue]chan Task, len(Queues()))
	for _, q := range Queues() {
		queues[q] = make(chan Task, cfg.QueueBuffer)
	}
	return &Scheduler{
		cfg:         cfg,
		cache:       c,
		deadLetters: deadLetters,
		handlers:    make(map[string]registration),
		queues:      queues,
		cron:        cron.NewWithLocation(time.UTC),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Register binds a task kind to its queue and handler. Kinds are registered
// once, at assembly.
func (s *Scheduler) Register(kind string, queue Queue, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[kind]; exists {
		return fault.New(fault.Permanent, "scheduler.register", "task kind %s already registered", kind)
	}
	if _, ok := s.queues[queue]; !ok {
		return fault.New(fault.Permanent, "scheduler.register", "unknown queue %s", queue)
	}
	s.handlers[kind] = registration{queue: queue, handler: h}
	return nil
}

// AddCron schedules a parameterless submission of the kind on a standard
// five-field spec or @every descriptor, evaluated in UTC. The tick minute
// becomes the idempotency key, so two instances sharing a cache fire each
// tick once.
func (s *Scheduler) AddCron(spec, kind string) error {
	s.mu.RLock()
	_, ok := s.handlers[kind]
	s.mu.RUnlock()
	if !ok {
		return fault.New(fault.Permanent, "scheduler.add_cron", "unknown task kind %s", kind)
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fault.Wrap(fault.Permanent, "scheduler.add_cron", err)
	}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
		defer cancel()
		key := time.Now().UTC().Format("200601021504")
		if _, err := s.Submit(ctx, kind, nil, WithIdempotencyKey(key)); err != nil && !errors.Is(err, ErrDeduped) {
			log.Error().Err(err).Str("kind", kind).Msg("Scheduled submission failed")
		}
	}))
	return nil
}

// Submit enqueues one task. It blocks while the target queue is full; that
// backpressure is what keeps fan-out producers honest. A duplicate inside
// the dedup window returns ErrDeduped wrapped in a conflict.
func (s *Scheduler) Submit(ctx context.Context, kind string, payload any, opts ...SubmitOption) (string, error) {
	s.mu.RLock()
	reg, ok := s.handlers[kind]
	s.mu.RUnlock()
	if !ok {
		return "", fault.New(fault.Permanent, "scheduler.submit", "unknown task kind %s", kind)
	}

	var o SubmitOptions
	for _, opt := range opts {
		opt(&o)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fault.Wrap(fault.Permanent, "scheduler.submit", err)
		}
		raw = b
	}

	if o.IdempotencyKey != "" {
		free, err := s.cache.SetNX(ctx, cache.DedupKey(kind, o.IdempotencyKey), s.cfg.DedupTTL)
		if err != nil {
			// A dead dedup window must not stop the pipeline; duplicates are
			// cheaper than dropped work.
			log.Warn().Err(err).Str("kind", kind).Msg("Dedup window unavailable, enqueuing anyway")
		} else if !free {
			metrics.TasksTotal.WithLabelValues(kind, "deduped").Inc()
			return "", fault.Wrap(fault.Conflict, "scheduler.submit", ErrDeduped)
		}
	}

	t := Task{
		ID:             uuid.NewString(),
		Kind:           kind,
		Queue:          reg.queue,
		Payload:        raw,
		IdempotencyKey: o.IdempotencyKey,
		EnqueuedAt:     time.Now().UTC(),
	}
	s.writeRecord(Record{
		ID: t.ID, Kind: t.Kind, Queue: string(t.Queue),
		Status: StatusQueued, EnqueuedAt: t.EnqueuedAt,
	})

	q := s.queues[reg.queue]
	select {
	case q <- t:
		metrics.QueueDepth.WithLabelValues(string(reg.queue)).Set(float64(len(q)))
		return t.ID, nil
	case <-ctx.Done():
		return "", fault.Wrap(fault.Cancelled, "scheduler.submit", ctx.Err())
	case <-s.ctx.Done():
		return "", fault.New(fault.Cancelled, "scheduler.submit", "scheduler shutting down")
	}
}

// Depths reports the buffered task count per queue, for the metrics sweep.
func (s *Scheduler) Depths() map[Queue]int {
	out := make(map[Queue]int, len(s.queues))
	for q, ch := range s.queues {
		out[q] = len(ch)
	}
	return out
}

// Start launches the worker pools and the cron table.
func (s *Scheduler) Start() {
	for _, q := range Queues() {
		ch := s.queues[q]
		for i := 0; i < s.cfg.Concurrency; i++ {
			s.g.Go(func() error {
				s.work(ch)
				return nil
			})
		}
	}
	s.cron.Start()
	log.Info().
		Int("concurrency", s.cfg.Concurrency).
		Int("buffer", s.cfg.QueueBuffer).
		Int("cron_entries", len(s.cron.Entries())).
		Msg("Scheduler started")
}

// Stop halts the cron table, cancels in-flight tasks and waits for the
// pools to drain. Interrupted tasks are recorded as cancelled with their
// attempt counts untouched.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.cancel()
	_ = s.g.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) work(ch chan Task) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-ch:
			metrics.QueueDepth.WithLabelValues(string(t.Queue)).Set(float64(len(ch)))
			s.runTask(t)
		}
	}
}

func (s *Scheduler) runTask(t Task) {
	attempt := t.Attempt + 1
	startedAt := time.Now().UTC()
	s.writeRecord(Record{
		ID: t.ID, Kind: t.Kind, Queue: string(t.Queue),
		Status: StatusRunning, Attempts: attempt,
		EnqueuedAt: t.EnqueuedAt, StartedAt: &startedAt,
	})

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HardLimit)
	watchdog := time.AfterFunc(s.cfg.SoftLimit, func() {
		log.Warn().
			Str("task_id", t.ID).
			Str("kind", t.Kind).
			Dur("soft_limit", s.cfg.SoftLimit).
			Msg("Task exceeded soft time limit")
	})
	err := s.invoke(ctx, t)
	watchdog.Stop()
	hardTimedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	elapsed := time.Since(startedAt)
	metrics.TaskDuration.WithLabelValues(t.Kind, string(t.Queue)).Observe(elapsed.Seconds())
	finishedAt := time.Now().UTC()

	if err == nil {
		metrics.TasksTotal.WithLabelValues(t.Kind, "ok").Inc()
		s.writeRecord(Record{
			ID: t.ID, Kind: t.Kind, Queue: string(t.Queue),
			Status: StatusSucceeded, Attempts: attempt,
			EnqueuedAt: t.EnqueuedAt, StartedAt: &startedAt, FinishedAt: &finishedAt,
		})
		return
	}

	// A hard-limit kill reads as a cancellation from inside the handler;
	// unless the whole scheduler is stopping it counts as a transient
	// failure, or a hung task would dodge its retry budget.
	if hardTimedOut && s.ctx.Err() == nil {
		err = fault.New(fault.Transient, "scheduler.run", "hard time limit %s exceeded", s.cfg.HardLimit)
	}

	if fault.KindOf(err) == fault.Cancelled {
		metrics.TasksTotal.WithLabelValues(t.Kind, "cancelled").Inc()
		log.Info().Str("task_id", t.ID).Str("kind", t.Kind).Msg("Task cancelled, attempts preserved")
		s.writeRecord(Record{
			ID: t.ID, Kind: t.Kind, Queue: string(t.Queue),
			Status: StatusCancelled, Attempts: t.Attempt, Error: err.Error(),
			EnqueuedAt: t.EnqueuedAt, StartedAt: &startedAt, FinishedAt: &finishedAt,
		})
		return
	}

	t.Attempt = attempt
	if fault.Retryable(err) && attempt < s.cfg.MaxAttempts {
		delay := s.retryDelay(attempt)
		if after := fault.RetryAfterOf(err); after > delay {
			delay = after
		}
		metrics.TasksTotal.WithLabelValues(t.Kind, "retried").Inc()
		log.Warn().
			Err(err).
			Str("task_id", t.ID).
			Str("kind", t.Kind).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Task failed, retry scheduled")
		s.writeRecord(Record{
			ID: t.ID, Kind: t.Kind, Queue: string(t.Queue),
			Status: StatusRetrying, Attempts: attempt, Error: err.Error(),
			EnqueuedAt: t.EnqueuedAt, StartedAt: &startedAt,
		})
		time.AfterFunc(delay, func() { s.requeue(t) })
		return
	}

	s.quarantine(t, err, startedAt, finishedAt)
}

func (s *Scheduler) invoke(ctx context.Context, t Task) (err error) {
	s.mu.RLock()
	reg, ok := s.handlers[t.Kind]
	s.mu.RUnlock()
	if !ok {
		return fault.New(fault.Permanent, "scheduler.run", "no handler for kind %s", t.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("task_id", t.ID).
				Str("kind", t.Kind).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Task panicked")
			err = fault.New(fault.Permanent, "scheduler.run", "task panicked: %v", r)
		}
	}()
	return reg.handler(ctx, t)
}

func (s *Scheduler) requeue(t Task) {
	q := s.queues[t.Queue]
	select {
	case q <- t:
		metrics.QueueDepth.WithLabelValues(string(t.Queue)).Set(float64(len(q)))
	case <-s.ctx.Done():
		metrics.TasksTotal.WithLabelValues(t.Kind, "cancelled").Inc()
		s.writeRecord(Record{
			ID: t.ID, Kind: t.Kind, Queue: string(t.Queue),
			Status: StatusCancelled, Attempts: t.Attempt,
			Error: "scheduler stopped before retry", EnqueuedAt: t.EnqueuedAt,
		})
	}
}

func (s *Scheduler) quarantine(t Task, cause error, startedAt, finishedAt time.Time) {
	metrics.TasksTotal.WithLabelValues(t.Kind, "quarantined").Inc()
	log.Error().
		Err(cause).
		Str("task_id", t.ID).
		Str("kind", t.Kind).
		Int("attempts", t.Attempt).
		Msg("Task quarantined")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	row := store.QuarantinedTask{
		ID:             t.ID,
		Kind:           t.Kind,
		Queue:          string(t.Queue),
		Payload:        []byte(t.Payload),
		IdempotencyKey: t.IdempotencyKey,
		Attempts:       t.Attempt,
		LastError:      cause.Error(),
		QuarantinedAt:  finishedAt,
	}
	if err := s.deadLetters.QuarantineTask(ctx, row); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to persist quarantine row")
	}
	s.writeRecord(Record{
		ID: t.ID, Kind: t.Kind, Queue: string(t.Queue),
		Status: StatusQuarantined, Attempts: t.Attempt, Error: cause.Error(),
		EnqueuedAt: t.EnqueuedAt, StartedAt: &startedAt, FinishedAt: &finishedAt,
	})
}

// retryDelay picks the configured delay for the attempt that just failed and
// spreads it with jitter so synchronized failures fan back in staggered.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	delays := s.cfg.RetryDelays
	idx := attempt - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return jitter(delays[idx], s.cfg.JitterFrac)
}

// writeRecord persists the execution trace on a detached context so terminal
// states still land during shutdown. Trace loss is tolerable; the log
// carries the same story.
func (s *Scheduler) writeRecord(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.cache.SetJSON(ctx, cache.TaskKey(rec.ID), rec, recordTTL); err != nil {
		log.Debug().Err(err).Str("task_id", rec.ID).Msg("Failed to write task record")
	}
}
