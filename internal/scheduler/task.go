package scheduler

import (
	"context"
	"encoding/json"
	"time"
)

// Queue names one of the fixed worker pools. Kinds are pinned to a queue at
// registration so slow upstreams only ever starve their own pool.
type Queue string

const (
	QueueDefault Queue = "default"
	QueueWeather Queue = "weather"
	QueuePlanet  Queue = "planet"
	QueueDamage  Queue = "damage"
)

// Queues lists every pool the scheduler runs.
func Queues() []Queue {
	return []Queue{QueueDefault, QueueWeather, QueuePlanet, QueueDamage}
}

// Task is one unit of queued work. Attempt counts completed executions;
// a task picked up for the first time runs as attempt 1.
type Task struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Queue          Queue           `json:"queue"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Attempt        int             `json:"attempt"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// Bind decodes the payload into out.
func (t Task) Bind(out any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(t.Payload, out)
}

// Handler executes one task. The context carries the hard time limit and is
// cancelled on shutdown; handlers return faults to steer retry behaviour.
type Handler func(ctx context.Context, t Task) error

// Submitter is the only path for enqueuing work, including task-to-task
// fan-out.
type Submitter interface {
	Submit(ctx context.Context, kind string, payload any, opts ...SubmitOption) (string, error)
}

// SubmitOption tweaks one submission.
type SubmitOption func(*SubmitOptions)

// SubmitOptions is the collected option set; exported so Submitter fakes can
// apply the options they receive.
type SubmitOptions struct {
	IdempotencyKey string
}

// WithIdempotencyKey arms the dedup window: a second submission of the same
// kind and key inside the window is dropped.
func WithIdempotencyKey(key string) SubmitOption {
	return func(o *SubmitOptions) { o.IdempotencyKey = key }
}

// Record statuses, exposed on the task lookup endpoint.
const (
	StatusQueued      = "queued"
	StatusRunning     = "running"
	StatusSucceeded   = "succeeded"
	StatusRetrying    = "retrying"
	StatusQuarantined = "quarantined"
	StatusCancelled   = "cancelled"
)

// Record is the cached execution trace of one task.
type Record struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Queue      string     `json:"queue"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
