package store

import (
	"context"
	"time"

	"microcrop-processor/internal/fault"
)

// QuarantinedTask is the dead-letter record of a task that exhausted its
// retry budget or failed permanently.
type QuarantinedTask struct {
	ID             string
	Kind           string
	Queue          string
	Payload        []byte
	IdempotencyKey string
	Attempts       int
	LastError      string
	QuarantinedAt  time.Time
}

const quarantineSQL = `
INSERT INTO quarantined_tasks (id, kind, queue, payload, idempotency_key, attempts, last_error, quarantined_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO NOTHING`

// QuarantineTask records a dead task for operator review.
func (s *Store) QuarantineTask(ctx context.Context, t QuarantinedTask) error {
	payload := t.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}
	at := t.QuarantinedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, quarantineSQL,
		t.ID, t.Kind, t.Queue, payload, t.IdempotencyKey, t.Attempts, t.LastError, at.UTC())
	if err != nil {
		return fault.Wrap(fault.Transient, "store.quarantine_task", err)
	}
	return nil
}

// QuarantinedTasks lists the newest dead-letter rows.
func (s *Store) QuarantinedTasks(ctx context.Context, limit int) ([]QuarantinedTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, kind, queue, payload, idempotency_key, attempts, last_error, quarantined_at
FROM quarantined_tasks ORDER BY quarantined_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.quarantined_tasks", err)
	}
	defer rows.Close()

	var out []QuarantinedTask
	for rows.Next() {
		var t QuarantinedTask
		if err := rows.Scan(&t.ID, &t.Kind, &t.Queue, &t.Payload, &t.IdempotencyKey,
			&t.Attempts, &t.LastError, &t.QuarantinedAt); err != nil {
			return nil, fault.Wrap(fault.Transient, "store.quarantined_tasks", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, "store.quarantined_tasks", err)
	}
	return out, nil
}

// DeleteOldSamples erases raw weather rows older than the retention cutoff.
// The ctid subquery bounds each batch; callers loop until zero.
func (s *Store) DeleteOldSamples(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 10000
	}
	tag, err := s.pool.Exec(ctx, `
DELETE FROM weather_samples WHERE ctid IN (
  SELECT ctid FROM weather_samples WHERE time < $1 LIMIT $2)`, cutoff.UTC(), limit)
	if err != nil {
		return 0, fault.Wrap(fault.Transient, "store.delete_old_samples", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOldQuarantine erases dead-letter rows past the retention cutoff.
func (s *Store) DeleteOldQuarantine(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM quarantined_tasks WHERE quarantined_at < $1", cutoff.UTC())
	if err != nil {
		return 0, fault.Wrap(fault.Transient, "store.delete_old_quarantine", err)
	}
	return tag.RowsAffected(), nil
}

// SampleCountSince counts samples ingested after the cutoff, for the intake
// gauge.
func (s *Store) SampleCountSince(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM weather_samples WHERE time > $1", cutoff.UTC()).Scan(&n)
	if err != nil {
		return 0, fault.Wrap(fault.Transient, "store.sample_count_since", err)
	}
	return n, nil
}

// ActivePlotCount counts distinct plots with samples after the cutoff.
func (s *Store) ActivePlotCount(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(DISTINCT plot_id) FROM weather_samples WHERE time > $1", cutoff.UTC()).Scan(&n)
	if err != nil {
		return 0, fault.Wrap(fault.Transient, "store.active_plot_count", err)
	}
	return n, nil
}
