package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
)

const insertSubscriptionSQL = `
INSERT INTO subscriptions (id, policy_id, plot_id, geometry, start_at, end_at, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO NOTHING`

// CreateSubscription persists a new lifecycle record.
func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	geom, err := json.Marshal(sub.Geometry)
	if err != nil {
		return fault.Wrap(fault.Permanent, "store.create_subscription", err)
	}
	tag, err := s.pool.Exec(ctx, insertSubscriptionSQL,
		sub.ID, sub.PolicyID, sub.PlotID, geom,
		sub.StartAt.UTC(), sub.EndAt.UTC(), string(sub.Status),
		sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
	)
	if err != nil {
		return fault.Wrap(fault.Transient, "store.create_subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.Conflict, "store.create_subscription", "subscription %s already stored", sub.ID)
	}
	return nil
}

const selectSubscriptionSQL = `
SELECT id, policy_id, plot_id, geometry, start_at, end_at, status, created_at, updated_at
FROM subscriptions`

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var (
		sub    model.Subscription
		geom   []byte
		status string
	)
	err := row.Scan(&sub.ID, &sub.PolicyID, &sub.PlotID, &geom,
		&sub.StartAt, &sub.EndAt, &status, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(geom, &sub.Geometry); err != nil {
		return nil, err
	}
	sub.Status = model.SubscriptionStatus(status)
	return &sub, nil
}

// SubscriptionByID fetches one record.
func (s *Store) SubscriptionByID(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, selectSubscriptionSQL+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.InsufficientData, "store.subscription_by_id", "subscription %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.subscription_by_id", err)
	}
	return sub, nil
}

// OpenSubscription returns the newest non-terminal record for a policy and
// plot, or nil when none exists. Ensure is idempotent through this lookup.
func (s *Store) OpenSubscription(ctx context.Context, policyID, plotID string) (*model.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		selectSubscriptionSQL+` WHERE policy_id = $1 AND plot_id = $2 AND status = ANY($3)
 ORDER BY created_at DESC LIMIT 1`,
		policyID, plotID, []string{string(model.SubscriptionRequested), string(model.SubscriptionActive)}))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.open_subscription", err)
	}
	return sub, nil
}

func (s *Store) subscriptionsWhere(ctx context.Context, op, clause string, args ...any) ([]*model.Subscription, error) {
	rows, err := s.pool.Query(ctx, selectSubscriptionSQL+" "+clause, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, op, err)
	}
	defer rows.Close()

	var out []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Transient, op, err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, op, err)
	}
	return out, nil
}

// SubscriptionsByStatus lists all records in one lifecycle state.
func (s *Store) SubscriptionsByStatus(ctx context.Context, status model.SubscriptionStatus) ([]*model.Subscription, error) {
	return s.subscriptionsWhere(ctx, "store.subscriptions_by_status",
		"WHERE status = $1 ORDER BY created_at ASC", string(status))
}

// SubscriptionsPastEnd lists active records whose coverage ended before the
// given instant; the expiry sweep cancels them upstream.
func (s *Store) SubscriptionsPastEnd(ctx context.Context, at time.Time) ([]*model.Subscription, error) {
	return s.subscriptionsWhere(ctx, "store.subscriptions_past_end",
		"WHERE status = $1 AND end_at < $2 ORDER BY end_at ASC",
		string(model.SubscriptionActive), at.UTC())
}

const transitionSQL = `
UPDATE subscriptions SET status = $1, updated_at = $2
WHERE id = $3 AND status = $4`

const insertEventSQL = `
INSERT INTO subscription_events (subscription_id, old_status, new_status, reason, changed_by, at)
VALUES ($1,$2,$3,$4,$5,$6)`

// TransitionSubscription applies a guarded status change and writes the audit
// row in the same transaction. A row that moved concurrently fails the guard
// and comes back as a conflict, keeping the machine monotone.
func (s *Store) TransitionSubscription(ctx context.Context, id string, from, to model.SubscriptionStatus, reason, changedBy string) error {
	if !from.CanTransition(to) {
		return fault.New(fault.Permanent, "store.transition_subscription",
			"transition %s -> %s not allowed", from, to)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fault.Wrap(fault.Transient, "store.transition_subscription", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, transitionSQL, string(to), now, id, string(from))
	if err != nil {
		return fault.Wrap(fault.Transient, "store.transition_subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.Conflict, "store.transition_subscription",
			"subscription %s is no longer %s", id, from)
	}
	if _, err := tx.Exec(ctx, insertEventSQL, id, string(from), string(to), reason, changedBy, now); err != nil {
		return fault.Wrap(fault.Transient, "store.transition_subscription", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fault.Wrap(fault.Transient, "store.transition_subscription", err)
	}
	return nil
}

// SubscriptionEvents lists the audit trail of one record, oldest first.
func (s *Store) SubscriptionEvents(ctx context.Context, id string) ([]model.SubscriptionEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT subscription_id, old_status, new_status, reason, changed_by, at
FROM subscription_events WHERE subscription_id = $1 ORDER BY at ASC`, id)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.subscription_events", err)
	}
	defer rows.Close()

	var out []model.SubscriptionEvent
	for rows.Next() {
		var (
			ev       model.SubscriptionEvent
			from, to string
		)
		if err := rows.Scan(&ev.SubscriptionID, &from, &to, &ev.Reason, &ev.ChangedBy, &ev.At); err != nil {
			return nil, fault.Wrap(fault.Transient, "store.subscription_events", err)
		}
		ev.OldStatus = model.SubscriptionStatus(from)
		ev.NewStatus = model.SubscriptionStatus(to)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, "store.subscription_events", err)
	}
	return out, nil
}

// SubscriptionStatusCounts backs the lifecycle gauges.
func (s *Store) SubscriptionStatusCounts(ctx context.Context) (map[model.SubscriptionStatus]int64, error) {
	rows, err := s.pool.Query(ctx, "SELECT status, COUNT(*) FROM subscriptions GROUP BY status")
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.subscription_status_counts", err)
	}
	defer rows.Close()

	out := make(map[model.SubscriptionStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fault.Wrap(fault.Transient, "store.subscription_status_counts", err)
		}
		out[model.SubscriptionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, "store.subscription_status_counts", err)
	}
	return out, nil
}
