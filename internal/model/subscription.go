package model

import "time"

// SubscriptionStatus tracks the satellite delivery lifecycle.
type SubscriptionStatus string

const (
	SubscriptionRequested SubscriptionStatus = "requested"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionFailed    SubscriptionStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s SubscriptionStatus) Terminal() bool {
	switch s {
	case SubscriptionExpired, SubscriptionCancelled, SubscriptionFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the machine admits moving to the given
// status. Repeating the current status is not a transition; callers treat
// it as a no-op.
func (s SubscriptionStatus) CanTransition(to SubscriptionStatus) bool {
	if s == to || s.Terminal() {
		return false
	}
	switch s {
	case SubscriptionRequested:
		return to == SubscriptionActive || to == SubscriptionFailed
	case SubscriptionActive:
		return to == SubscriptionExpired || to == SubscriptionCancelled
	}
	return false
}

// Subscription is the lifecycle record for satellite delivery of one plot.
type Subscription struct {
	ID        string             `json:"id"`
	PolicyID  string             `json:"policy_id"`
	PlotID    string             `json:"plot_id"`
	Geometry  Geometry           `json:"geometry"`
	StartAt   time.Time          `json:"start_at"`
	EndAt     time.Time          `json:"end_at"`
	Status    SubscriptionStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// SubscriptionEvent is one audit row recording an applied transition.
type SubscriptionEvent struct {
	SubscriptionID string             `json:"subscription_id"`
	OldStatus      SubscriptionStatus `json:"old_status"`
	NewStatus      SubscriptionStatus `json:"new_status"`
	Reason         string             `json:"reason"`
	ChangedBy      string             `json:"changed_by"`
	At             time.Time          `json:"at"`
}
