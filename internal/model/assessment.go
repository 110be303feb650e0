package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DamageType follows the dominant stress of the underlying index.
type DamageType string

const (
	DamageDrought  DamageType = "drought"
	DamageFlood    DamageType = "flood"
	DamageHeat     DamageType = "heat_stress"
	DamageCombined DamageType = "combined"
	DamageNone     DamageType = "none"
)

// DamageTypeFor maps a dominant stress tag onto the assessment vocabulary.
func DamageTypeFor(s Stress) DamageType {
	switch s {
	case StressDrought:
		return DamageDrought
	case StressFlood:
		return DamageFlood
	case StressHeat:
		return DamageHeat
	case StressCombined:
		return DamageCombined
	default:
		return DamageNone
	}
}

// PayoutStatus is owned downstream; the pipeline only writes the default.
// pending_blockchain in particular is written and cleared by the external
// settlement workflow, never here.
type PayoutStatus string

const (
	PayoutPending           PayoutStatus = "pending"
	PayoutPendingBlockchain PayoutStatus = "pending_blockchain"
	PayoutApproved          PayoutStatus = "approved"
	PayoutRejected          PayoutStatus = "rejected"
	PayoutProcessing        PayoutStatus = "processing"
	PayoutCompleted         PayoutStatus = "completed"
	PayoutFailed            PayoutStatus = "failed"
)

// TriggerSource records what initiated an assessment.
type TriggerSource string

const (
	TriggerScheduled TriggerSource = "scheduled"
	TriggerManual    TriggerSource = "manual"
	TriggerThreshold TriggerSource = "threshold"
)

// Assessment is the decision record produced by the evidence bundler.
// Insert-only; a duplicate id is a conflict, never an update.
type Assessment struct {
	ID            string        `json:"assessment_id"`
	PlotID        string        `json:"plot_id"`
	PolicyID      string        `json:"policy_id"`
	Window        Window        `json:"window"`
	TriggerSource TriggerSource `json:"trigger_source"`
	DamageType    DamageType    `json:"damage_type"`
	Severity      string        `json:"severity"`
	EvidenceCID   string        `json:"evidence_cid"`
	SumInsured    float64       `json:"sum_insured"`
	MaxPayout     float64       `json:"max_payout"`
	PayoutStatus  PayoutStatus  `json:"payout_status"`
	Archived      bool          `json:"archived"`
	CreatedAt     time.Time     `json:"created_at"`
}

// AssessmentID derives the deterministic identity of an assessment from the
// plot, policy and window. Equal inputs always collide, which is how
// duplicate bundling is detected.
func AssessmentID(plotID, policyID string, w Window) string {
	h := sha256.Sum256([]byte(plotID + "|" + policyID + "|" + w.Start.UTC().Format(time.RFC3339) + "|" + w.End.UTC().Format(time.RFC3339)))
	return "DA_" + hex.EncodeToString(h[:])[:32]
}
