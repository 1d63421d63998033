package dispute

import "time"

// Status is the lifecycle status of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Outcome is the resolution of a dispute.
type Outcome string

const (
	// OutcomeApprove returns the transaction to its pre-dispute state.
	OutcomeApprove Outcome = "approve"
	// OutcomeReject cancels the transaction.
	OutcomeReject Outcome = "reject"
)

// Dispute freezes a transaction until resolved.
type Dispute struct {
	ID            string
	TransactionID string
	RaisedBy      string
	Reason        string
	Status        Status
	Outcome       Outcome
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}
