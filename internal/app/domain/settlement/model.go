package settlement

import "time"

// Status is the lifecycle status of a settlement.
type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
	StatusBlocked  Status = "blocked"
)

// WalletChecks records which wallet-security gates were evaluated and their
// outcome at execution time.
type WalletChecks struct {
	MultisigSatisfied bool
	TimelockExpired   bool
	Paused            bool
}

// Settlement is the final fund release closing out a transaction, distinct
// from milestone payments.
type Settlement struct {
	ID            string
	TransactionID string
	PaymentIDs    []string
	Status        Status
	Checks        WalletChecks
	BlockedReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WalletPolicy is the security policy gating settlement for a transaction's
// wallet: multisig, timelock and emergency pause.
type WalletPolicy struct {
	TransactionID    string
	MultisigRequired int
	Approvals        []string
	TimelockUntil    time.Time
	Paused           bool
	UpdatedAt        time.Time
}

// MultisigSatisfied reports whether enough distinct approvals are recorded.
func (p WalletPolicy) MultisigSatisfied() bool {
	if p.MultisigRequired <= 0 {
		return true
	}
	seen := make(map[string]struct{}, len(p.Approvals))
	for _, a := range p.Approvals {
		seen[a] = struct{}{}
	}
	return len(seen) >= p.MultisigRequired
}

// TimelockExpired reports whether the timelock, if any, has passed.
func (p WalletPolicy) TimelockExpired(now time.Time) bool {
	return p.TimelockUntil.IsZero() || !now.Before(p.TimelockUntil)
}
