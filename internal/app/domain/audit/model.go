package audit

import "time"

// Event types recorded on the ledger. Every state transition and every
// payment outcome appends exactly one event.
const (
	EventTransactionCreated    = "transaction.created"
	EventTransactionTransition = "transaction.transition"
	EventVerificationStarted   = "verification.started"
	EventVerificationOutcome   = "verification.outcome"
	EventPaymentConfirmed      = "payment.confirmed"
	EventPaymentFailed         = "payment.failed"
	EventSettlementExecuted    = "settlement.executed"
	EventSettlementBlocked     = "settlement.blocked"
	EventDisputeRaised         = "dispute.raised"
	EventDisputeResolved       = "dispute.resolved"
	EventWalletConfigured      = "wallet.configured"
	EventLedgerAnchored        = "ledger.anchored"
)

// Event is one append-only, hash-chained ledger entry. The payload itself is
// stored separately keyed by PayloadHash so chain verification does not depend
// on payload storage.
type Event struct {
	Sequence      uint64    `json:"sequence"`
	PrevHash      string    `json:"prev_hash"`
	PayloadHash   string    `json:"payload_hash"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	TransactionID string    `json:"transaction_id"`
}
