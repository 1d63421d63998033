package escrow

import (
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
)

// State is the lifecycle state of an escrow transaction.
type State string

const (
	StateCreated           State = "created"
	StateVerifying         State = "verifying"
	StateSettlementPending State = "settlement_pending"
	StateSettled           State = "settled"
	StateDisputed          State = "disputed"
	StateCancelled         State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateCancelled
}

// transitions is the legal transition table. Disputed additionally returns to
// the transaction's recorded prior state on resolution.
var transitions = map[State][]State{
	StateCreated:           {StateVerifying, StateCancelled},
	StateVerifying:         {StateSettlementPending, StateDisputed, StateCancelled},
	StateSettlementPending: {StateSettled, StateDisputed, StateCancelled},
	StateDisputed:          {StateVerifying, StateSettlementPending, StateCancelled},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transaction is a multi-party real-estate closing tracked through escrow.
// Mutated only through state-machine transitions.
type Transaction struct {
	ID            string
	PropertyRef   string
	BuyerRef      string
	SellerRef     string
	State         State
	PriorState    State // state to return to when a dispute resolves in favour
	Frozen        bool  // set while an open dispute blocks transitions
	Verifications []verification.Type
	PurchasePrice int64 // minor units
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
}
