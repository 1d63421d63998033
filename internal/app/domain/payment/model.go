package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
)

// AgentType tags the role of a funded agent within a closing.
type AgentType string

const (
	AgentTitle        AgentType = "title"
	AgentInspection   AgentType = "inspection"
	AgentAppraisal    AgentType = "appraisal"
	AgentUnderwriting AgentType = "underwriting"
	// AgentEscrow is the settlement-side agent funded with the purchase price
	// so the final release moves through the same budget discipline.
	AgentEscrow AgentType = "escrow"
)

// AgentTypeFor maps a verification type to the agent role that performs it.
func AgentTypeFor(t verification.Type) AgentType {
	switch t {
	case verification.TypeTitle:
		return AgentTitle
	case verification.TypeInspection:
		return AgentInspection
	case verification.TypeAppraisal:
		return AgentAppraisal
	case verification.TypeLending:
		return AgentUnderwriting
	}
	return AgentType(t)
}

// Agent is a budgeted party performing work on a transaction. The allocated
// budget is immutable for the life of the transaction; Spent only grows while
// reservations are held and shrinks when one is rolled back.
type Agent struct {
	ID              string
	TransactionID   string
	Type            AgentType
	AllocatedBudget int64 // minor units
	Spent           int64 // minor units, spent + reserved
	CredentialRef   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Remaining returns the budget left for the agent.
func (a Agent) Remaining() int64 {
	return a.AllocatedBudget - a.Spent
}

// Status is the lifecycle status of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Payment is one budgeted fund movement to an agent's recipient address.
type Payment struct {
	ID             string
	TransactionID  string
	AgentID        string
	Milestone      string
	Amount         int64 // minor units
	Recipient      string
	Status         Status
	IdempotencyKey string
	ExternalRef    string // nullable until confirmed
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdempotencyKey derives the stable dispatch key for a milestone payment.
// Retries of the same milestone for the same agent always produce the same
// key, which is what bounds external dispatch to at most once.
func IdempotencyKey(transactionID, milestone, agentID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", transactionID, milestone, agentID)))
	return hex.EncodeToString(sum[:])
}
