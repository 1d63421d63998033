package storage

import (
	"context"
	"errors"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/audit"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/dispute"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/payment"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/settlement"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TransactionStore persists escrow transactions.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx escrow.Transaction) (escrow.Transaction, error)
	UpdateTransaction(ctx context.Context, tx escrow.Transaction) (escrow.Transaction, error)
	GetTransaction(ctx context.Context, id string) (escrow.Transaction, error)
	ListTransactions(ctx context.Context) ([]escrow.Transaction, error)
}

// VerificationStore persists verification tasks.
type VerificationStore interface {
	CreateTask(ctx context.Context, task verification.Task) (verification.Task, error)
	UpdateTask(ctx context.Context, task verification.Task) (verification.Task, error)
	GetTask(ctx context.Context, id string) (verification.Task, error)
	ListTasks(ctx context.Context, transactionID string) ([]verification.Task, error)
}

// AgentStore persists budgeted agents.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent payment.Agent) (payment.Agent, error)
	UpdateAgent(ctx context.Context, agent payment.Agent) (payment.Agent, error)
	GetAgent(ctx context.Context, id string) (payment.Agent, error)
	ListAgents(ctx context.Context, transactionID string) ([]payment.Agent, error)
}

// PaymentStore persists payments keyed by id and idempotency key.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error)
	UpdatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error)
	GetPayment(ctx context.Context, id string) (payment.Payment, error)
	GetPaymentByKey(ctx context.Context, idempotencyKey string) (payment.Payment, error)
	ListPayments(ctx context.Context, transactionID string) ([]payment.Payment, error)
}

// SettlementStore persists settlements and wallet security policies.
type SettlementStore interface {
	CreateSettlement(ctx context.Context, s settlement.Settlement) (settlement.Settlement, error)
	UpdateSettlement(ctx context.Context, s settlement.Settlement) (settlement.Settlement, error)
	GetSettlementByTransaction(ctx context.Context, transactionID string) (settlement.Settlement, error)
	ListBlockedSettlements(ctx context.Context) ([]settlement.Settlement, error)

	PutWalletPolicy(ctx context.Context, policy settlement.WalletPolicy) (settlement.WalletPolicy, error)
	GetWalletPolicy(ctx context.Context, transactionID string) (settlement.WalletPolicy, error)
}

// DisputeStore persists disputes.
type DisputeStore interface {
	CreateDispute(ctx context.Context, d dispute.Dispute) (dispute.Dispute, error)
	UpdateDispute(ctx context.Context, d dispute.Dispute) (dispute.Dispute, error)
	GetDispute(ctx context.Context, id string) (dispute.Dispute, error)
	ListDisputes(ctx context.Context, transactionID string) ([]dispute.Dispute, error)
	OpenDisputeExists(ctx context.Context, transactionID string) (bool, error)
}

// LedgerStore persists the append-only audit chain. Events are immutable once
// appended; payloads are stored separately keyed by their hash.
type LedgerStore interface {
	AppendEvent(ctx context.Context, ev audit.Event, payload []byte) error
	LatestEvent(ctx context.Context) (audit.Event, bool, error)
	ListEvents(ctx context.Context, from, to uint64) ([]audit.Event, error)
	ListEventsByTransaction(ctx context.Context, transactionID string) ([]audit.Event, error)
	GetPayload(ctx context.Context, payloadHash string) ([]byte, error)
}

// IdempotencyStore coordinates in-flight payment dispatches so the same key is
// never submitted to the payment network twice, even across processes when
// backed by Redis.
type IdempotencyStore interface {
	// Reserve marks the key as in-flight. It returns false when the key is
	// already reserved or completed.
	Reserve(ctx context.Context, key string) (bool, error)
	// Complete records the external reference for a finished dispatch.
	Complete(ctx context.Context, key, externalRef string) error
	// Release drops an in-flight reservation after a failure so the milestone
	// can be retried.
	Release(ctx context.Context, key string) error
	// Lookup returns the recorded external reference, if any.
	Lookup(ctx context.Context, key string) (externalRef string, done bool, err error)
}
