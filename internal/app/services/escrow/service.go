// Package escrow owns the transaction state machine. Every state change goes
// through Transition under the per-transaction lock, is validated against the
// legal transition table, and appends exactly one audit event.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/audit"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/payment"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/ledger"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage"
	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

var (
	// ErrStateConflict is returned for transitions the state machine forbids.
	ErrStateConflict = errors.New("illegal state transition")
	// ErrTransactionFrozen is returned when an open dispute blocks the change.
	ErrTransactionFrozen = errors.New("transaction frozen by open dispute")
)

// CreateParams describes a new closing.
type CreateParams struct {
	PropertyRef   string
	BuyerRef      string
	SellerRef     string
	PurchasePrice int64
	Verifications []verification.Type
}

// Service manages escrow transactions and their budgeted agents.
type Service struct {
	transactions storage.TransactionStore
	agents       storage.AgentStore
	ledger       *ledger.Service
	budgets      map[payment.AgentType]int64
	log          *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs an escrow service. budgets maps each agent role to its
// allocated milestone budget in minor units.
func New(transactions storage.TransactionStore, agents storage.AgentStore, led *ledger.Service, budgets map[payment.AgentType]int64, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("escrow")
	}
	return &Service{
		transactions: transactions,
		agents:       agents,
		ledger:       led,
		budgets:      budgets,
		log:          log,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (s *Service) lockFor(transactionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[transactionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[transactionID] = l
	}
	return l
}

// WithLock runs fn while holding the transaction's lock. Concurrent operations
// on the same transaction serialize here; operations on different transactions
// proceed in parallel.
func (s *Service) WithLock(transactionID string, fn func() error) error {
	l := s.lockFor(transactionID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// Create opens a new transaction in the created state and funds one agent per
// requested verification plus the escrow agent holding the purchase price.
func (s *Service) Create(ctx context.Context, params CreateParams) (escrow.Transaction, error) {
	if err := validateCreate(params); err != nil {
		return escrow.Transaction{}, err
	}

	now := time.Now().UTC()
	tx, err := s.transactions.CreateTransaction(ctx, escrow.Transaction{
		PropertyRef:   strings.TrimSpace(params.PropertyRef),
		BuyerRef:      strings.TrimSpace(params.BuyerRef),
		SellerRef:     strings.TrimSpace(params.SellerRef),
		State:         escrow.StateCreated,
		Verifications: params.Verifications,
		PurchasePrice: params.PurchasePrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return escrow.Transaction{}, fmt.Errorf("create transaction: %w", err)
	}

	for _, vt := range params.Verifications {
		role := payment.AgentTypeFor(vt)
		if _, err := s.agents.CreateAgent(ctx, payment.Agent{
			TransactionID:   tx.ID,
			Type:            role,
			AllocatedBudget: s.budgets[role],
			CredentialRef:   string(role),
			CreatedAt:       now,
			UpdatedAt:       now,
		}); err != nil {
			return escrow.Transaction{}, fmt.Errorf("create %s agent: %w", role, err)
		}
	}
	if _, err := s.agents.CreateAgent(ctx, payment.Agent{
		TransactionID:   tx.ID,
		Type:            payment.AgentEscrow,
		AllocatedBudget: tx.PurchasePrice,
		CredentialRef:   string(payment.AgentEscrow),
		CreatedAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		return escrow.Transaction{}, fmt.Errorf("create escrow agent: %w", err)
	}

	if _, err := s.ledger.Append(ctx, audit.EventTransactionCreated, tx.ID, map[string]any{
		"property_ref":   tx.PropertyRef,
		"buyer_ref":      tx.BuyerRef,
		"seller_ref":     tx.SellerRef,
		"purchase_price": tx.PurchasePrice,
		"verifications":  tx.Verifications,
	}); err != nil {
		return escrow.Transaction{}, err
	}

	s.log.WithField("transaction_id", tx.ID).WithField("property_ref", tx.PropertyRef).Info("transaction created")
	return tx, nil
}

func validateCreate(params CreateParams) error {
	if strings.TrimSpace(params.PropertyRef) == "" {
		return fmt.Errorf("property_ref required")
	}
	if strings.TrimSpace(params.BuyerRef) == "" || strings.TrimSpace(params.SellerRef) == "" {
		return fmt.Errorf("buyer_ref and seller_ref required")
	}
	if params.PurchasePrice <= 0 {
		return fmt.Errorf("purchase_price must be positive")
	}
	if len(params.Verifications) == 0 {
		return fmt.Errorf("at least one verification required")
	}
	seen := make(map[verification.Type]struct{}, len(params.Verifications))
	for _, vt := range params.Verifications {
		if _, err := verification.ParseType(string(vt)); err != nil {
			return err
		}
		if _, dup := seen[vt]; dup {
			return fmt.Errorf("duplicate verification %s", vt)
		}
		seen[vt] = struct{}{}
	}
	return nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (escrow.Transaction, error) {
	return s.transactions.GetTransaction(ctx, id)
}

// List returns all transactions.
func (s *Service) List(ctx context.Context) ([]escrow.Transaction, error) {
	return s.transactions.ListTransactions(ctx)
}

// Agents returns a transaction's funded agents.
func (s *Service) Agents(ctx context.Context, transactionID string) ([]payment.Agent, error) {
	return s.agents.ListAgents(ctx, transactionID)
}

// Transition moves a transaction to a new state under its lock, rejecting
// moves the transition table forbids and any move while frozen. One audit
// event is appended per successful transition.
func (s *Service) Transition(ctx context.Context, transactionID string, to escrow.State) (escrow.Transaction, error) {
	var out escrow.Transaction
	err := s.WithLock(transactionID, func() error {
		tx, err := s.transactions.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		out, err = s.transitionLocked(ctx, tx, to)
		return err
	})
	return out, err
}

// transitionLocked performs the state change. Callers must hold the
// transaction's lock.
func (s *Service) transitionLocked(ctx context.Context, tx escrow.Transaction, to escrow.State) (escrow.Transaction, error) {
	if tx.Frozen && to != escrow.StateDisputed {
		return escrow.Transaction{}, fmt.Errorf("%w: %s", ErrTransactionFrozen, tx.ID)
	}
	if !escrow.CanTransition(tx.State, to) {
		return escrow.Transaction{}, fmt.Errorf("%w: %s -> %s", ErrStateConflict, tx.State, to)
	}

	from := tx.State
	if to == escrow.StateDisputed {
		tx.PriorState = from
	} else if from == escrow.StateDisputed {
		tx.PriorState = ""
	}
	tx.State = to
	tx.UpdatedAt = time.Now().UTC()
	if to.Terminal() {
		closed := tx.UpdatedAt
		tx.ClosedAt = &closed
	}

	updated, err := s.transactions.UpdateTransaction(ctx, tx)
	if err != nil {
		return escrow.Transaction{}, fmt.Errorf("persist transition: %w", err)
	}

	if _, err := s.ledger.Append(ctx, audit.EventTransactionTransition, tx.ID, map[string]any{
		"from": from,
		"to":   to,
	}); err != nil {
		return escrow.Transaction{}, err
	}

	s.log.WithField("transaction_id", tx.ID).
		WithField("from", string(from)).
		WithField("to", string(to)).
		Info("transaction transitioned")
	return updated, nil
}

// Freeze blocks all state changes and payment dispatch for the transaction.
func (s *Service) Freeze(ctx context.Context, transactionID string) error {
	return s.setFrozen(ctx, transactionID, true)
}

// Unfreeze lifts the dispute freeze.
func (s *Service) Unfreeze(ctx context.Context, transactionID string) error {
	return s.setFrozen(ctx, transactionID, false)
}

func (s *Service) setFrozen(ctx context.Context, transactionID string, frozen bool) error {
	return s.WithLock(transactionID, func() error {
		tx, err := s.transactions.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if tx.Frozen == frozen {
			return nil
		}
		tx.Frozen = frozen
		tx.UpdatedAt = time.Now().UTC()
		_, err = s.transactions.UpdateTransaction(ctx, tx)
		return err
	})
}
