// Package payments dispatches budgeted milestone payments. Dispatch is
// bounded by three mechanisms working together: the agent's allocated budget
// is reserved before any external call, the idempotency key derived from
// (transaction, milestone, agent) makes retries reuse the original network
// payment, and the in-flight reservation store prevents concurrent double
// dispatch across processes.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/audit"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/payment"
	"github.com/ClearClose-Network/escrow_layer/internal/app/metrics"
	"github.com/ClearClose-Network/escrow_layer/internal/app/secrets"
	escrowsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/ledger"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/paynet"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage"
	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

var (
	// ErrBudgetExceeded is returned when a dispatch would overrun the agent's
	// allocated budget. The external network is never contacted in this case.
	ErrBudgetExceeded = errors.New("agent budget exceeded")
	// ErrDispatchInFlight is returned when another dispatch holds the
	// idempotency reservation for the same milestone.
	ErrDispatchInFlight = errors.New("payment dispatch already in flight")
)

// MilestoneSettlement is the milestone label of the final release payment.
// It bypasses the paid-resource exchange and pays the seller directly.
const MilestoneSettlement = "settlement"

// Locker serializes operations on a single transaction. The escrow service's
// per-transaction lock registry satisfies it.
type Locker interface {
	WithLock(transactionID string, fn func() error) error
}

// Request describes one milestone disbursement.
type Request struct {
	TransactionID string
	AgentID       string
	Milestone     string
	Amount        int64 // minor units, the maximum authorized
	Recipient     string
	// Direct skips the paid-resource exchange and pays the recipient the full
	// amount. Used for the settlement release.
	Direct bool
}

// Service is the payment dispatcher.
type Service struct {
	transactions storage.TransactionStore
	agents       storage.AgentStore
	payments     storage.PaymentStore
	idem         storage.IdempotencyStore
	locker       Locker
	handler      *paynet.Handler
	network      paynet.Network
	resource     paynet.Resource
	creds        secrets.Store
	ledger       *ledger.Service
	log          *logger.Logger
}

// New constructs a payment dispatcher. resource is the paid service consumed
// through the challenge/response exchange; network moves the funds.
func New(
	transactions storage.TransactionStore,
	agents storage.AgentStore,
	payments storage.PaymentStore,
	idem storage.IdempotencyStore,
	locker Locker,
	network paynet.Network,
	resource paynet.Resource,
	creds secrets.Store,
	led *ledger.Service,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("payments")
	}
	if creds == nil {
		creds = secrets.Static{Creds: secrets.Credentials{WalletRef: "sim-wallet"}}
	}
	return &Service{
		transactions: transactions,
		agents:       agents,
		payments:     payments,
		idem:         idem,
		locker:       locker,
		handler:      paynet.NewHandler(network, log),
		network:      network,
		resource:     resource,
		creds:        creds,
		ledger:       led,
		log:          log,
	}
}

// RequestPayment dispatches a milestone payment. A repeat call for the same
// (transaction, milestone, agent) returns the already-confirmed payment
// without contacting the network again.
func (s *Service) RequestPayment(ctx context.Context, req Request) (payment.Payment, error) {
	if req.Amount <= 0 {
		return payment.Payment{}, fmt.Errorf("amount must be positive")
	}
	if req.Milestone == "" {
		return payment.Payment{}, fmt.Errorf("milestone required")
	}

	key := payment.IdempotencyKey(req.TransactionID, req.Milestone, req.AgentID)

	var p payment.Payment
	var reserved bool
	err := s.locker.WithLock(req.TransactionID, func() error {
		tx, err := s.transactions.GetTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if tx.Frozen {
			return fmt.Errorf("%w: %s", escrowsvc.ErrTransactionFrozen, tx.ID)
		}

		existing, err := s.payments.GetPaymentByKey(ctx, key)
		if err == nil && existing.Status == payment.StatusConfirmed {
			p = existing
			return nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		ok, err := s.idem.Reserve(ctx, key)
		if err != nil {
			return fmt.Errorf("reserve dispatch: %w", err)
		}
		if !ok {
			ref, done, err := s.idem.Lookup(ctx, key)
			if err != nil {
				return err
			}
			if !done {
				return fmt.Errorf("%w: %s/%s", ErrDispatchInFlight, req.TransactionID, req.Milestone)
			}
			// Completed elsewhere; adopt the recorded reference.
			p, err = s.adoptCompleted(ctx, existing, req, key, ref)
			return err
		}

		agent, err := s.agents.GetAgent(ctx, req.AgentID)
		if err != nil {
			s.idem.Release(ctx, key)
			return err
		}
		if agent.Remaining() < req.Amount {
			s.idem.Release(ctx, key)
			return fmt.Errorf("%w: agent %s has %d remaining, requested %d",
				ErrBudgetExceeded, agent.ID, agent.Remaining(), req.Amount)
		}

		if req.Recipient == "" {
			// The recipient wallet comes from the agent's credentials; the
			// credential itself never touches a log line or a stored record.
			ref := agent.CredentialRef
			if ref == "" {
				ref = agent.ID
			}
			c, err := s.creds.Credentials(ctx, ref)
			if err != nil {
				s.idem.Release(ctx, key)
				return fmt.Errorf("resolve recipient wallet: %w", err)
			}
			req.Recipient = c.WalletRef
		}

		// Reserve the budget before any external call.
		agent.Spent += req.Amount
		agent.UpdatedAt = time.Now().UTC()
		if _, err := s.agents.UpdateAgent(ctx, agent); err != nil {
			s.idem.Release(ctx, key)
			return fmt.Errorf("reserve budget: %w", err)
		}
		reserved = true

		p, err = s.upsertPending(ctx, existing, req, key)
		return err
	})
	if err != nil {
		return payment.Payment{}, err
	}
	if !reserved {
		return p, nil
	}

	// The external exchange runs outside the transaction lock so a slow
	// network never blocks unrelated operations on the transaction.
	outcome, execErr := s.execute(ctx, req, key)

	finErr := s.locker.WithLock(req.TransactionID, func() error {
		if execErr != nil {
			return s.rollback(ctx, &p, req, key, execErr)
		}
		return s.confirm(ctx, &p, req, key, outcome)
	})
	if execErr != nil {
		if finErr != nil {
			s.log.WithError(finErr).WithField("payment_id", p.ID).Error("payment rollback failed")
		}
		return p, fmt.Errorf("dispatch payment: %w", execErr)
	}
	return p, finErr
}

func (s *Service) execute(ctx context.Context, req Request, key string) (paynet.Outcome, error) {
	if req.Direct || s.resource == nil {
		receipt, err := s.network.ExecutePayment(ctx, paynet.PaymentRequest{
			IdempotencyKey: key,
			Amount:         req.Amount,
			Recipient:      req.Recipient,
			Memo:           req.TransactionID + "/" + req.Milestone,
		})
		if err != nil {
			return paynet.Outcome{}, err
		}
		return paynet.Outcome{Receipt: receipt, ProofRef: receipt.ExternalRef, Paid: req.Amount}, nil
	}

	return s.handler.Execute(ctx, s.resource, paynet.ResourceRequest{
		TransactionID: req.TransactionID,
		AgentID:       req.AgentID,
		Milestone:     req.Milestone,
		Amount:        req.Amount,
	}, key, req.TransactionID+"/"+req.Milestone)
}

func (s *Service) upsertPending(ctx context.Context, existing payment.Payment, req Request, key string) (payment.Payment, error) {
	now := time.Now().UTC()
	if existing.ID != "" {
		existing.Status = payment.StatusSubmitted
		existing.FailureReason = ""
		existing.UpdatedAt = now
		return s.payments.UpdatePayment(ctx, existing)
	}
	return s.payments.CreatePayment(ctx, payment.Payment{
		TransactionID:  req.TransactionID,
		AgentID:        req.AgentID,
		Milestone:      req.Milestone,
		Amount:         req.Amount,
		Recipient:      req.Recipient,
		Status:         payment.StatusSubmitted,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

func (s *Service) confirm(ctx context.Context, p *payment.Payment, req Request, key string, outcome paynet.Outcome) error {
	if err := s.idem.Complete(ctx, key, outcome.Receipt.ExternalRef); err != nil {
		return fmt.Errorf("record dispatch completion: %w", err)
	}

	// A quoted price below the authorized amount returns the difference to
	// the agent's budget.
	if outcome.Paid > 0 && outcome.Paid < req.Amount {
		agent, err := s.agents.GetAgent(ctx, req.AgentID)
		if err != nil {
			return err
		}
		agent.Spent -= req.Amount - outcome.Paid
		agent.UpdatedAt = time.Now().UTC()
		if _, err := s.agents.UpdateAgent(ctx, agent); err != nil {
			return fmt.Errorf("settle budget reservation: %w", err)
		}
		p.Amount = outcome.Paid
	}

	p.Status = payment.StatusConfirmed
	p.ExternalRef = outcome.Receipt.ExternalRef
	p.UpdatedAt = time.Now().UTC()
	updated, err := s.payments.UpdatePayment(ctx, *p)
	if err != nil {
		return fmt.Errorf("persist confirmation: %w", err)
	}
	*p = updated

	if _, err := s.ledger.Append(ctx, audit.EventPaymentConfirmed, req.TransactionID, map[string]any{
		"payment_id":   p.ID,
		"agent_id":     p.AgentID,
		"milestone":    p.Milestone,
		"amount":       p.Amount,
		"external_ref": p.ExternalRef,
	}); err != nil {
		return err
	}

	metrics.RecordPaymentDispatch(p.Milestone, string(payment.StatusConfirmed), p.Amount)
	s.log.WithField("payment_id", p.ID).
		WithField("milestone", p.Milestone).
		WithField("external_ref", p.ExternalRef).
		Info("payment confirmed")
	return nil
}

func (s *Service) rollback(ctx context.Context, p *payment.Payment, req Request, key string, cause error) error {
	agent, err := s.agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		return err
	}
	agent.Spent -= req.Amount
	agent.UpdatedAt = time.Now().UTC()
	if _, err := s.agents.UpdateAgent(ctx, agent); err != nil {
		return fmt.Errorf("release budget reservation: %w", err)
	}

	if err := s.idem.Release(ctx, key); err != nil {
		return fmt.Errorf("release dispatch reservation: %w", err)
	}

	p.Status = payment.StatusFailed
	p.FailureReason = cause.Error()
	p.UpdatedAt = time.Now().UTC()
	updated, err := s.payments.UpdatePayment(ctx, *p)
	if err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	*p = updated

	if _, err := s.ledger.Append(ctx, audit.EventPaymentFailed, req.TransactionID, map[string]any{
		"payment_id": p.ID,
		"agent_id":   p.AgentID,
		"milestone":  p.Milestone,
		"amount":     req.Amount,
		"reason":     p.FailureReason,
	}); err != nil {
		return err
	}

	metrics.RecordPaymentDispatch(p.Milestone, string(payment.StatusFailed), 0)
	s.log.WithError(cause).WithField("payment_id", p.ID).WithField("milestone", p.Milestone).Warn("payment failed")
	return nil
}

func (s *Service) adoptCompleted(ctx context.Context, existing payment.Payment, req Request, key, externalRef string) (payment.Payment, error) {
	now := time.Now().UTC()
	if existing.ID == "" {
		return s.payments.CreatePayment(ctx, payment.Payment{
			TransactionID:  req.TransactionID,
			AgentID:        req.AgentID,
			Milestone:      req.Milestone,
			Amount:         req.Amount,
			Recipient:      req.Recipient,
			Status:         payment.StatusConfirmed,
			IdempotencyKey: key,
			ExternalRef:    externalRef,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	existing.Status = payment.StatusConfirmed
	existing.ExternalRef = externalRef
	existing.UpdatedAt = now
	return s.payments.UpdatePayment(ctx, existing)
}

// RetryPayment re-runs a failed milestone payment. The idempotency key is
// derived from the same triple, so a payment that actually reached the
// network resolves to the original external reference.
func (s *Service) RetryPayment(ctx context.Context, paymentID string) (payment.Payment, error) {
	p, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return payment.Payment{}, err
	}
	if p.Status == payment.StatusConfirmed {
		return p, nil
	}
	return s.RequestPayment(ctx, Request{
		TransactionID: p.TransactionID,
		AgentID:       p.AgentID,
		Milestone:     p.Milestone,
		Amount:        p.Amount,
		Recipient:     p.Recipient,
		Direct:        p.Milestone == MilestoneSettlement,
	})
}

// Get returns a payment by id.
func (s *Service) Get(ctx context.Context, id string) (payment.Payment, error) {
	return s.payments.GetPayment(ctx, id)
}

// List returns a transaction's payments.
func (s *Service) List(ctx context.Context, transactionID string) ([]payment.Payment, error) {
	return s.payments.ListPayments(ctx, transactionID)
}
