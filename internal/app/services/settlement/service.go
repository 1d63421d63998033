// Package settlement executes the final fund release for a closing. Release
// is gated by the wallet security policy (multisig approvals, timelock,
// emergency pause) and by the integrity of the audit chain; a failed gate
// blocks the settlement rather than failing it, and the poller retries
// blocked settlements as gates clear.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/audit"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/payment"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/settlement"
	"github.com/ClearClose-Network/escrow_layer/internal/app/metrics"
	escrowsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/ledger"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/payments"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage"
	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

var (
	// ErrSettlementBlocked is returned when a wallet gate refuses the release.
	ErrSettlementBlocked = errors.New("settlement blocked by wallet policy")
	// ErrNotReady is returned when the transaction is not in
	// settlement_pending.
	ErrNotReady = errors.New("transaction not ready for settlement")
)

// Service is the settlement engine.
type Service struct {
	settlements storage.SettlementStore
	payments    storage.PaymentStore
	agents      storage.AgentStore
	disputes    storage.DisputeStore
	escrow      *escrowsvc.Service
	dispatcher  *payments.Service
	ledger      *ledger.Service
	log         *logger.Logger

	now func() time.Time
}

// New constructs a settlement engine.
func New(
	settlements storage.SettlementStore,
	pays storage.PaymentStore,
	agents storage.AgentStore,
	disputes storage.DisputeStore,
	esc *escrowsvc.Service,
	dispatcher *payments.Service,
	led *ledger.Service,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	return &Service{
		settlements: settlements,
		payments:    pays,
		agents:      agents,
		disputes:    disputes,
		escrow:      esc,
		dispatcher:  dispatcher,
		ledger:      led,
		log:         log,
		now:         time.Now,
	}
}

// Execute attempts the final release for a transaction. Re-executing a
// settled transaction returns the recorded settlement; re-executing a blocked
// one re-evaluates the gates.
func (s *Service) Execute(ctx context.Context, transactionID string) (settlement.Settlement, error) {
	tx, err := s.escrow.Get(ctx, transactionID)
	if err != nil {
		return settlement.Settlement{}, err
	}

	existing, err := s.settlements.GetSettlementByTransaction(ctx, transactionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return settlement.Settlement{}, err
	}
	if err == nil && existing.Status == settlement.StatusExecuted {
		return existing, nil
	}

	if tx.State != escrow.StateSettlementPending {
		return settlement.Settlement{}, fmt.Errorf("%w: state %s", ErrNotReady, tx.State)
	}
	if open, err := s.disputes.OpenDisputeExists(ctx, transactionID); err != nil {
		return settlement.Settlement{}, err
	} else if open {
		return settlement.Settlement{}, fmt.Errorf("%w: open dispute", ErrNotReady)
	}

	// The release only happens over an intact audit chain.
	if head, ok, err := s.ledger.Head(ctx); err != nil {
		return settlement.Settlement{}, err
	} else if ok {
		if err := s.ledger.Verify(ctx, 0, head.Sequence); err != nil {
			return settlement.Settlement{}, err
		}
	}

	rec, err := s.upsert(ctx, existing, transactionID)
	if err != nil {
		return settlement.Settlement{}, err
	}

	checks, reason := s.evaluateGates(ctx, transactionID)
	rec.Checks = checks
	if reason != "" {
		return s.block(ctx, rec, reason)
	}

	agent, err := s.escrowAgent(ctx, transactionID)
	if err != nil {
		return rec, err
	}

	release, err := s.dispatcher.RequestPayment(ctx, payments.Request{
		TransactionID: transactionID,
		AgentID:       agent.ID,
		Milestone:     payments.MilestoneSettlement,
		Amount:        tx.PurchasePrice,
		Recipient:     "party:" + tx.SellerRef,
		Direct:        true,
	})
	if err != nil {
		return rec, fmt.Errorf("release funds: %w", err)
	}

	all, err := s.payments.ListPayments(ctx, transactionID)
	if err != nil {
		return rec, err
	}
	rec.PaymentIDs = rec.PaymentIDs[:0]
	for _, p := range all {
		if p.Status == payment.StatusConfirmed {
			rec.PaymentIDs = append(rec.PaymentIDs, p.ID)
		}
	}

	rec.Status = settlement.StatusExecuted
	rec.BlockedReason = ""
	rec.UpdatedAt = s.now().UTC()
	rec, err = s.settlements.UpdateSettlement(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("persist settlement: %w", err)
	}

	if _, err := s.escrow.Transition(ctx, transactionID, escrow.StateSettled); err != nil {
		return rec, err
	}

	if _, err := s.ledger.Append(ctx, audit.EventSettlementExecuted, transactionID, map[string]any{
		"settlement_id": rec.ID,
		"amount":        release.Amount,
		"external_ref":  release.ExternalRef,
		"payment_ids":   rec.PaymentIDs,
		"checks":        rec.Checks,
	}); err != nil {
		return rec, err
	}

	metrics.RecordSettlementExecution("executed")
	s.log.WithField("transaction_id", transactionID).
		WithField("amount", release.Amount).
		WithField("external_ref", release.ExternalRef).
		Info("settlement executed")
	return rec, nil
}

// evaluateGates checks the wallet policy. An empty reason means every gate
// passed; a missing policy imposes no gates.
func (s *Service) evaluateGates(ctx context.Context, transactionID string) (settlement.WalletChecks, string) {
	policy, err := s.settlements.GetWalletPolicy(ctx, transactionID)
	if errors.Is(err, storage.ErrNotFound) {
		return settlement.WalletChecks{MultisigSatisfied: true, TimelockExpired: true}, ""
	}
	if err != nil {
		return settlement.WalletChecks{}, "wallet policy unavailable: " + err.Error()
	}

	checks := settlement.WalletChecks{
		MultisigSatisfied: policy.MultisigSatisfied(),
		TimelockExpired:   policy.TimelockExpired(s.now().UTC()),
		Paused:            policy.Paused,
	}
	switch {
	case checks.Paused:
		return checks, "wallet paused"
	case !checks.MultisigSatisfied:
		return checks, fmt.Sprintf("multisig requires %d approvals, have %d", policy.MultisigRequired, len(policy.Approvals))
	case !checks.TimelockExpired:
		return checks, "timelock active until " + policy.TimelockUntil.UTC().Format(time.RFC3339)
	}
	return checks, ""
}

func (s *Service) upsert(ctx context.Context, existing settlement.Settlement, transactionID string) (settlement.Settlement, error) {
	if existing.ID != "" {
		return existing, nil
	}
	now := s.now().UTC()
	return s.settlements.CreateSettlement(ctx, settlement.Settlement{
		TransactionID: transactionID,
		Status:        settlement.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

func (s *Service) block(ctx context.Context, rec settlement.Settlement, reason string) (settlement.Settlement, error) {
	rec.Status = settlement.StatusBlocked
	rec.BlockedReason = reason
	rec.UpdatedAt = s.now().UTC()
	updated, err := s.settlements.UpdateSettlement(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("persist blocked settlement: %w", err)
	}

	if _, err := s.ledger.Append(ctx, audit.EventSettlementBlocked, rec.TransactionID, map[string]any{
		"settlement_id": updated.ID,
		"reason":        reason,
		"checks":        updated.Checks,
	}); err != nil {
		return updated, err
	}

	metrics.RecordSettlementExecution("blocked")
	s.log.WithField("transaction_id", rec.TransactionID).WithField("reason", reason).Warn("settlement blocked")
	return updated, fmt.Errorf("%w: %s", ErrSettlementBlocked, reason)
}

// Get returns a transaction's settlement record.
func (s *Service) Get(ctx context.Context, transactionID string) (settlement.Settlement, error) {
	return s.settlements.GetSettlementByTransaction(ctx, transactionID)
}

// ConfigureMultisig sets the number of distinct approvals settlement needs.
func (s *Service) ConfigureMultisig(ctx context.Context, transactionID string, required int) (settlement.WalletPolicy, error) {
	if required < 0 {
		return settlement.WalletPolicy{}, fmt.Errorf("required approvals must not be negative")
	}
	return s.updatePolicy(ctx, transactionID, func(p *settlement.WalletPolicy) {
		p.MultisigRequired = required
	})
}

// Approve records an approver's signature toward the multisig threshold.
func (s *Service) Approve(ctx context.Context, transactionID, approver string) (settlement.WalletPolicy, error) {
	if approver == "" {
		return settlement.WalletPolicy{}, fmt.Errorf("approver required")
	}
	return s.updatePolicy(ctx, transactionID, func(p *settlement.WalletPolicy) {
		for _, a := range p.Approvals {
			if a == approver {
				return
			}
		}
		p.Approvals = append(p.Approvals, approver)
	})
}

// SetTimelock blocks settlement until the given instant. A zero time clears
// the lock.
func (s *Service) SetTimelock(ctx context.Context, transactionID string, until time.Time) (settlement.WalletPolicy, error) {
	return s.updatePolicy(ctx, transactionID, func(p *settlement.WalletPolicy) {
		p.TimelockUntil = until.UTC()
	})
}

// SetPause toggles the emergency pause.
func (s *Service) SetPause(ctx context.Context, transactionID string, paused bool) (settlement.WalletPolicy, error) {
	return s.updatePolicy(ctx, transactionID, func(p *settlement.WalletPolicy) {
		p.Paused = paused
	})
}

func (s *Service) updatePolicy(ctx context.Context, transactionID string, apply func(*settlement.WalletPolicy)) (settlement.WalletPolicy, error) {
	var out settlement.WalletPolicy
	err := s.escrow.WithLock(transactionID, func() error {
		policy, err := s.settlements.GetWalletPolicy(ctx, transactionID)
		if errors.Is(err, storage.ErrNotFound) {
			policy = settlement.WalletPolicy{TransactionID: transactionID}
		} else if err != nil {
			return err
		}

		apply(&policy)
		policy.UpdatedAt = s.now().UTC()
		out, err = s.settlements.PutWalletPolicy(ctx, policy)
		if err != nil {
			return err
		}

		_, err = s.ledger.Append(ctx, audit.EventWalletConfigured, transactionID, map[string]any{
			"multisig_required": out.MultisigRequired,
			"approvals":         len(out.Approvals),
			"timelock_until":    out.TimelockUntil,
			"paused":            out.Paused,
		})
		return err
	})
	return out, err
}

// escrowAgent finds the agent funded with the purchase price.
func (s *Service) escrowAgent(ctx context.Context, transactionID string) (payment.Agent, error) {
	agents, err := s.agents.ListAgents(ctx, transactionID)
	if err != nil {
		return payment.Agent{}, err
	}
	for _, a := range agents {
		if a.Type == payment.AgentEscrow {
			return a, nil
		}
	}
	return payment.Agent{}, fmt.Errorf("escrow agent missing for %s", transactionID)
}
