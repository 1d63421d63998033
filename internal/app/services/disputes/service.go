// Package disputes manages the dispute lifecycle. Raising a dispute moves the
// transaction to disputed and freezes it; resolution lifts the freeze and
// either restores the pre-dispute state or cancels the closing.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/audit"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/dispute"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/escrow"
	escrowsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/ledger"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage"
	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

var (
	// ErrDisputeOpen is returned when a transaction already has an open
	// dispute.
	ErrDisputeOpen = errors.New("dispute already open")
	// ErrDisputeClosed is returned when resolving an already resolved dispute.
	ErrDisputeClosed = errors.New("dispute already resolved")
)

// Service manages disputes.
type Service struct {
	disputes storage.DisputeStore
	escrow   *escrowsvc.Service
	ledger   *ledger.Service
	log      *logger.Logger
}

// New constructs a dispute service.
func New(disputes storage.DisputeStore, esc *escrowsvc.Service, led *ledger.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("disputes")
	}
	return &Service{disputes: disputes, escrow: esc, ledger: led, log: log}
}

// Raise opens a dispute, moving the transaction to disputed and freezing all
// state changes and payment dispatch until resolution. One open dispute per
// transaction.
func (s *Service) Raise(ctx context.Context, transactionID, raisedBy, reason string) (dispute.Dispute, error) {
	if strings.TrimSpace(raisedBy) == "" {
		return dispute.Dispute{}, fmt.Errorf("raised_by required")
	}
	if strings.TrimSpace(reason) == "" {
		return dispute.Dispute{}, fmt.Errorf("reason required")
	}

	open, err := s.disputes.OpenDisputeExists(ctx, transactionID)
	if err != nil {
		return dispute.Dispute{}, err
	}
	if open {
		return dispute.Dispute{}, fmt.Errorf("%w: %s", ErrDisputeOpen, transactionID)
	}

	if _, err := s.escrow.Transition(ctx, transactionID, escrow.StateDisputed); err != nil {
		return dispute.Dispute{}, err
	}
	if err := s.escrow.Freeze(ctx, transactionID); err != nil {
		return dispute.Dispute{}, err
	}

	now := time.Now().UTC()
	d, err := s.disputes.CreateDispute(ctx, dispute.Dispute{
		TransactionID: transactionID,
		RaisedBy:      strings.TrimSpace(raisedBy),
		Reason:        strings.TrimSpace(reason),
		Status:        dispute.StatusOpen,
		CreatedAt:     now,
	})
	if err != nil {
		return dispute.Dispute{}, fmt.Errorf("create dispute: %w", err)
	}

	if _, err := s.ledger.Append(ctx, audit.EventDisputeRaised, transactionID, map[string]any{
		"dispute_id": d.ID,
		"raised_by":  d.RaisedBy,
		"reason":     d.Reason,
	}); err != nil {
		return dispute.Dispute{}, err
	}

	s.log.WithField("transaction_id", transactionID).WithField("dispute_id", d.ID).Warn("dispute raised")
	return d, nil
}

// Resolve closes a dispute. An approve outcome returns the transaction to its
// pre-dispute state; reject cancels the closing.
func (s *Service) Resolve(ctx context.Context, disputeID string, outcome dispute.Outcome) (dispute.Dispute, error) {
	if outcome != dispute.OutcomeApprove && outcome != dispute.OutcomeReject {
		return dispute.Dispute{}, fmt.Errorf("unsupported outcome %q", outcome)
	}

	d, err := s.disputes.GetDispute(ctx, disputeID)
	if err != nil {
		return dispute.Dispute{}, err
	}
	if d.Status == dispute.StatusResolved {
		return dispute.Dispute{}, fmt.Errorf("%w: %s", ErrDisputeClosed, disputeID)
	}

	tx, err := s.escrow.Get(ctx, d.TransactionID)
	if err != nil {
		return dispute.Dispute{}, err
	}

	target := escrow.StateCancelled
	if outcome == dispute.OutcomeApprove {
		target = tx.PriorState
		if target == "" {
			return dispute.Dispute{}, fmt.Errorf("no prior state recorded for %s", tx.ID)
		}
	}

	if err := s.escrow.Unfreeze(ctx, d.TransactionID); err != nil {
		return dispute.Dispute{}, err
	}
	if _, err := s.escrow.Transition(ctx, d.TransactionID, target); err != nil {
		// Re-freeze so the dispute's hold is not silently lost.
		if freezeErr := s.escrow.Freeze(ctx, d.TransactionID); freezeErr != nil {
			s.log.WithError(freezeErr).WithField("transaction_id", d.TransactionID).Error("re-freeze after failed resolution")
		}
		return dispute.Dispute{}, err
	}

	now := time.Now().UTC()
	d.Status = dispute.StatusResolved
	d.Outcome = outcome
	d.ResolvedAt = &now
	d, err = s.disputes.UpdateDispute(ctx, d)
	if err != nil {
		return dispute.Dispute{}, fmt.Errorf("persist resolution: %w", err)
	}

	if _, err := s.ledger.Append(ctx, audit.EventDisputeResolved, d.TransactionID, map[string]any{
		"dispute_id": d.ID,
		"outcome":    string(outcome),
		"restored":   string(target),
	}); err != nil {
		return dispute.Dispute{}, err
	}

	s.log.WithField("transaction_id", d.TransactionID).
		WithField("dispute_id", d.ID).
		WithField("outcome", string(outcome)).
		Info("dispute resolved")
	return d, nil
}

// Get returns a dispute by id.
func (s *Service) Get(ctx context.Context, id string) (dispute.Dispute, error) {
	return s.disputes.GetDispute(ctx, id)
}

// List returns a transaction's disputes.
func (s *Service) List(ctx context.Context, transactionID string) ([]dispute.Dispute, error) {
	return s.disputes.ListDisputes(ctx, transactionID)
}
