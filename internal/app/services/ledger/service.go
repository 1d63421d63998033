// Package ledger maintains the append-only, hash-chained audit trail. The
// chain's integrity is the proof of non-tampering: every event links to the
// hash of the previous event's payload, and Verify recomputes the chain.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/audit"
	"github.com/ClearClose-Network/escrow_layer/internal/app/notify"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage"
	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

// ErrLedgerIntegrity reports a hash-chain mismatch. Settlement decisions that
// depend on the checked range must halt until the mismatch is investigated.
var ErrLedgerIntegrity = errors.New("ledger integrity violation")

// Service is the single writer to the audit chain.
type Service struct {
	store    storage.LedgerStore
	notifier notify.Notifier
	log      *logger.Logger

	// mu serializes appends so sequence numbers stay contiguous.
	mu sync.Mutex
}

// New constructs a ledger service.
func New(store storage.LedgerStore, notifier notify.Notifier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, notifier: notifier, log: log}
}

// Append records an event. The payload is marshalled to JSON, hashed, and
// chained to the previous event's payload hash. Append never rejects a
// well-formed payload.
func (s *Service) Append(ctx context.Context, eventType, transactionID string, payload any) (audit.Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return audit.Event{}, fmt.Errorf("marshal audit payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest, ok, err := s.store.LatestEvent(ctx)
	if err != nil {
		return audit.Event{}, fmt.Errorf("load ledger head: %w", err)
	}

	ev := audit.Event{
		PayloadHash:   hashHex(body),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		TransactionID: transactionID,
	}
	if ok {
		ev.Sequence = latest.Sequence + 1
		ev.PrevHash = latest.PayloadHash
	}

	if err := s.store.AppendEvent(ctx, ev, body); err != nil {
		return audit.Event{}, fmt.Errorf("append audit event: %w", err)
	}

	if s.notifier != nil {
		// Fire-and-forget; delivery failures are the collaborator's concern.
		if err := s.notifier.Notify(ctx, eventType, transactionID, body); err != nil {
			s.log.WithError(err).WithField("event_type", eventType).Warn("notification delivery failed")
		}
	}

	return ev, nil
}

// Verify recomputes the hash chain over [from, to] and returns
// ErrLedgerIntegrity when any stored payload or link has been altered.
func (s *Service) Verify(ctx context.Context, from, to uint64) error {
	events, err := s.store.ListEvents(ctx, from, to)
	if err != nil {
		return fmt.Errorf("load ledger range: %w", err)
	}

	var prev *audit.Event
	for i := range events {
		ev := events[i]

		if prev != nil {
			if ev.Sequence != prev.Sequence+1 {
				return fmt.Errorf("%w: sequence gap at %d", ErrLedgerIntegrity, ev.Sequence)
			}
			if ev.PrevHash != prev.PayloadHash {
				return fmt.Errorf("%w: broken link at sequence %d", ErrLedgerIntegrity, ev.Sequence)
			}
		}

		payload, err := s.store.GetPayload(ctx, ev.PayloadHash)
		if err != nil {
			return fmt.Errorf("%w: payload missing for sequence %d", ErrLedgerIntegrity, ev.Sequence)
		}
		if hashHex(payload) != ev.PayloadHash {
			return fmt.Errorf("%w: payload hash mismatch at sequence %d", ErrLedgerIntegrity, ev.Sequence)
		}

		prev = &events[i]
	}
	return nil
}

// VerifyEvent checks a single event's payload hash.
func (s *Service) VerifyEvent(ctx context.Context, sequence uint64) error {
	return s.Verify(ctx, sequence, sequence)
}

// List returns the events in [from, to].
func (s *Service) List(ctx context.Context, from, to uint64) ([]audit.Event, error) {
	return s.store.ListEvents(ctx, from, to)
}

// Trail returns every event recorded for a transaction, in order.
func (s *Service) Trail(ctx context.Context, transactionID string) ([]audit.Event, error) {
	return s.store.ListEventsByTransaction(ctx, transactionID)
}

// Head returns the most recent event, if any.
func (s *Service) Head(ctx context.Context) (audit.Event, bool, error) {
	return s.store.LatestEvent(ctx)
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
