package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/ClearClose-Network/escrow_layer/internal/app/storage/memory"
)

func TestAppend_ChainsSequencesAndHashes(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil)
	ctx := context.Background()

	first, err := svc.Append(ctx, "transaction.created", "tx-1", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Sequence != 0 || first.PrevHash != "" {
		t.Fatalf("genesis event malformed: seq=%d prev=%q", first.Sequence, first.PrevHash)
	}

	second, err := svc.Append(ctx, "payment.confirmed", "tx-1", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", second.Sequence)
	}
	if second.PrevHash != first.PayloadHash {
		t.Fatalf("second event does not link to first payload hash")
	}
}

func TestVerify_PassesOnIntactChain(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Append(ctx, "transaction.transition", "tx-1", map[string]any{"step": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	head, ok, err := svc.Head(ctx)
	if err != nil || !ok {
		t.Fatalf("head: ok=%v err=%v", ok, err)
	}
	if err := svc.Verify(ctx, 0, head.Sequence); err != nil {
		t.Fatalf("verify intact chain: %v", err)
	}
}

func TestVerify_DetectsTamperedPayload(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil)
	ctx := context.Background()

	if _, err := svc.Append(ctx, "transaction.created", "tx-1", map[string]any{"price": 100}); err != nil {
		t.Fatalf("append first: %v", err)
	}
	target, err := svc.Append(ctx, "payment.confirmed", "tx-1", map[string]any{"amount": 500})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if _, err := svc.Append(ctx, "settlement.executed", "tx-1", map[string]any{"done": true}); err != nil {
		t.Fatalf("append third: %v", err)
	}

	store.TamperPayload(target.PayloadHash, []byte(`{"amount":999}`))

	err = svc.Verify(ctx, 0, 2)
	if !errors.Is(err, ErrLedgerIntegrity) {
		t.Fatalf("expected integrity violation, got %v", err)
	}
}

func TestVerifyEvent_ChecksSingleEvent(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil)
	ctx := context.Background()

	ev, err := svc.Append(ctx, "dispute.raised", "tx-1", map[string]any{"reason": "lien"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := svc.VerifyEvent(ctx, ev.Sequence); err != nil {
		t.Fatalf("verify event: %v", err)
	}

	store.TamperPayload(ev.PayloadHash, []byte(`{}`))
	if err := svc.VerifyEvent(ctx, ev.Sequence); !errors.Is(err, ErrLedgerIntegrity) {
		t.Fatalf("expected integrity violation, got %v", err)
	}
}

func TestTrail_FiltersByTransaction(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil)
	ctx := context.Background()

	if _, err := svc.Append(ctx, "transaction.created", "tx-1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := svc.Append(ctx, "transaction.created", "tx-2", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := svc.Append(ctx, "transaction.transition", "tx-1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	trail, err := svc.Trail(ctx, "tx-1")
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected 2 events for tx-1, got %d", len(trail))
	}
	for _, ev := range trail {
		if ev.TransactionID != "tx-1" {
			t.Fatalf("foreign event in trail: %s", ev.TransactionID)
		}
	}
}

func TestVerify_EmptyRangeIsClean(t *testing.T) {
	svc := New(memory.New(), nil, nil)
	if err := svc.Verify(context.Background(), 0, 10); err != nil {
		t.Fatalf("empty ledger should verify: %v", err)
	}
}
