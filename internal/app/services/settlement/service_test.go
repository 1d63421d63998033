package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/dispute"
	domescrow "github.com/ClearClose-Network/escrow_layer/internal/app/domain/escrow"
	dompayment "github.com/ClearClose-Network/escrow_layer/internal/app/domain/payment"
	domsettle "github.com/ClearClose-Network/escrow_layer/internal/app/domain/settlement"
	domverify "github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
	escrowsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/ledger"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/payments"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/paynet"
	verificationsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/verification"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage/memory"
)

type fixture struct {
	store  *memory.Store
	escrow *escrowsvc.Service
	ledger *ledger.Service
	svc    *Service
	txID   string
}

// newFixture walks a single-verification closing up to settlement_pending.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	led := ledger.New(store, nil, nil)
	esc := escrowsvc.New(store, store, led, map[dompayment.AgentType]int64{
		dompayment.AgentTitle: 1500,
	}, nil)
	dispatcher := payments.New(store, store, store, store, esc, paynet.NewSimulatedNetwork(),
		paynet.NewSimulatedResource(), nil, led, nil)
	verifier := verificationsvc.New(store, store, esc, dispatcher, led, map[domverify.Type]int64{
		domverify.TypeTitle: 1200,
	}, nil)
	svc := New(store, store, store, store, esc, dispatcher, led, nil)

	tx, err := esc.Create(ctx, escrowsvc.CreateParams{
		PropertyRef:   "prop-3",
		BuyerRef:      "buyer-1",
		SellerRef:     "seller-1",
		PurchasePrice: 90_000,
		Verifications: []domverify.Type{domverify.TypeTitle},
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	tasks, err := verifier.Start(ctx, tx.ID)
	if err != nil {
		t.Fatalf("start verification: %v", err)
	}
	if _, err := verifier.Submit(ctx, tasks[0].ID, verificationsvc.Submission{Approved: true}); err != nil {
		t.Fatalf("approve verification: %v", err)
	}

	return &fixture{store: store, escrow: esc, ledger: led, svc: svc, txID: tx.ID}
}

func TestExecute_ReleasesFundsAndSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Execute(ctx, f.txID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.Status != domsettle.StatusExecuted {
		t.Fatalf("status: %s", rec.Status)
	}
	if len(rec.PaymentIDs) != 2 {
		t.Fatalf("expected milestone and release payments, got %v", rec.PaymentIDs)
	}

	tx, err := f.escrow.Get(ctx, f.txID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if tx.State != domescrow.StateSettled {
		t.Fatalf("expected settled, got %s", tx.State)
	}

	pays, err := f.store.ListPayments(ctx, f.txID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	var release dompayment.Payment
	for _, p := range pays {
		if p.Milestone == payments.MilestoneSettlement {
			release = p
		}
	}
	if release.ID == "" {
		t.Fatalf("release payment missing")
	}
	if release.Amount != 90_000 || release.Recipient != "party:seller-1" {
		t.Fatalf("unexpected release: %+v", release)
	}
}

func TestExecute_RepeatReturnsRecordedSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Execute(ctx, f.txID)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := f.svc.Execute(ctx, f.txID)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if second.ID != first.ID || second.Status != domsettle.StatusExecuted {
		t.Fatalf("repeat produced a different settlement: %+v", second)
	}
}

func TestExecute_RequiresSettlementPending(t *testing.T) {
	store := memory.New()
	led := ledger.New(store, nil, nil)
	esc := escrowsvc.New(store, store, led, nil, nil)
	dispatcher := payments.New(store, store, store, store, esc, paynet.NewSimulatedNetwork(), nil, nil, led, nil)
	svc := New(store, store, store, store, esc, dispatcher, led, nil)

	tx, err := esc.Create(context.Background(), escrowsvc.CreateParams{
		PropertyRef:   "prop-4",
		BuyerRef:      "b",
		SellerRef:     "s",
		PurchasePrice: 100,
		Verifications: []domverify.Type{domverify.TypeTitle},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = svc.Execute(context.Background(), tx.ID)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not-ready, got %v", err)
	}
}

func TestExecute_OpenDisputeBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.CreateDispute(ctx, dispute.Dispute{
		TransactionID: f.txID,
		RaisedBy:      "buyer-1",
		Reason:        "undisclosed lien",
		Status:        dispute.StatusOpen,
	}); err != nil {
		t.Fatalf("create dispute: %v", err)
	}

	_, err := f.svc.Execute(ctx, f.txID)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not-ready with open dispute, got %v", err)
	}
}

func TestExecute_PauseGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SetPause(ctx, f.txID, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err := f.svc.Execute(ctx, f.txID)
	if !errors.Is(err, ErrSettlementBlocked) {
		t.Fatalf("expected blocked, got %v", err)
	}

	rec, err := f.svc.Get(ctx, f.txID)
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if rec.Status != domsettle.StatusBlocked || rec.BlockedReason == "" {
		t.Fatalf("block not recorded: %+v", rec)
	}

	if _, err := f.svc.SetPause(ctx, f.txID, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	rec, err = f.svc.Execute(ctx, f.txID)
	if err != nil {
		t.Fatalf("execute after unpause: %v", err)
	}
	if rec.Status != domsettle.StatusExecuted {
		t.Fatalf("status: %s", rec.Status)
	}
}

func TestExecute_MultisigGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.ConfigureMultisig(ctx, f.txID, 2); err != nil {
		t.Fatalf("configure multisig: %v", err)
	}
	if _, err := f.svc.Execute(ctx, f.txID); !errors.Is(err, ErrSettlementBlocked) {
		t.Fatalf("expected blocked without approvals")
	}

	if _, err := f.svc.Approve(ctx, f.txID, "officer-a"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// The same approver cannot count twice.
	if _, err := f.svc.Approve(ctx, f.txID, "officer-a"); err != nil {
		t.Fatalf("repeat approve: %v", err)
	}
	if _, err := f.svc.Execute(ctx, f.txID); !errors.Is(err, ErrSettlementBlocked) {
		t.Fatalf("one distinct approval must not satisfy a threshold of two")
	}

	if _, err := f.svc.Approve(ctx, f.txID, "officer-b"); err != nil {
		t.Fatalf("approve second: %v", err)
	}
	rec, err := f.svc.Execute(ctx, f.txID)
	if err != nil {
		t.Fatalf("execute with quorum: %v", err)
	}
	if rec.Status != domsettle.StatusExecuted {
		t.Fatalf("status: %s", rec.Status)
	}
}

func TestExecute_TimelockGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	current := time.Now().UTC()
	f.svc.now = func() time.Time { return current }

	if _, err := f.svc.SetTimelock(ctx, f.txID, current.Add(24*time.Hour)); err != nil {
		t.Fatalf("set timelock: %v", err)
	}
	if _, err := f.svc.Execute(ctx, f.txID); !errors.Is(err, ErrSettlementBlocked) {
		t.Fatalf("expected blocked while timelock active")
	}

	current = current.Add(25 * time.Hour)
	rec, err := f.svc.Execute(ctx, f.txID)
	if err != nil {
		t.Fatalf("execute after expiry: %v", err)
	}
	if rec.Status != domsettle.StatusExecuted {
		t.Fatalf("status: %s", rec.Status)
	}
}

func TestExecute_HaltsOnTamperedLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	head, ok, err := f.ledger.Head(ctx)
	if err != nil || !ok {
		t.Fatalf("head: ok=%v err=%v", ok, err)
	}
	f.store.TamperPayload(head.PayloadHash, []byte(`{"forged":true}`))

	_, err = f.svc.Execute(ctx, f.txID)
	if !errors.Is(err, ledger.ErrLedgerIntegrity) {
		t.Fatalf("expected integrity halt, got %v", err)
	}
}

func TestPoller_SweepReleasesUnblockedSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SetPause(ctx, f.txID, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.svc.Execute(ctx, f.txID); !errors.Is(err, ErrSettlementBlocked) {
		t.Fatalf("expected blocked")
	}

	p := NewPoller(f.svc, time.Minute, nil)

	// Still paused: the sweep leaves it blocked.
	p.sweep(ctx)
	rec, err := f.svc.Get(ctx, f.txID)
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if rec.Status != domsettle.StatusBlocked {
		t.Fatalf("sweep must not bypass gates: %s", rec.Status)
	}

	if _, err := f.svc.SetPause(ctx, f.txID, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	p.sweep(ctx)
	rec, err = f.svc.Get(ctx, f.txID)
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if rec.Status != domsettle.StatusExecuted {
		t.Fatalf("sweep should release once unblocked: %s", rec.Status)
	}
}
