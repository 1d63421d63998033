package disputes

import (
	"context"
	"errors"
	"testing"

	domdispute "github.com/ClearClose-Network/escrow_layer/internal/app/domain/dispute"
	domescrow "github.com/ClearClose-Network/escrow_layer/internal/app/domain/escrow"
	domverify "github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
	escrowsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/ledger"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage/memory"
)

type fixture struct {
	store  *memory.Store
	escrow *escrowsvc.Service
	svc    *Service
	txID   string
}

// newFixture creates a transaction in the verifying state.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	led := ledger.New(store, nil, nil)
	esc := escrowsvc.New(store, store, led, nil, nil)
	svc := New(store, esc, led, nil)

	tx, err := esc.Create(ctx, escrowsvc.CreateParams{
		PropertyRef:   "prop-5",
		BuyerRef:      "buyer-1",
		SellerRef:     "seller-1",
		PurchasePrice: 80_000,
		Verifications: []domverify.Type{domverify.TypeTitle},
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if _, err := esc.Transition(ctx, tx.ID, domescrow.StateVerifying); err != nil {
		t.Fatalf("to verifying: %v", err)
	}
	return &fixture{store: store, escrow: esc, svc: svc, txID: tx.ID}
}

func TestRaise_FreezesTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.svc.Raise(ctx, f.txID, "buyer-1", "undisclosed lien")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if d.Status != domdispute.StatusOpen {
		t.Fatalf("status: %s", d.Status)
	}

	tx, err := f.escrow.Get(ctx, f.txID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if tx.State != domescrow.StateDisputed || !tx.Frozen {
		t.Fatalf("transaction not held: state=%s frozen=%v", tx.State, tx.Frozen)
	}
	if tx.PriorState != domescrow.StateVerifying {
		t.Fatalf("prior state not recorded: %q", tx.PriorState)
	}
}

func TestRaise_OnlyOneOpenDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Raise(ctx, f.txID, "buyer-1", "lien"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	_, err := f.svc.Raise(ctx, f.txID, "seller-1", "another")
	if !errors.Is(err, ErrDisputeOpen) {
		t.Fatalf("expected open-dispute rejection, got %v", err)
	}
}

func TestRaise_ValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Raise(ctx, f.txID, " ", "reason"); err == nil {
		t.Fatalf("empty raised_by must be rejected")
	}
	if _, err := f.svc.Raise(ctx, f.txID, "buyer-1", ""); err == nil {
		t.Fatalf("empty reason must be rejected")
	}
}

func TestResolve_ApproveRestoresPriorState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.svc.Raise(ctx, f.txID, "buyer-1", "lien")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}

	resolved, err := f.svc.Resolve(ctx, d.ID, domdispute.OutcomeApprove)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domdispute.StatusResolved || resolved.ResolvedAt == nil {
		t.Fatalf("resolution not recorded: %+v", resolved)
	}

	tx, err := f.escrow.Get(ctx, f.txID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if tx.State != domescrow.StateVerifying {
		t.Fatalf("prior state not restored: %s", tx.State)
	}
	if tx.Frozen {
		t.Fatalf("freeze not lifted")
	}
	if tx.PriorState != "" {
		t.Fatalf("prior state not cleared: %q", tx.PriorState)
	}
}

func TestResolve_RejectCancelsClosing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.svc.Raise(ctx, f.txID, "buyer-1", "fraud")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if _, err := f.svc.Resolve(ctx, d.ID, domdispute.OutcomeReject); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	tx, err := f.escrow.Get(ctx, f.txID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if tx.State != domescrow.StateCancelled {
		t.Fatalf("expected cancelled, got %s", tx.State)
	}
	if tx.ClosedAt == nil {
		t.Fatalf("cancellation must stamp closed_at")
	}
}

func TestResolve_TwiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.svc.Raise(ctx, f.txID, "buyer-1", "lien")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if _, err := f.svc.Resolve(ctx, d.ID, domdispute.OutcomeApprove); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err = f.svc.Resolve(ctx, d.ID, domdispute.OutcomeReject)
	if !errors.Is(err, ErrDisputeClosed) {
		t.Fatalf("expected closed-dispute rejection, got %v", err)
	}
}

func TestResolve_UnsupportedOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.svc.Raise(ctx, f.txID, "buyer-1", "lien")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if _, err := f.svc.Resolve(ctx, d.ID, "escalate"); err == nil {
		t.Fatalf("unsupported outcome must be rejected")
	}
}

func TestRaise_AfterResolutionReopens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.svc.Raise(ctx, f.txID, "buyer-1", "lien")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if _, err := f.svc.Resolve(ctx, d.ID, domdispute.OutcomeApprove); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	second, err := f.svc.Raise(ctx, f.txID, "seller-1", "appraisal contested")
	if err != nil {
		t.Fatalf("second raise: %v", err)
	}
	if second.ID == d.ID {
		t.Fatalf("expected a new dispute record")
	}

	list, err := f.svc.List(ctx, f.txID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 disputes, got %d", len(list))
	}
}
