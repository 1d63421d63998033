package escrow

import (
	"context"
	"errors"
	"testing"

	domain "github.com/ClearClose-Network/escrow_layer/internal/app/domain/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/payment"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/ledger"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage/memory"
)

func newService(store *memory.Store) *Service {
	led := ledger.New(store, nil, nil)
	budgets := map[payment.AgentType]int64{
		payment.AgentTitle:      1500,
		payment.AgentInspection: 600,
	}
	return New(store, store, led, budgets, nil)
}

func createParams() CreateParams {
	return CreateParams{
		PropertyRef:   "prop-77",
		BuyerRef:      "buyer-1",
		SellerRef:     "seller-1",
		PurchasePrice: 50_000,
		Verifications: []verification.Type{verification.TypeTitle, verification.TypeInspection},
	}
}

func TestCreate_FundsAgentsAndRecordsEvent(t *testing.T) {
	store := memory.New()
	svc := newService(store)
	ctx := context.Background()

	tx, err := svc.Create(ctx, createParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.State != domain.StateCreated {
		t.Fatalf("expected created state, got %s", tx.State)
	}

	agents, err := svc.Agents(ctx, tx.ID)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	// One per verification plus the escrow agent holding the price.
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}
	byType := make(map[payment.AgentType]payment.Agent)
	for _, a := range agents {
		byType[a.Type] = a
	}
	if byType[payment.AgentTitle].AllocatedBudget != 1500 {
		t.Fatalf("title budget: %d", byType[payment.AgentTitle].AllocatedBudget)
	}
	if byType[payment.AgentEscrow].AllocatedBudget != tx.PurchasePrice {
		t.Fatalf("escrow agent must hold the purchase price, got %d", byType[payment.AgentEscrow].AllocatedBudget)
	}

	trail, err := svc.ledger.Trail(ctx, tx.ID)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if len(trail) != 1 || trail[0].EventType != "transaction.created" {
		t.Fatalf("expected one creation event, got %+v", trail)
	}
}

func TestCreate_RejectsBadParams(t *testing.T) {
	svc := newService(memory.New())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"missing property", func(p *CreateParams) { p.PropertyRef = " " }},
		{"missing buyer", func(p *CreateParams) { p.BuyerRef = "" }},
		{"zero price", func(p *CreateParams) { p.PurchasePrice = 0 }},
		{"no verifications", func(p *CreateParams) { p.Verifications = nil }},
		{"duplicate verification", func(p *CreateParams) {
			p.Verifications = []verification.Type{verification.TypeTitle, verification.TypeTitle}
		}},
		{"unknown verification", func(p *CreateParams) {
			p.Verifications = []verification.Type{"notarization"}
		}},
	}
	for _, tc := range cases {
		params := createParams()
		tc.mutate(&params)
		if _, err := svc.Create(ctx, params); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestTransition_FollowsTheTable(t *testing.T) {
	svc := newService(memory.New())
	ctx := context.Background()

	tx, err := svc.Create(ctx, createParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Transition(ctx, tx.ID, domain.StateSettled); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("created -> settled must be rejected, got %v", err)
	}

	tx, err = svc.Transition(ctx, tx.ID, domain.StateVerifying)
	if err != nil {
		t.Fatalf("created -> verifying: %v", err)
	}
	if tx.State != domain.StateVerifying {
		t.Fatalf("state: %s", tx.State)
	}

	tx, err = svc.Transition(ctx, tx.ID, domain.StateCancelled)
	if err != nil {
		t.Fatalf("verifying -> cancelled: %v", err)
	}
	if tx.ClosedAt == nil {
		t.Fatalf("terminal state must stamp closed_at")
	}

	if _, err := svc.Transition(ctx, tx.ID, domain.StateVerifying); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("terminal state admits no transitions, got %v", err)
	}
}

func TestTransition_DisputeRoundTripRestoresPriorState(t *testing.T) {
	svc := newService(memory.New())
	ctx := context.Background()

	tx, err := svc.Create(ctx, createParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Transition(ctx, tx.ID, domain.StateVerifying); err != nil {
		t.Fatalf("to verifying: %v", err)
	}

	tx, err = svc.Transition(ctx, tx.ID, domain.StateDisputed)
	if err != nil {
		t.Fatalf("to disputed: %v", err)
	}
	if tx.PriorState != domain.StateVerifying {
		t.Fatalf("prior state not recorded: %q", tx.PriorState)
	}

	tx, err = svc.Transition(ctx, tx.ID, tx.PriorState)
	if err != nil {
		t.Fatalf("back to prior state: %v", err)
	}
	if tx.State != domain.StateVerifying || tx.PriorState != "" {
		t.Fatalf("prior state not cleared: state=%s prior=%q", tx.State, tx.PriorState)
	}
}

func TestFreeze_BlocksEverythingButDispute(t *testing.T) {
	svc := newService(memory.New())
	ctx := context.Background()

	tx, err := svc.Create(ctx, createParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Transition(ctx, tx.ID, domain.StateVerifying); err != nil {
		t.Fatalf("to verifying: %v", err)
	}
	if err := svc.Freeze(ctx, tx.ID); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	if _, err := svc.Transition(ctx, tx.ID, domain.StateSettlementPending); !errors.Is(err, ErrTransactionFrozen) {
		t.Fatalf("frozen transaction must reject transitions, got %v", err)
	}
	if _, err := svc.Transition(ctx, tx.ID, domain.StateDisputed); err != nil {
		t.Fatalf("moving into disputed must stay possible while frozen: %v", err)
	}

	if err := svc.Unfreeze(ctx, tx.ID); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if _, err := svc.Transition(ctx, tx.ID, domain.StateVerifying); err != nil {
		t.Fatalf("after unfreeze: %v", err)
	}
}
