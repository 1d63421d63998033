package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/payment"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
	escrowsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/ledger"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/paynet"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage/memory"
)

type fixture struct {
	store    *memory.Store
	escrow   *escrowsvc.Service
	network  *paynet.SimulatedNetwork
	resource *paynet.SimulatedResource
	svc      *Service
	txID     string
	agent    payment.Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	led := ledger.New(store, nil, nil)
	esc := escrowsvc.New(store, store, led, map[payment.AgentType]int64{
		payment.AgentTitle: 1500,
	}, nil)
	network := paynet.NewSimulatedNetwork()
	resource := paynet.NewSimulatedResource()
	svc := New(store, store, store, store, esc, network, resource, nil, led, nil)

	tx, err := esc.Create(context.Background(), escrowsvc.CreateParams{
		PropertyRef:   "prop-1",
		BuyerRef:      "buyer-1",
		SellerRef:     "seller-1",
		PurchasePrice: 50_000,
		Verifications: []verification.Type{verification.TypeTitle},
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	agents, err := esc.Agents(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	var title payment.Agent
	for _, a := range agents {
		if a.Type == payment.AgentTitle {
			title = a
		}
	}
	if title.ID == "" {
		t.Fatalf("title agent missing")
	}

	return &fixture{store: store, escrow: esc, network: network, resource: resource, svc: svc, txID: tx.ID, agent: title}
}

func (f *fixture) request(amount int64) Request {
	return Request{
		TransactionID: f.txID,
		AgentID:       f.agent.ID,
		Milestone:     "verification:title",
		Amount:        amount,
	}
}

func TestRequestPayment_ConfirmsAndSpendsBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.RequestPayment(ctx, f.request(1000))
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if p.Status != payment.StatusConfirmed {
		t.Fatalf("status: %s", p.Status)
	}
	if p.ExternalRef == "" {
		t.Fatalf("missing external reference")
	}
	if p.Recipient != "sim-wallet" {
		t.Fatalf("recipient must come from the agent's credentials, got %q", p.Recipient)
	}

	agent, err := f.store.GetAgent(ctx, f.agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Spent != 1000 {
		t.Fatalf("spent: %d", agent.Spent)
	}
}

func TestRequestPayment_BudgetExceededNeverReachesNetwork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RequestPayment(ctx, f.request(2000))
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	if f.network.ExecutedCount() != 0 {
		t.Fatalf("network contacted despite budget rejection")
	}

	// The reservation was released; a payment within budget still works.
	if _, err := f.svc.RequestPayment(ctx, f.request(1000)); err != nil {
		t.Fatalf("in-budget payment after rejection: %v", err)
	}
}

func TestRequestPayment_RepeatReusesOriginalDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.RequestPayment(ctx, f.request(1000))
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	second, err := f.svc.RequestPayment(ctx, f.request(1000))
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if second.ID != first.ID || second.ExternalRef != first.ExternalRef {
		t.Fatalf("repeat produced a different payment: %+v vs %+v", first, second)
	}
	if f.network.ExecutedCount() != 1 {
		t.Fatalf("expected one external payment, got %d", f.network.ExecutedCount())
	}

	agent, err := f.store.GetAgent(ctx, f.agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Spent != 1000 {
		t.Fatalf("repeat must not double-charge, spent %d", agent.Spent)
	}
}

func TestRequestPayment_RollbackRestoresBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.network.FailNext(1)
	p, err := f.svc.RequestPayment(ctx, f.request(1000))
	if err == nil {
		t.Fatalf("expected dispatch failure")
	}

	agent, err := f.store.GetAgent(ctx, f.agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Spent != 0 {
		t.Fatalf("reservation not rolled back, spent %d", agent.Spent)
	}

	stored, err := f.svc.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if stored.Status != payment.StatusFailed || stored.FailureReason == "" {
		t.Fatalf("failure not recorded: %+v", stored)
	}

	// The network recovered; a retry completes the milestone.
	retried, err := f.svc.RetryPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != payment.StatusConfirmed {
		t.Fatalf("retry status: %s", retried.Status)
	}
}

func TestRequestPayment_FrozenTransactionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.escrow.Freeze(ctx, f.txID); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	_, err := f.svc.RequestPayment(ctx, f.request(1000))
	if !errors.Is(err, escrowsvc.ErrTransactionFrozen) {
		t.Fatalf("expected frozen rejection, got %v", err)
	}
	if f.network.ExecutedCount() != 0 {
		t.Fatalf("network contacted despite freeze")
	}
}

func TestRequestPayment_LowerQuoteRefundsDifference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.resource.PriceOverride = 400
	p, err := f.svc.RequestPayment(ctx, f.request(1000))
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if p.Amount != 400 {
		t.Fatalf("recorded amount must be the price paid, got %d", p.Amount)
	}

	agent, err := f.store.GetAgent(ctx, f.agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Spent != 400 {
		t.Fatalf("over-reservation not returned, spent %d", agent.Spent)
	}
}

func TestRequestPayment_DirectSkipsResourceExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.resource.AlwaysChallenge = true // would break the exchange if consulted

	p, err := f.svc.RequestPayment(ctx, Request{
		TransactionID: f.txID,
		AgentID:       f.agent.ID,
		Milestone:     MilestoneSettlement,
		Amount:        1000,
		Recipient:     "party:seller-1",
		Direct:        true,
	})
	if err != nil {
		t.Fatalf("direct payment: %v", err)
	}
	if p.Status != payment.StatusConfirmed || p.Amount != 1000 {
		t.Fatalf("direct payment not confirmed in full: %+v", p)
	}
	if p.Recipient != "party:seller-1" {
		t.Fatalf("recipient overridden: %q", p.Recipient)
	}
}

func TestRequestPayment_ValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RequestPayment(ctx, f.request(0)); err == nil {
		t.Fatalf("zero amount must be rejected")
	}
	req := f.request(100)
	req.Milestone = ""
	if _, err := f.svc.RequestPayment(ctx, req); err == nil {
		t.Fatalf("empty milestone must be rejected")
	}
}
