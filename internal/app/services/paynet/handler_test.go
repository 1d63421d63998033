package paynet

import (
	"context"
	"errors"
	"testing"
)

func TestExecute_PaysQuotedPriceAndRetriesOnce(t *testing.T) {
	network := NewSimulatedNetwork()
	resource := NewSimulatedResource()
	h := NewHandler(network, nil)

	out, err := h.Execute(context.Background(), resource, ResourceRequest{
		TransactionID: "tx-1",
		AgentID:       "agent-1",
		Milestone:     "verification:title",
		Amount:        1000,
	}, "key-1", "tx-1/verification:title")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Paid != 1000 {
		t.Fatalf("expected to pay quoted 1000, paid %d", out.Paid)
	}
	if out.ProofRef == "" {
		t.Fatalf("expected a proof reference")
	}
	if network.ExecutedCount() != 1 {
		t.Fatalf("expected exactly one payment, got %d", network.ExecutedCount())
	}
}

func TestExecute_LowerQuoteCostsLess(t *testing.T) {
	network := NewSimulatedNetwork()
	resource := NewSimulatedResource()
	resource.PriceOverride = 400

	h := NewHandler(network, nil)
	out, err := h.Execute(context.Background(), resource, ResourceRequest{
		TransactionID: "tx-1",
		AgentID:       "agent-1",
		Milestone:     "verification:inspection",
		Amount:        1000,
	}, "key-1", "memo")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Paid != 400 {
		t.Fatalf("expected to pay the quoted 400, paid %d", out.Paid)
	}
}

func TestExecute_RejectsQuoteAboveAuthorized(t *testing.T) {
	network := NewSimulatedNetwork()
	resource := NewSimulatedResource()
	resource.PriceOverride = 5000

	h := NewHandler(network, nil)
	_, err := h.Execute(context.Background(), resource, ResourceRequest{
		TransactionID: "tx-1",
		AgentID:       "agent-1",
		Milestone:     "verification:title",
		Amount:        1000,
	}, "key-1", "memo")
	if !errors.Is(err, ErrPaymentProtocol) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if network.ExecutedCount() != 0 {
		t.Fatalf("no payment may happen for an over-quote, got %d", network.ExecutedCount())
	}
}

func TestExecute_SecondChallengeAbortsWithoutSecondPayment(t *testing.T) {
	network := NewSimulatedNetwork()
	resource := NewSimulatedResource()
	resource.AlwaysChallenge = true

	h := NewHandler(network, nil)
	_, err := h.Execute(context.Background(), resource, ResourceRequest{
		TransactionID: "tx-1",
		AgentID:       "agent-1",
		Milestone:     "verification:appraisal",
		Amount:        1000,
	}, "key-1", "memo")
	if !errors.Is(err, ErrPaymentProtocol) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if network.ExecutedCount() != 1 {
		t.Fatalf("the challenge was paid once and only once, got %d", network.ExecutedCount())
	}
}

func TestExecute_PriorProofShortCircuits(t *testing.T) {
	network := NewSimulatedNetwork()
	resource := NewSimulatedResource()
	h := NewHandler(network, nil)

	req := ResourceRequest{
		TransactionID: "tx-1",
		AgentID:       "agent-1",
		Milestone:     "verification:title",
		Amount:        1000,
	}
	first, err := h.Execute(context.Background(), resource, req, "key-1", "memo")
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}

	// The resource remembers the acceptance, so a repeat costs nothing.
	second, err := h.Execute(context.Background(), resource, req, "key-1", "memo")
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if second.Paid != 0 {
		t.Fatalf("repeat exchange must not pay again, paid %d", second.Paid)
	}
	if second.ProofRef != first.ProofRef {
		t.Fatalf("proof changed across repeats: %s vs %s", first.ProofRef, second.ProofRef)
	}
	if network.ExecutedCount() != 1 {
		t.Fatalf("expected a single payment overall, got %d", network.ExecutedCount())
	}
}

func TestExecute_RejectsNonPositiveQuote(t *testing.T) {
	network := NewSimulatedNetwork()
	resource := NewSimulatedResource()
	resource.PriceOverride = -5

	h := NewHandler(network, nil)
	_, err := h.Execute(context.Background(), resource, ResourceRequest{
		TransactionID: "tx-1",
		AgentID:       "agent-1",
		Milestone:     "verification:title",
		Amount:        1000,
	}, "key-1", "memo")
	if !errors.Is(err, ErrPaymentProtocol) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if network.ExecutedCount() != 0 {
		t.Fatalf("no payment may happen for a bad quote")
	}
}
