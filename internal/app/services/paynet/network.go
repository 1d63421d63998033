// Package paynet talks to the external payment network and the paid agent
// services. It implements the conditional-payment challenge/response exchange:
// a paid resource refuses a request with a quoted price until proof of payment
// is attached to a single retry.
package paynet

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PaymentRequest asks the network to move funds.
type PaymentRequest struct {
	IdempotencyKey string
	Amount         int64 // minor units
	Recipient      string
	Memo           string
}

// Receipt is the network's acknowledgement of a payment.
type Receipt struct {
	ExternalRef string
	Status      string
}

// Network is the payment-network capability. Two variants exist: LiveNetwork
// for the real network and SimulatedNetwork for development and tests. The
// variant is selected once at startup by configuration.
type Network interface {
	ExecutePayment(ctx context.Context, req PaymentRequest) (Receipt, error)
	PaymentStatus(ctx context.Context, externalRef string) (string, error)
}

// SimulatedNetwork is an in-memory payment network. Repeated execution under
// the same idempotency key returns the original receipt, mirroring the
// contract of the live network.
type SimulatedNetwork struct {
	mu       sync.Mutex
	receipts map[string]Receipt
	statuses map[string]string

	// FailNext makes the next n executions fail, for exercising retry paths.
	failNext int
}

// NewSimulatedNetwork creates an empty simulated network.
func NewSimulatedNetwork() *SimulatedNetwork {
	return &SimulatedNetwork{
		receipts: make(map[string]Receipt),
		statuses: make(map[string]string),
	}
}

// FailNext arranges for the next n calls to fail with a transient error.
func (n *SimulatedNetwork) FailNext(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext = count
}

// ExecutedCount returns how many distinct payments were executed.
func (n *SimulatedNetwork) ExecutedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.receipts)
}

func (n *SimulatedNetwork) ExecutePayment(_ context.Context, req PaymentRequest) (Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failNext > 0 {
		n.failNext--
		return Receipt{}, fmt.Errorf("simulated network failure")
	}
	if req.Amount <= 0 {
		return Receipt{}, fmt.Errorf("amount must be positive")
	}

	if receipt, ok := n.receipts[req.IdempotencyKey]; ok {
		return receipt, nil
	}

	receipt := Receipt{ExternalRef: "sim-" + uuid.NewString(), Status: "confirmed"}
	n.receipts[req.IdempotencyKey] = receipt
	n.statuses[receipt.ExternalRef] = "confirmed"
	return receipt, nil
}

func (n *SimulatedNetwork) PaymentStatus(_ context.Context, externalRef string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	status, ok := n.statuses[externalRef]
	if !ok {
		return "", fmt.Errorf("unknown payment %s", externalRef)
	}
	return status, nil
}
