package paynet

import (
	"context"
	"errors"
	"fmt"

	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

// ErrPaymentProtocol is returned when a paid resource violates the
// challenge/response exchange, for example by quoting more than the caller
// authorized or by challenging again after proof was presented.
var ErrPaymentProtocol = errors.New("payment protocol violation")

// Handler drives the challenge/response exchange against a paid resource:
// request, receive a price challenge, pay exactly the quoted price, then retry
// the request once with proof attached. A second challenge aborts without a
// second payment.
type Handler struct {
	network Network
	log     *logger.Logger
}

// NewHandler creates a protocol handler over the given payment network.
func NewHandler(network Network, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("paynet-handler")
	}
	return &Handler{network: network, log: log}
}

// Outcome reports the result of one completed exchange.
type Outcome struct {
	Receipt  Receipt
	ProofRef string
	Paid     int64 // minor units actually paid, zero when prior proof sufficed
}

// Execute runs the exchange for a milestone. req.Amount is the maximum the
// caller authorizes; the resource's quoted price must not exceed it.
// idempotencyKey scopes the payment so a repeated Execute for the same
// milestone reuses the original network payment.
func (h *Handler) Execute(ctx context.Context, resource Resource, req ResourceRequest, idempotencyKey, payMemo string) (Outcome, error) {
	resp, err := resource.Request(ctx, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("resource request: %w", err)
	}

	// The resource already holds proof from an earlier attempt.
	if resp.Accepted {
		return Outcome{Receipt: Receipt{ExternalRef: resp.ProofRef, Status: "confirmed"}, ProofRef: resp.ProofRef}, nil
	}
	if resp.Challenge == nil {
		return Outcome{}, fmt.Errorf("%w: response neither accepted nor challenged", ErrPaymentProtocol)
	}

	ch := resp.Challenge
	if ch.Price <= 0 {
		return Outcome{}, fmt.Errorf("%w: non-positive quoted price %d", ErrPaymentProtocol, ch.Price)
	}
	if ch.Price > req.Amount {
		return Outcome{}, fmt.Errorf("%w: quoted price %d exceeds authorized %d", ErrPaymentProtocol, ch.Price, req.Amount)
	}

	receipt, err := h.network.ExecutePayment(ctx, PaymentRequest{
		IdempotencyKey: idempotencyKey,
		Amount:         ch.Price,
		Recipient:      ch.PayTo,
		Memo:           payMemo,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("execute payment: %w", err)
	}

	h.log.WithField("milestone", req.Milestone).
		WithField("external_ref", receipt.ExternalRef).
		Debug("challenge paid, retrying resource")

	retry := req
	retry.ProofRef = receipt.ExternalRef
	resp, err = resource.Request(ctx, retry)
	if err != nil {
		return Outcome{}, fmt.Errorf("resource retry: %w", err)
	}
	if !resp.Accepted {
		// Payment already happened under the idempotency key; the resource
		// refusing proof is a protocol fault, not grounds to pay again.
		return Outcome{}, fmt.Errorf("%w: resource challenged again after proof", ErrPaymentProtocol)
	}

	proof := resp.ProofRef
	if proof == "" {
		proof = receipt.ExternalRef
	}
	return Outcome{Receipt: receipt, ProofRef: proof, Paid: ch.Price}, nil
}
