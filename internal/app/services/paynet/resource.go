package paynet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ClearClose-Network/escrow_layer/internal/resilience"
	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

// Challenge is a paid resource's refusal: it quotes a price and a payment
// target and expects proof of payment on the retry.
type Challenge struct {
	Price int64  // minor units
	PayTo string
	Nonce string
}

// ResourceRequest is a milestone disbursement request to an agent's paid
// service.
type ResourceRequest struct {
	TransactionID string
	AgentID       string
	Milestone     string
	Amount        int64
	ProofRef      string // external payment reference, set on the retry leg
}

// ResourceResponse is the paid service's answer: either accepted (with the
// proof it recorded) or a payment challenge.
type ResourceResponse struct {
	Accepted  bool
	ProofRef  string
	Challenge *Challenge
	Detail    string
}

// Resource is the paid external service consumed through the challenge/
// response exchange.
type Resource interface {
	Request(ctx context.Context, req ResourceRequest) (ResourceResponse, error)
}

// HTTPResource talks to a paid service endpoint. A 402 response carries the
// challenge; the retry attaches the payment proof header.
type HTTPResource struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	exec     *resilience.Executor
	log      *logger.Logger
}

// NewHTTPResource constructs a resource client for the given endpoint.
func NewHTTPResource(client *http.Client, endpoint, apiKey string, exec *resilience.Executor, log *logger.Logger) (*HTTPResource, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("resource endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse resource endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("paynet-resource")
	}
	return &HTTPResource{client: client, endpoint: parsed, apiKey: strings.TrimSpace(apiKey), exec: exec, log: log}, nil
}

func (r *HTTPResource) Request(ctx context.Context, req ResourceRequest) (ResourceResponse, error) {
	body, err := json.Marshal(map[string]any{
		"transaction_id": req.TransactionID,
		"agent_id":       req.AgentID,
		"milestone":      req.Milestone,
		"amount":         req.Amount,
	})
	if err != nil {
		return ResourceResponse{}, fmt.Errorf("marshal resource request: %w", err)
	}

	var out ResourceResponse
	err = r.exec.Do(ctx, r.endpoint.Host, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint.String(), bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(fmt.Errorf("build resource request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if r.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
		}
		if req.ProofRef != "" {
			httpReq.Header.Set("X-Payment-Proof", req.ProofRef)
		}

		resp, err := r.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("resource request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read resource response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusPaymentRequired:
			out = ResourceResponse{
				Challenge: &Challenge{
					Price: gjson.GetBytes(raw, "price").Int(),
					PayTo: gjson.GetBytes(raw, "pay_to").String(),
					Nonce: gjson.GetBytes(raw, "nonce").String(),
				},
				Detail: gjson.GetBytes(raw, "detail").String(),
			}
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("resource status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return resilience.Permanent(fmt.Errorf("resource rejected: status %d", resp.StatusCode))
		}

		out = ResourceResponse{
			Accepted: true,
			ProofRef: gjson.GetBytes(raw, "proof_ref").String(),
			Detail:   gjson.GetBytes(raw, "detail").String(),
		}
		return nil
	})
	if err != nil {
		return ResourceResponse{}, err
	}
	return out, nil
}

// SimulatedResource is an in-memory paid service. Its first answer for a key
// is a challenge for the requested amount; a retry carrying proof is
// accepted. Used in the simulated network mode and in tests.
type SimulatedResource struct {
	mu       sync.Mutex
	accepted map[string]string // idempotent acceptance: milestone key -> proof

	// PriceOverride, when non-zero, quotes this price instead of the
	// requested amount.
	PriceOverride int64
	// AlwaysChallenge makes the resource demand payment even on the proof
	// leg, exercising the stale-challenge path.
	AlwaysChallenge bool
}

// NewSimulatedResource creates an empty simulated resource.
func NewSimulatedResource() *SimulatedResource {
	return &SimulatedResource{accepted: make(map[string]string)}
}

func (r *SimulatedResource) Request(_ context.Context, req ResourceRequest) (ResourceResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := req.TransactionID + "|" + req.Milestone + "|" + req.AgentID
	if proof, ok := r.accepted[key]; ok {
		return ResourceResponse{Accepted: true, ProofRef: proof}, nil
	}

	if req.ProofRef != "" && !r.AlwaysChallenge {
		r.accepted[key] = req.ProofRef
		return ResourceResponse{Accepted: true, ProofRef: req.ProofRef}, nil
	}

	price := req.Amount
	if r.PriceOverride != 0 {
		price = r.PriceOverride
	}
	return ResourceResponse{
		Challenge: &Challenge{Price: price, PayTo: "agent:" + req.AgentID, Nonce: key},
	}, nil
}
