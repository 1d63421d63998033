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
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/ClearClose-Network/escrow_layer/internal/resilience"
	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

// LiveNetwork submits payments to the real payment network over HTTP. All
// calls go through the resilience executor so network-level failures are
// retried with backoff and the endpoint is protected by a circuit breaker.
type LiveNetwork struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	exec     *resilience.Executor
	limiter  *rate.Limiter
	log      *logger.Logger
}

// NewLiveNetwork constructs a live network client. ratePerSecond bounds
// submission throughput; zero disables limiting.
func NewLiveNetwork(client *http.Client, endpoint, apiKey string, exec *resilience.Executor, ratePerSecond float64, log *logger.Logger) (*LiveNetwork, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("payment network endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse payment network endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("paynet-live")
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &LiveNetwork{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		exec:     exec,
		limiter:  limiter,
		log:      log,
	}, nil
}

func (n *LiveNetwork) ExecutePayment(ctx context.Context, req PaymentRequest) (Receipt, error) {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return Receipt{}, err
		}
	}

	body, err := json.Marshal(map[string]any{
		"idempotency_key": req.IdempotencyKey,
		"amount":          req.Amount,
		"recipient":       req.Recipient,
		"memo":            req.Memo,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal payment request: %w", err)
	}

	var receipt Receipt
	err = n.exec.Do(ctx, n.endpoint.Host, func(ctx context.Context) error {
		target := *n.endpoint
		target.Path = strings.TrimSuffix(target.Path, "/") + "/payments"

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(fmt.Errorf("build payment request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
		if n.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+n.apiKey)
		}

		resp, err := n.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("payment request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read payment response: %w", err)
		}

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("payment network status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return resilience.Permanent(fmt.Errorf("payment rejected: status %d: %s", resp.StatusCode, gjson.GetBytes(raw, "error").String()))
		}

		ref := gjson.GetBytes(raw, "external_tx_ref").String()
		if ref == "" {
			return resilience.Permanent(fmt.Errorf("payment response missing external_tx_ref"))
		}
		receipt = Receipt{
			ExternalRef: ref,
			Status:      gjson.GetBytes(raw, "status").String(),
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	n.log.WithField("external_ref", receipt.ExternalRef).Debug("payment executed")
	return receipt, nil
}

func (n *LiveNetwork) PaymentStatus(ctx context.Context, externalRef string) (string, error) {
	var status string
	err := n.exec.Do(ctx, n.endpoint.Host, func(ctx context.Context) error {
		target := *n.endpoint
		target.Path = strings.TrimSuffix(target.Path, "/") + "/payments/" + url.PathEscape(externalRef)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("build status request: %w", err))
		}
		if n.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+n.apiKey)
		}

		resp, err := n.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("status request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read status response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("payment network status %d", resp.StatusCode)
		}

		status = gjson.GetBytes(raw, "status").String()
		return nil
	})
	return status, err
}
