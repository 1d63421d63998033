package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/system"
	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

// Poller retries blocked settlements. Gates clear without any inbound call
// (a timelock expiring, a pause lifted), so a background sweep is what turns
// a blocked settlement into an executed one.
type Poller struct {
	service  *Service
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Poller)(nil)

// NewPoller constructs a poller sweeping every interval.
func NewPoller(service *Service, interval time.Duration, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.NewDefault("settlement-poller")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{service: service, interval: interval, log: log}
}

func (p *Poller) Name() string { return "settlement-poller" }

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.sweep(runCtx)
			}
		}
	}()

	p.log.Info("settlement poller started")
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Poller) sweep(ctx context.Context) {
	blocked, err := p.service.settlements.ListBlockedSettlements(ctx)
	if err != nil {
		p.log.WithError(err).Warn("list blocked settlements failed")
		return
	}

	for _, rec := range blocked {
		if ctx.Err() != nil {
			return
		}
		_, err := p.service.Execute(ctx, rec.TransactionID)
		switch {
		case err == nil:
			p.log.WithField("transaction_id", rec.TransactionID).Info("blocked settlement released")
		case errors.Is(err, ErrSettlementBlocked), errors.Is(err, ErrNotReady):
			// Still gated; the next sweep tries again.
		default:
			p.log.WithError(err).WithField("transaction_id", rec.TransactionID).Warn("settlement retry failed")
		}
	}
}
