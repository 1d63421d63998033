package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/audit"
	"github.com/ClearClose-Network/escrow_layer/internal/app/system"
	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
	"github.com/google/uuid"
)

// Anchor commits a ledger head hash to an external public ledger and returns
// the anchoring reference. Implementing the chain client is a collaborator
// concern; the core only consumes this capability.
type Anchor interface {
	AnchorHead(ctx context.Context, head audit.Event) (ref string, err error)
}

// SimulatedAnchor records anchor calls in memory. Selected when no chain
// endpoint is configured.
type SimulatedAnchor struct {
	mu      sync.Mutex
	anchors map[uint64]string
}

// NewSimulatedAnchor builds an in-memory anchor.
func NewSimulatedAnchor() *SimulatedAnchor {
	return &SimulatedAnchor{anchors: make(map[uint64]string)}
}

func (a *SimulatedAnchor) AnchorHead(_ context.Context, head audit.Event) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ref, ok := a.anchors[head.Sequence]; ok {
		return ref, nil
	}
	ref := "anchor-" + uuid.NewString()
	a.anchors[head.Sequence] = ref
	return ref, nil
}

// AnchorPoller periodically anchors the current ledger head so third parties
// can audit the chain against a public reference point.
type AnchorPoller struct {
	service  *Service
	anchor   Anchor
	interval time.Duration
	log      *logger.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	lastSeq  uint64
	anchored bool
}

var _ system.Service = (*AnchorPoller)(nil)

// NewAnchorPoller constructs a poller anchoring every interval.
func NewAnchorPoller(service *Service, anchor Anchor, interval time.Duration, log *logger.Logger) *AnchorPoller {
	if log == nil {
		log = logger.NewDefault("ledger-anchor")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &AnchorPoller{service: service, anchor: anchor, interval: interval, log: log}
}

func (p *AnchorPoller) Name() string { return "ledger-anchor" }

func (p *AnchorPoller) Start(ctx context.Context) error {
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
				p.tick(runCtx)
			}
		}
	}()

	p.log.Info("ledger anchor poller started")
	return nil
}

func (p *AnchorPoller) Stop(ctx context.Context) error {
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

func (p *AnchorPoller) tick(ctx context.Context) {
	head, ok, err := p.service.Head(ctx)
	if err != nil {
		p.log.WithError(err).Warn("load ledger head failed")
		return
	}
	if !ok {
		return
	}

	p.mu.Lock()
	alreadyAnchored := p.anchored && head.Sequence == p.lastSeq
	p.mu.Unlock()
	if alreadyAnchored {
		return
	}

	ref, err := p.anchor.AnchorHead(ctx, head)
	if err != nil {
		p.log.WithError(err).Warnf("anchor head at sequence %d failed", head.Sequence)
		return
	}

	if _, err := p.service.Append(ctx, audit.EventLedgerAnchored, "", map[string]any{
		"anchored_sequence": head.Sequence,
		"anchored_hash":     head.PayloadHash,
		"anchor_ref":        ref,
	}); err != nil {
		p.log.WithError(err).Warn("record anchor event failed")
		return
	}

	p.mu.Lock()
	// The anchor event itself advances the head by one.
	p.lastSeq = head.Sequence + 1
	p.anchored = true
	p.mu.Unlock()

	p.log.Infof("ledger head %d anchored as %s", head.Sequence, ref)
}
