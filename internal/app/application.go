// Package app assembles the escrow services into one lifecycle-managed
// application.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/payment"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
	"github.com/ClearClose-Network/escrow_layer/internal/app/metrics"
	"github.com/ClearClose-Network/escrow_layer/internal/app/notify"
	"github.com/ClearClose-Network/escrow_layer/internal/app/secrets"
	disputesvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/disputes"
	escrowsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/escrow"
	ledgersvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/ledger"
	paymentsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/payments"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/paynet"
	settlementsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/settlement"
	verificationsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/verification"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage/memory"
	"github.com/ClearClose-Network/escrow_layer/internal/app/system"
	"github.com/ClearClose-Network/escrow_layer/internal/resilience"
	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Transactions  storage.TransactionStore
	Verifications storage.VerificationStore
	Agents        storage.AgentStore
	Payments      storage.PaymentStore
	Settlements   storage.SettlementStore
	Disputes      storage.DisputeStore
	Ledger        storage.LedgerStore
	Idempotency   storage.IdempotencyStore
}

// Options tunes the assembled application. Zero values select the simulated
// network and default timings.
type Options struct {
	Network          paynet.Network
	Resource         paynet.Resource
	Secrets          secrets.Store
	Notifier         notify.Notifier
	Anchor           ledgersvc.Anchor
	Executor         *resilience.Executor
	Retry            resilience.RetryConfig
	Breaker          resilience.BreakerConfig
	AgentBudgets     map[payment.AgentType]int64
	MilestoneAmounts map[verification.Type]int64
	AnchorInterval   time.Duration
	PollInterval     time.Duration
}

// Application ties the escrow services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Executor      *resilience.Executor
	Ledger        *ledgersvc.Service
	Escrow        *escrowsvc.Service
	Payments      *paymentsvc.Service
	Verifications *verificationsvc.Service
	Settlements   *settlementsvc.Service
	Disputes      *disputesvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Transactions == nil {
		stores.Transactions = mem
	}
	if stores.Verifications == nil {
		stores.Verifications = mem
	}
	if stores.Agents == nil {
		stores.Agents = mem
	}
	if stores.Payments == nil {
		stores.Payments = mem
	}
	if stores.Settlements == nil {
		stores.Settlements = mem
	}
	if stores.Disputes == nil {
		stores.Disputes = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Idempotency == nil {
		stores.Idempotency = mem
	}

	executor := opts.Executor
	if executor == nil {
		if opts.Breaker.OnStateChange == nil {
			opts.Breaker.OnStateChange = func(_, to resilience.State) {
				metrics.RecordBreakerState("payment-network", int(to))
			}
		}
		executor = resilience.NewExecutor(opts.Retry, opts.Breaker)
	}

	if opts.Network == nil {
		opts.Network = paynet.NewSimulatedNetwork()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(log)
	}
	if opts.Anchor == nil {
		opts.Anchor = ledgersvc.NewSimulatedAnchor()
	}
	if opts.AgentBudgets == nil {
		opts.AgentBudgets = map[payment.AgentType]int64{}
	}
	if opts.MilestoneAmounts == nil {
		opts.MilestoneAmounts = map[verification.Type]int64{}
	}

	manager := system.NewManager()

	ledgerService := ledgersvc.New(stores.Ledger, opts.Notifier, log)
	escrowService := escrowsvc.New(stores.Transactions, stores.Agents, ledgerService, opts.AgentBudgets, log)
	paymentService := paymentsvc.New(stores.Transactions, stores.Agents, stores.Payments, stores.Idempotency,
		escrowService, opts.Network, opts.Resource, opts.Secrets, ledgerService, log)
	verificationService := verificationsvc.New(stores.Verifications, stores.Agents, escrowService,
		paymentService, ledgerService, opts.MilestoneAmounts, log)
	settlementService := settlementsvc.New(stores.Settlements, stores.Payments, stores.Agents, stores.Disputes,
		escrowService, paymentService, ledgerService, log)
	disputeService := disputesvc.New(stores.Disputes, escrowService, ledgerService, log)

	for _, name := range []string{"escrow", "payments", "verification", "disputes"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	anchorPoller := ledgersvc.NewAnchorPoller(ledgerService, opts.Anchor, opts.AnchorInterval, log)
	settlementPoller := settlementsvc.NewPoller(settlementService, opts.PollInterval, log)
	for _, svc := range []system.Service{anchorPoller, settlementPoller} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:       manager,
		log:           log,
		Executor:      executor,
		Ledger:        ledgerService,
		Escrow:        escrowService,
		Payments:      paymentService,
		Verifications: verificationService,
		Settlements:   settlementService,
		Disputes:      disputeService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
