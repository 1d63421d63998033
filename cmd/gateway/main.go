// Package main runs the escrow gateway: the REST API, the payment dispatcher,
// the audit ledger and the background pollers, assembled from configuration.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	app "github.com/ClearClose-Network/escrow_layer/internal/app"
	"github.com/ClearClose-Network/escrow_layer/internal/app/httpapi"
	"github.com/ClearClose-Network/escrow_layer/internal/app/metrics"
	"github.com/ClearClose-Network/escrow_layer/internal/app/secrets"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/paynet"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage/postgres"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage/redisstore"
	"github.com/ClearClose-Network/escrow_layer/internal/config"
	"github.com/ClearClose-Network/escrow_layer/internal/resilience"
	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/gateway.yaml", "Path to configuration file")
	flag.Parse()

	// Optional local overrides; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("gateway").WithError(err).Error("load configuration")
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log := logger.New("gateway", os.Stdout, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, cleanup, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("initialise storage")
		os.Exit(1)
	}
	defer cleanup()

	executor := resilience.NewExecutor(
		resilience.RetryConfig{
			MaxAttempts:    cfg.Resilience.MaxAttempts,
			InitialBackoff: cfg.Resilience.InitialBackoff.Std(),
			MaxBackoff:     cfg.Resilience.MaxBackoff.Std(),
			Multiplier:     2.0,
			Jitter:         0.1,
			CallTimeout:    cfg.Resilience.CallTimeout.Std(),
		},
		resilience.BreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			SuccessThreshold: cfg.Resilience.SuccessThreshold,
			Window:           cfg.Resilience.Window.Std(),
			Cooldown:         cfg.Resilience.Cooldown.Std(),
			OnStateChange: func(_, to resilience.State) {
				metrics.RecordBreakerState("payment-network", int(to))
			},
		},
	)

	opts := app.Options{
		Executor:         executor,
		AgentBudgets:     cfg.AgentBudgets(),
		MilestoneAmounts: cfg.MilestoneAmounts(),
		AnchorInterval:   cfg.Ledger.AnchorInterval.Std(),
		PollInterval:     cfg.Settlement.PollInterval.Std(),
	}

	httpClient := &http.Client{Timeout: cfg.Resilience.CallTimeout.Std()}
	if cfg.Network.Mode == "live" {
		network, err := paynet.NewLiveNetwork(httpClient, cfg.Network.Endpoint, cfg.Network.APIKey,
			executor, cfg.Network.RatePerSecond, log)
		if err != nil {
			log.WithError(err).Error("configure payment network")
			os.Exit(1)
		}
		opts.Network = network

		if cfg.Network.ResourceEndpoint != "" {
			resource, err := paynet.NewHTTPResource(httpClient, cfg.Network.ResourceEndpoint,
				cfg.Network.APIKey, executor, log)
			if err != nil {
				log.WithError(err).Error("configure paid resource")
				os.Exit(1)
			}
			opts.Resource = resource
		}
		opts.Secrets = secrets.NewEnvStore("")
	} else {
		opts.Network = paynet.NewSimulatedNetwork()
		opts.Resource = paynet.NewSimulatedResource()
		log.Warn("payment network running in simulated mode")
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		log.WithError(err).Error("assemble application")
		os.Exit(1)
	}
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      metrics.InstrumentHandler(httpapi.NewHandler(application)),
		ReadTimeout:  cfg.HTTP.ReadTimeout.Std(),
		WriteTimeout: cfg.HTTP.WriteTimeout.Std(),
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown incomplete")
	}
	log.Info("gateway stopped")
}

// buildStores wires the configured persistence backends. The returned cleanup
// closes whatever was opened.
func buildStores(ctx context.Context, cfg config.Config, log *logger.Logger) (app.Stores, func(), error) {
	var stores app.Stores
	cleanups := []func(){}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.Storage.Driver == "postgres" {
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return app.Stores{}, cleanup, err
		}
		cleanups = append(cleanups, func() { store.Close() })
		if err := store.Migrate(ctx); err != nil {
			return app.Stores{}, cleanup, err
		}
		stores = app.Stores{
			Transactions:  store,
			Verifications: store,
			Agents:        store,
			Payments:      store,
			Settlements:   store,
			Disputes:      store,
			Ledger:        store,
		}
		log.Info("postgres storage initialised")
	}

	if cfg.Storage.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return app.Stores{}, cleanup, err
		}
		cleanups = append(cleanups, func() { client.Close() })
		stores.Idempotency = redisstore.New(client, "", 0)
		log.Info("redis idempotency store initialised")
	}

	return stores, cleanup, nil
}
