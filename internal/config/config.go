// Package config loads the gateway configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/payment"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

// Config is the gateway configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Storage    StorageConfig    `yaml:"storage"`
	Network    NetworkConfig    `yaml:"network"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Budgets    BudgetsConfig    `yaml:"budgets"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Settlement SettlementConfig `yaml:"settlement"`
	LogLevel   string           `yaml:"log_level" env:"ESCROW_LOG_LEVEL"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr            string   `yaml:"addr" env:"ESCROW_HTTP_ADDR"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	// Driver is memory or postgres.
	Driver      string `yaml:"driver" env:"ESCROW_STORAGE_DRIVER"`
	PostgresDSN string `yaml:"postgres_dsn" env:"ESCROW_POSTGRES_DSN"`
	// RedisAddr, when set, backs idempotency reservations with Redis.
	RedisAddr     string `yaml:"redis_addr" env:"ESCROW_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"ESCROW_REDIS_PASSWORD"`
}

// NetworkConfig selects and tunes the payment network.
type NetworkConfig struct {
	// Mode is live or simulated.
	Mode             string  `yaml:"mode" env:"ESCROW_NETWORK_MODE"`
	Endpoint         string  `yaml:"endpoint" env:"ESCROW_NETWORK_ENDPOINT"`
	APIKey           string  `yaml:"-" env:"ESCROW_NETWORK_API_KEY"`
	ResourceEndpoint string  `yaml:"resource_endpoint" env:"ESCROW_RESOURCE_ENDPOINT"`
	RatePerSecond    float64 `yaml:"rate_per_second"`
}

// ResilienceConfig tunes retries and circuit breaking for external calls.
type ResilienceConfig struct {
	MaxAttempts      int      `yaml:"max_attempts"`
	InitialBackoff   Duration `yaml:"initial_backoff"`
	MaxBackoff       Duration `yaml:"max_backoff"`
	CallTimeout      Duration `yaml:"call_timeout"`
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	Window           Duration `yaml:"window"`
	Cooldown         Duration `yaml:"cooldown"`
}

// BudgetsConfig allocates agent budgets and milestone amounts, in minor units.
type BudgetsConfig struct {
	Title        MilestoneBudget `yaml:"title"`
	Inspection   MilestoneBudget `yaml:"inspection"`
	Appraisal    MilestoneBudget `yaml:"appraisal"`
	Underwriting MilestoneBudget `yaml:"underwriting"`
}

// MilestoneBudget pairs an agent's allocated budget with the amount paid when
// its verification is approved.
type MilestoneBudget struct {
	Budget    int64 `yaml:"budget"`
	Milestone int64 `yaml:"milestone"`
}

// LedgerConfig tunes the audit chain's anchoring.
type LedgerConfig struct {
	AnchorInterval Duration `yaml:"anchor_interval"`
}

// SettlementConfig tunes the blocked-settlement sweep.
type SettlementConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{Driver: "memory"},
		Network: NetworkConfig{Mode: "simulated", RatePerSecond: 20},
		Resilience: ResilienceConfig{
			MaxAttempts:      4,
			InitialBackoff:   Duration(200 * time.Millisecond),
			MaxBackoff:       Duration(5 * time.Second),
			CallTimeout:      Duration(10 * time.Second),
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Window:           Duration(time.Minute),
			Cooldown:         Duration(30 * time.Second),
		},
		Budgets: BudgetsConfig{
			Title:        MilestoneBudget{Budget: 150_000, Milestone: 120_000},
			Inspection:   MilestoneBudget{Budget: 60_000, Milestone: 50_000},
			Appraisal:    MilestoneBudget{Budget: 80_000, Milestone: 65_000},
			Underwriting: MilestoneBudget{Budget: 100_000, Milestone: 90_000},
		},
		Ledger:     LedgerConfig{AnchorInterval: Duration(time.Minute)},
		Settlement: SettlementConfig{PollInterval: Duration(30 * time.Second)},
		LogLevel:   "info",
	}
}

// Load reads the YAML file at path, falling back to defaults when the file is
// absent, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults apply.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("postgres storage requires a DSN")
	}
	switch c.Network.Mode {
	case "simulated", "live":
	default:
		return fmt.Errorf("unsupported network mode %q", c.Network.Mode)
	}
	if c.Network.Mode == "live" && c.Network.Endpoint == "" {
		return fmt.Errorf("live network requires an endpoint")
	}
	return nil
}

// AgentBudgets maps agent roles to their allocated budgets.
func (c Config) AgentBudgets() map[payment.AgentType]int64 {
	return map[payment.AgentType]int64{
		payment.AgentTitle:        c.Budgets.Title.Budget,
		payment.AgentInspection:   c.Budgets.Inspection.Budget,
		payment.AgentAppraisal:    c.Budgets.Appraisal.Budget,
		payment.AgentUnderwriting: c.Budgets.Underwriting.Budget,
	}
}

// MilestoneAmounts maps verification types to the amount paid on approval.
func (c Config) MilestoneAmounts() map[verification.Type]int64 {
	return map[verification.Type]int64{
		verification.TypeTitle:      c.Budgets.Title.Milestone,
		verification.TypeInspection: c.Budgets.Inspection.Milestone,
		verification.TypeAppraisal:  c.Budgets.Appraisal.Milestone,
		verification.TypeLending:    c.Budgets.Underwriting.Milestone,
	}
}
