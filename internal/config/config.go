package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the full service configuration. Every component receives its
// own section at construction; nothing reads the environment later.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Payment  PaymentConfig  `mapstructure:"payment" yaml:"payment"`
	Escrow   EscrowConfig   `mapstructure:"escrow" yaml:"escrow"`
	Refund   RefundConfig   `mapstructure:"refund" yaml:"refund"`
	Scoring  ScoringConfig  `mapstructure:"scoring" yaml:"scoring"`
	Ledger   LedgerConfig   `mapstructure:"ledger" yaml:"ledger"`
	Schedule ScheduleConfig `mapstructure:"schedule" yaml:"schedule"`
	Currency CurrencyConfig `mapstructure:"currency" yaml:"currency"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port" yaml:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// AdminToken guards operator routes; empty disables them.
	AdminToken string `mapstructure:"admin_token" yaml:"-"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type PaymentConfig struct {
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

type EscrowConfig struct {
	CoolingPeriod      time.Duration `mapstructure:"cooling_period" yaml:"cooling_period"`
	PlatformFeePercent float64       `mapstructure:"platform_fee_percent" yaml:"platform_fee_percent"`
	MaxTransferRetries int           `mapstructure:"max_transfer_retries" yaml:"max_transfer_retries"`
	BatchSize          int           `mapstructure:"batch_size" yaml:"batch_size"`
	TransferGrace      time.Duration `mapstructure:"transfer_grace" yaml:"transfer_grace"`
}

type RefundConfig struct {
	FullHours      int           `mapstructure:"full_hours" yaml:"full_hours"`
	PartialHours   int           `mapstructure:"partial_hours" yaml:"partial_hours"`
	PartialPercent int           `mapstructure:"partial_percent" yaml:"partial_percent"`
	ResumeAfter    time.Duration `mapstructure:"resume_after" yaml:"resume_after"`
}

type ScoringConfig struct {
	Mode    string        `mapstructure:"mode" yaml:"mode"`
	URL     string        `mapstructure:"url" yaml:"url"`
	APIKey  string        `mapstructure:"api_key" yaml:"-"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LedgerConfig struct {
	Mode        string        `mapstructure:"mode" yaml:"mode"`
	URL         string        `mapstructure:"url" yaml:"url"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	SandboxPath string        `mapstructure:"sandbox_path" yaml:"sandbox_path"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// WebhookSecret is the shared secret the processor sends with each delivery.
	WebhookSecret string `mapstructure:"webhook_secret" yaml:"-"`
}

type ScheduleConfig struct {
	ExpiryInterval  time.Duration `mapstructure:"expiry_interval" yaml:"expiry_interval"`
	ReleaseInterval time.Duration `mapstructure:"release_interval" yaml:"release_interval"`
	RefundInterval  time.Duration `mapstructure:"refund_interval" yaml:"refund_interval"`
	OutboxInterval  time.Duration `mapstructure:"outbox_interval" yaml:"outbox_interval"`
}

type CurrencyConfig struct {
	Base  string             `mapstructure:"base" yaml:"base"`
	Rates map[string]float64 `mapstructure:"rates" yaml:"rates"`
}

// Validate rejects configurations the settlement pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Payment.Window <= 0 {
		errs = append(errs, errors.New("payment.window must be positive"))
	}
	if c.Escrow.CoolingPeriod < 0 {
		errs = append(errs, errors.New("escrow.cooling_period must not be negative"))
	}
	if c.Escrow.PlatformFeePercent < 0 || c.Escrow.PlatformFeePercent > 100 {
		errs = append(errs, fmt.Errorf("escrow.platform_fee_percent %v outside [0,100]", c.Escrow.PlatformFeePercent))
	}
	if c.Escrow.MaxTransferRetries < 0 {
		errs = append(errs, errors.New("escrow.max_transfer_retries must not be negative"))
	}
	if c.Escrow.TransferGrace < 0 || c.Refund.ResumeAfter < 0 {
		errs = append(errs, errors.New("escrow.transfer_grace and refund.resume_after must not be negative"))
	}
	if c.Refund.PartialHours < 0 || c.Refund.PartialHours >= c.Refund.FullHours {
		errs = append(errs, errors.New("refund.partial_hours must be in [0, refund.full_hours)"))
	}
	if c.Refund.PartialPercent < 0 || c.Refund.PartialPercent > 100 {
		errs = append(errs, errors.New("refund.partial_percent outside [0,100]"))
	}
	switch c.Scoring.Mode {
	case "fallback":
	case "remote":
		if c.Scoring.URL == "" {
			errs = append(errs, errors.New("scoring.url is required in remote mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("scoring.mode %q must be remote or fallback", c.Scoring.Mode))
	}
	switch c.Ledger.Mode {
	case "sandbox":
		if c.Ledger.SandboxPath == "" {
			errs = append(errs, errors.New("ledger.sandbox_path is required in sandbox mode"))
		}
	case "http":
		if c.Ledger.URL == "" {
			errs = append(errs, errors.New("ledger.url is required in http mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.mode %q must be sandbox or http", c.Ledger.Mode))
	}
	if c.Schedule.ExpiryInterval <= 0 || c.Schedule.ExpiryInterval > time.Minute {
		errs = append(errs, errors.New("schedule.expiry_interval must be in (0, 1m]"))
	}
	if c.Schedule.ReleaseInterval <= 0 || c.Schedule.RefundInterval <= 0 || c.Schedule.OutboxInterval <= 0 {
		errs = append(errs, errors.New("schedule intervals must be positive"))
	}
	return errors.Join(errs...)
}
