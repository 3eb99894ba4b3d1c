package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/quantfolio/rebalance-api/internal/types"
)

// Config holds all runtime configuration, parsed from the environment.
type Config struct {
	Env   string `env:"ENV" envDefault:"development"`
	Port  string `env:"PORT" envDefault:"8080"`
	Debug bool   `env:"DEBUG" envDefault:"false"`

	DatabasePath string `env:"DATABASE_PATH" envDefault:"rebalance.db"`
	JWTSecret    string `env:"JWT_SECRET" envDefault:"rebalance-secret-key"`

	// Operator credentials registered at startup; the API key doubles as the
	// actor identity on audit events.
	OperatorAPIKey    string        `env:"OPERATOR_API_KEY" envDefault:"operator"`
	OperatorAPISecret string        `env:"OPERATOR_API_SECRET" envDefault:"operator-secret"`
	TokenTTL          time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// Mode is the trading mode this deployment runs in. LIVE additionally
	// requires EnableLiveTrading; without it every order emission is refused.
	Mode              types.TradingMode `env:"TRADING_MODE" envDefault:"PAPER"`
	EnableLiveTrading bool              `env:"ENABLE_LIVE_TRADING" envDefault:"false"`

	// PlanExpiryHorizon is how long a PROPOSED plan stays approvable.
	PlanExpiryHorizon time.Duration `env:"PLAN_EXPIRY_HORIZON" envDefault:"24h"`

	// Execution policy defaults; snapshotted onto each execution at start.
	OrderWaitWindow    time.Duration `env:"ORDER_WAIT_WINDOW" envDefault:"30s"`
	OrderPollInterval  time.Duration `env:"ORDER_POLL_INTERVAL" envDefault:"2s"`
	BrokerMaxRetries   int           `env:"BROKER_MAX_RETRIES" envDefault:"3"`
	BrokerRetryBase    time.Duration `env:"BROKER_RETRY_BASE" envDefault:"500ms"`
	BrokerRetryFactor  float64       `env:"BROKER_RETRY_FACTOR" envDefault:"2.0"`
	FailOnOrderFailure bool          `env:"FAIL_ON_ORDER_FAILURE" envDefault:"true"`

	// PaperCash is the starting cash balance of the paper broker.
	PaperCash float64 `env:"PAPER_CASH" envDefault:"1000000"`

	// ExpirerSchedule is the cron spec (with seconds) for the plan expirer job.
	ExpirerSchedule string `env:"EXPIRER_SCHEDULE" envDefault:"0 * * * * *"`

	SlackWebhookDev       string `env:"SLACK_WEBHOOK_DEV"`
	SlackWebhookAlerts    string `env:"SLACK_WEBHOOK_ALERTS"`
	SlackWebhookDecisions string `env:"SLACK_WEBHOOK_DECISIONS"`
}

// Load parses configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
