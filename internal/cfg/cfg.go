package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config adds erwatch-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string
	PolicyFile            string
	TickIntervalSeconds   int
	HubBufferSize         int
	SlackWebhookURL       string
	APITokens             string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML or JSON SLA policy table (empty = built-in reference table)")
	fs.IntVar(&c.TickIntervalSeconds, "tick-interval-seconds", 15, "seconds between SLA scans of open requests (1..3600)")
	fs.IntVar(&c.HubBufferSize, "hub-buffer-size", 64, "events buffered per dashboard stream before dropping (1..4096)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for SLA notifications")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma separated bearer tokens accepted on /api/v1 (empty = no auth)")
}

// TickInterval returns the scan interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.TickIntervalSeconds <= 0 || c.TickIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid TICK_INTERVAL_SECONDS %d (must be 1..3600)", c.TickIntervalSeconds))
	}

	if c.HubBufferSize <= 0 || c.HubBufferSize > 4096 {
		errs = append(errs, fmt.Errorf("invalid HUB_BUFFER_SIZE %d (must be 1..4096)", c.HubBufferSize))
	}

	if c.DatabaseURL != "" {
		u, err := url.Parse(c.DatabaseURL)
		if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errs = append(errs, errors.New("DATABASE_URL must be a postgres:// or postgresql:// URL"))
		}
	}

	// Slack webhooks are only ever served over https
	if c.SlackWebhookURL != "" && !strings.HasPrefix(c.SlackWebhookURL, "https://") {
		errs = append(errs, errors.New("SLACK_WEBHOOK_URL must be an https URL"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
