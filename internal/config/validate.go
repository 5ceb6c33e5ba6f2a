package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tonimelisma/fieldsync/internal/conflict"
)

// Validation range constants.
const (
	minLanes           = 1
	maxLanes           = 64
	minPollInterval    = 1 * time.Second
	minHealthInterval  = 1 * time.Second
	minRequestTimeout  = 1 * time.Second
	minShutdownTimeout = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateClient(&cfg.Client)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateConflicts(&cfg.Conflicts)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateClient(c *ClientConfig) []error {
	var errs []error

	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("client.db_path: must not be empty"))
	}

	if err := validateHTTPURL(c.ServerURL); err != nil {
		errs = append(errs, fmt.Errorf("client.server_url: %w", err))
	}

	switch c.ResolverMode {
	case ResolverServer, ResolverLocal:
	default:
		errs = append(errs, fmt.Errorf("client.resolver_mode: must be %q or %q, got %q",
			ResolverServer, ResolverLocal, c.ResolverMode))
	}

	if c.Lanes < minLanes || c.Lanes > maxLanes {
		errs = append(errs, fmt.Errorf("client.lanes: must be between %d and %d, got %d",
			minLanes, maxLanes, c.Lanes))
	}

	if c.MaxOpsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("client.max_ops_per_second: must be >= 0, got %g", c.MaxOpsPerSecond))
	}

	errs = appendErr(errs, validateDuration("client.poll_interval", c.PollInterval, minPollInterval))
	errs = appendErr(errs, validateDuration("client.health_interval", c.HealthInterval, minHealthInterval))
	errs = appendErr(errs, validateDuration("client.request_timeout", c.RequestTimeout, minRequestTimeout))
	errs = appendErr(errs, validateDuration("client.failure_cooldown", c.FailureCooldown, 0))

	return errs
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if strings.TrimSpace(s.Listen) == "" {
		errs = append(errs, errors.New("server.listen: must not be empty"))
	}

	switch s.Backend {
	case BackendSQLite:
		if strings.TrimSpace(s.DBPath) == "" {
			errs = append(errs, errors.New("server.db_path: must not be empty with the sqlite backend"))
		}
	case BackendPostgres:
		if strings.TrimSpace(s.PostgresDSN) == "" {
			errs = append(errs, errors.New("server.postgres_dsn: required with the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.backend: must be %q or %q, got %q",
			BackendSQLite, BackendPostgres, s.Backend))
	}

	errs = appendErr(errs, validateDuration("server.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout))

	for i, hook := range s.Webhooks {
		field := fmt.Sprintf("server.webhooks[%d]", i)

		if err := validateHTTPURL(hook.URL); err != nil {
			errs = append(errs, fmt.Errorf("%s.url: %w", field, err))
		}

		if hook.Timeout != "" {
			errs = appendErr(errs, validateDuration(field+".timeout", hook.Timeout, 0))
		}

		for _, ev := range hook.Events {
			switch conflict.EventType(ev) {
			case conflict.EventNeedsReview, conflict.EventResolved:
			default:
				errs = append(errs, fmt.Errorf("%s.events: unknown event %q", field, ev))
			}
		}
	}

	return errs
}

func validateConflicts(c *ConflictsConfig) []error {
	var errs []error

	for t, s := range c.Policy {
		if _, err := conflict.ParseType(t); err != nil {
			errs = append(errs, fmt.Errorf("conflicts.policy: %w", err))
		}

		if _, err := conflict.ParseStrategy(s); err != nil {
			errs = append(errs, fmt.Errorf("conflicts.policy.%s: %w", t, err))
		}
	}

	for et, t := range c.EntityTypes {
		if _, err := conflict.ParseType(t); err != nil {
			errs = append(errs, fmt.Errorf("conflicts.entity_types.%s: %w", et, err))
		}
	}

	for et, fields := range c.Merge {
		for path, rule := range fields {
			if _, err := conflict.ParseFieldRule(rule); err != nil {
				errs = append(errs, fmt.Errorf("conflicts.merge.%s.%s: %w", et, path, err))
			}
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if _, err := ParseLogLevel(l.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("logging.log_level: %w", err))
	}

	switch l.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format: must be \"text\" or \"json\", got %q", l.LogFormat))
	}

	return errs
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an http(s) url, got %q", raw)
	}

	return nil
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}

	return errs
}
