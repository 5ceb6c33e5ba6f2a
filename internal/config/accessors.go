package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tonimelisma/fieldsync/internal/conflict"
)

// ParseLogLevel maps a config log level to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("must be one of debug, info, warn, error; got %q", s)
	}
}

// Level returns the configured slog level, defaulting to info.
func (l LoggingConfig) Level() slog.Level {
	lvl, err := ParseLogLevel(l.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}

	return lvl
}

// ClientTimings holds the parsed duration settings of the client section.
type ClientTimings struct {
	Poll            time.Duration
	Health          time.Duration
	Request         time.Duration
	FailureCooldown time.Duration
}

// Timings parses the client duration strings. Values have been validated
// on load; anything unparseable falls back to the built-in default.
func (c ClientConfig) Timings() ClientTimings {
	return ClientTimings{
		Poll:            durationOr(c.PollInterval, defaultPollInterval),
		Health:          durationOr(c.HealthInterval, defaultHealthInterval),
		Request:         durationOr(c.RequestTimeout, defaultRequestTimeout),
		FailureCooldown: durationOr(c.FailureCooldown, defaultFailureCooldown),
	}
}

// ShutdownDuration returns the graceful shutdown budget.
func (s ServerConfig) ShutdownDuration() time.Duration {
	return durationOr(s.ShutdownTimeout, defaultShutdownTimeout)
}

// TimeoutDuration returns the per-delivery timeout, or zero to use the
// notifier default.
func (w WebhookConfig) TimeoutDuration() time.Duration {
	if w.Timeout == "" {
		return 0
	}

	d, err := time.ParseDuration(w.Timeout)
	if err != nil {
		return 0
	}

	return d
}

func durationOr(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}

	d, _ := time.ParseDuration(fallback)

	return d
}

// PolicyOverrides returns the per-type strategy overrides. Types absent
// from the map keep the resolver's default policy.
func (c ConflictsConfig) PolicyOverrides() map[conflict.Type]conflict.Strategy {
	if len(c.Policy) == 0 {
		return nil
	}

	out := make(map[conflict.Type]conflict.Strategy, len(c.Policy))

	for t, s := range c.Policy {
		ct, err := conflict.ParseType(t)
		if err != nil {
			continue
		}

		st, err := conflict.ParseStrategy(s)
		if err != nil {
			continue
		}

		out[ct] = st
	}

	return out
}

// TypeOverrides maps entity types to the conflict type they always
// classify as.
func (c ConflictsConfig) TypeOverrides() map[string]conflict.Type {
	if len(c.EntityTypes) == 0 {
		return nil
	}

	out := make(map[string]conflict.Type, len(c.EntityTypes))

	for et, t := range c.EntityTypes {
		if ct, err := conflict.ParseType(t); err == nil {
			out[et] = ct
		}
	}

	return out
}

// Ranks returns the configured commander ranks, or nil when none are set.
func (c ConflictsConfig) Ranks() conflict.RankLookup {
	if len(c.Commanders) == 0 {
		return nil
	}

	ranks := make(conflict.StaticRanks, len(c.Commanders))
	for actor, rank := range c.Commanders {
		ranks[actor] = rank
	}

	return ranks
}

// Schemas returns the per-entity-type merge schemas.
func (c ConflictsConfig) Schemas() map[string]conflict.MergeSchema {
	if len(c.Merge) == 0 {
		return nil
	}

	out := make(map[string]conflict.MergeSchema, len(c.Merge))

	for et, fields := range c.Merge {
		schema := make(conflict.MergeSchema, len(fields))

		for path, rule := range fields {
			if r, err := conflict.ParseFieldRule(rule); err == nil {
				schema[path] = r
			}
		}

		out[et] = schema
	}

	return out
}

// ResolverOptions assembles conflict.Options from the conflicts section.
// Notifier and Logger are left for the caller.
func (c ConflictsConfig) ResolverOptions() conflict.Options {
	return conflict.Options{
		Policy:  c.PolicyOverrides(),
		Schemas: c.Schemas(),
		Ranks:   c.Ranks(),
	}
}
