package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each section. Map-valued keys
// (collections, policy, ...) decode completely and never show up as unknown.
var knownKeys = map[string][]string{
	"client": {
		"actor", "db_path", "server_url", "token", "token_file", "resolver_mode", "lanes",
		"max_ops_per_second", "poll_interval", "health_interval", "request_timeout",
		"failure_cooldown", "compress", "collections",
	},
	"server": {
		"listen", "db_path", "backend", "postgres_dsn", "shutdown_timeout", "webhooks",
	},
	"server.webhooks": {"url", "secret", "events", "timeout"},
	"conflicts":       {"policy", "entity_types", "commanders", "merge"},
	"logging":         {"log_level", "log_format"},
}

// knownSections is the sorted list of top-level sections, for suggestions.
var knownSections = func() []string {
	var out []string

	for k := range knownKeys {
		if !strings.Contains(k, ".") {
			out = append(out, k)
		}
	}

	sort.Strings(out)

	return out
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

// unknownKeyError describes an undecoded key, suggesting the closest known
// key of the same section.
func unknownKeyError(key toml.Key) error {
	if len(key) == 1 {
		if s := closestMatch(key[0], knownSections); s != "" {
			return fmt.Errorf("unknown config section %q, did you mean %q?", key[0], s)
		}

		return fmt.Errorf("unknown config section %q", key[0])
	}

	section := strings.Join(key[:len(key)-1], ".")
	leaf := key[len(key)-1]

	known, ok := knownKeys[section]
	if !ok {
		return fmt.Errorf("unknown config key %q", key.String())
	}

	sorted := append([]string(nil), known...)
	sort.Strings(sorted)

	if s := closestMatch(leaf, sorted); s != "" {
		return fmt.Errorf("unknown config key %q in [%s], did you mean %q?", leaf, section, s)
	}

	return fmt.Errorf("unknown config key %q in [%s]", leaf, section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using a
// single-row buffer pair.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
