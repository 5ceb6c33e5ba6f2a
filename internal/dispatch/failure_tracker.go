package dispatch

import (
	"log/slog"
	"sync"
	"time"
)

// Lane suppression constants.
const (
	failureThreshold       = 3               // suppress after this many transient failures
	defaultFailureCooldown = 5 * time.Minute // forget failures older than this
)

// failureRecord tracks transient failures for a single entity lane.
type failureRecord struct {
	count   int
	lastErr string
	lastAt  time.Time
}

// failureTracker suppresses entity lanes that keep failing transiently so a
// single broken entity does not eat every cycle. Suppressed lanes are retried
// once the cooldown has passed; their operations stay pending. Success
// clears the record. Thread-safe.
type failureTracker struct {
	mu       sync.Mutex
	records  map[string]*failureRecord
	cooldown time.Duration
	logger   *slog.Logger
	nowFunc  func() time.Time
}

func newFailureTracker(cooldown time.Duration, logger *slog.Logger) *failureTracker {
	if cooldown <= 0 {
		cooldown = defaultFailureCooldown
	}

	return &failureTracker{
		records:  make(map[string]*failureRecord),
		cooldown: cooldown,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// shouldSkip reports whether the lane has failed enough times within the
// cooldown window that it should sit out this cycle.
func (ft *failureTracker) shouldSkip(key string) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[key]
	if !ok {
		return false
	}

	if ft.nowFunc().Sub(rec.lastAt) > ft.cooldown {
		delete(ft.records, key)
		return false
	}

	return rec.count >= failureThreshold
}

func (ft *failureTracker) recordFailure(key, errMsg string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[key]
	if !ok {
		rec = &failureRecord{}
		ft.records[key] = rec
	}

	if ft.nowFunc().Sub(rec.lastAt) > ft.cooldown {
		rec.count = 0
	}

	rec.count++
	rec.lastErr = errMsg
	rec.lastAt = ft.nowFunc()

	if rec.count == failureThreshold {
		ft.logger.Warn("entity lane suppressed after repeated failures",
			slog.String("entity", key),
			slog.Int("failures", rec.count),
			slog.String("last_error", errMsg),
			slog.Duration("cooldown", ft.cooldown),
		)
	}
}

func (ft *failureTracker) recordSuccess(key string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	delete(ft.records, key)
}
