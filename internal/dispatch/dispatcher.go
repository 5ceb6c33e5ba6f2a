// Package dispatch drains the local operation queue to the coordination
// server. Operations on the same entity are sent strictly in queue order;
// different entities proceed concurrently. Version conflicts reported by the
// server are handed to a conflict.Handler and the decision is applied to the
// queued operation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tonimelisma/fieldsync/internal/conflict"
	"github.com/tonimelisma/fieldsync/internal/queue"
	"github.com/tonimelisma/fieldsync/internal/transport"
)

const defaultLanes = 4

// Sender delivers one write to the server. On a version conflict it returns
// the server's version together with an error matching transport.ErrConflict.
type Sender interface {
	Send(ctx context.Context, req transport.Request) (*transport.EntityResponse, error)
}

// HealthChecker checks whether the server is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config holds the collaborators and tuning of a Dispatcher.
type Config struct {
	Store    queue.Store
	Sender   Sender
	Resolver conflict.Handler
	// HealthChecker enables periodic health checks in Run. Optional.
	HealthChecker HealthChecker
	Actor         string
	// Lanes bounds how many entities are drained concurrently.
	Lanes int
	// MaxOpsPerSecond caps the send rate; zero means unlimited.
	MaxOpsPerSecond float64
	// FailureCooldown is how long a lane that keeps failing sits out.
	FailureCooldown time.Duration
	// TypeOverrides maps entity types to a fixed conflict type.
	TypeOverrides map[string]conflict.Type
	Logger        *slog.Logger
}

// Report summarizes one drain cycle.
type Report struct {
	Pending     int // operations loaded at the start of the cycle
	Synced      int
	Conflicts   int // version clashes reported by the server
	Manual      int // clashes escalated to manual review
	Resubmitted int // clashes resolved in favour of local data and resent
	Failed      int
	Blocked     int // lanes stopped by a transient failure
	Suppressed  int // lanes skipped because they keep failing
	Offline     bool
	Skipped     bool // another cycle was already running
	Duration    time.Duration
}

func (r *Report) add(o Report) {
	r.Synced += o.Synced
	r.Conflicts += o.Conflicts
	r.Manual += o.Manual
	r.Resubmitted += o.Resubmitted
	r.Failed += o.Failed
	r.Blocked += o.Blocked
}

// Dispatcher drains pending operations.
type Dispatcher struct {
	store     queue.Store
	sender    Sender
	resolver  conflict.Handler
	health    HealthChecker
	actor     string
	lanes     int
	overrides map[string]conflict.Type
	limiter   *rate.Limiter
	failures  *failureTracker
	logger    *slog.Logger
	nowFunc   func() time.Time

	running atomic.Bool
	online  atomic.Bool
	nudge   chan struct{}
}

// NewDispatcher creates a Dispatcher from cfg.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Sender == nil || cfg.Resolver == nil {
		return nil, errors.New("dispatch: store, sender and resolver are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lanes := cfg.Lanes
	if lanes <= 0 {
		lanes = defaultLanes
	}

	d := &Dispatcher{
		store:     cfg.Store,
		sender:    cfg.Sender,
		resolver:  cfg.Resolver,
		health:    cfg.HealthChecker,
		actor:     cfg.Actor,
		lanes:     lanes,
		overrides: cfg.TypeOverrides,
		failures:  newFailureTracker(cfg.FailureCooldown, logger),
		logger:    logger,
		nowFunc:   time.Now,
		nudge:     make(chan struct{}, 1),
	}

	if cfg.MaxOpsPerSecond > 0 {
		burst := max(1, int(cfg.MaxOpsPerSecond))
		d.limiter = rate.NewLimiter(rate.Limit(cfg.MaxOpsPerSecond), burst)
	}

	d.online.Store(true)

	return d, nil
}

// SetNowFunc replaces the clock used for conflict detection timestamps and
// the failure tracker.
func (d *Dispatcher) SetNowFunc(now func() time.Time) {
	d.nowFunc = now
	d.failures.nowFunc = now
}

// Enqueue stores a new operation and wakes the run loop.
func (d *Dispatcher) Enqueue(ctx context.Context, entityType, entityID string, kind queue.Kind, payload map[string]any) (string, error) {
	id, err := d.store.Enqueue(ctx, entityType, entityID, kind, payload)
	if err != nil {
		return "", err
	}

	d.Nudge()

	return id, nil
}

// Nudge asks the run loop for a drain cycle. It never blocks.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Online reports whether the last cycle or health check reached the server.
func (d *Dispatcher) Online() bool {
	return d.online.Load()
}

type lane struct {
	key string
	ops []queue.Operation
}

// groupLanes splits operations into per-entity lanes, keeping queue order
// inside each lane and ordering lanes by their first operation.
func groupLanes(ops []queue.Operation) []lane {
	index := make(map[string]int)

	var lanes []lane

	for i := range ops {
		key := ops[i].EntityKey()

		idx, ok := index[key]
		if !ok {
			idx = len(lanes)
			index[key] = idx
			lanes = append(lanes, lane{key: key})
		}

		lanes[idx].ops = append(lanes[idx].ops, ops[i])
	}

	return lanes
}

// Drain runs one cycle over every pending operation. A call made while
// another cycle is active returns immediately with Report.Skipped set.
// Per-operation failures are recorded on the operations; only store errors
// and cancellation are returned.
func (d *Dispatcher) Drain(ctx context.Context) (Report, error) {
	if !d.running.CompareAndSwap(false, true) {
		return Report{Skipped: true}, nil
	}
	defer d.running.Store(false)

	start := time.Now()

	pending, err := d.store.ListByStatus(ctx, queue.StatusPending)
	if err != nil {
		return Report{}, fmt.Errorf("dispatch: loading pending operations: %w", err)
	}

	rep := Report{Pending: len(pending)}
	if len(pending) == 0 {
		return rep, nil
	}

	cycleCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(cycleCtx)
	g.SetLimit(d.lanes)

	var (
		mu      sync.Mutex
		offline atomic.Bool
	)

	for _, l := range groupLanes(pending) {
		if d.failures.shouldSkip(l.key) {
			rep.Suppressed++
			continue
		}

		g.Go(func() error {
			var t Report

			v, err := d.runLane(gctx, l, &t)

			mu.Lock()
			rep.add(t)
			mu.Unlock()

			if err != nil {
				return err
			}

			if v == verdictOffline {
				offline.Store(true)
				stop()
			}

			return nil
		})
	}

	err = g.Wait()

	rep.Offline = offline.Load()
	rep.Duration = time.Since(start)

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if err == nil {
		d.online.Store(!rep.Offline)
	}

	d.logger.Info("drain cycle complete",
		slog.Int("pending", rep.Pending),
		slog.Int("synced", rep.Synced),
		slog.Int("conflicts", rep.Conflicts),
		slog.Int("manual", rep.Manual),
		slog.Int("resubmitted", rep.Resubmitted),
		slog.Int("failed", rep.Failed),
		slog.Int("blocked", rep.Blocked),
		slog.Int("suppressed", rep.Suppressed),
		slog.Bool("offline", rep.Offline),
		slog.Duration("duration", rep.Duration),
	)

	if err != nil {
		return rep, fmt.Errorf("dispatch: drain cycle: %w", err)
	}

	return rep, nil
}

// runLane sends one entity's operations in order until the lane finishes,
// blocks, or connectivity is lost.
func (d *Dispatcher) runLane(ctx context.Context, l lane, rep *Report) (verdict, error) {
	for i := range l.ops {
		if ctx.Err() != nil {
			return verdictOffline, nil
		}

		v, err := d.process(ctx, &l.ops[i], rep)
		if err != nil {
			return v, err
		}

		switch v {
		case verdictBlock:
			rep.Blocked++
			return v, nil
		case verdictOffline:
			return v, nil
		}
	}

	d.failures.recordSuccess(l.key)

	return verdictNext, nil
}
