package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// Run loop defaults.
const (
	defaultPollInterval   = 30 * time.Second
	defaultHealthInterval = 10 * time.Second
	healthTimeout         = 5 * time.Second
)

// RunOptions tunes the Run loop. Zero values select defaults.
type RunOptions struct {
	PollInterval   time.Duration
	HealthInterval time.Duration
}

// Run drains the queue until ctx is canceled. A cycle starts on every poll
// tick, on Nudge (a fresh enqueue), and when a health check finds the server
// reachable again after a cycle lost connectivity. Store errors are logged
// and the loop carries on. Returns nil on clean context cancel.
func (d *Dispatcher) Run(ctx context.Context, opts RunOptions) error {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	healthEvery := opts.HealthInterval
	if healthEvery <= 0 {
		healthEvery = defaultHealthInterval
	}

	pollTicker := time.NewTicker(poll)
	defer pollTicker.Stop()

	var healthC <-chan time.Time

	if d.health != nil {
		healthTicker := time.NewTicker(healthEvery)
		defer healthTicker.Stop()

		healthC = healthTicker.C
	}

	d.logger.Info("dispatcher started",
		slog.Duration("poll_interval", poll),
		slog.Bool("health_checks", d.health != nil),
	)

	d.cycle(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil

		case <-pollTicker.C:
			d.cycle(ctx, "timer")

		case <-d.nudge:
			if d.online.Load() {
				d.cycle(ctx, "enqueue")
			}

		case <-healthC:
			if d.online.Load() {
				continue
			}

			if d.CheckHealth(ctx) {
				d.logger.Info("connectivity regained")
				d.cycle(ctx, "reconnect")
			}
		}
	}
}

// CheckHealth checks the server once and records the result.
func (d *Dispatcher) CheckHealth(ctx context.Context) bool {
	if d.health == nil {
		return d.online.Load()
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	ok := d.health.Health(checkCtx) == nil
	d.online.Store(ok)

	return ok
}

func (d *Dispatcher) cycle(ctx context.Context, trigger string) {
	rep, err := d.Drain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("drain cycle failed",
				slog.String("trigger", trigger),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	if rep.Skipped {
		d.logger.Debug("drain already running", slog.String("trigger", trigger))
	}
}
