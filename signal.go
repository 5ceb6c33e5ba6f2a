package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// forceExitCode is the conventional status for termination by SIGINT.
const forceExitCode = 130

// shutdownContext returns a context canceled by the first SIGINT or SIGTERM.
// A second signal exits immediately. Operations still in flight stay pending
// in the local queue and are resent on the next sync.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx := watchSignals(parent, sigCh, logger, func() { os.Exit(forceExitCode) })

	go func() {
		<-parent.Done()
		signal.Stop(sigCh)
	}()

	return ctx
}

// watchSignals cancels the returned context on the first value from sigCh
// and calls forceExit on the second.
func watchSignals(parent context.Context, sigCh <-chan os.Signal, logger *slog.Logger, forceExit func()) context.Context {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("stopping, press Ctrl-C again to force",
				slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("forced exit, unsent changes stay queued",
				slog.String("signal", sig.String()))
			forceExit()
		case <-parent.Done():
		}
	}()

	return ctx
}
