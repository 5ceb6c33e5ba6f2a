package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingNudger struct {
	n atomic.Int32
}

func (c *countingNudger) Nudge() { c.n.Add(1) }

func TestSuperviseDispatcher_NudgesOnQueueChange(t *testing.T) {
	t.Parallel()

	d := &countingNudger{}
	done := make(chan error, 1)
	reloaded := make(chan struct{}, 1)
	queueChanged := make(chan struct{})

	result := make(chan bool, 1)

	go func() {
		restart, err := superviseDispatcher(t.Context(), d, done, reloaded, queueChanged)
		assert.NoError(t, err)
		result <- restart
	}()

	queueChanged <- struct{}{}
	queueChanged <- struct{}{}

	require.Eventually(t, func() bool { return d.n.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	reloaded <- struct{}{}

	select {
	case restart := <-result:
		assert.True(t, restart)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "supervisor did not return on reload")
	}
}

func TestSuperviseDispatcher_ReturnsDispatcherResult(t *testing.T) {
	t.Parallel()

	boom := errors.New("store closed")
	done := make(chan error, 1)
	done <- boom

	restart, err := superviseDispatcher(t.Context(), &countingNudger{}, done, nil, nil)
	require.ErrorIs(t, err, boom)
	assert.False(t, restart)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	done <- nil

	restart, err = superviseDispatcher(ctx, &countingNudger{}, done, nil, nil)
	require.NoError(t, err)
	assert.False(t, restart)
}
