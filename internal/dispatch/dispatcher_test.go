package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/fieldsync/internal/conflict"
	"github.com/tonimelisma/fieldsync/internal/queue"
	"github.com/tonimelisma/fieldsync/internal/transport"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// scriptedSender answers each request with the reply function and records
// every request it sees.
type scriptedSender struct {
	mu    sync.Mutex
	reqs  []transport.Request
	reply func(n int, req transport.Request) (*transport.EntityResponse, error)
}

func (s *scriptedSender) Send(_ context.Context, req transport.Request) (*transport.EntityResponse, error) {
	s.mu.Lock()
	n := len(s.reqs)
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()

	if s.reply == nil {
		return ok(), nil
	}

	return s.reply(n, req)
}

func (s *scriptedSender) requests() []transport.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]transport.Request(nil), s.reqs...)
}

func ok() *transport.EntityResponse {
	return &transport.EntityResponse{Data: map[string]any{}, ServerTimestamp: 9000, Version: 2}
}

func clash(modifiedAt int64) (*transport.EntityResponse, error) {
	return &transport.EntityResponse{
			Data:            map[string]any{"status": "open"},
			ServerTimestamp: modifiedAt + 10,
			Version:         3,
			Actor:           "hq",
			ModifiedAt:      modifiedAt,
		}, &transport.HTTPError{
			StatusCode: http.StatusConflict,
			Message:    "version conflict",
			Err:        transport.ErrConflict,
		}
}

func httpErr(code int, sentinel error) error {
	return &transport.HTTPError{StatusCode: code, Message: http.StatusText(code), Err: sentinel}
}

type failingHandler struct{}

func (failingHandler) Resolve(_ context.Context, rec *conflict.Record) conflict.Result {
	return conflict.Result{ConflictID: rec.ID, Error: "resolver offline"}
}

type fixture struct {
	store    *queue.MemoryStore
	sender   *scriptedSender
	ledger   *conflict.MemoryLedger
	resolver *conflict.Resolver
	d        *Dispatcher
}

func newFixture(t *testing.T, lanes int, handler conflict.Handler) *fixture {
	t.Helper()

	store := queue.NewMemoryStore()
	store.SetNowFunc(func() time.Time { return time.UnixMilli(4000) })

	ledger := conflict.NewMemoryLedger()
	resolver := conflict.NewResolver(ledger, conflict.Options{Logger: testLogger(t)})

	if handler == nil {
		handler = resolver
	}

	sender := &scriptedSender{}

	d, err := NewDispatcher(Config{
		Store:    store,
		Sender:   sender,
		Resolver: handler,
		Actor:    "medic-7",
		Lanes:    lanes,
		Logger:   testLogger(t),
	})
	require.NoError(t, err)

	return &fixture{store: store, sender: sender, ledger: ledger, resolver: resolver, d: d}
}

func (f *fixture) enqueue(t *testing.T, entityType, id string, kind queue.Kind, payload map[string]any) string {
	t.Helper()

	opID, err := f.store.Enqueue(context.Background(), entityType, id, kind, payload)
	require.NoError(t, err)

	return opID
}

func (f *fixture) op(t *testing.T, id string) *queue.Operation {
	t.Helper()

	op, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)

	return op
}

func TestNewDispatcher_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(Config{})
	assert.Error(t, err)
}

func TestDrain_PreservesPerEntityOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4, nil)

	var aIDs, bIDs []string
	for i := range 5 {
		aIDs = append(aIDs, f.enqueue(t, "task", "a", queue.KindUpdate, map[string]any{"step": i}))
		bIDs = append(bIDs, f.enqueue(t, "report", "b", queue.KindUpdate, map[string]any{"step": i}))
	}

	rep, err := f.d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Pending)
	assert.Equal(t, 10, rep.Synced)

	var gotA, gotB []string

	for _, req := range f.sender.requests() {
		switch req.EntityID {
		case "a":
			gotA = append(gotA, req.OperationID)
		case "b":
			gotB = append(gotB, req.OperationID)
		}
	}

	assert.Equal(t, aIDs, gotA)
	assert.Equal(t, bIDs, gotB)

	op := f.op(t, aIDs[0])
	assert.Equal(t, queue.StatusSynced, op.Status)
	require.NotNil(t, op.ServerTimestamp)
	assert.Equal(t, int64(9000), *op.ServerTimestamp)

	// Synced operations are not sent again.
	rep, err = f.d.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Pending)
	assert.Len(t, f.sender.requests(), 10)
}

func TestDrain_SkipsWhileRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, nil)
	f.enqueue(t, "task", "a", queue.KindCreate, nil)

	entered := make(chan struct{})
	release := make(chan struct{})

	f.sender.reply = func(int, transport.Request) (*transport.EntityResponse, error) {
		close(entered)
		<-release

		return ok(), nil
	}

	done := make(chan Report, 1)

	go func() {
		rep, _ := f.d.Drain(context.Background())
		done <- rep
	}()

	<-entered

	rep, err := f.d.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)

	close(release)

	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Synced)
}

func TestDrain_NetworkLossStopsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, nil)
	a := f.enqueue(t, "task", "a", queue.KindCreate, nil)
	f.enqueue(t, "task", "b", queue.KindCreate, nil)

	f.sender.reply = func(int, transport.Request) (*transport.EntityResponse, error) {
		return nil, fmt.Errorf("%w: dial tcp: no route to host", transport.ErrNetwork)
	}

	rep, err := f.d.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Offline)
	assert.False(t, f.d.Online())
	assert.Len(t, f.sender.requests(), 1)

	op := f.op(t, a)
	assert.Equal(t, queue.StatusPending, op.Status)
	assert.Equal(t, 1, op.Attempts)
	assert.Contains(t, op.LastError, "no route to host")
}

func TestDrain_ServerErrorBlocksOnlyItsLane(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, nil)
	a1 := f.enqueue(t, "task", "a", queue.KindUpdate, map[string]any{"n": 1})
	a2 := f.enqueue(t, "task", "a", queue.KindUpdate, map[string]any{"n": 2})
	b := f.enqueue(t, "task", "b", queue.KindUpdate, nil)

	f.sender.reply = func(_ int, req transport.Request) (*transport.EntityResponse, error) {
		if req.EntityID == "a" {
			return nil, httpErr(http.StatusServiceUnavailable, transport.ErrServerError)
		}

		return ok(), nil
	}

	rep, err := f.d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Blocked)
	assert.Equal(t, 1, rep.Synced)
	assert.False(t, rep.Offline)

	assert.Equal(t, queue.StatusPending, f.op(t, a1).Status)
	assert.Equal(t, queue.StatusPending, f.op(t, a2).Status)
	assert.Equal(t, queue.StatusSynced, f.op(t, b).Status)

	for _, req := range f.sender.requests() {
		assert.NotEqual(t, a2, req.OperationID, "later operation of a blocked lane must wait")
	}
}

func TestDrain_RejectionFailsAndLaneContinues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, nil)
	a1 := f.enqueue(t, "task", "a", queue.KindCreate, map[string]any{"title": ""})
	a2 := f.enqueue(t, "task", "a", queue.KindUpdate, map[string]any{"title": "ok"})

	f.sender.reply = func(n int, _ transport.Request) (*transport.EntityResponse, error) {
		if n == 0 {
			return nil, httpErr(http.StatusUnprocessableEntity, transport.ErrRejected)
		}

		return ok(), nil
	}

	rep, err := f.d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Synced)

	failed := f.op(t, a1)
	assert.Equal(t, queue.StatusFailed, failed.Status)
	assert.NotEmpty(t, failed.LastError)
	assert.Equal(t, queue.StatusSynced, f.op(t, a2).Status)
}

func TestDrain_LocalWinResubmitsForced(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, nil)
	id := f.enqueue(t, "task", "t-1", queue.KindUpdate, map[string]any{"status": "done"})

	f.sender.reply = func(n int, _ transport.Request) (*transport.EntityResponse, error) {
		if n == 0 {
			return clash(3000) // server version authored before ours
		}

		return ok(), nil
	}

	rep, err := f.d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Conflicts)
	assert.Equal(t, 1, rep.Resubmitted)
	assert.Equal(t, 1, rep.Synced)

	reqs := f.sender.requests()
	require.Len(t, reqs, 2)
	assert.False(t, reqs[0].Force)
	assert.True(t, reqs[1].Force)
	assert.Equal(t, "done", reqs[1].Payload["status"])

	op := f.op(t, id)
	assert.Equal(t, queue.StatusSynced, op.Status)
	require.NotNil(t, op.Conflict)
	assert.Equal(t, string(conflict.WinnerLocal), op.Conflict.Winner)
	assert.Equal(t, string(conflict.LastWriteWins), op.Conflict.Strategy)

	hist, err := f.resolver.History().Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, conflict.RecordID(id, 3000), hist[0].ID)
	assert.Equal(t, "medic-7", hist[0].LocalActor)
	assert.Equal(t, "hq", hist[0].RemoteActor)
}

func TestDrain_RemoteWinIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, nil)
	id := f.enqueue(t, "task", "t-1", queue.KindUpdate, map[string]any{"status": "done"})

	f.sender.reply = func(int, transport.Request) (*transport.EntityResponse, error) {
		return clash(5000)
	}

	rep, err := f.d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Conflicts)
	assert.Zero(t, rep.Resubmitted)
	assert.Len(t, f.sender.requests(), 1)

	op := f.op(t, id)
	assert.Equal(t, queue.StatusConflict, op.Status)
	require.NotNil(t, op.Conflict)
	assert.Equal(t, string(conflict.WinnerRemote), op.Conflict.Winner)
	assert.Equal(t, "open", op.Conflict.RemoteVersion["status"])
	assert.False(t, op.Conflict.Force)
}

func TestDrain_TieGoesToManualReview(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, nil)
	id := f.enqueue(t, "task", "t-1", queue.KindUpdate, map[string]any{"status": "done"})

	f.sender.reply = func(int, transport.Request) (*transport.EntityResponse, error) {
		return clash(4000)
	}

	rep, err := f.d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Manual)

	op := f.op(t, id)
	assert.Equal(t, queue.StatusConflict, op.Status)
	assert.True(t, op.Conflict.RequiresManual)

	n, err := f.resolver.Queue().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrain_ForcedResubmissionConflictFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, nil)
	id := f.enqueue(t, "task", "t-1", queue.KindUpdate, map[string]any{"status": "done"})

	f.sender.reply = func(int, transport.Request) (*transport.EntityResponse, error) {
		return clash(3000)
	}

	rep, err := f.d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	op := f.op(t, id)
	assert.Equal(t, queue.StatusFailed, op.Status)
	assert.Contains(t, op.LastError, "forced resubmission")
}

func TestDrain_ResolverFailureKeepsPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, failingHandler{})
	id := f.enqueue(t, "task", "t-1", queue.KindUpdate, map[string]any{"status": "done"})

	f.sender.reply = func(int, transport.Request) (*transport.EntityResponse, error) {
		return clash(3000)
	}

	rep, err := f.d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Blocked)
	assert.Zero(t, rep.Conflicts)

	op := f.op(t, id)
	assert.Equal(t, queue.StatusPending, op.Status)
	assert.Equal(t, "resolver offline", op.LastError)
	assert.Nil(t, op.Conflict)
}

func TestDrain_RetriedClashReusesConflictRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, nil)
	id := f.enqueue(t, "task", "t-1", queue.KindUpdate, map[string]any{"status": "done"})

	f.sender.reply = func(int, transport.Request) (*transport.EntityResponse, error) {
		return clash(4000)
	}

	_, err := f.d.Drain(context.Background())
	require.NoError(t, err)

	// An operator sends the operation back to the queue; the same clash
	// must not create a second record.
	require.NoError(t, f.store.Update(context.Background(), id, queue.Patch{
		Status: queue.StatusPtr(queue.StatusPending),
	}))

	_, err = f.d.Drain(context.Background())
	require.NoError(t, err)

	n, err := f.resolver.Queue().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrain_SuppressesRepeatedlyFailingLane(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, nil)
	f.enqueue(t, "task", "a", queue.KindCreate, nil)

	f.sender.reply = func(int, transport.Request) (*transport.EntityResponse, error) {
		return nil, httpErr(http.StatusBadGateway, transport.ErrServerError)
	}

	for range failureThreshold {
		rep, err := f.d.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Blocked)
	}

	rep, err := f.d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Suppressed)
	assert.Len(t, f.sender.requests(), failureThreshold)
}

func TestRateLimitedDispatcher(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStore()
	sender := &scriptedSender{}

	d, err := NewDispatcher(Config{
		Store:           store,
		Sender:          sender,
		Resolver:        conflict.NewResolver(conflict.NewMemoryLedger(), conflict.Options{}),
		MaxOpsPerSecond: 1000,
		Logger:          testLogger(t),
	})
	require.NoError(t, err)
	require.NotNil(t, d.limiter)

	for i := range 3 {
		_, err := store.Enqueue(context.Background(), "task", fmt.Sprintf("t-%d", i), queue.KindCreate, nil)
		require.NoError(t, err)
	}

	rep, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Synced)
}

type flakyHealth struct {
	mu  sync.Mutex
	err error
}

func (p *flakyHealth) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.err
}

func (p *flakyHealth) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.err = err
}

func TestRun_DrainsOnEnqueueAndReconnect(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStore()
	sender := &scriptedSender{}
	checker := &flakyHealth{err: transport.ErrNetwork}

	var (
		mu      sync.Mutex
		offline = true
	)

	sender.reply = func(int, transport.Request) (*transport.EntityResponse, error) {
		mu.Lock()
		defer mu.Unlock()

		if offline {
			return nil, transport.ErrNetwork
		}

		return ok(), nil
	}

	d, err := NewDispatcher(Config{
		Store:         store,
		Sender:        sender,
		Resolver:      conflict.NewResolver(conflict.NewMemoryLedger(), conflict.Options{}),
		HealthChecker: checker,
		Logger:        testLogger(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- d.Run(ctx, RunOptions{PollInterval: time.Hour, HealthInterval: 10 * time.Millisecond})
	}()

	id, err := d.Enqueue(ctx, "task", "t-1", queue.KindCreate, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !d.Online() }, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	offline = false
	mu.Unlock()
	checker.set(nil)

	require.Eventually(t, func() bool {
		op, err := store.Get(context.Background(), id)
		return err == nil && op.Status == queue.StatusSynced
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
