package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/fieldsync/internal/conflict"
	"github.com/tonimelisma/fieldsync/internal/entity"
	"github.com/tonimelisma/fieldsync/internal/queue"
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

// newTestDB opens a migrated database in a temp directory, registering
// cleanup with t.Cleanup.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "fieldsync.db")

	db, err := Open(context.Background(), dbPath, testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return db
}

func TestOperationStore_EnqueueAndOrder(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	db.SetNowFunc(func() time.Time { return time.UnixMilli(500) }) // identical timestamps
	ops := db.Operations()

	var ids []string

	for i := range 4 {
		entityID := "t1"
		if i%2 == 1 {
			entityID = "t2"
		}

		id, err := ops.Enqueue(ctx, "task", entityID, queue.KindUpdate, map[string]any{"n": float64(i)})
		require.NoError(t, err)

		ids = append(ids, id)
	}

	pending, err := ops.ListByStatus(ctx, queue.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 4)

	for i := range pending {
		assert.Equal(t, ids[i], pending[i].ID, "queue order breaks timestamp ties by insertion")
		assert.Equal(t, int64(500), pending[i].ClientTimestamp)
	}

	t1, err := ops.ListByEntity(ctx, "task", "t1")
	require.NoError(t, err)
	require.Len(t, t1, 2)
	assert.Equal(t, 0.0, t1[0].Payload["n"])
	assert.Equal(t, 2.0, t1[1].Payload["n"])
}

func TestOperationStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	db, err := Open(ctx, dbPath, testLogger(t))
	require.NoError(t, err)

	id, err := db.Operations().Enqueue(ctx, "checkin", "c1", queue.KindCreate, map[string]any{"lat": 1.25})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, dbPath, testLogger(t))
	require.NoError(t, err)

	defer db.Close()

	op, err := db.Operations().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, op.Status)
	assert.Equal(t, 1.25, op.Payload["lat"])
}

func TestOperationStore_UpdateLifecycle(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ops := db.Operations()
	ctx := context.Background()

	id, err := ops.Enqueue(ctx, "task", "t1", queue.KindUpdate, map[string]any{"status": "in_progress"})
	require.NoError(t, err)

	details := &queue.ConflictDetails{
		ConflictID: "c-1", Strategy: "MERGE", Winner: "merged", Force: true,
		ResolvedValue: map[string]any{"status": "in_progress", "note": "x"},
	}

	require.NoError(t, ops.Update(ctx, id, queue.Patch{
		Status: queue.StatusPtr(queue.StatusPending), Conflict: details, IncAttempts: true,
	}))

	op, err := ops.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, op.Conflict)
	assert.True(t, op.Conflict.Force)
	assert.Equal(t, "x", op.Conflict.ResolvedValue["note"])
	assert.Equal(t, 1, op.Attempts)

	ts := int64(9_000)
	require.NoError(t, ops.Update(ctx, id, queue.Patch{
		Status: queue.StatusPtr(queue.StatusSynced), ServerTimestamp: &ts, ClearConflict: true,
	}))

	op, err = ops.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSynced, op.Status)
	assert.Nil(t, op.Conflict)
	require.NotNil(t, op.ServerTimestamp)
	assert.Equal(t, ts, *op.ServerTimestamp)

	err = ops.Update(ctx, id, queue.Patch{Status: queue.StatusPtr(queue.StatusPending)})
	require.ErrorIs(t, err, queue.ErrInvalidTransition)

	require.ErrorIs(t, ops.Update(ctx, "nope", queue.Patch{}), queue.ErrNotFound)
}

func TestOperationStore_DropCountsRetry(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ops := db.Operations()
	ctx := context.Background()

	a, err := ops.Enqueue(ctx, "report", "r1", queue.KindCreate, nil)
	require.NoError(t, err)
	b, err := ops.Enqueue(ctx, "report", "r2", queue.KindCreate, nil)
	require.NoError(t, err)
	c, err := ops.Enqueue(ctx, "report", "r3", queue.KindCreate, nil)
	require.NoError(t, err)

	msg := "422: missing title"
	require.NoError(t, ops.Update(ctx, b, queue.Patch{Status: queue.StatusPtr(queue.StatusFailed), LastError: &msg}))

	require.NoError(t, ops.Drop(ctx, a))
	require.ErrorIs(t, ops.Drop(ctx, a), queue.ErrNotFound)
	require.ErrorIs(t, ops.Drop(ctx, b), queue.ErrNotPending)

	counts, err := ops.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[queue.Status]int{
		queue.StatusPending: 1, queue.StatusSynced: 0, queue.StatusConflict: 0, queue.StatusFailed: 1,
	}, counts)

	n, err := ops.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	op, err := ops.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, op.Status)
	assert.Empty(t, op.LastError)

	_, err = ops.Get(ctx, c)
	require.NoError(t, err)
}

func resolvedRecord(id string, at int64) conflict.Record {
	return conflict.Record{
		ID:                 id,
		Type:               conflict.TypeStatusUpdate,
		EntityType:         "task",
		EntityID:           "t1",
		LocalVersion:       map[string]any{"status": "in_progress"},
		RemoteVersion:      map[string]any{"status": "completed"},
		LocalTimestamp:     100,
		RemoteTimestamp:    150,
		DetectedAt:         at,
		ResolutionStrategy: conflict.LastWriteWins,
		Winner:             conflict.WinnerRemote,
		ResolvedAt:         &at,
		ResolvedBy:         conflict.ResolvedBySystem,
		ResolvedValue:      map[string]any{"status": "completed"},
	}
}

func TestLedger_HistoryAppendOnly(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	l := db.Ledger()
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, resolvedRecord("h1", 10)))
	require.NoError(t, l.Append(ctx, resolvedRecord("h2", 20)))
	require.ErrorIs(t, l.Append(ctx, resolvedRecord("h1", 30)), conflict.ErrDuplicate)

	unresolved := resolvedRecord("h3", 40)
	unresolved.ResolvedAt = nil
	require.ErrorIs(t, l.Append(ctx, unresolved), conflict.ErrInvalidRecord)

	recent, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "h2", recent[0].ID)

	got, err := l.GetHistory(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.ResolvedValue["status"])

	_, err = l.GetHistory(ctx, "missing")
	require.ErrorIs(t, err, conflict.ErrNotFound)

	stats, err := l.StatsByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[conflict.TypeStatusUpdate])

	_, err = db.db.ExecContext(ctx, `DELETE FROM conflict_history WHERE id = 'h1'`)
	require.Error(t, err, "history rows cannot be deleted")

	_, err = db.db.ExecContext(ctx, `UPDATE conflict_history SET resolved_by = 'x'`)
	require.Error(t, err, "history rows cannot be rewritten")
}

func TestLedger_ReviewSettle(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	l := db.Ledger()
	ctx := context.Background()

	pending := resolvedRecord("r1", 10)
	pending.ResolvedAt = nil
	pending.ResolutionStrategy = conflict.Manual
	require.NoError(t, l.AddReview(ctx, pending))
	require.ErrorIs(t, l.AddReview(ctx, pending), conflict.ErrDuplicate)

	n, err := l.CountReview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	settled := resolvedRecord("r1", 50)
	settled.ResolvedBy = "ops-lead"
	settled.ResolutionStrategy = conflict.Manual
	require.NoError(t, l.Settle(ctx, settled))
	require.ErrorIs(t, l.Settle(ctx, settled), conflict.ErrNotFound)

	_, err = l.GetReview(ctx, "r1")
	require.ErrorIs(t, err, conflict.ErrNotFound)

	got, err := l.GetHistory(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "ops-lead", got.ResolvedBy)

	// An id already in history cannot be queued again.
	require.ErrorIs(t, l.AddReview(ctx, pending), conflict.ErrDuplicate)
}

func TestLedger_BacksResolver(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	r := conflict.NewResolver(db.Ledger(), conflict.Options{Logger: testLogger(t)})
	ctx := context.Background()

	rec := resolvedRecord("", 0)
	rec.ResolvedAt = nil
	rec.OperationID = "op-1"

	res := r.ResolveWith(ctx, &rec, conflict.LastWriteWins)
	require.True(t, res.Success, res.Error)

	report, err := r.History().Replay(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Empty(t, report.Mismatches)

	manual := resolvedRecord("", 0)
	manual.ResolvedAt = nil
	manual.OperationID = "op-2"

	res = r.ResolveWith(ctx, &manual, conflict.Manual)
	require.True(t, res.RequiresManual)

	queued, err := r.Queue().List(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	ok, err := r.Queue().ResolveManually(ctx, queued[0].ID, map[string]any{"status": "completed"}, "ops-lead")
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err := r.History().StatsByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[conflict.TypeStatusUpdate])
}

func TestEntityRepository_CompareAndSet(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := db.Entities()
	ctx := context.Background()

	e := entity.Entity{Type: "task", ID: "t1", Data: map[string]any{"status": "open"}, Version: 1, Actor: "a"}
	require.NoError(t, repo.Put(ctx, e, 0))
	require.ErrorIs(t, repo.Put(ctx, e, 0), entity.ErrStale)

	e.Version = 2
	e.Data = map[string]any{"status": "done"}
	e.AppliedOperations = []string{"op-a", "op-b"}
	require.ErrorIs(t, repo.Put(ctx, e, 5), entity.ErrStale)
	require.NoError(t, repo.Put(ctx, e, 1))

	got, err := repo.Get(ctx, "task", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "done", got.Data["status"])
	assert.Equal(t, []string{"op-a", "op-b"}, got.AppliedOperations)

	_, err = repo.Get(ctx, "task", "t2")
	require.ErrorIs(t, err, entity.ErrNotFound)

	e.Version = 3
	e.Deleted = true
	require.NoError(t, repo.Put(ctx, e, 2))

	list, err := repo.List(ctx, "task")
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err = repo.Get(ctx, "task", "t1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestEntityRepository_ServiceUnderContention(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := entity.NewService(db.Entities(), testLogger(t))
	ctx := context.Background()

	_, err := svc.Apply(ctx, entity.Mutation{
		OperationID: "seed", EntityType: "report", EntityID: "r1", Kind: queue.KindCreate,
		Payload: map[string]any{"count": 0.0}, ClientTimestamp: 1, Actor: "hq",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := svc.Apply(ctx, entity.Mutation{
				OperationID: fmt.Sprintf("op-%d", i), EntityType: "report", EntityID: "r1", Kind: queue.KindUpdate,
				Payload: map[string]any{"count": float64(i)}, ClientTimestamp: time.Now().UnixMilli() + 60_000,
				Actor: "hq", Force: true,
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	got, err := svc.Get(ctx, "report", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Version, "every forced write lands exactly once")
}
