package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/fieldsync/internal/conflict"
	"github.com/tonimelisma/fieldsync/internal/queue"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

func newTestClient(t *testing.T, url string, opts Options) *Client {
	t.Helper()

	c, err := NewClient(url, http.DefaultClient, opts, slog.Default())
	require.NoError(t, err)

	c.sleepFunc = noopSleep

	return c
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient("not a url", nil, Options{}, nil)
	assert.Error(t, err)
}

func TestSend_RequestShape(t *testing.T) {
	t.Parallel()

	type seen struct {
		method, path, query, opID, actor, auth string
		body                                   map[string]any
	}

	got := make(chan seen, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		got <- seen{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			opID:   r.Header.Get(HeaderOperationID),
			actor:  r.Header.Get(HeaderActor),
			auth:   r.Header.Get("Authorization"),
			body:   body,
		}

		_, _ = w.Write([]byte(`{"data":{"status":"done"},"serverTimestamp":5000,"version":2,"actor":"medic-7"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{
		Actor: "medic-7",
		Token: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}),
	})

	resp, err := c.Send(context.Background(), Request{
		OperationID:     "op-1",
		EntityType:      "task",
		EntityID:        "t-1",
		Kind:            queue.KindUpdate,
		Payload:         map[string]any{"status": "done"},
		ClientTimestamp: 4000,
		Force:           true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), resp.ServerTimestamp)
	assert.Equal(t, int64(2), resp.Version)

	s := <-got
	assert.Equal(t, http.MethodPut, s.method)
	assert.Equal(t, "/api/v1/tasks/t-1", s.path)
	assert.Equal(t, "force=true", s.query)
	assert.Equal(t, "op-1", s.opID)
	assert.Equal(t, "medic-7", s.actor)
	assert.Equal(t, "Bearer tok", s.auth)
	assert.Equal(t, "done", s.body["status"])
	assert.InDelta(t, 4000, s.body["clientTimestamp"], 0)
}

func TestSend_ConflictReturnsServerVersion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"data":{"status":"open"},"serverTimestamp":4500,"version":3,"actor":"hq","modifiedAt":4400}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})

	resp, err := c.Send(context.Background(), Request{
		EntityType: "task", EntityID: "t-1", Kind: queue.KindUpdate, ClientTimestamp: 4000,
	})
	require.ErrorIs(t, err, ErrConflict)
	require.NotNil(t, resp)
	assert.Equal(t, "open", resp.Data["status"])
	assert.Equal(t, int64(4400), resp.ModifiedAt)
	assert.Equal(t, "hq", resp.Actor)
	assert.False(t, IsRejection(err))
	assert.False(t, IsTransient(err))
}

func TestSend_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		sentinel  error
		transient bool
	}{
		{"bad request", http.StatusBadRequest, ErrBadRequest, false},
		{"not found", http.StatusNotFound, ErrNotFound, false},
		{"unprocessable", http.StatusUnprocessableEntity, ErrRejected, false},
		{"timeout", http.StatusRequestTimeout, ErrTimeout, true},
		{"throttled", http.StatusTooManyRequests, ErrThrottled, true},
		{"server error", http.StatusInternalServerError, ErrServerError, true},
		{"bad gateway", http.StatusBadGateway, ErrServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, Options{MaxRetries: -1})

			_, err := c.Send(context.Background(), Request{
				EntityType: "report", EntityID: "r-1", Kind: queue.KindCreate,
			})
			require.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, !tt.transient, IsRejection(err))

			var httpErr *HTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, "nope", httpErr.Message)
		})
	}
}

func TestSend_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NotEmpty(t, body)

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write([]byte(`{"data":{},"serverTimestamp":1,"version":1}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})

	_, err := c.Send(context.Background(), Request{EntityType: "task", EntityID: "t-1", Kind: queue.KindCreate})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSend_NetworkFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url, Options{MaxRetries: 1})

	_, err := c.Send(context.Background(), Request{EntityType: "task", EntityID: "t-1", Kind: queue.KindCreate})
	require.ErrorIs(t, err, ErrNetwork)
	assert.True(t, IsTransient(err))

	assert.ErrorIs(t, c.Health(context.Background()), ErrNetwork)
}

func TestSend_Compressed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EncodingSnappy, r.Header.Get("Content-Encoding"))

		raw, _ := io.ReadAll(r.Body)

		decoded, err := snappy.Decode(nil, raw)
		assert.NoError(t, err)

		var body map[string]any
		assert.NoError(t, json.Unmarshal(decoded, &body))
		assert.Equal(t, "ok", body["note"])

		_, _ = w.Write([]byte(`{"data":{},"serverTimestamp":1,"version":1}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{Compress: true})

	_, err := c.Send(context.Background(), Request{
		EntityType: "checkin", EntityID: "c-1", Kind: queue.KindCreate, Payload: map[string]any{"note": "ok"},
	})
	require.NoError(t, err)
}

func TestMethodAndCollections(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.MethodPost, MethodFor(queue.KindCreate))
	assert.Equal(t, http.MethodPut, MethodFor(queue.KindUpdate))
	assert.Equal(t, http.MethodDelete, MethodFor(queue.KindDelete))

	coll := NewCollections(map[string]string{"Shelter": "Shelters"})
	assert.Equal(t, "tasks", coll.For("Task"))
	assert.Equal(t, "checkins", coll.For(" checkin "))
	assert.Equal(t, "shelters", coll.For("shelter"))
	assert.Equal(t, "supplies", coll.For("supplies"))
	assert.Equal(t, "vehicles", coll.For("vehicle"))

	assert.Equal(t, "task", coll.EntityType("tasks"))
	assert.Equal(t, "shelter", coll.EntityType("Shelters"))
	assert.Equal(t, "vehicle", coll.EntityType("vehicles"))

	// Decomposed "é" normalizes to the composed form.
	assert.Equal(t, NormalizeName("caf\u00e9"), NormalizeName("Cafe\u0301"))
}

func TestResolve_RemoteHandler(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/conflicts/resolve", r.URL.Path)

		var rec conflict.Record
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&rec))

		_ = json.NewEncoder(w).Encode(conflict.Result{
			ConflictID:   rec.ID,
			Success:      true,
			StrategyUsed: conflict.LastWriteWins,
			Winner:       conflict.WinnerLocal,
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})

	res := c.Resolve(context.Background(), &conflict.Record{ID: "c-1", EntityType: "task", EntityID: "t-1"})
	assert.True(t, res.Success)
	assert.Equal(t, "c-1", res.ConflictID)
	assert.Equal(t, conflict.WinnerLocal, res.Winner)
}

func TestResolve_TransportFailureIsReported(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{MaxRetries: -1})

	res := c.Resolve(context.Background(), &conflict.Record{ID: "c-1"})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, "c-1", res.ConflictID)
}

func TestResolveReview_NotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"conflict not found"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})

	_, err := c.ResolveReview(context.Background(), "missing", map[string]any{}, "supervisor")
	assert.ErrorIs(t, err, conflict.ErrNotFound)
}

func TestHistoryAndStats(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/conflicts/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[{"id":"c-2","type":"status_update","entityType":"task","entityId":"t-1"}]`))
	})
	mux.HandleFunc("/api/v1/conflicts/stats", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status_update":2,"location_update":0}`))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	ctx := context.Background()

	recs, err := c.History(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, conflict.TypeStatusUpdate, recs[0].Type)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[conflict.TypeStatusUpdate])

	assert.NoError(t, c.Health(ctx))
}
