package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/fieldsync/internal/conflict"
)

const (
	subscriberBuffer = 32
	writeTimeout     = 10 * time.Second
)

type subscriber struct {
	events chan conflict.Event
}

// Hub streams conflict events to websocket subscribers. A subscriber that
// falls behind by more than its buffer is disconnected.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{subs: make(map[*subscriber]struct{}), logger: logger, done: make(chan struct{})}
}

// Notify implements conflict.Notifier.
func (h *Hub) Notify(_ context.Context, ev conflict.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		select {
		case s.events <- ev:
		default:
			delete(h.subs, s)
			close(s.events)
			h.logger.Warn("dropping slow event subscriber")
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Close disconnects every subscriber with a going-away status. Connections
// accepted afterwards are closed immediately.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	s := &subscriber{events: make(chan conflict.Event, subscriberBuffer)}
	h.add(s)
	defer h.remove(s)

	h.logger.Debug("event subscriber connected", slog.String("remote", r.RemoteAddr))

	// Subscribers only listen; CloseRead handles control frames and cancels
	// ctx when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-s.events:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}

			if err := writeEvent(ctx, conn, ev); err != nil {
				h.logger.Debug("event subscriber gone", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev conflict.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, ev)
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs[s] = struct{}{}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.events)
	}
}

// Watch connects to an event stream at url (ws:// or http:// scheme) and
// calls fn for each event until ctx is canceled or the server closes the
// stream. A normal or going-away closure returns nil.
func Watch(ctx context.Context, url string, header http.Header, fn func(conflict.Event)) error {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("notify: connecting to %s: %w", url, err)
	}
	defer conn.CloseNow()

	for {
		var ev conflict.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("notify: reading events: %w", err)
		}

		fn(ev)
	}
}
