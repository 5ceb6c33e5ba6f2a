package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/fieldsync/internal/queue"
)

// Retry and backoff constants.
const (
	defaultMaxRetries = 2
	baseBackoff       = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.25
	userAgent         = "fieldsync/0.1"
	apiPrefix         = "/api/v1"
)

// Request headers understood by the coordination server.
const (
	HeaderOperationID = "X-Operation-ID"
	HeaderActor       = "X-Actor"
	EncodingSnappy    = "snappy"
)

// Options configures a Client. Zero values are valid.
type Options struct {
	// Token, when set, supplies the bearer token sent with every request.
	Token oauth2.TokenSource
	// Actor identifies this device or user to the server.
	Actor string
	// Compress snappy-encodes request bodies.
	Compress bool
	// MaxRetries bounds retries of transient failures inside one call.
	// Negative disables retries; zero selects the default.
	MaxRetries int
	// Collections overrides the entity type to collection table.
	Collections map[string]string
}

// Client talks to the coordination server over HTTP.
// It handles request construction, authentication, retry with
// exponential backoff, and error classification.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	token       oauth2.TokenSource
	actor       string
	compress    bool
	maxRetries  int
	collections *Collections
	logger      *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client for the server at baseURL, e.g.
// "https://coord.example.org".
func NewClient(baseURL string, httpClient *http.Client, opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("transport: invalid server url %q", baseURL)
	}

	maxRetries := opts.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = defaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
		token:       opts.Token,
		actor:       opts.Actor,
		compress:    opts.Compress,
		maxRetries:  maxRetries,
		collections: NewCollections(opts.Collections),
		logger:      logger,
		sleepFunc:   timeSleep,
	}, nil
}

// Request is one entity write.
type Request struct {
	OperationID     string
	EntityType      string
	EntityID        string
	Kind            queue.Kind
	Payload         map[string]any
	ClientTimestamp int64
	Force           bool
}

// EntityResponse is the body of entity reads, successful writes and
// version conflicts. On a conflict it describes the server's version.
type EntityResponse struct {
	Data            map[string]any `json:"data"`
	ServerTimestamp int64          `json:"serverTimestamp"`
	Version         int64          `json:"version"`
	Actor           string         `json:"actor,omitempty"`
	ModifiedAt      int64          `json:"modifiedAt,omitempty"`
	Deleted         bool           `json:"deleted,omitempty"`
	Replayed        bool           `json:"replayed,omitempty"`
}

// MethodFor maps an operation kind to its HTTP method.
func MethodFor(kind queue.Kind) string {
	switch kind {
	case queue.KindCreate:
		return http.MethodPost
	case queue.KindDelete:
		return http.MethodDelete
	default:
		return http.MethodPut
	}
}

// EntityPath returns the API path of an entity.
func (c *Client) EntityPath(entityType, entityID string) string {
	return apiPrefix + "/" + url.PathEscape(c.collections.For(entityType)) + "/" + url.PathEscape(entityID)
}

// Send delivers one write. On a version conflict it returns the server's
// version together with an error matching ErrConflict.
func (c *Client) Send(ctx context.Context, req Request) (*EntityResponse, error) {
	body := make(map[string]any, len(req.Payload)+1)
	maps.Copy(body, req.Payload)
	body["clientTimestamp"] = req.ClientTimestamp

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding %s/%s: %w", req.EntityType, req.EntityID, err)
	}

	path := c.EntityPath(req.EntityType, req.EntityID)
	if req.Force {
		path += "?force=true"
	}

	headers := http.Header{}
	headers.Set(HeaderOperationID, req.OperationID)

	respBody, err := c.do(ctx, MethodFor(req.Kind), path, headers, encoded)
	if err != nil && !errors.Is(err, ErrConflict) {
		return nil, err
	}

	var resp EntityResponse
	if decodeErr := json.Unmarshal(respBody, &resp); decodeErr != nil {
		if err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("transport: decoding response for %s/%s: %w", req.EntityType, req.EntityID, decodeErr)
	}

	return &resp, err
}

// Get reads an entity.
func (c *Client) Get(ctx context.Context, entityType, entityID string) (*EntityResponse, error) {
	var resp EntityResponse
	if err := c.getJSON(ctx, c.EntityPath(entityType, entityID), &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Health checks the server once, without retries. A nil error means the
// server is reachable.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.doOnce(ctx, http.MethodGet, c.baseURL+"/healthz", nil, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		return &HTTPError{StatusCode: resp.StatusCode, Message: "health check failed", Err: sentinel}
	}

	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("transport: decoding %s: %w", path, err)
	}

	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	encoded, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("transport: encoding %s: %w", path, err)
	}

	body, err := c.do(ctx, http.MethodPost, path, nil, encoded)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("transport: decoding %s: %w", path, err)
	}

	return nil
}

// do executes a request with retries and returns the response body. For
// non-2xx responses the body is returned alongside an *HTTPError.
func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body []byte) ([]byte, error) {
	target := c.baseURL + path

	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, target, headers, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("transport: request canceled: %w", ctx.Err())
			}

			if attempt < c.maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("transport: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			return nil, fmt.Errorf("%w: reading %s %s: %w", ErrNetwork, method, path, readErr)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return respBody, nil
		}

		if isRetryable(resp.StatusCode) && attempt < c.maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("transport: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return respBody, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, target string, headers http.Header, body []byte) (*http.Response, error) {
	var reader io.Reader

	if body != nil {
		if c.compress {
			body = snappy.Encode(nil, body)
		}

		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range headers {
		req.Header[k] = v
	}

	if c.token != nil {
		tok, err := c.token.Token()
		if err != nil {
			return nil, fmt.Errorf("obtaining token: %w", err)
		}

		tok.SetAuthHeader(req)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	if c.actor != "" {
		req.Header.Set(HeaderActor, c.actor)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")

		if c.compress {
			req.Header.Set("Content-Encoding", EncodingSnappy)
		}
	}

	return c.httpClient.Do(req)
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
