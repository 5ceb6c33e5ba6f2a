package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tonimelisma/fieldsync/internal/conflict"
)

// ManualResolution is the body of a review queue decision.
type ManualResolution struct {
	Value      map[string]any `json:"value"`
	ResolvedBy string         `json:"resolvedBy"`
}

var _ conflict.Handler = (*Client)(nil)

// Resolve hands rec to the server's resolver. Transport failures are
// reported in Result.Error so callers treat them as transient.
func (c *Client) Resolve(ctx context.Context, rec *conflict.Record) conflict.Result {
	res, err := c.ResolveConflict(ctx, rec, "")
	if err != nil {
		return conflict.Result{
			ConflictID: rec.ID,
			Success:    false,
			Error:      err.Error(),
		}
	}

	return res
}

// ResolveConflict asks the server to resolve rec, optionally forcing a
// strategy. An empty strategy selects the server's policy.
func (c *Client) ResolveConflict(ctx context.Context, rec *conflict.Record, strategy conflict.Strategy) (conflict.Result, error) {
	path := apiPrefix + "/conflicts/resolve"
	if strategy != "" {
		path += "?strategy=" + url.QueryEscape(string(strategy))
	}

	var res conflict.Result
	if err := c.postJSON(ctx, path, rec, &res); err != nil {
		return conflict.Result{}, fmt.Errorf("transport: resolving conflict %s: %w", rec.ID, err)
	}

	return res, nil
}

// Review lists the server's manual review queue.
func (c *Client) Review(ctx context.Context) ([]conflict.Record, error) {
	var recs []conflict.Record
	if err := c.getJSON(ctx, apiPrefix+"/conflicts/review", &recs); err != nil {
		return nil, fmt.Errorf("transport: listing review queue: %w", err)
	}

	return recs, nil
}

// ResolveReview submits a human decision for a queued conflict. An unknown
// or already resolved id matches conflict.ErrNotFound.
func (c *Client) ResolveReview(ctx context.Context, id string, value map[string]any, resolvedBy string) (*conflict.Record, error) {
	var rec conflict.Record

	err := c.postJSON(ctx, apiPrefix+"/conflicts/review/"+url.PathEscape(id)+"/resolve",
		ManualResolution{Value: value, ResolvedBy: resolvedBy}, &rec)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", conflict.ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("transport: resolving review %s: %w", id, err)
	}

	return &rec, nil
}

// History returns the most recent resolutions, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]conflict.Record, error) {
	path := apiPrefix + "/conflicts/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var recs []conflict.Record
	if err := c.getJSON(ctx, path, &recs); err != nil {
		return nil, fmt.Errorf("transport: reading history: %w", err)
	}

	return recs, nil
}

// Stats returns resolved conflict counts per type.
func (c *Client) Stats(ctx context.Context) (map[conflict.Type]int, error) {
	var stats map[conflict.Type]int
	if err := c.getJSON(ctx, apiPrefix+"/conflicts/stats", &stats); err != nil {
		return nil, fmt.Errorf("transport: reading stats: %w", err)
	}

	return stats, nil
}

// Replay asks the server to re-run the recorded strategies of recent
// automatic resolutions and report any that no longer reproduce.
func (c *Client) Replay(ctx context.Context, limit int) (conflict.ReplayReport, error) {
	path := apiPrefix + "/conflicts/history/replay"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var report conflict.ReplayReport
	if err := c.getJSON(ctx, path, &report); err != nil {
		return conflict.ReplayReport{}, fmt.Errorf("transport: replaying history: %w", err)
	}

	return report, nil
}
