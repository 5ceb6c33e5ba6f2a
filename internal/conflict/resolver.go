package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// recordNamespace scopes the name-based UUIDs of conflict records.
var recordNamespace = uuid.MustParse("9b1f3c7e-5d2a-4e8b-a6f0-2c4d8e1b7a35")

// RecordID derives the id of the conflict record for a clash between the
// given operation and the server version stamped remoteTimestamp. Retrying
// the same hand-off yields the same id.
func RecordID(operationID string, remoteTimestamp int64) string {
	return uuid.NewSHA1(recordNamespace, []byte(operationID+"@"+strconv.FormatInt(remoteTimestamp, 10))).String()
}

// Options configures a Resolver. Zero values select the defaults.
type Options struct {
	// Policy overrides entries of DefaultPolicy.
	Policy map[Type]Strategy
	// Schemas holds MERGE field rules per entity type.
	Schemas map[string]MergeSchema
	// Ranks enables rank comparison under COMMANDER_PRIORITY.
	Ranks    RankLookup
	Notifier Notifier
	Logger   *slog.Logger
}

// Resolver applies the policy table to conflict records and routes the
// outcome to the history or the review queue. Safe for concurrent use;
// resolutions for the same entity are serialized.
type Resolver struct {
	ledger   Ledger
	policy   map[Type]Strategy
	schemas  map[string]MergeSchema
	ranks    RankLookup
	notifier Notifier
	logger   *slog.Logger
	locks    *keyLock
	nowFunc  func() time.Time

	queue   *ReviewQueue
	history *History
}

var _ Handler = (*Resolver)(nil)

// NewResolver creates a resolver persisting to ledger.
func NewResolver(ledger Ledger, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}

	r := &Resolver{
		ledger:   ledger,
		policy:   policyWithDefaults(opts.Policy),
		schemas:  opts.Schemas,
		ranks:    opts.Ranks,
		notifier: notifier,
		logger:   logger,
		locks:    newKeyLock(),
		nowFunc:  time.Now,
	}

	r.queue = &ReviewQueue{ledger: ledger, notifier: notifier, logger: logger, now: r.now}
	r.history = &History{ledger: ledger, options: r.optionsFor}

	return r
}

// SetNowFunc replaces the clock used for resolvedAt and detectedAt stamps.
func (r *Resolver) SetNowFunc(now func() time.Time) {
	r.nowFunc = now
}

// Queue returns the manual review queue backed by the same ledger.
func (r *Resolver) Queue() *ReviewQueue {
	return r.queue
}

// History returns the resolution history backed by the same ledger.
func (r *Resolver) History() *History {
	return r.history
}

// StrategyFor returns the configured strategy for a conflict type.
func (r *Resolver) StrategyFor(t Type) Strategy {
	if s, ok := r.policy[t]; ok {
		return s
	}

	return Manual
}

// Resolve settles rec with the strategy configured for its type.
func (r *Resolver) Resolve(ctx context.Context, rec *Record) Result {
	if rec == nil {
		return Result{Error: fmt.Sprintf("%v: nil record", ErrInvalidRecord)}
	}

	return r.resolve(ctx, rec, r.StrategyFor(rec.Type))
}

// ResolveWith settles rec with an explicit strategy, bypassing the policy
// table.
func (r *Resolver) ResolveWith(ctx context.Context, rec *Record, s Strategy) Result {
	if rec == nil {
		return Result{StrategyUsed: s, Error: fmt.Sprintf("%v: nil record", ErrInvalidRecord)}
	}

	return r.resolve(ctx, rec, s)
}

func (r *Resolver) resolve(ctx context.Context, rec *Record, s Strategy) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("conflict resolution panicked", slog.String("conflict_id", rec.ID), slog.Any("panic", p))
			res = failed(rec.ID, s, fmt.Errorf("conflict: resolution panicked: %v", p))
		}
	}()

	if rec.ID == "" && rec.OperationID != "" {
		rec.ID = RecordID(rec.OperationID, rec.RemoteTimestamp)
	}

	if err := rec.Validate(); err != nil {
		return failed(rec.ID, s, err)
	}

	unlock := r.locks.lock(rec.EntityType + "/" + rec.EntityID)
	defer unlock()

	prev, err := r.lookup(ctx, rec.ID)
	if err != nil {
		return failed(rec.ID, s, err)
	}

	if prev != nil {
		r.logger.Debug("conflict already recorded", slog.String("conflict_id", rec.ID))
		*rec = prev.Clone()

		return outcomeOf(prev)
	}

	now := r.now()
	if rec.DetectedAt == 0 {
		rec.DetectedAt = now
	}

	d := Decide(s, rec, r.optionsFor(rec.EntityType))

	if d.Manual {
		return r.escalate(ctx, rec, d)
	}

	rec.ResolutionStrategy = d.Strategy
	rec.Winner = d.Winner
	rec.ResolvedAt = &now
	rec.ResolvedBy = ResolvedBySystem
	rec.ResolvedValue = d.Value

	if err := r.ledger.Append(ctx, *rec); err != nil {
		return failed(rec.ID, d.Strategy, fmt.Errorf("conflict: recording resolution: %w", err))
	}

	r.logger.Info("conflict resolved",
		slog.String("conflict_id", rec.ID),
		slog.String("type", string(rec.Type)),
		slog.String("entity", rec.EntityType+"/"+rec.EntityID),
		slog.String("strategy", string(d.Strategy)),
		slog.String("winner", string(d.Winner)),
	)

	r.notifier.Notify(ctx, eventFor(EventResolved, rec, now))

	return Result{
		ConflictID:    rec.ID,
		Success:       true,
		StrategyUsed:  d.Strategy,
		ResolvedValue: cloneObject(d.Value),
		Winner:        d.Winner,
		Reason:        d.Reason,
	}
}

func (r *Resolver) escalate(ctx context.Context, rec *Record, d Decision) Result {
	rec.ResolutionStrategy = Manual
	rec.Winner = WinnerNone
	rec.ResolvedAt = nil
	rec.ResolvedBy = ""
	rec.ResolvedValue = nil

	if err := r.ledger.AddReview(ctx, *rec); err != nil {
		return failed(rec.ID, Manual, fmt.Errorf("conflict: queueing for review: %w", err))
	}

	r.logger.Warn("conflict needs manual review",
		slog.String("conflict_id", rec.ID),
		slog.String("type", string(rec.Type)),
		slog.String("entity", rec.EntityType+"/"+rec.EntityID),
		slog.String("reason", d.Reason),
	)

	r.notifier.Notify(ctx, eventFor(EventNeedsReview, rec, rec.DetectedAt))

	return Result{
		ConflictID:     rec.ID,
		StrategyUsed:   Manual,
		RequiresManual: true,
		Reason:         d.Reason,
	}
}

// lookup finds an existing record with id in the review queue or history.
// It returns nil when there is none.
func (r *Resolver) lookup(ctx context.Context, id string) (*Record, error) {
	rec, err := r.ledger.GetHistory(ctx, id)
	if err == nil {
		return rec, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("conflict: reading history: %w", err)
	}

	rec, err = r.ledger.GetReview(ctx, id)
	if err == nil {
		return rec, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("conflict: reading review queue: %w", err)
	}

	return nil, nil
}

func (r *Resolver) optionsFor(entityType string) DecideOptions {
	return DecideOptions{Schema: r.schemas[entityType], Ranks: r.ranks}
}

func (r *Resolver) now() int64 {
	return r.nowFunc().UnixMilli()
}

// outcomeOf rebuilds the Result of an already stored record.
func outcomeOf(rec *Record) Result {
	if !rec.Resolved() {
		return Result{
			ConflictID:     rec.ID,
			StrategyUsed:   Manual,
			RequiresManual: true,
			Reason:         "already awaiting manual review",
		}
	}

	return Result{
		ConflictID:    rec.ID,
		Success:       true,
		StrategyUsed:  rec.ResolutionStrategy,
		ResolvedValue: cloneObject(rec.ResolvedValue),
		Winner:        rec.Winner,
		Reason:        "already resolved by " + rec.ResolvedBy,
	}
}

func failed(id string, s Strategy, err error) Result {
	return Result{ConflictID: id, StrategyUsed: s, Error: err.Error()}
}
