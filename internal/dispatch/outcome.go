package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/fieldsync/internal/conflict"
	"github.com/tonimelisma/fieldsync/internal/queue"
	"github.com/tonimelisma/fieldsync/internal/transport"
)

// verdict tells the lane what to do after an operation was processed.
type verdict int

const (
	verdictNext    verdict = iota // continue with the next operation
	verdictBlock                  // leave the rest of the lane pending
	verdictOffline                // stop the whole cycle
)

func (d *Dispatcher) requestFor(op *queue.Operation) transport.Request {
	req := transport.Request{
		OperationID:     op.ID,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		Kind:            op.Kind,
		Payload:         op.Payload,
		ClientTimestamp: op.ClientTimestamp,
	}

	if op.Conflict != nil && op.Conflict.Force {
		req.Force = true
		req.Payload = op.Conflict.ResolvedValue
	}

	return req
}

// process sends op and records the outcome. A local or merged conflict
// decision is resent at once, so one call may send twice.
func (d *Dispatcher) process(ctx context.Context, op *queue.Operation, rep *Report) (verdict, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return verdictOffline, nil
		}
	}

	forced := op.Conflict != nil && op.Conflict.Force

	resp, err := d.sender.Send(ctx, d.requestFor(op))

	switch {
	case err == nil:
		rep.Synced++
		return verdictNext, d.markSynced(ctx, op, resp)

	case ctx.Err() != nil:
		return verdictOffline, nil

	case errors.Is(err, transport.ErrConflict) && resp != nil:
		if forced {
			rep.Failed++
			return verdictNext, d.markFailed(ctx, op, "server rejected forced resubmission: "+err.Error())
		}

		return d.handleConflict(ctx, op, resp, rep)

	case transport.IsRejection(err):
		rep.Failed++
		return verdictNext, d.markFailed(ctx, op, err.Error())

	case errors.Is(err, transport.ErrNetwork):
		d.logger.Info("server unreachable, stopping cycle",
			slog.String("op_id", op.ID),
			slog.String("error", err.Error()),
		)

		return verdictOffline, d.noteAttempt(ctx, op, err.Error())

	default:
		d.logger.Warn("transient send failure, blocking entity",
			slog.String("op_id", op.ID),
			slog.String("entity", op.EntityKey()),
			slog.String("error", err.Error()),
		)

		d.failures.recordFailure(op.EntityKey(), err.Error())

		return verdictBlock, d.noteAttempt(ctx, op, err.Error())
	}
}

// conflictRecord describes the clash between op and the server's version.
func (d *Dispatcher) conflictRecord(op *queue.Operation, resp *transport.EntityResponse) *conflict.Record {
	remoteTS := resp.ModifiedAt
	if remoteTS == 0 {
		remoteTS = resp.ServerTimestamp
	}

	return &conflict.Record{
		ID:              conflict.RecordID(op.ID, remoteTS),
		Type:            conflict.Classify(op.EntityType, op.Payload, d.overrides),
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		OperationID:     op.ID,
		LocalVersion:    op.Payload,
		RemoteVersion:   resp.Data,
		LocalTimestamp:  op.ClientTimestamp,
		RemoteTimestamp: remoteTS,
		LocalActor:      d.actor,
		RemoteActor:     resp.Actor,
		DetectedAt:      d.nowFunc().UnixMilli(),
	}
}

func (d *Dispatcher) handleConflict(
	ctx context.Context, op *queue.Operation, resp *transport.EntityResponse, rep *Report,
) (verdict, error) {
	rec := d.conflictRecord(op, resp)
	res := d.resolver.Resolve(ctx, rec)

	if res.Error != "" {
		d.logger.Warn("conflict resolver unavailable, blocking entity",
			slog.String("op_id", op.ID),
			slog.String("conflict_id", rec.ID),
			slog.String("error", res.Error),
		)

		d.failures.recordFailure(op.EntityKey(), res.Error)

		return verdictBlock, d.noteAttempt(ctx, op, res.Error)
	}

	rep.Conflicts++

	details := queue.ConflictDetails{
		ConflictID:      res.ConflictID,
		Strategy:        string(res.StrategyUsed),
		Winner:          string(res.Winner),
		Reason:          res.Reason,
		RequiresManual:  res.RequiresManual,
		RemoteVersion:   rec.RemoteVersion,
		RemoteTimestamp: rec.RemoteTimestamp,
	}

	logAttrs := []any{
		slog.String("op_id", op.ID),
		slog.String("conflict_id", res.ConflictID),
		slog.String("strategy", string(res.StrategyUsed)),
		slog.String("winner", string(res.Winner)),
	}

	switch {
	case res.RequiresManual:
		rep.Manual++

		d.logger.Warn("conflict awaiting manual review", logAttrs...)

		return verdictNext, d.markConflict(ctx, op, &details)

	case res.Winner == conflict.WinnerLocal || res.Winner == conflict.WinnerMerged:
		details.Force = true
		details.ResolvedValue = res.ResolvedValue

		if err := d.update(ctx, op.ID, queue.Patch{Conflict: &details}); err != nil {
			return verdictNext, err
		}

		rep.Resubmitted++

		d.logger.Info("conflict resolved for local data, resubmitting", logAttrs...)

		op.Conflict = &details

		return d.process(ctx, op, rep)

	default:
		d.logger.Info("conflict resolved for server data", logAttrs...)

		return verdictNext, d.markConflict(ctx, op, &details)
	}
}

// update writes bookkeeping for an operation whose send already completed,
// so it is not abandoned when the cycle is canceled.
func (d *Dispatcher) update(ctx context.Context, id string, p queue.Patch) error {
	if err := d.store.Update(context.WithoutCancel(ctx), id, p); err != nil {
		return fmt.Errorf("dispatch: updating operation %s: %w", id, err)
	}

	return nil
}

func (d *Dispatcher) markSynced(ctx context.Context, op *queue.Operation, resp *transport.EntityResponse) error {
	ts := resp.ServerTimestamp

	return d.update(ctx, op.ID, queue.Patch{
		Status:          queue.StatusPtr(queue.StatusSynced),
		ServerTimestamp: &ts,
		IncAttempts:     true,
	})
}

func (d *Dispatcher) markConflict(ctx context.Context, op *queue.Operation, details *queue.ConflictDetails) error {
	return d.update(ctx, op.ID, queue.Patch{
		Status:      queue.StatusPtr(queue.StatusConflict),
		Conflict:    details,
		IncAttempts: true,
	})
}

func (d *Dispatcher) markFailed(ctx context.Context, op *queue.Operation, msg string) error {
	d.logger.Warn("operation rejected by server",
		slog.String("op_id", op.ID),
		slog.String("entity", op.EntityKey()),
		slog.String("error", msg),
	)

	return d.update(ctx, op.ID, queue.Patch{
		Status:      queue.StatusPtr(queue.StatusFailed),
		LastError:   &msg,
		IncAttempts: true,
	})
}

func (d *Dispatcher) noteAttempt(ctx context.Context, op *queue.Operation, msg string) error {
	return d.update(ctx, op.ID, queue.Patch{LastError: &msg, IncAttempts: true})
}
