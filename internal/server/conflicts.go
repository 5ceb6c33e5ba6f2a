package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tonimelisma/fieldsync/internal/conflict"
	"github.com/tonimelisma/fieldsync/internal/transport"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// resolveConflict runs the resolver on a record sent by a client. The
// outcome, including a failed one, is returned as a conflict.Result.
func (a *api) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var rec conflict.Record
	if err := decodeJSON(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid conflict record: "+err.Error())
		return
	}

	var res conflict.Result

	if s := r.URL.Query().Get("strategy"); s != "" {
		strategy, err := conflict.ParseStrategy(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		res = a.resolver.ResolveWith(r.Context(), &rec, strategy)
	} else {
		res = a.resolver.Resolve(r.Context(), &rec)
	}

	writeJSON(w, http.StatusOK, res)
}

func (a *api) listReview(w http.ResponseWriter, r *http.Request) {
	recs, err := a.resolver.Queue().List(r.Context())
	if err != nil {
		a.internalError(w, "listing review queue", err)
		return
	}

	if recs == nil {
		recs = []conflict.Record{}
	}

	writeJSON(w, http.StatusOK, recs)
}

// resolveReview writes a human decision to the entity, then takes the
// record out of review. A failed entity write leaves the record queued so
// the decision can be retried; writing the same value twice is harmless.
func (a *api) resolveReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body transport.ManualResolution
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid resolution: "+err.Error())
		return
	}

	if strings.TrimSpace(body.ResolvedBy) == "" {
		writeError(w, http.StatusBadRequest, "resolvedBy is required")
		return
	}

	queued, err := a.resolver.Queue().Get(r.Context(), id)
	if !a.reviewOK(w, id, err, "reading review record") {
		return
	}

	value := body.Value
	if value == nil {
		value = map[string]any{}
	}

	target := queued.EntityType + "/" + queued.EntityID
	if _, err := a.entities.ForceWrite(r.Context(), queued.EntityType, queued.EntityID, value, body.ResolvedBy); err != nil {
		a.internalError(w, "applying decision to "+target, err)
		return
	}

	rec, err := a.resolver.Queue().Settle(r.Context(), id, value, body.ResolvedBy)
	if !a.reviewOK(w, id, err, "settling conflict") {
		return
	}

	a.logger.Info("manual decision applied",
		slog.String("conflict_id", rec.ID),
		slog.String("entity", rec.EntityType+"/"+rec.EntityID),
	)

	writeJSON(w, http.StatusOK, rec)
}

// reviewOK maps a review queue error to a response and reports whether the
// handler may continue.
func (a *api) reviewOK(w http.ResponseWriter, id string, err error, doing string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, conflict.ErrNotFound):
		writeError(w, http.StatusNotFound, "conflict "+id+" is not awaiting review")
	case errors.Is(err, conflict.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.internalError(w, doing, err)
	}

	return false
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	recs, err := a.resolver.History().Recent(r.Context(), limit)
	if err != nil {
		a.internalError(w, "reading history", err)
		return
	}

	if recs == nil {
		recs = []conflict.Record{}
	}

	writeJSON(w, http.StatusOK, recs)
}

func (a *api) replay(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	report, err := a.resolver.History().Replay(r.Context(), limit)
	if err != nil {
		a.internalError(w, "replaying history", err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// stats reports resolved conflicts per type, listing every type.
func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.resolver.History().StatsByType(r.Context())
	if err != nil {
		a.internalError(w, "reading stats", err)
		return
	}

	out := make(map[conflict.Type]int, len(conflict.AllTypes))
	for _, t := range conflict.AllTypes {
		out[t] = counts[t]
	}

	writeJSON(w, http.StatusOK, out)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}

	return min(n, maxHistoryLimit), true
}
