package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tonimelisma/fieldsync/internal/entity"
	"github.com/tonimelisma/fieldsync/internal/queue"
	"github.com/tonimelisma/fieldsync/internal/transport"
)

func (a *api) getEntity(w http.ResponseWriter, r *http.Request) {
	entityType := a.collections.EntityType(chi.URLParam(r, "collection"))
	id := chi.URLParam(r, "id")

	e, err := a.entities.Get(r.Context(), entityType, id)
	if errors.Is(err, entity.ErrNotFound) {
		writeError(w, http.StatusNotFound, entityType+"/"+id+" not found")
		return
	}

	if err != nil {
		a.internalError(w, "reading entity", err)
		return
	}

	writeJSON(w, http.StatusOK, entityResponse(e, false))
}

// writeEntity applies a create (POST), update (PUT) or delete (DELETE).
// A stale write answers 409 with the current server version.
func (a *api) writeEntity(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}

	ts, ok := clientTimestamp(payload)
	if !ok {
		writeError(w, http.StatusBadRequest, "clientTimestamp is required")
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	m := entity.Mutation{
		OperationID:     r.Header.Get(transport.HeaderOperationID),
		EntityType:      a.collections.EntityType(chi.URLParam(r, "collection")),
		EntityID:        chi.URLParam(r, "id"),
		Kind:            kindFor(r.Method),
		Payload:         payload,
		ClientTimestamp: ts,
		Actor:           r.Header.Get(transport.HeaderActor),
		Force:           force,
	}

	out, err := a.entities.Apply(r.Context(), m)

	switch {
	case err == nil:
		status := http.StatusOK
		if m.Kind == queue.KindCreate && !out.Replayed {
			status = http.StatusCreated
		}

		writeJSON(w, status, entityResponse(&out.Entity, out.Replayed))
	case errors.Is(err, entity.ErrConflict):
		a.logger.Info("stale write rejected",
			slog.String("entity", m.EntityType+"/"+m.EntityID),
			slog.String("operation_id", m.OperationID),
			slog.String("actor", m.Actor),
		)

		writeJSON(w, http.StatusConflict, entityResponse(&out.Entity, false))
	case errors.Is(err, entity.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, entity.ErrNotFound):
		writeError(w, http.StatusNotFound, m.EntityType+"/"+m.EntityID+" not found")
	default:
		a.internalError(w, "applying change", err)
	}
}

func (a *api) internalError(w http.ResponseWriter, what string, err error) {
	a.logger.Error("server: "+what, slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, what+": "+err.Error())
}

func kindFor(method string) queue.Kind {
	switch method {
	case http.MethodPost:
		return queue.KindCreate
	case http.MethodDelete:
		return queue.KindDelete
	default:
		return queue.KindUpdate
	}
}

func clientTimestamp(payload map[string]any) (int64, bool) {
	switch v := payload["clientTimestamp"].(type) {
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
