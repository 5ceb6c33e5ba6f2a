package server

import (
	"encoding/json"
	"net/http"

	"github.com/tonimelisma/fieldsync/internal/entity"
	"github.com/tonimelisma/fieldsync/internal/transport"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)

	return dec.Decode(v)
}

func entityResponse(e *entity.Entity, replayed bool) transport.EntityResponse {
	return transport.EntityResponse{
		Data:            e.Data,
		ServerTimestamp: e.ServerTimestamp,
		Version:         e.Version,
		Actor:           e.Actor,
		ModifiedAt:      e.ModifiedAt,
		Deleted:         e.Deleted,
		Replayed:        replayed,
	}
}
