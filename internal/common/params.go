package common

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// URLUUID parses the named chi URL parameter as a UUID, returning a 400 AppError when malformed.
func URLUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, NewAppError("BAD_REQUEST", "invalid "+name, http.StatusBadRequest, err)
	}
	return id, nil
}

// QueryUUID parses an optional query parameter as a UUID; empty yields uuid.Nil.
func QueryUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, NewAppError("BAD_REQUEST", "invalid "+name, http.StatusBadRequest, err)
	}
	return id, nil
}
