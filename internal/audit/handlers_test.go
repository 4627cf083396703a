package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/commission-engine/internal/common"
)

func TestMiddlewareRecordsOperatorAction(t *testing.T) {
	store := &MemoryStore{}
	recorder := HTTPRecorder{Service: &Service{Store: store, Enabled: true}}

	r := chi.NewRouter()
	r.With(recorder.Middleware(HTTPConfig{
		Action:          "payment_request.cancel",
		ResourceType:    "payment_request",
		ResourceIDParam: "id",
		MetadataFunc: func(_ *http.Request, status int) map[string]any {
			return map[string]any{"ok": status < 400}
		},
	})).Post("/api/v1/admin/payment-requests/{id}/cancel", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/payment-requests/42/cancel", nil)
	req = req.WithContext(common.WithPrincipal(req.Context(), common.Principal{Subject: "ops-7", Roles: []string{common.RoleOperator}}))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)

	entries, _, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "payment_request.cancel", e.Action)
	require.Equal(t, "42", *e.ResourceID)
	require.Equal(t, "ops-7", *e.ActorSubject)
	require.Equal(t, http.StatusConflict, e.Metadata["status"])
	require.Equal(t, false, e.Metadata["ok"])
	require.Equal(t, "/api/v1/admin/payment-requests/{id}/cancel", e.Metadata["route"])
}

func TestHandlerList(t *testing.T) {
	store := &MemoryStore{}
	svc := &Service{Store: store, Enabled: true}
	for _, action := range []string{"a", "b", "a"} {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		require.NoError(t, svc.Record(req.Context(), "", action, "t", "", req, http.StatusOK, nil))
	}

	rr := httptest.NewRecorder()
	Handler{Store: store}.List(rr, httptest.NewRequest(http.MethodGet, "/admin/audit-logs?action=a&limit=1", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var payload struct {
		Data       []Entry           `json:"data"`
		Pagination common.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	require.Len(t, payload.Data, 1)
	require.Equal(t, "a", payload.Data[0].Action)
	require.Equal(t, 2, payload.Pagination.TotalItems)
	require.Equal(t, 1, payload.Pagination.PerPage)
}
