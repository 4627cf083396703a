package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/commission-engine/internal/obs"
)

func TestServiceRecord(t *testing.T) {
	store := &MemoryStore{}
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	svc := &Service{Store: store, Enabled: true, SamplingRate: 1, Now: func() time.Time { return at }}

	req := httptest.NewRequest(http.MethodPost, "https://api.test/api/v1/admin/payment-requests/abc/pay?dry=1", nil)
	req.Header.Set("User-Agent", "tester")
	req.Header.Set("X-Request-ID", "req-123")
	req.RemoteAddr = "10.0.0.2:54321"
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/api/v1/admin/payment-requests/{id}/pay"))

	err := svc.Record(req.Context(), "ops-1", "", "", "abc", req, http.StatusOK, map[string]any{"reference": "SEPA-1"})
	require.NoError(t, err)

	entries, total, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	e := entries[0]
	require.Equal(t, "POST /api/v1/admin/payment-requests/{id}/pay", e.Action)
	require.Equal(t, "admin.payment-requests", e.ResourceType)
	require.Equal(t, "ops-1", *e.ActorSubject)
	require.Equal(t, "abc", *e.ResourceID)
	require.Equal(t, "10.0.0.2", *e.IP)
	require.Equal(t, "tester", *e.UserAgent)
	require.Equal(t, at, e.OccurredAt)
	require.Equal(t, "req-123", e.Metadata["requestId"])
	require.Equal(t, "dry=1", e.Metadata["query"])
	require.Equal(t, "SEPA-1", e.Metadata["reference"])
	require.Equal(t, http.StatusOK, e.Metadata["status"])
}

func TestServiceRecordDisabled(t *testing.T) {
	store := &MemoryStore{}
	svc := &Service{Store: store, Enabled: false}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, svc.Record(req.Context(), "", "", "", "", req, http.StatusOK, nil))

	_, total, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestBuildResource(t *testing.T) {
	cases := map[string]string{
		"/api/v1/admin/commissions/{id}/validate": "admin.commissions",
		"/api/v1/order-events":                    "order-events",
		"/internal/replay":                        "internal.replay",
		"":                                        "unknown",
	}
	for route, want := range cases {
		require.Equal(t, want, buildResource("", route), route)
	}
	require.Equal(t, "payment_request", buildResource("payment_request", "/ignored"))
}

func TestMemoryStoreFiltersAndPaginates(t *testing.T) {
	store := &MemoryStore{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		id := "pr-1"
		if i%2 == 1 {
			id = "pr-2"
		}
		require.NoError(t, store.Insert(context.Background(), Entry{
			Action:       "payment_request.pay",
			ResourceType: "payment_request",
			ResourceID:   &id,
			OccurredAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, total, err := store.List(context.Background(), Filter{ResourceID: "pr-1", Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, entries, 2)
	require.True(t, entries[0].OccurredAt.After(entries[1].OccurredAt))
}
