package selection_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/common"
	"github.com/noah-isme/commission-engine/internal/selection"
)

type errorResponse struct {
	Error common.ErrorBody `json:"error"`
}

func newRouter(h *selection.Handler, p common.Principal) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(common.WithPrincipal(req.Context(), p)))
		})
	})
	r.Put("/selection-items/{itemId}/margin", h.SetMargin)
	r.Get("/selection-items/{itemId}/bounds", h.ItemBounds)
	r.Post("/pricing/quote", h.Quote)
	return r
}

func TestSetMarginHandler(t *testing.T) {
	f := newFixture(t, affiliate.Affiliate{Name: "Ada"})
	item, err := f.svc.AddItem(context.Background(), f.affiliate.ID, f.selection.ID, f.product.ID)
	require.NoError(t, err)
	router := newRouter(&selection.Handler{Svc: f.svc}, common.Principal{Subject: "u1", AffiliateID: f.affiliate.ID})

	t.Run("accepts a rate inside bounds", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/selection-items/"+item.ID.String()+"/margin", strings.NewReader(`{"marginRate":"25"}`))
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var body struct {
			Data selection.Item `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "133.33", body.Data.SellingPriceHt.StringFixed(2))
	})

	t.Run("rejects a rate above max", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/selection-items/"+item.ID.String()+"/margin", strings.NewReader(`{"marginRate":40}`))
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "MARGIN_OUT_OF_BOUNDS", body.Error.Code)
	})

	t.Run("rejects a missing rate", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/selection-items/"+item.ID.String()+"/margin", strings.NewReader(`{}`))
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("forbids other affiliates", func(t *testing.T) {
		other := newRouter(&selection.Handler{Svc: f.svc}, common.Principal{Subject: "u2", AffiliateID: uuid.New()})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/selection-items/"+item.ID.String()+"/bounds", nil)
		other.ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown item", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/selection-items/"+uuid.NewString()+"/bounds", nil)
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestQuoteHandler(t *testing.T) {
	router := newRouter(&selection.Handler{}, common.Principal{Subject: "u1", AffiliateID: uuid.New()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pricing/quote", strings.NewReader(`{"basePriceHt":"100","marginRate":"20"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"sellingPriceHt":"125"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pricing/quote", strings.NewReader(`{"basePriceHt":"100","marginRate":"100"}`)))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "INVALID_MARGIN")
}
