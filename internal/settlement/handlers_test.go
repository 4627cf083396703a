package settlement_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/commission-engine/internal/common"
	"github.com/noah-isme/commission-engine/internal/settlement"
)

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func router(h *settlement.Handler, p common.Principal) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(common.WithPrincipal(req.Context(), p)))
		})
	})
	r.Post("/payment-requests", h.Create)
	r.Get("/payment-requests/{id}", h.Get)
	r.Post("/payment-requests/{id}/invoice", h.UploadInvoice)
	r.Get("/payment-requests/{id}/invoice", h.DownloadInvoice)
	r.Get("/payment-requests/{id}/invoice-template", h.InvoiceTemplate)
	r.Post("/admin/payment-requests/{id}/pay", h.MarkPaid)
	r.Post("/payment-requests/{id}/cancel", h.Cancel)
	return r
}

func multipartBody(t *testing.T, field, name, contentType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if data != nil {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+name+`"`)
		hdr.Set("Content-Type", contentType)
		part, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var body errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestPaymentRequestHTTPFlow(t *testing.T) {
	e := newEnv(t)
	e.svc.MaxFileBytes = 1024
	h := &settlement.Handler{Svc: e.svc}
	owner := router(h, common.Principal{Subject: "ada", AffiliateID: e.affiliateID})
	ops := router(h, common.Principal{Subject: "ops", Roles: []string{common.RoleOperator}})
	ids := e.validated(t, 2)

	payload, err := json.Marshal(map[string]any{"commissionIds": ids})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	owner.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payment-requests", bytes.NewReader(payload)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data settlement.PaymentRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "60", created.Data.TotalAmountTtc.String())
	base := "/payment-requests/" + created.Data.ID.String()

	t.Run("regrouping is a retryable conflict", func(t *testing.T) {
		rec := httptest.NewRecorder()
		owner.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payment-requests", bytes.NewReader(payload)))
		require.Equal(t, http.StatusConflict, rec.Code)
		body := decodeError(t, rec)
		require.Equal(t, "ALREADY_GROUPED", body.Error.Code)
		require.Equal(t, true, body.Error.Details["retryable"])
	})

	t.Run("empty selection", func(t *testing.T) {
		rec := httptest.NewRecorder()
		owner.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payment-requests", strings.NewReader(`{"commissionIds":[]}`)))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		require.Equal(t, "EMPTY_SELECTION", decodeError(t, rec).Error.Code)
	})

	t.Run("oversized invoice", func(t *testing.T) {
		big := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{'x'}, 2048)...)
		body, ct := multipartBody(t, "file", "big.pdf", "application/pdf", big, nil)
		req := httptest.NewRequest(http.MethodPost, base+"/invoice", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		owner.ServeHTTP(rec, req)
		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		require.Equal(t, "FILE_TOO_LARGE", decodeError(t, rec).Error.Code)
	})

	t.Run("non-pdf invoice", func(t *testing.T) {
		body, ct := multipartBody(t, "file", "scan.png", "image/png", pngBytes, nil)
		req := httptest.NewRequest(http.MethodPost, base+"/invoice", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		owner.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("missing file part", func(t *testing.T) {
		body, ct := multipartBody(t, "file", "", "", nil, map[string]string{"note": "x"})
		req := httptest.NewRequest(http.MethodPost, base+"/invoice", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		owner.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("pay before invoice", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ops.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin"+base+"/pay", strings.NewReader(`{"paymentReference":"SEPA-1"}`)))
		require.Equal(t, http.StatusConflict, rec.Code)
		body := decodeError(t, rec)
		require.Equal(t, "INVALID_STATE", body.Error.Code)
		require.Equal(t, false, body.Error.Details["retryable"])
	})

	t.Run("upload and download invoice", func(t *testing.T) {
		body, ct := multipartBody(t, "file", "invoice.pdf", "application/pdf", pdfBytes, nil)
		req := httptest.NewRequest(http.MethodPost, base+"/invoice", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		owner.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Contains(t, rec.Body.String(), `"status":"invoice_received"`)

		rec = httptest.NewRecorder()
		owner.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"/invoice", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
		require.Contains(t, rec.Header().Get("Content-Disposition"), "invoice.pdf")
		require.Equal(t, pdfBytes, rec.Body.Bytes())

		rec = httptest.NewRecorder()
		owner.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"/invoice-template", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), "Total TTC: 60.00")
	})

	t.Run("pay requires a reference", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ops.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin"+base+"/pay", strings.NewReader(`{}`)))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		require.Equal(t, "VALIDATION_FAILED", decodeError(t, rec).Error.Code)
	})

	t.Run("pay with multipart proof", func(t *testing.T) {
		body, ct := multipartBody(t, "proof", "proof.png", "image/png", pngBytes, map[string]string{"paymentReference": "SEPA-7"})
		req := httptest.NewRequest(http.MethodPost, "/admin"+base+"/pay", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		ops.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Contains(t, rec.Body.String(), `"status":"paid"`)
		require.Contains(t, rec.Body.String(), `"paymentReference":"SEPA-7"`)
	})

	t.Run("other affiliates are forbidden", func(t *testing.T) {
		stranger := router(h, common.Principal{Subject: "eve", AffiliateID: uuid.New()})
		rec := httptest.NewRecorder()
		stranger.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base, nil))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown request", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ops.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payment-requests/"+uuid.NewString(), nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}
