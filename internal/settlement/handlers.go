package settlement

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/commission"
	"github.com/noah-isme/commission-engine/internal/common"
)

// multipart framing allowance on top of the file size limit
const formOverhead = 64 << 10

// Handler exposes payment request endpoints.
type Handler struct {
	Svc *Service
}

type createRequest struct {
	CommissionIDs []uuid.UUID `json:"commissionIds"`
	// AffiliateID lets an operator group on behalf of an affiliate.
	AffiliateID *uuid.UUID `json:"affiliateId"`
}

type payRequest struct {
	PaymentReference string `json:"paymentReference" validate:"required"`
}

// Create handles POST /payment-requests.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := common.PrincipalFrom(r.Context())
	if !ok {
		common.WriteAppError(w, common.Unauthorized())
		return
	}
	var req createRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	affiliateID := p.AffiliateID
	if p.IsOperator() && req.AffiliateID != nil {
		affiliateID = *req.AffiliateID
	}
	if affiliateID == uuid.Nil {
		common.WriteAppError(w, common.Forbidden())
		return
	}
	pr, err := h.Svc.Create(r.Context(), affiliateID, req.CommissionIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, pr)
}

// List handles GET /payment-requests.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	scope, ok := common.ScopeFrom(r.Context())
	if !ok {
		common.WriteAppError(w, common.Unauthorized())
		return
	}
	f := Filter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			common.WriteAppError(w, common.ValidationError(err.Error(), nil))
			return
		}
		f.Status = status
	}
	if scope == uuid.Nil {
		affiliateID, err := common.QueryUUID(r, "affiliateId")
		if err != nil {
			writeError(w, err)
			return
		}
		f.AffiliateID = affiliateID
	}
	page := common.ParsePagination(r, 20, 100)
	f.Limit, f.Offset = page.PerPage, page.Offset()
	items, total, err := h.Svc.List(r.Context(), scope, f)
	if err != nil {
		writeError(w, err)
		return
	}
	page.TotalItems = total
	common.Page(w, items, page)
}

// Get handles GET /payment-requests/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	scope, id, ok := scopeAndID(w, r)
	if !ok {
		return
	}
	pr, err := h.Svc.Get(r.Context(), scope, id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, pr)
}

// UploadInvoice handles POST /payment-requests/{id}/invoice with a multipart "file" part.
func (h *Handler) UploadInvoice(w http.ResponseWriter, r *http.Request) {
	scope, id, ok := scopeAndID(w, r)
	if !ok {
		return
	}
	up, err := h.readUpload(w, r, "file", true)
	if err != nil {
		writeError(w, err)
		return
	}
	pr, err := h.Svc.UploadInvoice(r.Context(), scope, id, *up)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, pr)
}

// DownloadInvoice handles GET /payment-requests/{id}/invoice.
func (h *Handler) DownloadInvoice(w http.ResponseWriter, r *http.Request) {
	scope, id, ok := scopeAndID(w, r)
	if !ok {
		return
	}
	doc, err := h.Svc.FetchInvoice(r.Context(), scope, id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Data)
}

// InvoiceTemplate handles GET /payment-requests/{id}/invoice-template.
func (h *Handler) InvoiceTemplate(w http.ResponseWriter, r *http.Request) {
	scope, id, ok := scopeAndID(w, r)
	if !ok {
		return
	}
	text, err := h.Svc.InvoiceTemplate(r.Context(), scope, id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

// MarkPaid handles POST /admin/payment-requests/{id}/pay. It accepts JSON or a multipart
// form with "paymentReference" and an optional "proof" file.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	id, err := common.URLUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var (
		reference string
		proof     *Upload
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		proof, err = h.readUpload(w, r, "proof", false)
		if err != nil {
			writeError(w, err)
			return
		}
		reference = r.FormValue("paymentReference")
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, formOverhead)
		var req payRequest
		if err := common.DecodeJSON(r, &req); err != nil {
			var appErr *common.AppError
			if errors.As(err, &appErr) && appErr.HTTPStatus == http.StatusUnprocessableEntity {
				writeError(w, ErrMissingReference)
				return
			}
			writeError(w, err)
			return
		}
		reference = req.PaymentReference
	}
	pr, err := h.Svc.MarkPaid(r.Context(), id, reference, proof)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, pr)
}

// Cancel handles POST /payment-requests/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	scope, id, ok := scopeAndID(w, r)
	if !ok {
		return
	}
	pr, err := h.Svc.Cancel(r.Context(), scope, id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, pr)
}

// readUpload reads one multipart file part. A missing optional part yields nil.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request, field string, required bool) (*Upload, error) {
	limit := h.Svc.MaxFileBytes
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)
	if err := r.ParseMultipartForm(limit + formOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrFileTooLarge
		}
		return nil, common.NewAppError("BAD_REQUEST", "invalid multipart body", http.StatusBadRequest, err)
	}
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		if !required {
			return nil, nil
		}
		return nil, common.ValidationError(field+" is required", map[string]string{field: "required"})
	}
	if err != nil {
		return nil, common.NewAppError("BAD_REQUEST", "invalid file part", http.StatusBadRequest, err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, err
	}
	return &Upload{Name: header.Filename, ContentType: header.Header.Get("Content-Type"), Data: data}, nil
}

func scopeAndID(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	scope, ok := common.ScopeFrom(r.Context())
	if !ok {
		common.WriteAppError(w, common.Unauthorized())
		return uuid.Nil, uuid.Nil, false
	}
	id, err := common.URLUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	return scope, id, true
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *common.AppError
	switch {
	case errors.As(err, &appErr):
		common.WriteAppError(w, err)
	case errors.Is(err, ErrEmptySelection):
		common.JSONError(w, http.StatusUnprocessableEntity, "EMPTY_SELECTION", err.Error(), nil)
	case errors.Is(err, ErrMissingReference):
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), map[string]string{"paymentReference": "required"})
	case errors.Is(err, ErrUnsupportedFileType):
		common.JSONError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_FILE_TYPE", err.Error(), nil)
	case errors.Is(err, ErrFileTooLarge):
		common.JSONError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error(), nil)
	case errors.Is(err, ErrAlreadyGrouped):
		common.JSONError(w, http.StatusConflict, "ALREADY_GROUPED", err.Error(), map[string]any{"retryable": true})
	case errors.Is(err, ErrNotPayable):
		common.JSONError(w, http.StatusConflict, "NOT_PAYABLE", err.Error(), map[string]any{"retryable": true})
	case errors.Is(err, ErrInvalidState), errors.Is(err, commission.ErrInvalidTransition):
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", err.Error(), map[string]any{"retryable": false})
	case errors.Is(err, ErrForbidden):
		common.WriteAppError(w, common.Forbidden())
	case errors.Is(err, ErrNotFound), errors.Is(err, commission.ErrNotFound), errors.Is(err, ErrInvoiceMissing),
		errors.Is(err, affiliate.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	default:
		common.InternalError(w)
	}
}
