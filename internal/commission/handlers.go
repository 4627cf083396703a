package commission

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/common"
)

// EventQueue hands order events to background processing.
type EventQueue interface {
	EnqueueOrderEvent(ctx context.Context, ev OrderEvent) error
}

// Handler exposes ledger endpoints.
type Handler struct {
	Svc *Service
	// Queue, when set, makes order-event ingestion asynchronous.
	Queue EventQueue
}

// List handles GET /commissions.
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

// Get handles GET /commissions/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	scope, ok := common.ScopeFrom(r.Context())
	if !ok {
		common.WriteAppError(w, common.Unauthorized())
		return
	}
	id, err := common.URLUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.Svc.Get(r.Context(), scope, id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, c)
}

// MySummary handles GET /commissions/summary for the calling affiliate.
func (h *Handler) MySummary(w http.ResponseWriter, r *http.Request) {
	p, ok := common.PrincipalFrom(r.Context())
	if !ok || p.AffiliateID == uuid.Nil {
		common.WriteAppError(w, common.Forbidden())
		return
	}
	h.writeSummary(w, r, p.AffiliateID)
}

// AffiliateSummary handles GET /admin/affiliates/{affiliateId}/commissions/summary.
func (h *Handler) AffiliateSummary(w http.ResponseWriter, r *http.Request) {
	affiliateID, err := common.URLUUID(r, "affiliateId")
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeSummary(w, r, affiliateID)
}

func (h *Handler) writeSummary(w http.ResponseWriter, r *http.Request, affiliateID uuid.UUID) {
	sum, err := h.Svc.Summary(r.Context(), affiliateID)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, sum)
}

// Validate handles POST /admin/commissions/{id}/validate.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	id, err := common.URLUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.Svc.Validate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, c)
}

// Cancel handles POST /admin/commissions/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := common.URLUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Svc.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, res)
}

// OrderEvents handles POST /order-events from the order service.
func (h *Handler) OrderEvents(w http.ResponseWriter, r *http.Request) {
	var ev OrderEvent
	if err := common.DecodeJSON(r, &ev); err != nil {
		writeError(w, err)
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if h.Queue != nil {
		if err := h.Queue.EnqueueOrderEvent(r.Context(), ev); err != nil {
			writeError(w, err)
			return
		}
		common.Data(w, http.StatusAccepted, map[string]any{"orderId": ev.OrderID, "queued": true})
		return
	}
	out, err := h.Svc.HandleOrderEvent(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if out.Action == ActionIgnored {
		status = http.StatusAccepted
	}
	common.Data(w, status, out)
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *common.AppError
	switch {
	case errors.As(err, &appErr):
		common.WriteAppError(w, err)
	case errors.Is(err, ErrInvalidEvent):
		common.WriteAppError(w, common.ValidationError(err.Error(), nil))
	case errors.Is(err, ErrInvalidTransition):
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", err.Error(), map[string]any{"retryable": false})
	case errors.Is(err, ErrNotFound), errors.Is(err, affiliate.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	default:
		common.InternalError(w)
	}
}
