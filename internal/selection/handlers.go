package selection

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/common"
	"github.com/noah-isme/commission-engine/internal/pricing"
)

// Handler exposes pricing and margin assignment endpoints.
type Handler struct {
	Svc *Service
}

type marginRequest struct {
	MarginRate *decimal.Decimal `json:"marginRate" validate:"required"`
}

type addItemRequest struct {
	ProductID string `json:"productId" validate:"required,uuid"`
}

type quoteRequest struct {
	BasePriceHt *decimal.Decimal `json:"basePriceHt" validate:"required"`
	MarginRate  *decimal.Decimal `json:"marginRate" validate:"required"`
}

// SetMargin handles PUT /selection-items/{itemId}/margin.
func (h *Handler) SetMargin(w http.ResponseWriter, r *http.Request) {
	scope, ok := common.ScopeFrom(r.Context())
	if !ok {
		common.WriteAppError(w, common.Unauthorized())
		return
	}
	itemID, err := common.URLUUID(r, "itemId")
	if err != nil {
		writeError(w, err)
		return
	}
	var req marginRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	item, err := h.Svc.SetItemMargin(r.Context(), scope, itemID, *req.MarginRate)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, item)
}

// ItemBounds handles GET /selection-items/{itemId}/bounds.
func (h *Handler) ItemBounds(w http.ResponseWriter, r *http.Request) {
	scope, ok := common.ScopeFrom(r.Context())
	if !ok {
		common.WriteAppError(w, common.Unauthorized())
		return
	}
	itemID, err := common.URLUUID(r, "itemId")
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.Svc.Bounds(r.Context(), scope, itemID)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, view)
}

// RemoveItem handles DELETE /selection-items/{itemId}.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	scope, ok := common.ScopeFrom(r.Context())
	if !ok {
		common.WriteAppError(w, common.Unauthorized())
		return
	}
	itemID, err := common.URLUUID(r, "itemId")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Svc.RemoveItem(r.Context(), scope, itemID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListItems handles GET /selections/{selectionId}/items.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	scope, ok := common.ScopeFrom(r.Context())
	if !ok {
		common.WriteAppError(w, common.Unauthorized())
		return
	}
	selectionID, err := common.URLUUID(r, "selectionId")
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := h.Svc.ListItems(r.Context(), scope, selectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, items)
}

// AddItem handles POST /selections/{selectionId}/items.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	scope, ok := common.ScopeFrom(r.Context())
	if !ok {
		common.WriteAppError(w, common.Unauthorized())
		return
	}
	selectionID, err := common.URLUUID(r, "selectionId")
	if err != nil {
		writeError(w, err)
		return
	}
	var req addItemRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	item, err := h.Svc.AddItem(r.Context(), scope, selectionID, uuid.MustParse(req.ProductID))
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, item)
}

// ProductBounds handles GET /pricing/bounds?productId=&affiliateId=.
// affiliateId is only honoured for operators; affiliates always get their own bounds.
func (h *Handler) ProductBounds(w http.ResponseWriter, r *http.Request) {
	p, ok := common.PrincipalFrom(r.Context())
	if !ok {
		common.WriteAppError(w, common.Unauthorized())
		return
	}
	productID, err := common.QueryUUID(r, "productId")
	if err != nil {
		writeError(w, err)
		return
	}
	if productID == uuid.Nil {
		writeError(w, common.ValidationError("productId is required", nil))
		return
	}
	affiliateID := p.AffiliateID
	if p.IsOperator() {
		override, err := common.QueryUUID(r, "affiliateId")
		if err != nil {
			writeError(w, err)
			return
		}
		if override != uuid.Nil {
			affiliateID = override
		}
	}
	bounds, err := h.Svc.ProductBounds(r.Context(), affiliateID, productID)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, bounds)
}

// Quote handles POST /pricing/quote; it never touches storage.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	quote, err := pricing.ComputeSellingPrice(*req.BasePriceHt, *req.MarginRate)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, quote)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case common.WriteAppError(w, err):
	case errors.Is(err, pricing.ErrInvalidMargin):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_MARGIN", err.Error(), nil)
	case errors.Is(err, pricing.ErrInvalidBasePrice), errors.Is(err, pricing.ErrInvalidRate):
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil)
	case errors.Is(err, ErrOutOfBounds):
		common.JSONError(w, http.StatusUnprocessableEntity, "MARGIN_OUT_OF_BOUNDS", err.Error(), nil)
	case errors.Is(err, ErrForbidden):
		common.WriteAppError(w, common.Forbidden())
	case errors.Is(err, ErrDuplicate):
		common.JSONError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, ErrNotFound), errors.Is(err, affiliate.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	default:
		common.InternalError(w)
	}
}
