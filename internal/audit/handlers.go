package audit

import (
	"net/http"
	"strings"

	"github.com/noah-isme/commission-engine/internal/common"
)

// Handler exposes the audit trail to operators.
type Handler struct {
	Store Store
}

// List handles GET /admin/audit-logs.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	q := r.URL.Query()
	page := common.ParsePagination(r, 50, 200)
	f := Filter{
		Action:       strings.TrimSpace(q.Get("action")),
		ResourceType: strings.TrimSpace(q.Get("resourceType")),
		ResourceID:   strings.TrimSpace(q.Get("resourceId")),
		Limit:        page.PerPage,
		Offset:       page.Offset(),
	}
	entries, total, err := h.Store.List(r.Context(), f)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch audit logs", nil)
		return
	}
	page.TotalItems = total
	common.Page(w, entries, page)
}
