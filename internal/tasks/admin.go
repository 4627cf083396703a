package tasks

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/noah-isme/commission-engine/internal/common"
)

// AdminHandler exposes dead-lettered (archived) tasks to operators.
type AdminHandler struct {
	Inspector *asynq.Inspector
}

type archivedTask struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Type         string    `json:"type"`
	Retried      int       `json:"retried"`
	LastError    string    `json:"lastError,omitempty"`
	LastFailedAt time.Time `json:"lastFailedAt,omitempty"`
}

// ListArchived handles GET /admin/tasks/{queue}/archived.
func (h *AdminHandler) ListArchived(w http.ResponseWriter, r *http.Request) {
	queue := strings.TrimSpace(chi.URLParam(r, "queue"))
	page := common.ParsePagination(r, 20, 100)
	infos, err := h.Inspector.ListArchivedTasks(queue, asynq.Page(page.Page), asynq.PageSize(page.PerPage))
	if err != nil {
		writeInspectorError(w, err)
		return
	}
	items := make([]archivedTask, 0, len(infos))
	for _, info := range infos {
		items = append(items, archivedTask{
			ID:           info.ID,
			Queue:        info.Queue,
			Type:         info.Type,
			Retried:      info.Retried,
			LastError:    info.LastErr,
			LastFailedAt: info.LastFailedAt,
		})
	}
	if q, err := h.Inspector.GetQueueInfo(queue); err == nil {
		page.TotalItems = q.Archived
	}
	common.Page(w, items, page)
}

// Replay handles POST /admin/tasks/{queue}/archived/{id}/replay.
func (h *AdminHandler) Replay(w http.ResponseWriter, r *http.Request) {
	queue := strings.TrimSpace(chi.URLParam(r, "queue"))
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := h.Inspector.RunTask(queue, id); err != nil {
		writeInspectorError(w, err)
		return
	}
	common.Data(w, http.StatusOK, map[string]any{"id": id, "queue": queue, "replayed": true})
}

// Stats handles GET /admin/tasks/{queue}.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	queue := strings.TrimSpace(chi.URLParam(r, "queue"))
	info, err := h.Inspector.GetQueueInfo(queue)
	if err != nil {
		writeInspectorError(w, err)
		return
	}
	common.Data(w, http.StatusOK, map[string]any{
		"queue":     info.Queue,
		"pending":   info.Pending,
		"active":    info.Active,
		"scheduled": info.Scheduled,
		"retry":     info.Retry,
		"archived":  info.Archived,
		"latencyMs": info.Latency.Milliseconds(),
		"paused":    info.Paused,
	})
}

func writeInspectorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, asynq.ErrQueueNotFound), errors.Is(err, asynq.ErrTaskNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	default:
		common.InternalError(w)
	}
}
