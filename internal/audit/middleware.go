package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/commission-engine/internal/common"
	"github.com/noah-isme/commission-engine/internal/obs"
)

// HTTPRecorder records operator requests after they have been handled.
type HTTPRecorder struct {
	Service *Service
	OnError func(error)
}

// HTTPConfig customises how the entry is produced for a route.
type HTTPConfig struct {
	Action          string
	ResourceType    string
	ResourceIDParam string
	MetadataFunc    func(*http.Request, int) map[string]any
}

// Middleware returns a chi middleware that records one entry per request.
func (r HTTPRecorder) Middleware(cfg HTTPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if r.Service == nil || !r.Service.Enabled {
				next.ServeHTTP(w, req)
				return
			}

			rec := obs.NewStatusRecorder(w)
			next.ServeHTTP(rec, req)

			if rc := chi.RouteContext(req.Context()); rc != nil && obs.RoutePatternFromContext(req.Context()) == "" {
				req = req.WithContext(obs.WithRoutePattern(req.Context(), rc.RoutePattern()))
			}
			actor, _ := common.UserID(req.Context())
			resourceID := ""
			if cfg.ResourceIDParam != "" {
				resourceID = chi.URLParam(req, cfg.ResourceIDParam)
			}
			var metadata map[string]any
			if cfg.MetadataFunc != nil {
				metadata = cfg.MetadataFunc(req, rec.Status())
			}

			if err := r.Service.Record(req.Context(), actor, cfg.Action, cfg.ResourceType, resourceID, req, rec.Status(), metadata); err != nil && r.OnError != nil {
				r.OnError(err)
			}
		})
	}
}
