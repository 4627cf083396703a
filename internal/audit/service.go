package audit

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/commission-engine/internal/common"
	"github.com/noah-isme/commission-engine/internal/obs"
)

// Entry is one row of the operator audit trail.
type Entry struct {
	ID           uuid.UUID      `json:"id"`
	ActorSubject *string        `json:"actorSubject,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   *string        `json:"resourceId,omitempty"`
	IP           *string        `json:"ip,omitempty"`
	UserAgent    *string        `json:"userAgent,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// Filter narrows List results.
type Filter struct {
	Action       string
	ResourceType string
	ResourceID   string
	Limit        int
	Offset       int
}

// Store persists audit entries.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, int, error)
}

// Service records audit entries for operator actions on the ledger.
type Service struct {
	Store        Store
	Enabled      bool
	SamplingRate float64
	Now          func() time.Time
}

// Record persists an entry for req. An empty action or resource type is
// derived from the matched route.
func (s *Service) Record(ctx context.Context, actor, action, resourceType, resourceID string, req *http.Request, status int, metadata map[string]any) error {
	if s == nil || !s.Enabled {
		return nil
	}
	if s.SamplingRate > 0 && s.SamplingRate < 1 && rand.Float64() > s.SamplingRate {
		return nil
	}
	if req == nil {
		return errors.New("audit: request is required")
	}
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}

	route := obs.RoutePatternFromContext(req.Context())
	if route == "" {
		route = strings.TrimSpace(req.URL.Path)
	}
	if status == 0 {
		status = http.StatusOK
	}

	meta := map[string]any{}
	for k, v := range metadata {
		meta[k] = v
	}
	meta["method"] = req.Method
	meta["route"] = route
	meta["status"] = status
	if id := strings.TrimSpace(req.Header.Get("X-Request-ID")); id != "" {
		meta["requestId"] = id
	}
	if q := strings.TrimSpace(req.URL.RawQuery); q != "" {
		meta["query"] = q
	}

	return s.Store.Insert(ctx, Entry{
		ID:           uuid.New(),
		ActorSubject: optional(actor),
		Action:       buildAction(action, req.Method, route),
		ResourceType: buildResource(resourceType, route),
		ResourceID:   optional(resourceID),
		IP:           optional(common.ClientIP(req)),
		UserAgent:    optional(req.Header.Get("User-Agent")),
		Metadata:     meta,
		OccurredAt:   s.now(),
	})
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func buildAction(action, method, route string) string {
	if trimmed := strings.TrimSpace(action); trimmed != "" {
		return trimmed
	}
	if route == "" {
		route = "/"
	}
	return strings.ToUpper(strings.TrimSpace(method)) + " " + route
}

// buildResource turns /api/v1/admin/payment-requests/{id}/pay into
// "admin.payment-requests".
func buildResource(resourceType, route string) string {
	if trimmed := strings.TrimSpace(resourceType); trimmed != "" {
		return trimmed
	}
	route = strings.Trim(strings.TrimSpace(route), "/")
	if route == "" {
		return "unknown"
	}
	var parts []string
	for _, seg := range strings.Split(route, "/") {
		if strings.HasPrefix(seg, "{") {
			break
		}
		parts = append(parts, seg)
	}
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "v1" {
		parts = parts[2:]
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, ".")
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
