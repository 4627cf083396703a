package security

import (
	"net/http"

	"github.com/noah-isme/commission-engine/internal/common"
)

// BodyLimit caps request payloads. Bodies are not buffered: the reader is
// wrapped so handlers streaming multipart uploads fail once Max is crossed.
type BodyLimit struct {
	Max int64
}

// Middleware rejects a declared oversize body with 413 before the handler runs.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request entity too large",
				map[string]any{"maxBytes": b.Max})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, b.Max)
		next.ServeHTTP(w, r)
	})
}
