package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrObjectNotFound is returned when a reference does not resolve to a stored object.
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectStore keeps invoice and payment-proof documents. References are opaque to callers.
type ObjectStore interface {
	Store(ctx context.Context, data []byte, contentType, name string) (string, error)
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
	Delete(ctx context.Context, ref string) error
}

var extensions = map[string]string{
	"application/pdf": ".pdf",
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
}

// NewKey builds an object key of the form <prefix>/<yyyy>/<mm>/<ulid><ext>.
func NewKey(prefix, contentType string, now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader)
	ext := extensions[strings.ToLower(contentType)]
	prefix = strings.Trim(prefix, "/")
	return path.Join(prefix, now.UTC().Format("2006"), now.UTC().Format("01"), strings.ToLower(id.String())+ext)
}
