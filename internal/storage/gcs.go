package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gcsScheme = "gs://"

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	// Endpoint targets an emulator; authentication is disabled when set.
	Endpoint string
}

// GCS stores objects in a Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket string
	prefix string
	Now    func() time.Time
}

// NewGCS opens a Cloud Storage client for cfg.Bucket.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("storage: gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: gcs client: %w", err)
	}
	return &GCS{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCS) Store(ctx context.Context, data []byte, contentType, name string) (string, error) {
	now := time.Now()
	if g.Now != nil {
		now = g.Now()
	}
	key := NewKey(g.prefix, contentType, now)
	w := g.client.Bucket(g.bucket).Object(key).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if name != "" {
		w.Metadata = map[string]string{"original-name": name}
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: close %s: %w", key, err)
	}
	return gcsScheme + g.bucket + "/" + key, nil
}

func (g *GCS) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	key, err := g.key(ref)
	if err != nil {
		return nil, "", err
	}
	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, "", ErrObjectNotFound
		}
		return nil, "", fmt.Errorf("storage: read %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, r.Attrs.ContentType, nil
}

func (g *GCS) Delete(ctx context.Context, ref string) error {
	key, err := g.key(ref)
	if err != nil {
		return err
	}
	if err := g.client.Bucket(g.bucket).Object(key).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) key(ref string) (string, error) {
	want := gcsScheme + g.bucket + "/"
	if !strings.HasPrefix(ref, want) {
		return "", fmt.Errorf("%w: %s is not in bucket %s", ErrObjectNotFound, ref, g.bucket)
	}
	return strings.TrimPrefix(ref, want), nil
}
