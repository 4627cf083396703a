package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewKeyLayout(t *testing.T) {
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	key := NewKey("/payment-requests/", "application/pdf", now)
	require.True(t, strings.HasPrefix(key, "payment-requests/2026/03/"), key)
	require.True(t, strings.HasSuffix(key, ".pdf"), key)
	require.NotEqual(t, key, NewKey("payment-requests", "application/pdf", now))
}

func TestMemoryStoreFetchDelete(t *testing.T) {
	m := NewMemory("invoices")
	ctx := context.Background()
	ref, err := m.Store(ctx, []byte("%PDF-1.4"), "application/pdf", "invoice.pdf")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ref, "mem://invoices/"))

	data, ct, err := m.Fetch(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4", string(data))
	require.Equal(t, "application/pdf", ct)

	require.NoError(t, m.Delete(ctx, ref))
	_, _, err = m.Fetch(ctx, ref)
	require.ErrorIs(t, err, ErrObjectNotFound)
	require.Zero(t, m.Len())
}

func TestGCSKeyRejectsForeignRefs(t *testing.T) {
	g := &GCS{bucket: "invoices"}
	key, err := g.key("gs://invoices/a/b.pdf")
	require.NoError(t, err)
	require.Equal(t, "a/b.pdf", key)

	_, err = g.key("gs://other/a/b.pdf")
	require.ErrorIs(t, err, ErrObjectNotFound)
}
