package payload

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"order_id":"o-123","items":[1,2,3]}`)
	ref, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "sha256:"))

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStore_StoreIsIdempotent(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("same bytes")
	ref1, err := s.Store(ctx, data)
	require.NoError(t, err)
	ref2, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
}

func TestFileStore_DistinctContentDistinctRefs(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref1, err := s.Store(ctx, []byte("one"))
	require.NoError(t, err)
	ref2, err := s.Store(ctx, []byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref2)
}

func TestFileStore_Delete(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := s.Store(ctx, []byte("ephemeral"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, ref))

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing payload is not an error.
	assert.NoError(t, s.Delete(ctx, ref))
}

func TestFileStore_RejectsMalformedRefs(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "md5:abc")
	assert.Error(t, err)
	_, err = s.Get(ctx, "sha256:not-hex!")
	assert.Error(t, err)
	_, err = s.Exists(ctx, "bogus")
	assert.Error(t, err)
}

func TestParseRef(t *testing.T) {
	ref, raw := hashRef([]byte("x"))
	parsed, err := parseRef(ref)
	require.NoError(t, err)
	assert.Equal(t, raw, parsed)
}

func TestNewStoreFromEnv_DefaultsToFilesystem(t *testing.T) {
	t.Setenv("PAYLOAD_STORAGE_TYPE", "")
	t.Setenv("DATA_DIR", t.TempDir())

	s, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	_, ok := s.(*FileStore)
	assert.True(t, ok)
}

func TestNewStoreFromEnv_UnknownType(t *testing.T) {
	t.Setenv("PAYLOAD_STORAGE_TYPE", "carrier-pigeon")

	_, err := NewStoreFromEnv(context.Background())
	assert.Error(t, err)
}
