package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_Lifecycle(t *testing.T) {
	ms := NewMemoryStorage("")
	ctx := context.Background()

	url, err := ms.Put(ctx, "uploads/a.txt", strings.NewReader("alpha"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "memory://uploads/a.txt", url)

	ct, ok := ms.ContentType("uploads/a.txt")
	assert.True(t, ok)
	assert.Equal(t, "text/plain", ct)

	size, err := ms.GetSize(ctx, "uploads/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	reader, err := ms.Retrieve(ctx, "uploads/a.txt")
	require.NoError(t, err)
	data, _ := io.ReadAll(reader)
	assert.Equal(t, "alpha", string(data))

	require.NoError(t, ms.Delete(ctx, "uploads/a.txt"))
	exists, err := ms.Exists(ctx, "uploads/a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 0, ms.Len())
}

func TestMemoryStorage_MissingBlob(t *testing.T) {
	ms := NewMemoryStorage("https://cdn.example.com")

	_, err := ms.Retrieve(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = ms.GetSize(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.NoError(t, ms.Delete(context.Background(), "nope"))
}

func TestMemoryStorage_FailedWriteLeavesNothing(t *testing.T) {
	ms := NewMemoryStorage("")

	err := ms.Store(context.Background(), "x", &failingReader{data: []byte("0123456789"), failAfter: 3}, "")
	assert.Error(t, err)
	assert.Equal(t, 0, ms.Len())
}

func TestMemoryStorage_ListIsSorted(t *testing.T) {
	ms := NewMemoryStorage("")
	ctx := context.Background()

	for _, p := range []string{"chunks/b/000001.part", "chunks/a/000000.part", "chunks/b/000000.part", "uploads/z"} {
		require.NoError(t, ms.Store(ctx, p, strings.NewReader("x"), ""))
	}

	paths, err := ms.List(ctx, "chunks/b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunks/b/000000.part", "chunks/b/000001.part"}, paths)
}
