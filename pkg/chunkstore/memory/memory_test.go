package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/orchard/pkg/chunkstore"
)

func TestPutAndGetChunk(t *testing.T) {
	store := NewMemoryChunkStore()
	ctx := context.Background()

	data := []byte("hello chunk")
	hash := chunkstore.HashChunk(data)

	require.NoError(t, store.PutChunk(ctx, hash, data))

	got, err := store.GetChunk(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	size, err := store.ChunkSize(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
}

func TestPutChunkHashMismatch(t *testing.T) {
	store := NewMemoryChunkStore()
	ctx := context.Background()

	err := store.PutChunk(ctx, "deadbeef", []byte("some data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, chunkstore.ErrHashMismatch)

	exists, err := store.ChunkExists(ctx, "deadbeef")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPutChunkIdempotent(t *testing.T) {
	store := NewMemoryChunkStore()
	ctx := context.Background()

	data := []byte("shared chunk")
	hash := chunkstore.HashChunk(data)

	require.NoError(t, store.PutChunk(ctx, hash, data))
	require.NoError(t, store.PutChunk(ctx, hash, data))
	assert.Equal(t, 1, store.Count())
}

func TestGetChunkNotFound(t *testing.T) {
	store := NewMemoryChunkStore()

	_, err := store.GetChunk(context.Background(), "missing")
	assert.ErrorIs(t, err, chunkstore.ErrChunkNotFound)

	_, err = store.ChunkSize(context.Background(), "missing")
	assert.ErrorIs(t, err, chunkstore.ErrChunkNotFound)
}

func TestChunkExists(t *testing.T) {
	store := NewMemoryChunkStore()
	ctx := context.Background()

	data := []byte("exists")
	hash := chunkstore.HashChunk(data)

	exists, err := store.ChunkExists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.PutChunk(ctx, hash, data))

	exists, err = store.ChunkExists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDeleteChunks(t *testing.T) {
	store := NewMemoryChunkStore()
	ctx := context.Background()

	first := []byte("first")
	second := []byte("second")
	firstHash := chunkstore.HashChunk(first)
	secondHash := chunkstore.HashChunk(second)

	require.NoError(t, store.PutChunk(ctx, firstHash, first))
	require.NoError(t, store.PutChunk(ctx, secondHash, second))

	// Deleting a mix of present and missing hashes succeeds.
	failures, err := store.DeleteChunks(ctx, []string{firstHash, "missing"})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, 1, store.Count())

	_, err = store.GetChunk(ctx, firstHash)
	assert.ErrorIs(t, err, chunkstore.ErrChunkNotFound)

	got, err := store.GetChunk(ctx, secondHash)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestGetChunkReturnsCopy(t *testing.T) {
	store := NewMemoryChunkStore()
	ctx := context.Background()

	data := []byte("mutable")
	hash := chunkstore.HashChunk(data)
	require.NoError(t, store.PutChunk(ctx, hash, data))

	got, err := store.GetChunk(ctx, hash)
	require.NoError(t, err)
	got[0] = 'X'

	again, err := store.GetChunk(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable"), again)
}

func TestListChunks(t *testing.T) {
	store := NewMemoryChunkStore()
	ctx := context.Background()

	hashes, err := store.ListChunks(ctx)
	require.NoError(t, err)
	assert.Empty(t, hashes)

	first := chunkstore.HashChunk([]byte("first"))
	second := chunkstore.HashChunk([]byte("second"))
	require.NoError(t, store.PutChunk(ctx, first, []byte("first")))
	require.NoError(t, store.PutChunk(ctx, second, []byte("second")))

	hashes, err = store.ListChunks(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first, second}, hashes)
}
