package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/orchard/internal/server"
)

func TestCreateStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s, err := CreateStore(ctx, &StoreConfig{Type: "memory"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		count, err := s.CountItems(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("badger with path", func(t *testing.T) {
		s, err := CreateStore(ctx, &StoreConfig{
			Type:   "badger",
			Badger: map[string]any{"path": t.TempDir()},
		})
		require.NoError(t, err)
		require.NoError(t, s.Close())
	})

	t.Run("badger without path", func(t *testing.T) {
		_, err := CreateStore(ctx, &StoreConfig{Type: "badger"})
		assert.Error(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := CreateStore(ctx, &StoreConfig{Type: "postgres"})
		assert.Error(t, err)
	})
}

func TestCreateChunkStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cs, err := CreateChunkStore(ctx, &ChunkStoreConfig{Type: "memory"})
		require.NoError(t, err)
		require.NoError(t, cs.Close())
	})

	t.Run("s3 requires bucket", func(t *testing.T) {
		_, err := CreateChunkStore(ctx, &ChunkStoreConfig{
			Type: "s3",
			S3:   map[string]any{"region": "eu-west-1"},
		})
		assert.ErrorContains(t, err, "bucket")
	})

	t.Run("s3 requires region", func(t *testing.T) {
		_, err := CreateChunkStore(ctx, &ChunkStoreConfig{
			Type: "s3",
			S3:   map[string]any{"bucket": "orchard-chunks"},
		})
		assert.ErrorContains(t, err, "region")
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := CreateChunkStore(ctx, &ChunkStoreConfig{Type: "gcs"})
		assert.Error(t, err)
	})
}

func TestDispatchConfig(t *testing.T) {
	sc := ServerConfig{
		Addr:                 ":7070",
		ResponseDelay:        250 * time.Millisecond,
		ErrorRate:            12.5,
		ErrorKind:            "both",
		BandwidthBytesPerSec: 1 << 20,
	}

	dc := sc.DispatchConfig()
	assert.Equal(t, ":7070", dc.Addr)
	assert.Equal(t, 250*time.Millisecond, dc.ResponseDelay)
	assert.Equal(t, 12.5, dc.ErrorRate)
	assert.Equal(t, server.FailBoth, dc.ErrorKind)
	assert.Equal(t, int64(1<<20), dc.BandwidthBytesPerSec)
}
