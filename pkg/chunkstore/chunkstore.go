// Package chunkstore provides content-addressed storage for file data chunks.
//
// Chunks are immutable blobs identified by the lowercase hex SHA-256 digest of
// their content. The item store references chunks by hash; the chunk store
// only holds the bytes and knows nothing about items, revisions, or accounts.
// Because chunks are content-addressed, identical data uploaded by different
// items or accounts is stored once.
package chunkstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// ChunkStore is the storage backend for content-addressed chunks.
//
// Content Addressing:
// The hash passed to every method is the lowercase hex SHA-256 of the chunk
// data. PutChunk verifies data against the hash; a chunk that already exists
// is never rewritten, so concurrent uploads of the same chunk are safe.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
type ChunkStore interface {
	// PutChunk stores a chunk under its content hash.
	//
	// Storing a hash that already exists is a no-op (the data is identical
	// by construction). Returns ErrHashMismatch if data does not hash to
	// the given hash.
	PutChunk(ctx context.Context, hash string, data []byte) error

	// GetChunk returns the data for the given content hash.
	//
	// Returns ErrChunkNotFound if no chunk with this hash is stored.
	GetChunk(ctx context.Context, hash string) ([]byte, error)

	// ChunkExists reports whether a chunk with the given hash is stored.
	//
	// A missing chunk is (false, nil), not an error.
	ChunkExists(ctx context.Context, hash string) (bool, error)

	// ChunkSize returns the size in bytes of the chunk with the given hash.
	//
	// Returns ErrChunkNotFound if no chunk with this hash is stored.
	ChunkSize(ctx context.Context, hash string) (int64, error)

	// DeleteChunks removes the given chunks, best effort.
	//
	// Deleting a hash that does not exist is not an error. The returned map
	// holds per-hash failures; an empty map means every delete succeeded.
	DeleteChunks(ctx context.Context, hashes []string) (map[string]error, error)

	// Close releases backend resources. The store must not be used after
	// Close returns.
	Close() error
}

// ListableChunkStore is a ChunkStore whose full contents can be enumerated.
// Garbage collection requires it: orphan detection diffs the stored hashes
// against the hashes the item store still references.
type ListableChunkStore interface {
	ChunkStore

	// ListChunks returns the hashes of every stored chunk.
	ListChunks(ctx context.Context) ([]string, error)
}

// HashChunk returns the content hash for data: lowercase hex SHA-256.
func HashChunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
