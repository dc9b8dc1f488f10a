// Package memory provides an in-memory chunk store for tests and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/orchard/pkg/chunkstore"
)

// MemoryChunkStore implements chunkstore.ChunkStore backed by a map.
//
// All chunks live in process memory and are lost on restart. A RWMutex
// protects the map; data is copied on both put and get so callers can never
// alias the stored slices.
type MemoryChunkStore struct {
	chunks map[string][]byte
	mu     sync.RWMutex
}

// NewMemoryChunkStore creates an empty in-memory chunk store.
func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{
		chunks: make(map[string][]byte),
	}
}

// PutChunk stores a chunk under its content hash.
//
// The data is verified against the hash before storing. Re-putting an
// existing hash is a no-op.
func (s *MemoryChunkStore) PutChunk(ctx context.Context, hash string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if got := chunkstore.HashChunk(data); got != hash {
		return fmt.Errorf("chunk %s hashed to %s: %w", hash, got, chunkstore.ErrHashMismatch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.chunks[hash]; exists {
		return nil
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	s.chunks[hash] = stored
	return nil
}

// GetChunk returns a copy of the chunk data for the given hash.
func (s *MemoryChunkStore) GetChunk(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.chunks[hash]
	if !exists {
		return nil, fmt.Errorf("chunk %s: %w", hash, chunkstore.ErrChunkNotFound)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ChunkExists reports whether a chunk with the given hash is stored.
func (s *MemoryChunkStore) ChunkExists(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.chunks[hash]
	return exists, nil
}

// ChunkSize returns the size in bytes of the chunk with the given hash.
func (s *MemoryChunkStore) ChunkSize(ctx context.Context, hash string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.chunks[hash]
	if !exists {
		return 0, fmt.Errorf("chunk %s: %w", hash, chunkstore.ErrChunkNotFound)
	}
	return int64(len(data)), nil
}

// DeleteChunks removes the given chunks. Missing hashes are ignored.
func (s *MemoryChunkStore) DeleteChunks(ctx context.Context, hashes []string) (map[string]error, error) {
	failures := make(map[string]error)

	if err := ctx.Err(); err != nil {
		for _, hash := range hashes {
			failures[hash] = err
		}
		return failures, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, hash := range hashes {
		delete(s.chunks, hash)
	}
	return failures, nil
}

// ListChunks returns the hashes of every stored chunk.
func (s *MemoryChunkStore) ListChunks(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hashes := make([]string, 0, len(s.chunks))
	for hash := range s.chunks {
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// Close releases the stored chunks.
func (s *MemoryChunkStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = make(map[string][]byte)
	return nil
}

// Count returns the number of stored chunks. Test helper.
func (s *MemoryChunkStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}
