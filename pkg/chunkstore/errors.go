package chunkstore

import "errors"

// Sentinel errors shared by all chunk store implementations. Dispatch
// handlers check for these with errors.Is and map them to wire errors.
//
// Implementations wrap them with context:
//
//	return nil, fmt.Errorf("chunk %s: %w", hash, chunkstore.ErrChunkNotFound)
var (
	// ErrChunkNotFound indicates no chunk with the requested hash is stored.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrHashMismatch indicates chunk data does not hash to the hash it was
	// stored under. This means the upload was corrupted or the client
	// computed the digest wrong; the chunk is never stored.
	ErrHashMismatch = errors.New("chunk data does not match hash")
)
