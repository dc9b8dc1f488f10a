package badger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marmos91/orchard/pkg/domain"
)

// Serialization Strategy
// ======================
//
// BadgerDB stores raw bytes, so records are serialized before storing. Two
// strategies are used:
//
// 1. JSON Encoding (structured records)
//    - Item records, content revisions, locks, accounts, simulated errors
//    - Human-readable, schema evolves without migration, easy debugging
//
// 2. Raw Bytes (opaque blobs)
//    - Thumbnails and resource forks are stored as-is; there is nothing to
//      decode and copying through JSON/base64 would only add overhead
//
// Counters and quota usage are small int64s stored as JSON for uniformity.

// itemRecord is the stored representation of one item.
//
// It is the persistent superset of domain.Entry: the wire entry is derived
// from it on the way out (child counts, conflict counts, lock owners, and
// quota figures are computed per read, not stored).
type itemRecord struct {
	ID      domain.ItemID    `json:"id"`
	Parent  domain.ItemID    `json:"parent"`
	Name    string           `json:"name"`
	Type    domain.EntryType `json:"type"`
	Deleted bool             `json:"deleted"`

	// Version is the optimistic-concurrency pair. The live content
	// revision's number always equals Version.Content.
	Version domain.Version `json:"version"`

	// Rank is the item's current change-feed stamp; the rank index holds
	// the inverse mapping.
	Rank domain.Rank `json:"rank"`

	// Size is the live content payload size.
	Size int64 `json:"size"`

	Metadata      domain.EntryMetadata `json:"metadata"`
	SymlinkTarget string               `json:"symlink_target,omitempty"`
}

// revisionRecord is one stored content revision of an item.
type revisionRecord struct {
	Revision     int64              `json:"revision"`
	Kind         domain.StorageKind `json:"kind"`
	Originator   string             `json:"originator"`
	CreationDate time.Time          `json:"creation_date"`
	Conflict     bool               `json:"conflict"`
	Size         int64              `json:"size"`

	// BaseVersion is the content version the uploader based this revision
	// on; surfaced by conflicts/list.
	BaseVersion int64 `json:"base_version"`

	// Data holds inline payload bytes; nil for chunked revisions.
	Data []byte `json:"data,omitempty"`

	// Chunks references the chunk store for chunked revisions.
	Chunks *domain.ChunkList `json:"chunks,omitempty"`
}

func encodeItemRecord(rec *itemRecord) ([]byte, error) {
	bytes, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode item record: %w", err)
	}
	return bytes, nil
}

func decodeItemRecord(bytes []byte) (*itemRecord, error) {
	var rec itemRecord
	if err := json.Unmarshal(bytes, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode item record: %w", err)
	}
	return &rec, nil
}

func encodeRevisionRecord(rec *revisionRecord) ([]byte, error) {
	bytes, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode revision record: %w", err)
	}
	return bytes, nil
}

func decodeRevisionRecord(bytes []byte) (*revisionRecord, error) {
	var rec revisionRecord
	if err := json.Unmarshal(bytes, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode revision record: %w", err)
	}
	return &rec, nil
}

func encodeLock(lock *domain.Lock) ([]byte, error) {
	bytes, err := json.Marshal(lock)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock: %w", err)
	}
	return bytes, nil
}

func decodeLock(bytes []byte) (*domain.Lock, error) {
	var lock domain.Lock
	if err := json.Unmarshal(bytes, &lock); err != nil {
		return nil, fmt.Errorf("failed to decode lock: %w", err)
	}
	return &lock, nil
}

func encodeAccount(account *domain.Account) ([]byte, error) {
	bytes, err := json.Marshal(account)
	if err != nil {
		return nil, fmt.Errorf("failed to encode account: %w", err)
	}
	return bytes, nil
}

func decodeAccount(bytes []byte) (*domain.Account, error) {
	var account domain.Account
	if err := json.Unmarshal(bytes, &account); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	return &account, nil
}

func encodeSimError(simErr *domain.SimulatedError) ([]byte, error) {
	bytes, err := json.Marshal(simErr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode simulated error: %w", err)
	}
	return bytes, nil
}

func decodeSimError(bytes []byte) (*domain.SimulatedError, error) {
	var simErr domain.SimulatedError
	if err := json.Unmarshal(bytes, &simErr); err != nil {
		return nil, fmt.Errorf("failed to decode simulated error: %w", err)
	}
	return &simErr, nil
}

func encodeInt64(v int64) ([]byte, error) {
	return json.Marshal(v)
}

func decodeInt64(bytes []byte) (int64, error) {
	var v int64
	if err := json.Unmarshal(bytes, &v); err != nil {
		return 0, fmt.Errorf("failed to decode counter: %w", err)
	}
	return v, nil
}
