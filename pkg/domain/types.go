// Package domain defines the wire-level types shared by the item store, the
// RPC dispatch layer, and replication clients: item identifiers, versions,
// entries and their metadata, rank tokens, locks, and the error taxonomy.
//
// Everything in this package serializes to JSON with snake_case keys; these
// shapes are the public API contract and must stay backward compatible.
package domain

import (
	"time"
)

// ItemID identifies an item for its whole lifetime. It survives renames and
// moves, and is never reused after deletion.
//
// IDs below FirstDynamicID are reserved and never issued to real items; 0 is
// the invalid/"no parent" value. On the wire, each account's root item is
// rewritten to WireRootID and its trash folder to WireTrashID so that clients
// address their own tree uniformly regardless of the server-side identifiers.
type ItemID int64

const (
	// InvalidItemID is the zero value; also used as the parent of root items.
	InvalidItemID ItemID = 0

	// WireRootID is the wire representation of the requesting account's root.
	WireRootID ItemID = 0

	// WireTrashID is the wire representation of the account's trash folder.
	WireTrashID ItemID = 1

	// FirstDynamicID is the first identifier handed out to real items.
	// Everything below is reserved for sentinels.
	FirstDynamicID ItemID = 16
)

// EntryType is the kind of an item in the tree.
type EntryType string

const (
	TypeFile    EntryType = "file"
	TypeFolder  EntryType = "folder"
	TypeRoot    EntryType = "root"
	TypeSymlink EntryType = "symlink"
	TypeAlias   EntryType = "alias"
)

// Version is the optimistic-concurrency pair for an item. Content and
// metadata revisions advance independently; every mutating call supplies the
// version it last observed and is rejected if the stored one differs.
type Version struct {
	Content  int64 `json:"content"`
	Metadata int64 `json:"metadata"`
}

// ZeroVersion is the version of a freshly created item.
var ZeroVersion = Version{}

// Rank is the global change-feed sequence number. Every mutation allocates a
// fresh rank and stamps the affected item with it; rank order is the canonical
// order of list_changes and is comparable across accounts.
type Rank int64

// Entry is the canonical item record returned by every metadata operation.
type Entry struct {
	Name     string        `json:"name"`
	ID       ItemID        `json:"id"`
	Parent   ItemID        `json:"parent"`
	Revision Version       `json:"revision"`
	Deleted  bool          `json:"deleted"`
	Size     int64         `json:"size"`
	Children *int          `json:"children,omitempty"`
	Type     EntryType     `json:"type"`
	Metadata EntryMetadata `json:"metadata"`
	UserInfo EntryUserInfo `json:"user_info"`
}

// EntryUserInfo carries advisory decorations that ride along with an entry:
// conflict bookkeeping, symlink targets (inlined so links can materialize
// during enumeration), implicit lock owners, and quota figures on roots.
type EntryUserInfo struct {
	ConflictCount     *int    `json:"conflict_count,omitempty"`
	OriginatorName    *string `json:"originator_name,omitempty"`
	SymlinkTargetPath *string `json:"symlink_target_path,omitempty"`
	ImplicitLockOwner *string `json:"implicit_lock_owner,omitempty"`
	QuotaRemaining    *string `json:"quota_remaining,omitempty"`
	QuotaTotal        *string `json:"quota_total,omitempty"`
}

// ConflictVersion describes one retained content revision of a conflicted
// item, as listed by conflicts/list.
type ConflictVersion struct {
	Conflict       bool      `json:"conflict"`
	OriginatorName string    `json:"originator_name"`
	CreationDate   time.Time `json:"creation_date"`
	ContentVersion int64     `json:"content_version"`
	BaseVersion    int64     `json:"base_version"`
}

// StorageKind says where a content revision's payload lives.
type StorageKind string

const (
	// StorageInline stores the payload bytes directly with the revision.
	StorageInline StorageKind = "inline"

	// StorageChunked references content-addressed chunks by SHA-256.
	StorageChunked StorageKind = "chunked"

	// StorageResourceFork is an alternate data stream attached to the live
	// revision of an item (never a standalone revision of its own).
	StorageResourceFork StorageKind = "resource_fork"
)

// ChunkList references the chunks of a chunked content revision, in order.
type ChunkList struct {
	// Hashes are hex-encoded SHA-256 digests of the chunks, in file order.
	Hashes []string `json:"hashes"`

	// ContentLength is the total payload size (sum of all chunk lengths).
	ContentLength int64 `json:"content_length"`
}

// StorageDescriptor is the wire description of a content payload. Inline
// payloads travel out of band (the HTTP body); chunked payloads are described
// by their chunk list and must already exist in the chunk store.
type StorageDescriptor struct {
	Kind   StorageKind `json:"kind"`
	Chunks *ChunkList  `json:"chunks,omitempty"`
}

// Lock is an advisory "document is open elsewhere" record. Locks are
// independent of item versions: pinging or removing a lock bumps the parent's
// rank (so enumerators notice) without touching the item itself.
type Lock struct {
	ItemID           ItemID    `json:"item_identifier"`
	EnumerationIndex int64     `json:"enumeration_index"`
	Expiry           time.Time `json:"timeout"`
	Owner            string    `json:"owner"`
}

const (
	// LockExpiry is how long a lock lives without a refresh.
	LockExpiry = 30 * time.Second

	// LockPingInterval is how often holders should refresh; two thirds of the
	// expiry window leaves one missed ping before the lock lapses.
	LockPingInterval = LockExpiry * 2 / 3
)

// AccessType selects which half of an item's traffic a simulated error
// applies to.
type AccessType string

const (
	AccessRead  AccessType = "read"
	AccessWrite AccessType = "write"
)

// SimulatedError is a fault-injection record attached to an item. The
// dispatch layer returns it verbatim on matching read/write calls so
// integration harnesses can exercise client error paths.
type SimulatedError struct {
	Domain      string  `json:"domain"`
	Code        int     `json:"code"`
	Description *string `json:"localized_description,omitempty"`
}

// AccountID is the external identifier of an account ("domain" on the wire).
type AccountID string

// Account holds the per-account registration state.
type Account struct {
	Identifier AccountID `json:"identifier"`
	// DisplayName is what the account calls itself in UIs and as the
	// originator tag on content it uploads.
	DisplayName string `json:"display_name"`
	// Secret authenticates the x-authorization header.
	Secret string `json:"secret"`
	// Root is the account's root item.
	Root ItemID `json:"root"`
	// Trash is the trash folder under Root. On the wire it is addressed as
	// WireTrashID.
	Trash ItemID `json:"trash"`
	// TokenCheckNumber invalidates outstanding sync anchors when bumped.
	TokenCheckNumber int64 `json:"token_check_number"`
	// Flags carries the account mode bits.
	Flags AccountFlags `json:"flags"`
}

// AccountFlags is a bitmask of account mode bits.
type AccountFlags int64

const (
	// AccountOffline makes every data-plane call fail TimedOut, simulating an
	// unreachable backend for this account.
	AccountOffline AccountFlags = 1 << 0
)

// Has reports whether all bits in mask are set.
func (f AccountFlags) Has(mask AccountFlags) bool {
	return f&mask == mask
}
