// Package store defines the item store interface: the transactional table of
// items, their metadata, content revisions, and the rank-ordered change log.
//
// The store owns all tree semantics: optimistic-concurrency version checks,
// conflict-strategy resolution (reject/merge/bounce), quota accounting, lock
// bookkeeping, and rank stamping for the change feed. The dispatch layer is a
// thin translation on top of it; replication clients consume its output
// through list operations and sync anchors.
package store

import (
	"context"
	"time"

	"github.com/marmos91/orchard/pkg/domain"
)

// ============================================================================
// Option and Parameter Types
// ============================================================================

// ConflictStrategy says what to do when a create or move collides with an
// existing non-deleted sibling of the same name.
type ConflictStrategy string

const (
	// StrategyReject fails the call with ItemExists carrying the colliding
	// entry.
	StrategyReject ConflictStrategy = "reject"

	// StrategyMerge treats the colliding entry as the result: the call
	// returns the existing item unchanged.
	StrategyMerge ConflictStrategy = "merge"

	// StrategyBounce renames the existing item out of the way (numeric
	// suffix, incremented until free) and proceeds under the original name.
	StrategyBounce ConflictStrategy = "bounce"
)

// ChangeType is the kind of mutation being resolved against a collision. The
// strategy table treats creates more leniently than moves/renames.
type ChangeType string

const (
	ChangeCreate         ChangeType = "create"
	ChangeModifyMetadata ChangeType = "modifyMetadata"
)

// CreateItemParams carries the arguments of CreateItem.
type CreateItemParams struct {
	Parent   domain.ItemID
	Name     string
	Type     domain.EntryType
	Metadata domain.EntryMetadata

	// Strategy resolves a name collision. Empty means: consult the
	// conflict-strategy table (type mismatch, folders, symlinks, trash and
	// hidden paths) and apply its verdict.
	Strategy ConflictStrategy

	// SymlinkTarget is the target path for TypeSymlink items.
	SymlinkTarget string

	// Content optionally supplies an initial payload, stored as revision 0.
	Content *Payload

	// Originator tags the content revision with the uploading account's
	// display name.
	Originator string
}

// Payload is a content payload entering the store: the wire descriptor plus
// the inline bytes when the descriptor says inline or resource fork. Chunked
// payloads carry no bytes here; their chunks are uploaded separately.
type Payload struct {
	Descriptor domain.StorageDescriptor
	Data       []byte
}

// Size returns the payload's logical size in bytes.
func (p *Payload) Size() int64 {
	if p == nil {
		return 0
	}
	if p.Descriptor.Kind == domain.StorageChunked && p.Descriptor.Chunks != nil {
		return p.Descriptor.Chunks.ContentLength
	}
	return int64(len(p.Data))
}

// UpdateContentParams carries the arguments of UpdateContent.
type UpdateContentParams struct {
	ID              domain.ItemID
	ExpectedVersion domain.Version
	Content         Payload
	Originator      string

	// Conflict marks this upload as racing a newer live revision: prior
	// revisions are retained as conflicts instead of being deleted, and the
	// call reports the content as not accepted.
	Conflict bool

	// BaseVersion is the content version the uploader based its edit on.
	// Recorded on the revision for conflict resolution UIs.
	BaseVersion int64
}

// UpdateMetadataParams carries the arguments of UpdateMetadata. Nil pointer
// fields leave the corresponding aspect untouched.
type UpdateMetadataParams struct {
	ID              domain.ItemID
	ExpectedVersion domain.Version
	Name            *string
	Parent          *domain.ItemID
	Metadata        *domain.EntryMetadata

	// Strategy resolves a destination name collision; empty means consult
	// the conflict-strategy table.
	Strategy ConflictStrategy
}

// ListPage bounds list operations.
const DefaultBatchSize = 200

// ChangeListener observes committed mutations. It receives the mutated item
// and its parent, after the transaction has committed. Listeners must not
// call back into the store synchronously; enqueue further writes instead.
type ChangeListener func(parent, item domain.ItemID)

// ============================================================================
// Store Interface
// ============================================================================

// Store is the transactional item store for one server.
//
// All accounts share one store; operations that depend on per-account state
// (trash location for conflict decisions, quota accounting) take the account.
// Every operation executes inside a single storage transaction: partial
// failure rolls back all of its mutations, so the change feed never observes
// a call's effects split across two ranks.
//
// Thread Safety:
// Implementations must be safe for concurrent use. The dispatch layer
// additionally serializes mutating calls per account; the store only has to
// keep rank allocation globally ordered.
type Store interface {
	// ------------------------------------------------------------------------
	// Item mutations
	// ------------------------------------------------------------------------

	// CreateItem inserts a new item under params.Parent.
	//
	// Fails ItemNotFound if the parent is missing or deleted and
	// ParameterError on an empty name. A name collision is resolved by the
	// conflict strategy: reject fails ItemExists(existing), merge returns
	// the existing entry unchanged, bounce renames the existing item and
	// inserts the new one under the original name. The parent is stamped
	// with a fresh rank either way.
	CreateItem(ctx context.Context, account *domain.Account, params CreateItemParams) (*domain.Entry, error)

	// UpdateContent stores a new content revision for an item.
	//
	// Fails ItemNotFound on missing/deleted items, WrongRevision(current)
	// when ExpectedVersion.Content is stale, and InsufficientQuota when a
	// finite account quota would be exceeded by the size delta.
	//
	// The bool result is the contentAccepted signal: true on the normal
	// path (prior non-conflict revisions deleted, thumbnail cleared), false
	// on the conflict path (prior revisions retained as conflicts, caller
	// must refetch and retry).
	UpdateContent(ctx context.Context, account *domain.Account, params UpdateContentParams) (*domain.Entry, bool, error)

	// UpdateResourceFork attaches an alternate data stream to the item's
	// live revision. Unlike UpdateContent there is no conflict path: a
	// stale ExpectedVersion.Content always fails WrongRevision.
	UpdateResourceFork(ctx context.Context, id domain.ItemID, expectedVersion domain.Version, data []byte) (*domain.Entry, error)

	// UpdateMetadata renames, moves, and/or patches an item's metadata.
	//
	// Fails ItemNotFound (item or destination parent), WrongRevision when
	// ExpectedVersion.Metadata is stale, ParameterError on an empty
	// resulting name or when the move would place an item under its own
	// descendant. Metadata is merged field-wise through the validity
	// bitmask, never overwritten wholesale.
	UpdateMetadata(ctx context.Context, account *domain.Account, params UpdateMetadataParams) (*domain.Entry, error)

	// DeleteItem tombstones an item.
	//
	// When expectedContentVersion is non-nil and does not match the current
	// content version, fails DeletionRejected(current); metadata-version
	// mismatches never block a delete. With recursive, descendants are
	// tombstoned first (depth-first), reclaiming quota for every purged
	// revision. Locks on deleted items are dropped.
	DeleteItem(ctx context.Context, account *domain.Account, id domain.ItemID, expectedContentVersion *int64, recursive bool) error

	// TrashItem moves an item into the account's trash folder, resolving
	// trash-name collisions by bouncing the previous occupant.
	TrashItem(ctx context.Context, account *domain.Account, id domain.ItemID, expectedVersion domain.Version) (*domain.Entry, error)

	// ------------------------------------------------------------------------
	// Item queries
	// ------------------------------------------------------------------------

	// FetchItem returns the entry for an item, deleted or not.
	FetchItem(ctx context.Context, id domain.ItemID) (*domain.Entry, error)

	// FetchContent returns the entry plus the payload of one content
	// revision. A nil revision selects the live one. Inline data is
	// returned directly; chunked payloads come back as their descriptor
	// with the data assembled by the caller from the chunk store.
	FetchContent(ctx context.Context, id domain.ItemID, revision *int64) (*domain.Entry, *Payload, error)

	// FetchResourceFork returns the item's alternate data stream, or nil
	// when none is attached.
	FetchResourceFork(ctx context.Context, id domain.ItemID) ([]byte, error)

	// FetchStorageType reports where a revision's payload lives.
	FetchStorageType(ctx context.Context, id domain.ItemID, revision *int64) (domain.StorageKind, error)

	// ListFiles enumerates non-deleted items under a folder in insertion
	// order (identifier order). cursor is the last identifier of the
	// previous page; nil starts from the beginning. The returned cursor is
	// nil once the listing is exhausted.
	ListFiles(ctx context.Context, account *domain.Account, folder domain.ItemID, cursor *domain.ItemID, recursive bool, batchSize int) ([]domain.Entry, *domain.ItemID, error)

	// ListChanges enumerates items mutated after sinceRank, in rank order,
	// including tombstones so deletions propagate. hasMore reports that a
	// full batch was returned and the caller should re-poll immediately.
	// The returned rank is the highest rank seen.
	ListChanges(ctx context.Context, account *domain.Account, folder domain.ItemID, sinceRank domain.Rank, recursive bool, batchSize int) ([]domain.Entry, bool, domain.Rank, error)

	// LatestRank returns the current global rank for use as a sync anchor.
	LatestRank(ctx context.Context) (domain.Rank, error)

	// CountItems returns the total number of item records, tombstones
	// included. Diagnostic surface for the accounts plane.
	CountItems(ctx context.Context) (int, error)

	// ReferencedChunks returns the deduplicated chunk hashes referenced by
	// any retained content revision. Garbage collection diffs this set
	// against the chunk store's contents.
	ReferencedChunks(ctx context.Context) ([]string, error)

	// ------------------------------------------------------------------------
	// Conflicts
	// ------------------------------------------------------------------------

	// ListConflicts returns the retained revisions of an item (the live one
	// included) and the live content version.
	ListConflicts(ctx context.Context, id domain.ItemID) ([]domain.ConflictVersion, int64, error)

	// KeepVersions resolves a conflict: each selected revision becomes
	// either the live item (when it matches the current version) or a new
	// sibling named after its originator and date; unselected conflict
	// revisions are discarded.
	KeepVersions(ctx context.Context, account *domain.Account, id domain.ItemID, versionsToKeep []int64, baseVersion int64) error

	// CreateConflict duplicates the live revision as a conflict revision,
	// tagged with the given originator. Test/tooling entry point.
	CreateConflict(ctx context.Context, id domain.ItemID, originator string) error

	// ------------------------------------------------------------------------
	// Thumbnails
	// ------------------------------------------------------------------------

	// UpdateThumbnail stores an item's thumbnail blob, bumping its metadata
	// version and rank.
	UpdateThumbnail(ctx context.Context, id domain.ItemID, expectedVersion domain.Version, data []byte) (*domain.Entry, error)

	// FetchThumbnail returns the stored thumbnail, or nil when none exists.
	FetchThumbnail(ctx context.Context, id domain.ItemID) ([]byte, error)

	// ------------------------------------------------------------------------
	// Locks
	// ------------------------------------------------------------------------

	// UpdateLock upserts an advisory lock and bumps the parent's rank, so
	// enumerators of the folder notice without the item's own version
	// moving.
	UpdateLock(ctx context.Context, id domain.ItemID, expiry time.Time, enumerationIndex int64, owner string) error

	// RemoveLock drops the lock with the given enumeration index, or every
	// lock on the item when index is nil. Parent rank is bumped.
	RemoveLock(ctx context.Context, id domain.ItemID, enumerationIndex *int64) error

	// ListLocks returns all live lock records.
	ListLocks(ctx context.Context) ([]domain.Lock, error)

	// ExpireLocks drops locks past their expiry, bumping each parent's
	// rank, and returns the next upcoming expiry so the caller can rearm
	// its sweep timer (nil when no locks remain).
	ExpireLocks(ctx context.Context) (*time.Time, error)

	// ------------------------------------------------------------------------
	// Fault injection
	// ------------------------------------------------------------------------

	// SetSimulatedError attaches a simulated error to an item's read or
	// write path, or clears it when simErr is nil.
	SetSimulatedError(ctx context.Context, id domain.ItemID, access domain.AccessType, simErr *domain.SimulatedError) error

	// SimulatedErrors returns the active fault-injection table.
	SimulatedErrors(ctx context.Context) (map[domain.ItemID]map[domain.AccessType]domain.SimulatedError, error)

	// ------------------------------------------------------------------------
	// Roots and quota
	// ------------------------------------------------------------------------

	// CreateRoot allocates a fresh root item with its trash folder.
	CreateRoot(ctx context.Context, displayName string) (root, trash domain.ItemID, err error)

	// UsedQuota returns the account's current usage in bytes.
	UsedQuota(ctx context.Context, account *domain.Account) (int64, error)

	// ------------------------------------------------------------------------
	// Accounts (persistence only; registry logic lives in pkg/registry)
	// ------------------------------------------------------------------------

	// SaveAccount inserts or updates an account record.
	SaveAccount(ctx context.Context, account *domain.Account) error

	// GetAccount returns the account with the given identifier, or
	// DomainNotFound.
	GetAccount(ctx context.Context, id domain.AccountID) (*domain.Account, error)

	// ListAccounts returns all account records.
	ListAccounts(ctx context.Context) ([]domain.Account, error)

	// DeleteAccount removes an account record. Subtree cleanup is the
	// registry's job.
	DeleteAccount(ctx context.Context, id domain.AccountID) error

	// ------------------------------------------------------------------------
	// Lifecycle
	// ------------------------------------------------------------------------

	// AddChangeListener registers a post-commit mutation observer.
	AddChangeListener(listener ChangeListener)

	// Close releases the underlying database. The store must not be used
	// after Close returns.
	Close() error
}
