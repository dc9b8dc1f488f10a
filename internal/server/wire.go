package server

import (
	"github.com/marmos91/orchard/pkg/domain"
)

// ============================================================================
// Wire Parameter and Return Types
// ============================================================================

// Wire-level conflict strategies for create. Anything else (including the
// empty string) means: let the store's conflict table decide.
const (
	conflictFailOnExisting        = "failOnExisting"
	conflictUpdateAlreadyExisting = "updateAlreadyExisting"
)

type listFolderParams struct {
	FolderIdentifier domain.ItemID `json:"folder_identifier"`
	Recursive        bool          `json:"recursive"`
	StartingCursor   int64         `json:"starting_cursor"`
}

type listFolderReturn struct {
	Entries        []domain.Entry  `json:"entries"`
	DeletedEntries []domain.ItemID `json:"deleted_entries,omitempty"`
	Cursor         *int64          `json:"cursor"`
	Rank           string          `json:"rank"`
}

type listChangesParams struct {
	FolderIdentifier domain.ItemID `json:"folder_identifier"`
	Recursive        bool          `json:"recursive"`
	StartingRank     string        `json:"starting_rank"`
}

type listChangesReturn struct {
	Entries        []domain.Entry  `json:"entries"`
	DeletedEntries []domain.ItemID `json:"deleted_entries,omitempty"`
	Rank           string          `json:"rank"`
	HasMore        bool            `json:"has_more"`
}

type latestRankParams struct {
	FolderIdentifier domain.ItemID `json:"folder_identifier"`
}

type latestRankReturn struct {
	Rank string `json:"rank"`
}

type createParams struct {
	Parent             domain.ItemID             `json:"parent"`
	Name               string                    `json:"name"`
	Type               domain.EntryType          `json:"type"`
	Metadata           domain.EntryMetadata      `json:"metadata"`
	ConflictStrategy   string                    `json:"conflict_strategy"`
	ContentStorageType *domain.StorageDescriptor `json:"content_storage_type,omitempty"`
	SymlinkTarget      string                    `json:"symlink_target,omitempty"`
}

type createReturn struct {
	Item domain.Entry `json:"item"`
}

type modifyContentsParams struct {
	Identifier         domain.ItemID            `json:"identifier"`
	ExistingRevision   domain.Version           `json:"existing_revision"`
	ContentStorageType domain.StorageDescriptor `json:"content_storage_type"`

	// Set when re-uploading against an item already known to be conflicted,
	// so the prior revisions are retained instead of replaced.
	UpdateConflictedItem bool `json:"update_conflicted_item"`
}

type modifyContentsReturn struct {
	Item            domain.Entry `json:"item"`
	ContentAccepted bool         `json:"content_accepted"`
}

type modifyMetadataParams struct {
	ItemIdentifier   domain.ItemID        `json:"item_identifier"`
	ExistingRevision domain.Version       `json:"existing_revision"`
	Filename         *string              `json:"filename,omitempty"`
	Parent           *domain.ItemID       `json:"parent,omitempty"`
	Metadata         domain.EntryMetadata `json:"metadata"`
}

type modifyMetadataReturn struct {
	Item                  domain.Entry `json:"item"`
	MetadataWasRolledBack bool         `json:"metadata_was_rolled_back"`
}

type fetchItemParams struct {
	ItemIdentifier domain.ItemID `json:"item_identifier"`
}

type fetchItemReturn struct {
	Item domain.Entry `json:"item"`
}

type downloadItemParams struct {
	ItemIdentifier    domain.ItemID   `json:"item_identifier"`
	RequestedRevision *domain.Version `json:"requested_revision,omitempty"`
	ResourceFork      bool            `json:"resource_fork"`
}

type downloadItemReturn struct {
	Item domain.Entry `json:"item"`
}

type fetchStorageTypeParams struct {
	ItemIdentifier    domain.ItemID  `json:"item_identifier"`
	RequestedRevision domain.Version `json:"requested_revision"`
}

type fetchStorageTypeReturn struct {
	ContentStorageType domain.StorageDescriptor `json:"content_storage_type"`
}

type deleteItemParams struct {
	ItemIdentifier   domain.ItemID  `json:"item_identifier"`
	ExistingRevision domain.Version `json:"existing_revision"`
	RecursiveDelete  bool           `json:"recursive_delete"`
}

type trashItemParams struct {
	ItemIdentifier   domain.ItemID  `json:"item_identifier"`
	ExistingRevision domain.Version `json:"existing_revision"`
}

type trashItemReturn struct {
	Item                  domain.Entry `json:"item"`
	MetadataWasRolledBack bool         `json:"metadata_was_rolled_back"`
}

type updateThumbnailParams struct {
	Identifier       domain.ItemID  `json:"identifier"`
	ExistingRevision domain.Version `json:"existing_revision"`
}

type fetchThumbnailParams struct {
	Identifier        domain.ItemID   `json:"identifier"`
	RequestedRevision *domain.Version `json:"requested_revision,omitempty"`
}

type conflictVersionsParams struct {
	Identifier domain.ItemID `json:"identifier"`
}

type conflictVersionsReturn struct {
	Versions       []domain.ConflictVersion `json:"versions"`
	CurrentVersion domain.Version           `json:"current_version"`
}

type resolveConflictsParams struct {
	Identifier     domain.ItemID  `json:"identifier"`
	VersionsToKeep []int64        `json:"versions_to_keep"`
	BaseVersion    domain.Version `json:"base_version"`
}

type createConflictParams struct {
	Identifier domain.ItemID `json:"identifier"`
	Originator string        `json:"originator"`
}

type createConflictReturn struct {
	Entry domain.Entry `json:"entry"`
}

// Extended-attribute names written by the mark endpoint. They ride along in
// the item's metadata bag and sync to every mirroring account.
const (
	heartXattr  = "com.orchard.heart"
	pinnedXattr = "com.orchard.pinned"
	sharedXattr = "com.orchard.isShared"
)

type markParams struct {
	Identifiers []domain.ItemID `json:"identifiers"`
	Heart       *bool           `json:"heart,omitempty"`
	Pinned      *bool           `json:"pinned,omitempty"`
	IsShared    *bool           `json:"is_shared,omitempty"`
}

type pingLockParams struct {
	Identifier       domain.ItemID `json:"identifier"`
	Owner            string        `json:"owner"`
	EnumerationIndex int64         `json:"enumeration_index"`
}

type removeLockParams struct {
	Identifier       domain.ItemID `json:"identifier"`
	EnumerationIndex int64         `json:"enumeration_index"`
}

type forceLockParams struct {
	Identifier domain.ItemID `json:"identifier"`
}

type listLocksReturn struct {
	Locks []domain.Lock `json:"locks"`
}

type createChunkParams struct {
	HexEncodedSha256OfData string `json:"hex_encoded_sha256_of_data"`
}

type getChunkParams struct {
	HexEncodedSha256OfData string `json:"hex_encoded_sha256_of_data"`
}

type checkChunkExistsParams struct {
	HexEncodedSha256OfChunksToCheck []string `json:"hex_encoded_sha256_of_chunks_to_check"`
}

type checkChunkExistsReturn struct {
	ChunksThatExist      []string `json:"chunks_that_exist"`
	ChunksThatDoNotExist []string `json:"chunks_that_do_not_exist"`
}

type simulateErrorParams struct {
	Identifier domain.ItemID          `json:"identifier"`
	AccessType domain.AccessType      `json:"access_type"`
	Error      *domain.SimulatedError `json:"error,omitempty"`
}

type simulateErrorListReturn struct {
	Errors map[domain.ItemID]map[domain.AccessType]domain.SimulatedError `json:"errors"`
}

// emptyParams/emptyReturn are for endpoints with no inputs or outputs.
// Callers still send "arguments={}" so every request parses the same way.
type emptyParams struct{}

type emptyReturn struct{}

// ============================================================================
// Accounts Plane
// ============================================================================

type accountInfoReturn struct {
	Standalone bool `json:"standalone"`
	ItemCount  int  `json:"item_count"`
}

type listAccountsReturn struct {
	Accounts []domain.Account `json:"accounts"`
}

type createAccountParams struct {
	DisplayName      string            `json:"display_name"`
	MirroringAccount *domain.AccountID `json:"mirroring_account,omitempty"`
}

type createAccountReturn struct {
	Account domain.Account `json:"account"`
}

type removeAccountParams struct {
	Identifiers []domain.AccountID `json:"identifiers"`
}

type offlineModeParams struct {
	Identifier    domain.AccountID `json:"identifier"`
	EnableOffline bool             `json:"enable_offline"`
}

type offlineModeReturn struct {
	Offline bool `json:"offline"`
}

type accountIdentifierParams struct {
	Identifier domain.AccountID `json:"identifier"`
}

// ============================================================================
// Sentinel Rewriting
// ============================================================================

// resolveID maps the wire sentinels back to the requesting account's real
// identifiers. IDs below FirstDynamicID are reserved, so real items can never
// collide with the sentinels.
func (b *backend) resolveID(id domain.ItemID) domain.ItemID {
	switch id {
	case domain.WireRootID:
		return b.account.Root
	case domain.WireTrashID:
		return b.account.Trash
	default:
		return id
	}
}

// wireID maps the account's root and trash identifiers to their wire
// sentinels, so every client addresses its own tree the same way.
func (b *backend) wireID(id domain.ItemID) domain.ItemID {
	switch id {
	case b.account.Root:
		return domain.WireRootID
	case b.account.Trash:
		return domain.WireTrashID
	default:
		return id
	}
}

func (b *backend) wireEntry(e domain.Entry) domain.Entry {
	e.ID = b.wireID(e.ID)
	e.Parent = b.wireID(e.Parent)
	return e
}

func (b *backend) wireEntries(entries []domain.Entry) []domain.Entry {
	out := make([]domain.Entry, len(entries))
	for i, e := range entries {
		out[i] = b.wireEntry(e)
	}
	return out
}
