package domain

import "time"

// MetadataField is the validity bitmask for EntryMetadata. A field of a
// metadata patch is only meaningful when its bit is set in Valid; fields
// without their bit are "inherited" and survive a merge untouched. This is
// what lets clients send partial metadata updates without clobbering state
// they never observed.
type MetadataField int

const (
	FieldFileSystemFlags MetadataField = 1 << iota
	FieldLastUsedDate
	FieldTagData
	FieldFavoriteRank
	FieldCreationDate
	FieldContentModificationDate
	FieldExtendedAttributes
	FieldTypeAndCreator
)

// AllMetadataFields has every validity bit set.
const AllMetadataFields = FieldFileSystemFlags | FieldLastUsedDate |
	FieldTagData | FieldFavoriteRank | FieldCreationDate |
	FieldContentModificationDate | FieldExtendedAttributes | FieldTypeAndCreator

// FileSystemFlags mirror the host file-system flag bits (user readable,
// writable, executable, hidden). They are carried opaquely.
type FileSystemFlags uint32

const (
	FlagUserExecutable FileSystemFlags = 1 << 0
	FlagUserReadable   FileSystemFlags = 1 << 1
	FlagUserWritable   FileSystemFlags = 1 << 2
	FlagHidden         FileSystemFlags = 1 << 3
)

// EntryMetadata is the partial-update metadata bag of an item. Every field is
// optional; Valid records which fields a particular value actually carries.
type EntryMetadata struct {
	FileSystemFlags         *FileSystemFlags  `json:"file_system_flags,omitempty"`
	LastUsedDate            *time.Time        `json:"last_used_date,omitempty"`
	TagData                 []byte            `json:"tag_data,omitempty"`
	FavoriteRank            *int64            `json:"favorite_rank,omitempty"`
	CreationDate            *time.Time        `json:"creation_date,omitempty"`
	ContentModificationDate *time.Time        `json:"content_modification_date,omitempty"`
	ExtendedAttributes      map[string][]byte `json:"extended_attributes,omitempty"`
	TypeAndCreator          *uint64           `json:"type_and_creator,omitempty"`

	// Valid selects which of the fields above are present (vs inherited).
	Valid MetadataField `json:"valid_entries"`
}

// EmptyMetadata carries nothing and marks nothing valid.
var EmptyMetadata = EntryMetadata{}

// FolderMetadata is the default metadata for freshly created folders.
func FolderMetadata() EntryMetadata {
	flags := FlagUserExecutable | FlagUserReadable | FlagUserWritable
	return EntryMetadata{
		FileSystemFlags: &flags,
		Valid:           FieldFileSystemFlags,
	}
}

// Merge combines base metadata with a patch: for each field, the patch's
// value wins only when the patch marks that field valid, otherwise the base
// value is kept. The result marks every field valid that either side did.
func (m EntryMetadata) Merge(patch EntryMetadata) EntryMetadata {
	out := m
	if patch.Valid&FieldFileSystemFlags != 0 {
		out.FileSystemFlags = patch.FileSystemFlags
	}
	if patch.Valid&FieldLastUsedDate != 0 {
		out.LastUsedDate = patch.LastUsedDate
	}
	if patch.Valid&FieldTagData != 0 {
		out.TagData = patch.TagData
	}
	if patch.Valid&FieldFavoriteRank != 0 {
		out.FavoriteRank = patch.FavoriteRank
	}
	if patch.Valid&FieldCreationDate != 0 {
		out.CreationDate = patch.CreationDate
	}
	if patch.Valid&FieldContentModificationDate != 0 {
		out.ContentModificationDate = patch.ContentModificationDate
	}
	if patch.Valid&FieldExtendedAttributes != 0 {
		out.ExtendedAttributes = patch.ExtendedAttributes
	}
	if patch.Valid&FieldTypeAndCreator != 0 {
		out.TypeAndCreator = patch.TypeAndCreator
	}
	out.Valid = m.Valid | patch.Valid
	return out
}

// IsHidden reports whether the metadata marks the item hidden via file-system
// flags. Dot-prefixed names are handled separately by the conflict logic.
func (m EntryMetadata) IsHidden() bool {
	return m.Valid&FieldFileSystemFlags != 0 &&
		m.FileSystemFlags != nil &&
		*m.FileSystemFlags&FlagHidden != 0
}
