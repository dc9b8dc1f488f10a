package server

import (
	"context"
	"errors"
	"time"

	"github.com/marmos91/orchard/pkg/chunkstore"
	"github.com/marmos91/orchard/pkg/domain"
	"github.com/marmos91/orchard/pkg/store"
)

// ============================================================================
// Helpers
// ============================================================================

// checkSimulated fails with the item's simulated error when fault injection
// is armed for this access path.
func (b *backend) checkSimulated(ctx context.Context, id domain.ItemID, access domain.AccessType) error {
	sims, err := b.server.store.SimulatedErrors(ctx)
	if err != nil {
		return err
	}
	if sim, ok := sims[id][access]; ok {
		return domain.ErrSimulated(sim)
	}
	return nil
}

// contentPayload builds the store payload for an upload: an explicit
// descriptor wins; a bare body is inline content; neither means no content.
func contentPayload(desc *domain.StorageDescriptor, body []byte) *store.Payload {
	switch {
	case desc != nil:
		return &store.Payload{Descriptor: *desc, Data: body}
	case len(body) > 0:
		return &store.Payload{
			Descriptor: domain.StorageDescriptor{Kind: domain.StorageInline},
			Data:       body,
		}
	default:
		return nil
	}
}

// assembleChunks materializes a chunked payload by fetching its chunks in
// file order.
func (b *backend) assembleChunks(ctx context.Context, list *domain.ChunkList) ([]byte, error) {
	data := make([]byte, 0, list.ContentLength)
	for _, hash := range list.Hashes {
		chunk, err := b.server.chunks.GetChunk(ctx, hash)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// anchor encodes the given rank as an opaque sync anchor bound to this
// account's token check number.
func (b *backend) anchor(rank domain.Rank) string {
	return domain.RankToken{
		Rank:             rank,
		TokenCheckNumber: b.account.TokenCheckNumber,
	}.Encode()
}

// ============================================================================
// Enumeration
// ============================================================================

func (b *backend) listFolder(ctx context.Context, param listFolderParams, _ []byte) (listFolderReturn, []byte, error) {
	folder := b.resolveID(param.FolderIdentifier)
	if err := b.checkSimulated(ctx, folder, domain.AccessRead); err != nil {
		return listFolderReturn{}, nil, err
	}

	var cursor *domain.ItemID
	if param.StartingCursor != 0 {
		c := domain.ItemID(param.StartingCursor)
		cursor = &c
	}

	entries, next, err := b.server.store.ListFiles(ctx, b.account, folder, cursor, param.Recursive, store.DefaultBatchSize)
	if err != nil {
		return listFolderReturn{}, nil, err
	}
	rank, err := b.server.store.LatestRank(ctx)
	if err != nil {
		return listFolderReturn{}, nil, err
	}

	ret := listFolderReturn{
		Entries: b.wireEntries(entries),
		Rank:    b.anchor(rank),
	}
	if next != nil {
		c := int64(*next)
		ret.Cursor = &c
	}
	return ret, nil, nil
}

func (b *backend) listChanges(ctx context.Context, param listChangesParams, _ []byte) (listChangesReturn, []byte, error) {
	folder := b.resolveID(param.FolderIdentifier)
	if err := b.checkSimulated(ctx, folder, domain.AccessRead); err != nil {
		return listChangesReturn{}, nil, err
	}

	token, err := domain.DecodeAnchor(param.StartingRank)
	if err != nil {
		return listChangesReturn{}, nil, err
	}
	if token.TokenCheckNumber != b.account.TokenCheckNumber {
		return listChangesReturn{}, nil, domain.ErrTokenExpired()
	}

	entries, hasMore, latest, err := b.server.store.ListChanges(ctx, b.account, folder, token.Rank, param.Recursive, store.DefaultBatchSize)
	if err != nil {
		return listChangesReturn{}, nil, err
	}

	ret := listChangesReturn{
		Rank:    b.anchor(latest),
		HasMore: hasMore,
	}
	// Tombstones propagate as bare identifiers; everything else as full
	// entries.
	for _, e := range entries {
		if e.Deleted {
			ret.DeletedEntries = append(ret.DeletedEntries, b.wireID(e.ID))
		} else {
			ret.Entries = append(ret.Entries, b.wireEntry(e))
		}
	}
	return ret, nil, nil
}

func (b *backend) latestRank(ctx context.Context, _ latestRankParams, _ []byte) (latestRankReturn, []byte, error) {
	rank, err := b.server.store.LatestRank(ctx)
	if err != nil {
		return latestRankReturn{}, nil, err
	}
	return latestRankReturn{Rank: b.anchor(rank)}, nil, nil
}

// ============================================================================
// Item Mutations
// ============================================================================

func (b *backend) create(ctx context.Context, param createParams, payload []byte) (createReturn, []byte, error) {
	parent := b.resolveID(param.Parent)
	if err := b.checkSimulated(ctx, parent, domain.AccessWrite); err != nil {
		return createReturn{}, nil, err
	}

	params := store.CreateItemParams{
		Parent:        parent,
		Name:          param.Name,
		Type:          param.Type,
		Metadata:      param.Metadata,
		Strategy:      store.StrategyReject,
		SymlinkTarget: param.SymlinkTarget,
		Content:       contentPayload(param.ContentStorageType, payload),
		Originator:    b.account.DisplayName,
	}

	entry, err := b.server.store.CreateItem(ctx, b.account, params)
	if domain.IsKind(err, domain.KindItemExists) {
		existing := domain.EntryOf(err)
		switch {
		case existing == nil || existing.Type != param.Type,
			param.ConflictStrategy == conflictFailOnExisting:
			// Keep the rejection.
		case param.ConflictStrategy == conflictUpdateAlreadyExisting:
			params.Strategy = store.StrategyMerge
			entry, err = b.server.store.CreateItem(ctx, b.account, params)
		case existing.Size == params.Content.Size():
			// Same name, same type, same size: a raced duplicate of an
			// upload that already landed. Return the existing item.
			params.Strategy = store.StrategyMerge
			entry, err = b.server.store.CreateItem(ctx, b.account, params)
		default:
			// Let the store's conflict table pick merge or bounce.
			params.Strategy = ""
			entry, err = b.server.store.CreateItem(ctx, b.account, params)
		}
	}
	if err != nil {
		return createReturn{}, nil, err
	}

	b.server.metrics.RecordStoreMutation("create")
	return createReturn{Item: b.wireEntry(*entry)}, nil, nil
}

func (b *backend) modifyContents(ctx context.Context, param modifyContentsParams, payload []byte) (modifyContentsReturn, []byte, error) {
	id := b.resolveID(param.Identifier)
	if err := b.checkSimulated(ctx, id, domain.AccessWrite); err != nil {
		return modifyContentsReturn{}, nil, err
	}

	if param.ContentStorageType.Kind == domain.StorageResourceFork {
		entry, err := b.server.store.UpdateResourceFork(ctx, id, param.ExistingRevision, payload)
		if err != nil {
			return modifyContentsReturn{}, nil, err
		}
		b.server.metrics.RecordStoreMutation("modifyContents")
		return modifyContentsReturn{Item: b.wireEntry(*entry), ContentAccepted: true}, nil, nil
	}

	params := store.UpdateContentParams{
		ID:              id,
		ExpectedVersion: param.ExistingRevision,
		Content:         store.Payload{Descriptor: param.ContentStorageType, Data: payload},
		Originator:      b.account.DisplayName,
		Conflict:        param.UpdateConflictedItem,
		BaseVersion:     param.ExistingRevision.Content,
	}

	entry, accepted, err := b.server.store.UpdateContent(ctx, b.account, params)
	if domain.IsKind(err, domain.KindWrongRevision) && !params.Conflict {
		if current := domain.EntryOf(err); current != nil {
			// The live content moved under the uploader. Keep the upload
			// as a conflict revision against the current version; the
			// caller refetches and reconciles.
			params.ExpectedVersion = current.Revision
			params.Conflict = true
			entry, accepted, err = b.server.store.UpdateContent(ctx, b.account, params)
		}
	}
	if err != nil {
		return modifyContentsReturn{}, nil, err
	}

	b.server.metrics.RecordStoreMutation("modifyContents")
	return modifyContentsReturn{Item: b.wireEntry(*entry), ContentAccepted: accepted}, nil, nil
}

func (b *backend) modifyMetadata(ctx context.Context, param modifyMetadataParams, _ []byte) (modifyMetadataReturn, []byte, error) {
	id := b.resolveID(param.ItemIdentifier)
	if err := b.checkSimulated(ctx, id, domain.AccessWrite); err != nil {
		return modifyMetadataReturn{}, nil, err
	}

	var parent *domain.ItemID
	if param.Parent != nil {
		p := b.resolveID(*param.Parent)
		parent = &p
	}

	meta := param.Metadata
	entry, err := b.server.store.UpdateMetadata(ctx, b.account, store.UpdateMetadataParams{
		ID:              id,
		ExpectedVersion: param.ExistingRevision,
		Name:            param.Filename,
		Parent:          parent,
		Metadata:        &meta,
	})
	if domain.IsKind(err, domain.KindWrongRevision) {
		if current := domain.EntryOf(err); current != nil {
			// Metadata races are lost silently: the caller gets the
			// current state and is told its change did not stick.
			return modifyMetadataReturn{Item: b.wireEntry(*current), MetadataWasRolledBack: true}, nil, nil
		}
	}
	if err != nil {
		return modifyMetadataReturn{}, nil, err
	}

	b.server.metrics.RecordStoreMutation("modifyMetadata")
	return modifyMetadataReturn{Item: b.wireEntry(*entry)}, nil, nil
}

func (b *backend) deleteItem(ctx context.Context, param deleteItemParams, _ []byte) (emptyReturn, []byte, error) {
	id := b.resolveID(param.ItemIdentifier)
	if err := b.checkSimulated(ctx, id, domain.AccessWrite); err != nil {
		return emptyReturn{}, nil, err
	}

	expected := param.ExistingRevision.Content
	if err := b.server.store.DeleteItem(ctx, b.account, id, &expected, param.RecursiveDelete); err != nil {
		return emptyReturn{}, nil, err
	}

	b.server.metrics.RecordStoreMutation("delete")
	return emptyReturn{}, nil, nil
}

func (b *backend) trashItem(ctx context.Context, param trashItemParams, _ []byte) (trashItemReturn, []byte, error) {
	id := b.resolveID(param.ItemIdentifier)
	if err := b.checkSimulated(ctx, id, domain.AccessWrite); err != nil {
		return trashItemReturn{}, nil, err
	}

	entry, err := b.server.store.TrashItem(ctx, b.account, id, param.ExistingRevision)
	if domain.IsKind(err, domain.KindWrongRevision) {
		if current := domain.EntryOf(err); current != nil {
			return trashItemReturn{Item: b.wireEntry(*current), MetadataWasRolledBack: true}, nil, nil
		}
	}
	if err != nil {
		return trashItemReturn{}, nil, err
	}

	b.server.metrics.RecordStoreMutation("trash")
	return trashItemReturn{Item: b.wireEntry(*entry)}, nil, nil
}

// ============================================================================
// Item Queries
// ============================================================================

func (b *backend) fetchItem(ctx context.Context, param fetchItemParams, _ []byte) (fetchItemReturn, []byte, error) {
	id := b.resolveID(param.ItemIdentifier)
	if err := b.checkSimulated(ctx, id, domain.AccessRead); err != nil {
		return fetchItemReturn{}, nil, err
	}

	entry, err := b.server.store.FetchItem(ctx, id)
	if err != nil {
		return fetchItemReturn{}, nil, err
	}
	return fetchItemReturn{Item: b.wireEntry(*entry)}, nil, nil
}

func (b *backend) downloadItem(ctx context.Context, param downloadItemParams, _ []byte) (downloadItemReturn, []byte, error) {
	id := b.resolveID(param.ItemIdentifier)
	if err := b.checkSimulated(ctx, id, domain.AccessRead); err != nil {
		return downloadItemReturn{}, nil, err
	}

	if param.ResourceFork {
		entry, err := b.server.store.FetchItem(ctx, id)
		if err != nil {
			return downloadItemReturn{}, nil, err
		}
		data, err := b.server.store.FetchResourceFork(ctx, id)
		if err != nil {
			return downloadItemReturn{}, nil, err
		}
		if data == nil {
			data = []byte{}
		}
		return downloadItemReturn{Item: b.wireEntry(*entry)}, data, nil
	}

	var revision *int64
	if param.RequestedRevision != nil {
		revision = &param.RequestedRevision.Content
	}

	entry, payload, err := b.server.store.FetchContent(ctx, id, revision)
	if err != nil {
		return downloadItemReturn{}, nil, err
	}

	data := payload.Data
	if payload.Descriptor.Kind == domain.StorageChunked && payload.Descriptor.Chunks != nil {
		data, err = b.assembleChunks(ctx, payload.Descriptor.Chunks)
		if err != nil {
			return downloadItemReturn{}, nil, err
		}
	}
	if data == nil {
		data = []byte{}
	}
	return downloadItemReturn{Item: b.wireEntry(*entry)}, data, nil
}

func (b *backend) fetchStorageType(ctx context.Context, param fetchStorageTypeParams, _ []byte) (fetchStorageTypeReturn, []byte, error) {
	id := b.resolveID(param.ItemIdentifier)
	if err := b.checkSimulated(ctx, id, domain.AccessRead); err != nil {
		return fetchStorageTypeReturn{}, nil, err
	}

	revision := param.RequestedRevision.Content
	_, payload, err := b.server.store.FetchContent(ctx, id, &revision)
	if err != nil {
		return fetchStorageTypeReturn{}, nil, err
	}
	return fetchStorageTypeReturn{ContentStorageType: payload.Descriptor}, nil, nil
}

// ============================================================================
// Thumbnails
// ============================================================================

func (b *backend) updateThumbnail(ctx context.Context, param updateThumbnailParams, payload []byte) (fetchItemReturn, []byte, error) {
	id := b.resolveID(param.Identifier)
	if err := b.checkSimulated(ctx, id, domain.AccessWrite); err != nil {
		return fetchItemReturn{}, nil, err
	}

	entry, err := b.server.store.UpdateThumbnail(ctx, id, param.ExistingRevision, payload)
	if err != nil {
		return fetchItemReturn{}, nil, err
	}

	b.server.metrics.RecordStoreMutation("updateThumbnail")
	return fetchItemReturn{Item: b.wireEntry(*entry)}, nil, nil
}

func (b *backend) fetchThumbnail(ctx context.Context, param fetchThumbnailParams, _ []byte) (fetchItemReturn, []byte, error) {
	id := b.resolveID(param.Identifier)
	if err := b.checkSimulated(ctx, id, domain.AccessRead); err != nil {
		return fetchItemReturn{}, nil, err
	}

	entry, err := b.server.store.FetchItem(ctx, id)
	if err != nil {
		return fetchItemReturn{}, nil, err
	}
	data, err := b.server.store.FetchThumbnail(ctx, id)
	if err != nil {
		return fetchItemReturn{}, nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return fetchItemReturn{Item: b.wireEntry(*entry)}, data, nil
}

// ============================================================================
// Conflicts
// ============================================================================

func (b *backend) conflictVersions(ctx context.Context, param conflictVersionsParams, _ []byte) (conflictVersionsReturn, []byte, error) {
	id := b.resolveID(param.Identifier)
	if err := b.checkSimulated(ctx, id, domain.AccessRead); err != nil {
		return conflictVersionsReturn{}, nil, err
	}

	entry, err := b.server.store.FetchItem(ctx, id)
	if err != nil {
		return conflictVersionsReturn{}, nil, err
	}
	versions, _, err := b.server.store.ListConflicts(ctx, id)
	if err != nil {
		return conflictVersionsReturn{}, nil, err
	}
	return conflictVersionsReturn{Versions: versions, CurrentVersion: entry.Revision}, nil, nil
}

func (b *backend) resolveConflicts(ctx context.Context, param resolveConflictsParams, _ []byte) (emptyReturn, []byte, error) {
	id := b.resolveID(param.Identifier)
	if err := b.checkSimulated(ctx, id, domain.AccessWrite); err != nil {
		return emptyReturn{}, nil, err
	}

	err := b.server.store.KeepVersions(ctx, b.account, id, param.VersionsToKeep, param.BaseVersion.Content)
	if err != nil {
		return emptyReturn{}, nil, err
	}

	b.server.metrics.RecordStoreMutation("resolveConflicts")
	return emptyReturn{}, nil, nil
}

func (b *backend) createConflict(ctx context.Context, param createConflictParams, _ []byte) (createConflictReturn, []byte, error) {
	id := b.resolveID(param.Identifier)
	if err := b.server.store.CreateConflict(ctx, id, param.Originator); err != nil {
		return createConflictReturn{}, nil, err
	}

	entry, err := b.server.store.FetchItem(ctx, id)
	if err != nil {
		return createConflictReturn{}, nil, err
	}
	return createConflictReturn{Entry: b.wireEntry(*entry)}, nil, nil
}

// ============================================================================
// Marks
// ============================================================================

// setXattrFlag applies one tri-state mark: nil leaves the attribute alone,
// true sets it, false removes it.
func setXattrFlag(xattrs map[string][]byte, name string, value *bool) {
	if value == nil {
		return
	}
	if *value {
		xattrs[name] = []byte{1}
	} else {
		delete(xattrs, name)
	}
}

func (b *backend) mark(ctx context.Context, param markParams, _ []byte) (emptyReturn, []byte, error) {
	for _, raw := range param.Identifiers {
		id := b.resolveID(raw)
		if err := b.checkSimulated(ctx, id, domain.AccessWrite); err != nil {
			return emptyReturn{}, nil, err
		}

		entry, err := b.server.store.FetchItem(ctx, id)
		if err != nil {
			return emptyReturn{}, nil, err
		}

		// The validity bitmask replaces the attribute bag wholesale, so the
		// patch starts from the current one.
		xattrs := make(map[string][]byte, len(entry.Metadata.ExtendedAttributes)+3)
		for k, v := range entry.Metadata.ExtendedAttributes {
			xattrs[k] = v
		}
		setXattrFlag(xattrs, heartXattr, param.Heart)
		setXattrFlag(xattrs, pinnedXattr, param.Pinned)
		setXattrFlag(xattrs, sharedXattr, param.IsShared)

		patch := domain.EntryMetadata{
			ExtendedAttributes: xattrs,
			Valid:              domain.FieldExtendedAttributes,
		}
		_, err = b.server.store.UpdateMetadata(ctx, b.account, store.UpdateMetadataParams{
			ID:              id,
			ExpectedVersion: entry.Revision,
			Metadata:        &patch,
		})
		if err != nil {
			return emptyReturn{}, nil, err
		}
	}

	b.server.metrics.RecordStoreMutation("mark")
	return emptyReturn{}, nil, nil
}

// ============================================================================
// Locks
// ============================================================================

func (b *backend) pingLock(ctx context.Context, param pingLockParams, _ []byte) (emptyReturn, []byte, error) {
	id := b.resolveID(param.Identifier)
	expiry := time.Now().Add(domain.LockExpiry)
	if err := b.server.store.UpdateLock(ctx, id, expiry, param.EnumerationIndex, param.Owner); err != nil {
		return emptyReturn{}, nil, err
	}
	b.server.armLockExpiryTimer()
	return emptyReturn{}, nil, nil
}

func (b *backend) removeLock(ctx context.Context, param removeLockParams, _ []byte) (emptyReturn, []byte, error) {
	id := b.resolveID(param.Identifier)
	index := param.EnumerationIndex
	if err := b.server.store.RemoveLock(ctx, id, &index); err != nil {
		return emptyReturn{}, nil, err
	}
	return emptyReturn{}, nil, nil
}

func (b *backend) forceLock(ctx context.Context, param forceLockParams, _ []byte) (emptyReturn, []byte, error) {
	id := b.resolveID(param.Identifier)
	if err := b.server.store.RemoveLock(ctx, id, nil); err != nil {
		return emptyReturn{}, nil, err
	}
	return emptyReturn{}, nil, nil
}

func (b *backend) listLocks(ctx context.Context, _ emptyParams, _ []byte) (listLocksReturn, []byte, error) {
	locks, err := b.server.store.ListLocks(ctx)
	if err != nil {
		return listLocksReturn{}, nil, err
	}
	out := make([]domain.Lock, len(locks))
	for i, l := range locks {
		l.ItemID = b.wireID(l.ItemID)
		out[i] = l
	}
	return listLocksReturn{Locks: out}, nil, nil
}

// ============================================================================
// Chunks
// ============================================================================

func (b *backend) createDataChunk(ctx context.Context, param createChunkParams, payload []byte) (emptyReturn, []byte, error) {
	err := b.server.chunks.PutChunk(ctx, param.HexEncodedSha256OfData, payload)
	if errors.Is(err, chunkstore.ErrHashMismatch) {
		return emptyReturn{}, nil, domain.ErrParameter()
	}
	if err != nil {
		return emptyReturn{}, nil, err
	}
	return emptyReturn{}, nil, nil
}

func (b *backend) getDataChunk(ctx context.Context, param getChunkParams, _ []byte) (emptyReturn, []byte, error) {
	data, err := b.server.chunks.GetChunk(ctx, param.HexEncodedSha256OfData)
	if errors.Is(err, chunkstore.ErrChunkNotFound) {
		return emptyReturn{}, nil, &domain.Error{Kind: domain.KindItemNotFound}
	}
	if err != nil {
		return emptyReturn{}, nil, err
	}
	return emptyReturn{}, data, nil
}

func (b *backend) checkChunkExists(ctx context.Context, param checkChunkExistsParams, _ []byte) (checkChunkExistsReturn, []byte, error) {
	ret := checkChunkExistsReturn{
		ChunksThatExist:      []string{},
		ChunksThatDoNotExist: []string{},
	}
	for _, hash := range param.HexEncodedSha256OfChunksToCheck {
		exists, err := b.server.chunks.ChunkExists(ctx, hash)
		if err != nil {
			return checkChunkExistsReturn{}, nil, err
		}
		if exists {
			ret.ChunksThatExist = append(ret.ChunksThatExist, hash)
		} else {
			ret.ChunksThatDoNotExist = append(ret.ChunksThatDoNotExist, hash)
		}
	}
	return ret, nil, nil
}

// ============================================================================
// Fault Injection
// ============================================================================

func (b *backend) setSimulatedError(ctx context.Context, param simulateErrorParams, _ []byte) (emptyReturn, []byte, error) {
	id := b.resolveID(param.Identifier)
	if err := b.server.store.SetSimulatedError(ctx, id, param.AccessType, param.Error); err != nil {
		return emptyReturn{}, nil, err
	}
	return emptyReturn{}, nil, nil
}

func (b *backend) listSimulatedErrors(ctx context.Context, _ emptyParams, _ []byte) (simulateErrorListReturn, []byte, error) {
	sims, err := b.server.store.SimulatedErrors(ctx)
	if err != nil {
		return simulateErrorListReturn{}, nil, err
	}

	out := make(map[domain.ItemID]map[domain.AccessType]domain.SimulatedError, len(sims))
	for id, byAccess := range sims {
		out[b.wireID(id)] = byAccess
	}
	return simulateErrorListReturn{Errors: out}, nil, nil
}
