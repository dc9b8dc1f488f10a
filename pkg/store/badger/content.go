package badger

import (
	"context"
	"fmt"
	"slices"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/orchard/pkg/domain"
	"github.com/marmos91/orchard/pkg/store"
)

// UpdateContent stores a new content revision for an item.
//
// On the normal path prior non-conflict revisions are deleted and the
// thumbnail is cleared; on the conflict path every prior revision is retained
// as a conflict and the content is reported as not accepted.
func (s *Store) UpdateContent(ctx context.Context, account *domain.Account, params store.UpdateContentParams) (*domain.Entry, bool, error) {
	var entry *domain.Entry
	accepted := false

	err := s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		rec, err := getLiveItemRecord(txn, params.ID)
		if err != nil {
			return err
		}
		if rec.Type != domain.TypeFile {
			return domain.ErrParameter()
		}

		if !params.Conflict && params.ExpectedVersion.Content != rec.Version.Content {
			current, err := s.entryFromRecord(txn, rec, account)
			if err != nil {
				return err
			}
			return domain.ErrWrongRevision(*current)
		}

		root, err := rootOf(txn, rec.ID)
		if err != nil {
			return err
		}

		size := params.Content.Size()

		if params.Conflict {
			// Conflict uploads only add: every prior revision stays.
			if err := s.checkQuota(txn, root, size); err != nil {
				return err
			}
			if err := markRevisionsConflict(txn, rec.ID); err != nil {
				return err
			}
		} else {
			reclaimed, err := nonConflictUsage(txn, rec.ID)
			if err != nil {
				return err
			}
			if err := s.checkQuota(txn, root, size-reclaimed); err != nil {
				return err
			}
			if _, err := purgeNonConflictRevisions(txn, rec.ID); err != nil {
				return err
			}
			if err := addUsage(txn, root, -reclaimed); err != nil {
				return err
			}
			// Stale thumbnails must not outlive the bytes they render.
			if err := txn.Delete(keyThumbnail(rec.ID)); err != nil {
				return err
			}
		}

		rec.Version.Content++
		rev := &revisionRecord{
			Revision:     rec.Version.Content,
			Kind:         params.Content.Descriptor.Kind,
			Originator:   params.Originator,
			CreationDate: time.Now().UTC(),
			Conflict:     false,
			Size:         size,
			BaseVersion:  params.BaseVersion,
			Data:         params.Content.Data,
			Chunks:       params.Content.Descriptor.Chunks,
		}
		if err := putRevision(txn, rec.ID, rev); err != nil {
			return err
		}
		if err := addUsage(txn, root, size); err != nil {
			return err
		}

		rec.Size = size
		if err := s.stampItem(txn, st, rec); err != nil {
			return err
		}

		accepted = !params.Conflict
		entry, err = s.entryFromRecord(txn, rec, account)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return entry, accepted, nil
}

// UpdateResourceFork attaches an alternate data stream to the item. There is
// no conflict path: stale content versions always fail WrongRevision.
func (s *Store) UpdateResourceFork(ctx context.Context, id domain.ItemID, expectedVersion domain.Version, data []byte) (*domain.Entry, error) {
	var entry *domain.Entry

	err := s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		rec, err := getLiveItemRecord(txn, id)
		if err != nil {
			return err
		}
		if expectedVersion.Content != rec.Version.Content {
			current, err := s.entryFromRecord(txn, rec, nil)
			if err != nil {
				return err
			}
			return domain.ErrWrongRevision(*current)
		}

		if err := txn.Set(keyFork(id), data); err != nil {
			return fmt.Errorf("failed to store resource fork: %w", err)
		}

		rec.Version.Content++
		if err := s.stampItem(txn, st, rec); err != nil {
			return err
		}

		entry, err = s.entryFromRecord(txn, rec, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// FetchContent returns the entry plus the payload of one content revision.
// A nil revision selects the live one.
func (s *Store) FetchContent(ctx context.Context, id domain.ItemID, revision *int64) (*domain.Entry, *store.Payload, error) {
	var (
		entry   *domain.Entry
		payload *store.Payload
	)

	err := s.view(ctx, func(txn *badger.Txn) error {
		rec, err := getLiveItemRecord(txn, id)
		if err != nil {
			return err
		}

		target := rec.Version.Content
		if revision != nil {
			target = *revision
		}

		rev, err := getRevision(txn, id, target)
		if err != nil {
			return err
		}

		payload = &store.Payload{
			Descriptor: domain.StorageDescriptor{Kind: rev.Kind, Chunks: rev.Chunks},
			Data:       rev.Data,
		}
		entry, err = s.entryFromRecord(txn, rec, nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return entry, payload, nil
}

// FetchResourceFork returns the item's alternate data stream, or nil when
// none is attached.
func (s *Store) FetchResourceFork(ctx context.Context, id domain.ItemID) ([]byte, error) {
	var data []byte

	err := s.view(ctx, func(txn *badger.Txn) error {
		if _, err := getLiveItemRecord(txn, id); err != nil {
			return err
		}

		item, err := txn.Get(keyFork(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read resource fork: %w", err)
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// FetchStorageType reports where a revision's payload lives.
func (s *Store) FetchStorageType(ctx context.Context, id domain.ItemID, revision *int64) (domain.StorageKind, error) {
	var kind domain.StorageKind

	err := s.view(ctx, func(txn *badger.Txn) error {
		rec, err := getLiveItemRecord(txn, id)
		if err != nil {
			return err
		}

		target := rec.Version.Content
		if revision != nil {
			target = *revision
		}

		rev, err := getRevision(txn, id, target)
		if err != nil {
			return err
		}
		kind = rev.Kind
		return nil
	})
	if err != nil {
		return "", err
	}
	return kind, nil
}

// ============================================================================
// Conflicts
// ============================================================================

// ListConflicts returns the retained revisions of an item (live included) and
// the live content version.
func (s *Store) ListConflicts(ctx context.Context, id domain.ItemID) ([]domain.ConflictVersion, int64, error) {
	var (
		versions []domain.ConflictVersion
		live     int64
	)

	err := s.view(ctx, func(txn *badger.Txn) error {
		rec, err := getLiveItemRecord(txn, id)
		if err != nil {
			return err
		}
		live = rec.Version.Content

		revs, err := allRevisions(txn, id)
		if err != nil {
			return err
		}
		for _, rev := range revs {
			versions = append(versions, domain.ConflictVersion{
				Conflict:       rev.Conflict,
				OriginatorName: rev.Originator,
				CreationDate:   rev.CreationDate,
				ContentVersion: rev.Revision,
				BaseVersion:    rev.BaseVersion,
			})
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return versions, live, nil
}

// KeepVersions resolves a conflict: each kept revision either stays live
// (when it matches the current version) or becomes a new sibling named after
// its originator and date; unselected conflict revisions are discarded.
func (s *Store) KeepVersions(ctx context.Context, account *domain.Account, id domain.ItemID, versionsToKeep []int64, baseVersion int64) error {
	return s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		rec, err := getLiveItemRecord(txn, id)
		if err != nil {
			return err
		}

		if baseVersion != rec.Version.Content {
			current, err := s.entryFromRecord(txn, rec, account)
			if err != nil {
				return err
			}
			return domain.ErrWrongRevision(*current)
		}

		root, err := rootOf(txn, rec.ID)
		if err != nil {
			return err
		}

		revs, err := allRevisions(txn, id)
		if err != nil {
			return err
		}

		changed := false
		for _, rev := range revs {
			keep := slices.Contains(versionsToKeep, rev.Revision)

			if rev.Revision == rec.Version.Content {
				// The live revision survives regardless; unselecting it
				// only drops the siblings.
				continue
			}

			if keep {
				if err := s.materializeRevision(txn, st, account, rec, rev); err != nil {
					return err
				}
			}

			// Kept or not, the side revision leaves this item.
			if err := txn.Delete(keyRevision(id, rev.Revision)); err != nil {
				return err
			}
			if err := addUsage(txn, root, -rev.Size); err != nil {
				return err
			}
			changed = true
		}

		if changed {
			rec.Version.Metadata++
			return s.stampItem(txn, st, rec)
		}
		return nil
	})
}

// materializeRevision turns a retained conflict revision into a standalone
// sibling of the conflicted item.
func (s *Store) materializeRevision(txn *badger.Txn, st *txnState, account *domain.Account, rec *itemRecord, rev *revisionRecord) error {
	name := conflictSiblingName(rec.Name, rev)
	if _, taken, err := childID(txn, rec.Parent, name); err != nil {
		return err
	} else if taken {
		name, err = freeBounceName(txn, rec.Parent, name)
		if err != nil {
			return err
		}
	}

	id, err := s.allocateItemID(txn)
	if err != nil {
		return err
	}

	sibling := &itemRecord{
		ID:       id,
		Parent:   rec.Parent,
		Name:     name,
		Type:     domain.TypeFile,
		Size:     rev.Size,
		Metadata: rec.Metadata,
	}

	dup := &revisionRecord{
		Revision:     0,
		Kind:         rev.Kind,
		Originator:   rev.Originator,
		CreationDate: rev.CreationDate,
		Size:         rev.Size,
		Data:         rev.Data,
		Chunks:       rev.Chunks,
	}
	if err := putRevision(txn, id, dup); err != nil {
		return err
	}

	root, err := rootOf(txn, rec.Parent)
	if err != nil {
		return err
	}
	if err := addUsage(txn, root, rev.Size); err != nil {
		return err
	}

	if err := setChildIndex(txn, rec.Parent, name, id); err != nil {
		return err
	}
	if err := s.stampItem(txn, st, sibling); err != nil {
		return err
	}
	return s.bumpParent(txn, st, rec.Parent)
}

// conflictSiblingName derives the display name of a materialized side
// revision, e.g. "report (Alice, 2026-08-29).txt".
func conflictSiblingName(name string, rev *revisionRecord) string {
	stem, ext := splitBounceName(name)
	who := rev.Originator
	if who == "" {
		who = "conflict"
	}
	return fmt.Sprintf("%s (%s, %s)%s", stem, who, rev.CreationDate.Format("2006-01-02"), ext)
}

// CreateConflict duplicates the live revision as a conflict revision. Only
// used through the debug surface and tests.
func (s *Store) CreateConflict(ctx context.Context, id domain.ItemID, originator string) error {
	return s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		rec, err := getLiveItemRecord(txn, id)
		if err != nil {
			return err
		}
		if rec.Type != domain.TypeFile {
			return domain.ErrParameter()
		}

		live, err := getRevision(txn, id, rec.Version.Content)
		if err != nil {
			return err
		}

		root, err := rootOf(txn, rec.ID)
		if err != nil {
			return err
		}
		if err := s.checkQuota(txn, root, live.Size); err != nil {
			return err
		}
		if err := markRevisionsConflict(txn, rec.ID); err != nil {
			return err
		}

		rec.Version.Content++
		dup := &revisionRecord{
			Revision:     rec.Version.Content,
			Kind:         live.Kind,
			Originator:   originator,
			CreationDate: time.Now().UTC(),
			Size:         live.Size,
			BaseVersion:  live.Revision,
			Data:         live.Data,
			Chunks:       live.Chunks,
		}
		if err := putRevision(txn, id, dup); err != nil {
			return err
		}
		if err := addUsage(txn, root, live.Size); err != nil {
			return err
		}

		return s.stampItem(txn, st, rec)
	})
}

// ============================================================================
// Thumbnails
// ============================================================================

// UpdateThumbnail stores an item's thumbnail blob, bumping its metadata
// version and rank.
func (s *Store) UpdateThumbnail(ctx context.Context, id domain.ItemID, expectedVersion domain.Version, data []byte) (*domain.Entry, error) {
	var entry *domain.Entry

	err := s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		rec, err := getLiveItemRecord(txn, id)
		if err != nil {
			return err
		}
		if expectedVersion.Metadata != rec.Version.Metadata {
			current, err := s.entryFromRecord(txn, rec, nil)
			if err != nil {
				return err
			}
			return domain.ErrWrongRevision(*current)
		}

		if err := txn.Set(keyThumbnail(id), data); err != nil {
			return fmt.Errorf("failed to store thumbnail: %w", err)
		}

		rec.Version.Metadata++
		if err := s.stampItem(txn, st, rec); err != nil {
			return err
		}

		entry, err = s.entryFromRecord(txn, rec, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// FetchThumbnail returns the stored thumbnail, or nil when none exists.
func (s *Store) FetchThumbnail(ctx context.Context, id domain.ItemID) ([]byte, error) {
	var data []byte

	err := s.view(ctx, func(txn *badger.Txn) error {
		if _, err := getLiveItemRecord(txn, id); err != nil {
			return err
		}

		item, err := txn.Get(keyThumbnail(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read thumbnail: %w", err)
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ============================================================================
// Revision helpers
// ============================================================================

func putRevision(txn *badger.Txn, id domain.ItemID, rev *revisionRecord) error {
	bytes, err := encodeRevisionRecord(rev)
	if err != nil {
		return err
	}
	if err := txn.Set(keyRevision(id, rev.Revision), bytes); err != nil {
		return fmt.Errorf("failed to store revision %d of item %d: %w", rev.Revision, id, err)
	}
	return nil
}

func getRevision(txn *badger.Txn, id domain.ItemID, revision int64) (*revisionRecord, error) {
	item, err := txn.Get(keyRevision(id, revision))
	if err == badger.ErrKeyNotFound {
		return nil, domain.ErrItemNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read revision %d of item %d: %w", revision, id, err)
	}

	var rev *revisionRecord
	err = item.Value(func(val []byte) error {
		rev, err = decodeRevisionRecord(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// allRevisions returns every stored revision of an item, in revision order
// (the key encoding sorts numerically).
func allRevisions(txn *badger.Txn, id domain.ItemID) ([]*revisionRecord, error) {
	var revs []*revisionRecord

	it := txn.NewIterator(badger.IteratorOptions{Prefix: keyRevisionPrefix(id)})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			rev, err := decodeRevisionRecord(val)
			if err != nil {
				return err
			}
			revs = append(revs, rev)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return revs, nil
}

// purgeRevisions deletes every revision of an item, returning the reclaimed
// byte count.
func purgeRevisions(txn *badger.Txn, id domain.ItemID) (int64, error) {
	revs, err := allRevisions(txn, id)
	if err != nil {
		return 0, err
	}

	var reclaimed int64
	for _, rev := range revs {
		if err := txn.Delete(keyRevision(id, rev.Revision)); err != nil {
			return 0, err
		}
		reclaimed += rev.Size
	}
	return reclaimed, nil
}

// purgeNonConflictRevisions deletes the revisions a normal content update
// supersedes, leaving retained conflicts alone.
func purgeNonConflictRevisions(txn *badger.Txn, id domain.ItemID) (int64, error) {
	revs, err := allRevisions(txn, id)
	if err != nil {
		return 0, err
	}

	var reclaimed int64
	for _, rev := range revs {
		if rev.Conflict {
			continue
		}
		if err := txn.Delete(keyRevision(id, rev.Revision)); err != nil {
			return 0, err
		}
		reclaimed += rev.Size
	}
	return reclaimed, nil
}

// nonConflictUsage sums the sizes of the revisions a normal content update
// would supersede.
func nonConflictUsage(txn *badger.Txn, id domain.ItemID) (int64, error) {
	revs, err := allRevisions(txn, id)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, rev := range revs {
		if !rev.Conflict {
			total += rev.Size
		}
	}
	return total, nil
}

// ReferencedChunks scans the whole revision table and returns the
// deduplicated chunk hashes any retained revision still references.
func (s *Store) ReferencedChunks(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}

	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixRevision)})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := decodeRevisionRecord(val)
				if err != nil {
					return err
				}
				if rec.Chunks == nil {
					return nil
				}
				for _, hash := range rec.Chunks.Hashes {
					seen[hash] = struct{}{}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(seen))
	for hash := range seen {
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// markRevisionsConflict flags every stored revision as a retained conflict.
func markRevisionsConflict(txn *badger.Txn, id domain.ItemID) error {
	revs, err := allRevisions(txn, id)
	if err != nil {
		return err
	}

	for _, rev := range revs {
		if rev.Conflict {
			continue
		}
		rev.Conflict = true
		if err := putRevision(txn, id, rev); err != nil {
			return err
		}
	}
	return nil
}
