package badger

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/orchard/pkg/domain"
)

// entryFromRecord derives the wire entry from a stored item record.
//
// The derived fields (child count, conflict bookkeeping, originator, lock
// owner, quota figures) are computed inside the caller's transaction, so an
// entry is always consistent with the snapshot it was read from. account may
// be nil; quota figures are only attached to root entries when it is not.
func (s *Store) entryFromRecord(txn *badger.Txn, rec *itemRecord, account *domain.Account) (*domain.Entry, error) {
	entry := &domain.Entry{
		Name:     rec.Name,
		ID:       rec.ID,
		Parent:   rec.Parent,
		Revision: rec.Version,
		Deleted:  rec.Deleted,
		Size:     rec.Size,
		Type:     rec.Type,
		Metadata: rec.Metadata,
	}

	if rec.Deleted {
		// Tombstones carry identity and ancestry only.
		return entry, nil
	}

	if rec.Type == domain.TypeFolder || rec.Type == domain.TypeRoot {
		count, err := countChildren(txn, rec.ID)
		if err != nil {
			return nil, err
		}
		entry.Children = &count
	}

	if rec.Type == domain.TypeSymlink && rec.SymlinkTarget != "" {
		target := rec.SymlinkTarget
		entry.UserInfo.SymlinkTargetPath = &target
	}

	if rec.Type == domain.TypeFile {
		conflicts, originator, err := revisionSummary(txn, rec)
		if err != nil {
			return nil, err
		}
		if conflicts > 0 {
			entry.UserInfo.ConflictCount = &conflicts
		}
		if originator != "" {
			entry.UserInfo.OriginatorName = &originator
		}

		owner, err := firstLockOwner(txn, rec.ID)
		if err != nil {
			return nil, err
		}
		if owner != "" {
			entry.UserInfo.ImplicitLockOwner = &owner
		}
	}

	if rec.Type == domain.TypeRoot && account != nil && s.quotaBytes > 0 {
		used, err := usedQuota(txn, account.Root)
		if err != nil {
			return nil, err
		}
		remaining := s.quotaBytes - used
		if remaining < 0 {
			remaining = 0
		}
		total := fmt.Sprintf("%d", s.quotaBytes)
		rem := fmt.Sprintf("%d", remaining)
		entry.UserInfo.QuotaTotal = &total
		entry.UserInfo.QuotaRemaining = &rem
	}

	return entry, nil
}

// countChildren counts a folder's non-deleted children by iterating index
// keys only.
func countChildren(txn *badger.Txn, parent domain.ItemID) (int, error) {
	count := 0

	it := txn.NewIterator(badger.IteratorOptions{
		Prefix:         keyChildPrefix(parent),
		PrefetchValues: false,
	})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		count++
	}
	return count, nil
}

// revisionSummary scans an item's revisions for the conflict count and the
// live revision's originator.
func revisionSummary(txn *badger.Txn, rec *itemRecord) (conflicts int, originator string, err error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: keyRevisionPrefix(rec.ID)})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			rev, err := decodeRevisionRecord(val)
			if err != nil {
				return err
			}
			if rev.Conflict {
				conflicts++
			}
			if rev.Revision == rec.Version.Content {
				originator = rev.Originator
			}
			return nil
		})
		if err != nil {
			return 0, "", err
		}
	}
	return conflicts, originator, nil
}

// firstLockOwner returns the owner of the item's first lock, or "".
func firstLockOwner(txn *badger.Txn, id domain.ItemID) (string, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: keyLockPrefix(id)})
	defer it.Close()

	it.Rewind()
	if !it.Valid() {
		return "", nil
	}

	var owner string
	err := it.Item().Value(func(val []byte) error {
		lock, err := decodeLock(val)
		if err != nil {
			return err
		}
		owner = lock.Owner
		return nil
	})
	return owner, err
}
