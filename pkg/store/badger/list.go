package badger

import (
	"context"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/orchard/pkg/domain"
	"github.com/marmos91/orchard/pkg/store"
)

// ListFiles enumerates non-deleted items under a folder in identifier order.
//
// Identifier order doubles as insertion order because item identifiers are
// allocated monotonically, and the item-key encoding sorts the same way.
func (s *Store) ListFiles(ctx context.Context, account *domain.Account, folder domain.ItemID, cursor *domain.ItemID, recursive bool, batchSize int) ([]domain.Entry, *domain.ItemID, error) {
	if batchSize <= 0 {
		batchSize = store.DefaultBatchSize
	}

	var (
		entries []domain.Entry
		next    *domain.ItemID
	)

	err := s.view(ctx, func(txn *badger.Txn) error {
		if _, err := getLiveItemRecord(txn, folder); err != nil {
			return err
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyItemPrefix()})
		defer it.Close()

		start := keyItemPrefix()
		if cursor != nil {
			// Seek past the cursor item itself.
			start = keyItem(*cursor + 1)
		}

		for it.Seek(start); it.Valid(); it.Next() {
			var rec *itemRecord
			err := it.Item().Value(func(val []byte) error {
				var err error
				rec, err = decodeItemRecord(val)
				return err
			})
			if err != nil {
				return err
			}

			if rec.Deleted || rec.ID == folder {
				continue
			}

			member, err := listingMember(txn, folder, rec, recursive)
			if err != nil {
				return err
			}
			if !member {
				continue
			}

			if len(entries) == batchSize {
				// One more match exists, so the page is not the last.
				last := entries[len(entries)-1].ID
				next = &last
				return nil
			}

			entry, err := s.entryFromRecord(txn, rec, account)
			if err != nil {
				return err
			}
			entries = append(entries, *entry)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entries, next, nil
}

// ListChanges enumerates items mutated after sinceRank, in rank order,
// tombstones included.
func (s *Store) ListChanges(ctx context.Context, account *domain.Account, folder domain.ItemID, sinceRank domain.Rank, recursive bool, batchSize int) ([]domain.Entry, bool, domain.Rank, error) {
	if batchSize <= 0 {
		batchSize = store.DefaultBatchSize
	}

	var (
		entries  []domain.Entry
		hasMore  bool
		lastRank = sinceRank
	)

	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyRankPrefix()})
		defer it.Close()

		for it.Seek(keyRank(sinceRank + 1)); it.Valid(); it.Next() {
			var id domain.ItemID
			err := it.Item().Value(func(val []byte) error {
				var err error
				id, err = itemIDFromHex(string(val))
				return err
			})
			if err != nil {
				return err
			}

			rec, err := getItemRecord(txn, id)
			if err != nil {
				return err
			}

			member, err := changeMember(txn, folder, rec, recursive)
			if err != nil {
				return err
			}
			if !member {
				continue
			}

			if len(entries) == batchSize {
				hasMore = true
				return nil
			}

			entry, err := s.entryFromRecord(txn, rec, account)
			if err != nil {
				return err
			}
			entries = append(entries, *entry)
			lastRank = rec.Rank
		}
		return nil
	})
	if err != nil {
		return nil, false, 0, err
	}
	return entries, hasMore, lastRank, nil
}

// CountItems returns the total number of item records, tombstones included.
func (s *Store) CountItems(ctx context.Context) (int, error) {
	var count int
	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         keyItemPrefix(),
			PrefetchValues: false,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// LatestRank returns the current global rank for use as a sync anchor.
func (s *Store) LatestRank(ctx context.Context) (domain.Rank, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// nextRank is the next value to hand out; the latest committed rank is
	// one below it.
	return s.nextRank - 1, nil
}

// listingMember reports whether a live item belongs to a folder listing.
func listingMember(txn *badger.Txn, folder domain.ItemID, rec *itemRecord, recursive bool) (bool, error) {
	if rec.Parent == folder {
		return true, nil
	}
	if !recursive {
		return false, nil
	}
	return isAncestor(txn, folder, rec.Parent)
}

// changeMember reports whether a mutated item belongs to a change
// enumeration of the folder. Unlike listings, the folder itself counts:
// its own rank moves when children come and go.
func changeMember(txn *badger.Txn, folder domain.ItemID, rec *itemRecord, recursive bool) (bool, error) {
	if rec.ID == folder || rec.Parent == folder {
		return true, nil
	}
	if !recursive {
		return false, nil
	}
	return isAncestor(txn, folder, rec.Parent)
}
