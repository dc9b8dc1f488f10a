package badger

import (
	"context"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/orchard/pkg/domain"
)

// Advisory locks never touch item versions: every lock mutation bumps the
// parent folder's rank instead, so enumerators notice the lock state change
// without a spurious metadata edit on the item.

// UpdateLock upserts a lock on an item and bumps the parent's rank.
func (s *Store) UpdateLock(ctx context.Context, id domain.ItemID, expiry time.Time, enumerationIndex int64, owner string) error {
	return s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		rec, err := getLiveItemRecord(txn, id)
		if err != nil {
			return err
		}

		lock := &domain.Lock{
			ItemID:           id,
			EnumerationIndex: enumerationIndex,
			Expiry:           expiry,
			Owner:            owner,
		}
		bytes, err := encodeLock(lock)
		if err != nil {
			return err
		}
		if err := txn.Set(keyLock(id, enumerationIndex), bytes); err != nil {
			return fmt.Errorf("failed to store lock on item %d: %w", id, err)
		}

		return s.bumpParent(txn, st, rec.Parent)
	})
}

// RemoveLock drops the lock with the given enumeration index, or every lock
// on the item when index is nil.
func (s *Store) RemoveLock(ctx context.Context, id domain.ItemID, enumerationIndex *int64) error {
	return s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		rec, err := getLiveItemRecord(txn, id)
		if err != nil {
			return err
		}

		if enumerationIndex != nil {
			if err := txn.Delete(keyLock(id, *enumerationIndex)); err != nil {
				return fmt.Errorf("failed to remove lock on item %d: %w", id, err)
			}
		} else if err := purgeLocks(txn, id); err != nil {
			return err
		}

		return s.bumpParent(txn, st, rec.Parent)
	})
}

// ListLocks returns all live lock records.
func (s *Store) ListLocks(ctx context.Context) ([]domain.Lock, error) {
	var locks []domain.Lock

	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		locks, err = allLocks(txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return locks, nil
}

// ExpireLocks drops locks past their expiry and returns the next upcoming
// expiry, or nil when no locks remain.
func (s *Store) ExpireLocks(ctx context.Context) (*time.Time, error) {
	var next *time.Time

	err := s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		locks, err := allLocks(txn)
		if err != nil {
			return err
		}

		now := time.Now()
		bumped := map[domain.ItemID]bool{}

		for _, lock := range locks {
			if lock.Expiry.After(now) {
				if next == nil || lock.Expiry.Before(*next) {
					expiry := lock.Expiry
					next = &expiry
				}
				continue
			}

			if err := txn.Delete(keyLock(lock.ItemID, lock.EnumerationIndex)); err != nil {
				return fmt.Errorf("failed to expire lock on item %d: %w", lock.ItemID, err)
			}

			rec, err := getItemRecord(txn, lock.ItemID)
			if err != nil {
				return err
			}
			if !bumped[rec.Parent] {
				bumped[rec.Parent] = true
				if err := s.bumpParent(txn, st, rec.Parent); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func allLocks(txn *badger.Txn) ([]domain.Lock, error) {
	var locks []domain.Lock

	it := txn.NewIterator(badger.IteratorOptions{Prefix: keyLockAll()})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			lock, err := decodeLock(val)
			if err != nil {
				return err
			}
			locks = append(locks, *lock)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return locks, nil
}

// purgeLocks drops every lock on one item.
func purgeLocks(txn *badger.Txn, id domain.ItemID) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: keyLockPrefix(id)})

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("failed to remove lock: %w", err)
		}
	}
	return nil
}
