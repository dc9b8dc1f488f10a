// Package badger implements the item store on BadgerDB.
//
// One Badger keyspace holds everything: item records, the children and rank
// indices, content revisions, locks, accounts, quota counters, and the
// fault-injection table (see keys.go for the schema). Every public operation
// runs inside a single db.Update or db.View transaction, so observers never
// see a call's effects split across two ranks.
//
// Badger's in-memory mode covers both testing and ephemeral deployments, so
// there is no separate memory implementation of the store interface.
package badger

import (
	"context"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/marmos91/orchard/internal/logger"
	"github.com/marmos91/orchard/pkg/domain"
	"github.com/marmos91/orchard/pkg/store"
)

// Store implements store.Store using BadgerDB for persistence.
//
// Thread Safety:
// All operations are protected by a single read-write mutex: mutations take
// the write lock, queries the read lock. Coarse-grained locking keeps rank
// allocation, quota accounting, and ancestor-cycle checks race-free without
// per-call locking; the dispatch layer additionally serializes mutations per
// account, so the coarse lock is not a practical bottleneck.
//
// Counters:
// The item-identifier and rank allocators live in memory, guarded by the
// mutex, and are persisted inside every mutating transaction. An aborted
// transaction may leave a gap in either sequence; both stay strictly
// increasing, which is all the change feed needs.
type Store struct {
	mu sync.RWMutex

	db *badger.DB

	// nextItemID is the identifier the next CreateItem will use.
	nextItemID domain.ItemID

	// nextRank is the rank the next stamp will use.
	nextRank domain.Rank

	// quotaBytes is the per-account storage quota; 0 means unlimited.
	quotaBytes int64

	listenerMu sync.RWMutex
	listeners  []store.ChangeListener
}

var _ store.Store = (*Store)(nil)

// Config contains configuration for creating a Badger-backed item store.
type Config struct {
	// Path is the directory where BadgerDB stores its files. Ignored when
	// InMemory is set.
	Path string

	// InMemory keeps the whole keyspace in RAM. Used by tests and
	// ephemeral deployments; all data is lost on Close.
	InMemory bool

	// QuotaBytes is the per-account storage quota in bytes; 0 disables
	// quota enforcement.
	QuotaBytes int64

	// BadgerOptions overrides the Badger options entirely when non-nil.
	BadgerOptions *badger.Options
}

// New creates an item store backed by BadgerDB.
//
// The identifier and rank allocators are restored from the database, so
// identifiers and ranks keep increasing across restarts.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.BadgerOptions != nil {
		opts = *cfg.BadgerOptions
	} else {
		if cfg.InMemory {
			opts = badger.DefaultOptions("").WithInMemory(true)
		} else {
			opts = badger.DefaultOptions(cfg.Path)
		}
		// Metadata records are small; compression overhead is not worth it.
		opts = opts.WithLoggingLevel(badger.WARNING)
		opts = opts.WithCompression(options.None)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}

	s := &Store{
		db:         db,
		quotaBytes: cfg.QuotaBytes,
	}

	if err := s.loadCounters(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	logger.Debug("Item store opened: path=%q in_memory=%v next_id=%d next_rank=%d",
		cfg.Path, cfg.InMemory, s.nextItemID, s.nextRank)

	return s, nil
}

// loadCounters restores the identifier and rank allocators, initializing them
// on a fresh database.
func (s *Store) loadCounters() error {
	return s.db.View(func(txn *badger.Txn) error {
		s.nextItemID = domain.FirstDynamicID
		s.nextRank = 1

		if item, err := txn.Get(keyCounterItem()); err == nil {
			err = item.Value(func(val []byte) error {
				v, err := decodeInt64(val)
				if err != nil {
					return err
				}
				s.nextItemID = domain.ItemID(v)
				return nil
			})
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if item, err := txn.Get(keyCounterRank()); err == nil {
			err = item.Value(func(val []byte) error {
				v, err := decodeInt64(val)
				if err != nil {
					return err
				}
				s.nextRank = domain.Rank(v)
				return nil
			})
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		return nil
	})
}

// Close closes the database. The store must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}

// ============================================================================
// Change Listeners
// ============================================================================

// AddChangeListener registers a post-commit mutation observer.
func (s *Store) AddChangeListener(listener store.ChangeListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// change records one mutated item for post-commit notification.
type change struct {
	parent domain.ItemID
	item   domain.ItemID
}

// txnState accumulates per-transaction side effects that must only take
// effect after commit.
type txnState struct {
	changes []change
}

func (st *txnState) recordChange(parent, item domain.ItemID) {
	st.changes = append(st.changes, change{parent: parent, item: item})
}

// notify fires registered listeners for every recorded change. Called after
// the transaction commits and after the store mutex is released, so listeners
// may issue (asynchronous) follow-up reads but must not mutate synchronously
// from the callback.
func (s *Store) notify(st *txnState) {
	if len(st.changes) == 0 {
		return
	}

	s.listenerMu.RLock()
	listeners := make([]store.ChangeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.RUnlock()

	for _, c := range st.changes {
		for _, listener := range listeners {
			listener(c.parent, c.item)
		}
	}
}

// update runs fn inside one write transaction under the store mutex and fires
// change listeners after a successful commit.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn, st *txnState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st := &txnState{}

	s.mu.Lock()
	err := s.db.Update(func(txn *badger.Txn) error {
		st.changes = st.changes[:0]
		return fn(txn, st)
	})
	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.notify(st)
	return nil
}

// view runs fn inside one read transaction under the store read lock.
func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(fn)
}

// ============================================================================
// Allocation and Stamping
// ============================================================================

// allocateItemID hands out the next item identifier and persists the
// allocator. Must be called with the write lock held, inside a transaction.
func (s *Store) allocateItemID(txn *badger.Txn) (domain.ItemID, error) {
	id := s.nextItemID
	s.nextItemID++

	encoded, err := encodeInt64(int64(s.nextItemID))
	if err != nil {
		return 0, err
	}
	if err := txn.Set(keyCounterItem(), encoded); err != nil {
		return 0, fmt.Errorf("failed to persist item counter: %w", err)
	}
	return id, nil
}

// allocateRank hands out the next rank and persists the allocator. Must be
// called with the write lock held, inside a transaction.
func (s *Store) allocateRank(txn *badger.Txn) (domain.Rank, error) {
	rank := s.nextRank
	s.nextRank++

	encoded, err := encodeInt64(int64(s.nextRank))
	if err != nil {
		return 0, err
	}
	if err := txn.Set(keyCounterRank(), encoded); err != nil {
		return 0, fmt.Errorf("failed to persist rank counter: %w", err)
	}
	return rank, nil
}

// stampItem moves an item to a fresh rank, rewrites its rank-index entry,
// persists the record, and queues a change notification.
func (s *Store) stampItem(txn *badger.Txn, st *txnState, rec *itemRecord) error {
	rank, err := s.allocateRank(txn)
	if err != nil {
		return err
	}

	if rec.Rank != 0 {
		if err := txn.Delete(keyRank(rec.Rank)); err != nil {
			return fmt.Errorf("failed to drop old rank key: %w", err)
		}
	}
	rec.Rank = rank

	if err := txn.Set(keyRank(rank), []byte(hexID(int64(rec.ID)))); err != nil {
		return fmt.Errorf("failed to write rank index: %w", err)
	}
	if err := putItemRecord(txn, rec); err != nil {
		return err
	}

	st.recordChange(rec.Parent, rec.ID)
	return nil
}

// bumpParent stamps an item's parent with a fresh rank so folder enumerators
// observe the change. A zero parent (roots) is a no-op.
func (s *Store) bumpParent(txn *badger.Txn, st *txnState, parent domain.ItemID) error {
	if parent == domain.InvalidItemID {
		return nil
	}

	rec, err := getItemRecord(txn, parent)
	if err != nil {
		return err
	}
	return s.stampItem(txn, st, rec)
}

// ============================================================================
// Record Access Helpers
// ============================================================================

// getItemRecord loads an item record, translating a missing key into
// ItemNotFound.
func getItemRecord(txn *badger.Txn, id domain.ItemID) (*itemRecord, error) {
	item, err := txn.Get(keyItem(id))
	if err == badger.ErrKeyNotFound {
		return nil, domain.ErrItemNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read item %d: %w", id, err)
	}

	var rec *itemRecord
	err = item.Value(func(val []byte) error {
		rec, err = decodeItemRecord(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// getLiveItemRecord loads an item and fails ItemNotFound when it is
// tombstoned.
func getLiveItemRecord(txn *badger.Txn, id domain.ItemID) (*itemRecord, error) {
	rec, err := getItemRecord(txn, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, domain.ErrItemNotFound(id)
	}
	return rec, nil
}

func putItemRecord(txn *badger.Txn, rec *itemRecord) error {
	encoded, err := encodeItemRecord(rec)
	if err != nil {
		return err
	}
	if err := txn.Set(keyItem(rec.ID), encoded); err != nil {
		return fmt.Errorf("failed to write item %d: %w", rec.ID, err)
	}
	return nil
}

// childID looks up a folder child by name in the children index.
func childID(txn *badger.Txn, parent domain.ItemID, name string) (domain.ItemID, bool, error) {
	item, err := txn.Get(keyChild(parent, name))
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read child index: %w", err)
	}

	var id domain.ItemID
	err = item.Value(func(val []byte) error {
		var v uint64
		if _, err := fmt.Sscanf(string(val), "%016x", &v); err != nil {
			return fmt.Errorf("corrupt child index value %q: %w", val, err)
		}
		id = domain.ItemID(v)
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func setChildIndex(txn *badger.Txn, parent domain.ItemID, name string, id domain.ItemID) error {
	if err := txn.Set(keyChild(parent, name), []byte(hexID(int64(id)))); err != nil {
		return fmt.Errorf("failed to write child index: %w", err)
	}
	return nil
}

func deleteChildIndex(txn *badger.Txn, parent domain.ItemID, name string) error {
	if err := txn.Delete(keyChild(parent, name)); err != nil {
		return fmt.Errorf("failed to delete child index: %w", err)
	}
	return nil
}

// childIDs returns the identifiers of all non-deleted children of a folder,
// in name order (the children index only holds live items).
func childIDs(txn *badger.Txn, parent domain.ItemID) ([]domain.ItemID, error) {
	var ids []domain.ItemID

	it := txn.NewIterator(badger.IteratorOptions{Prefix: keyChildPrefix(parent)})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			var v uint64
			if _, err := fmt.Sscanf(string(val), "%016x", &v); err != nil {
				return fmt.Errorf("corrupt child index value %q: %w", val, err)
			}
			ids = append(ids, domain.ItemID(v))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// isAncestor reports whether candidate appears in the ancestor chain of id
// (id included). Bounded by tree depth.
func isAncestor(txn *badger.Txn, candidate, id domain.ItemID) (bool, error) {
	current := id
	for current != domain.InvalidItemID {
		if current == candidate {
			return true, nil
		}
		rec, err := getItemRecord(txn, current)
		if err != nil {
			return false, err
		}
		current = rec.Parent
	}
	return false, nil
}

// rootOf walks the ancestor chain up to the root item. Quota usage is
// attributed to roots, so every content mutation resolves its root here.
func rootOf(txn *badger.Txn, id domain.ItemID) (domain.ItemID, error) {
	current := id
	for {
		rec, err := getItemRecord(txn, current)
		if err != nil {
			return 0, err
		}
		if rec.Parent == domain.InvalidItemID {
			return rec.ID, nil
		}
		current = rec.Parent
	}
}

// ============================================================================
// Quota Accounting
// ============================================================================

// usedQuota reads a root's usage counter.
func usedQuota(txn *badger.Txn, root domain.ItemID) (int64, error) {
	item, err := txn.Get(keyQuota(root))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read quota usage: %w", err)
	}

	var used int64
	err = item.Value(func(val []byte) error {
		used, err = decodeInt64(val)
		return err
	})
	if err != nil {
		return 0, err
	}
	return used, nil
}

// addUsage applies a signed delta to a root's usage counter.
func addUsage(txn *badger.Txn, root domain.ItemID, delta int64) error {
	if delta == 0 {
		return nil
	}

	used, err := usedQuota(txn, root)
	if err != nil {
		return err
	}

	used += delta
	if used < 0 {
		used = 0
	}

	encoded, err := encodeInt64(used)
	if err != nil {
		return err
	}
	if err := txn.Set(keyQuota(root), encoded); err != nil {
		return fmt.Errorf("failed to write quota usage: %w", err)
	}
	return nil
}

// checkQuota fails InsufficientQuota when a finite quota would be exceeded by
// adding delta bytes under root.
func (s *Store) checkQuota(txn *badger.Txn, root domain.ItemID, delta int64) error {
	if s.quotaBytes <= 0 || delta <= 0 {
		return nil
	}

	used, err := usedQuota(txn, root)
	if err != nil {
		return err
	}
	if used+delta > s.quotaBytes {
		return domain.ErrInsufficientQuota()
	}
	return nil
}

// UsedQuota returns the account's current usage in bytes.
func (s *Store) UsedQuota(ctx context.Context, account *domain.Account) (int64, error) {
	var used int64
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		used, err = usedQuota(txn, account.Root)
		return err
	})
	return used, err
}
