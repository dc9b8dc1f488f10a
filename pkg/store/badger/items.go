package badger

import (
	"context"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/orchard/internal/logger"
	"github.com/marmos91/orchard/pkg/domain"
	"github.com/marmos91/orchard/pkg/store"
)

// TrashFolderName is the name of the per-root trash folder. Dot-prefixed so
// the hidden-ancestor rule of the conflict table applies inside it.
const TrashFolderName = ".Trash"

// CreateRoot allocates a fresh root item together with its trash folder.
//
// Used by the account registry when an account does not mirror an existing
// root.
func (s *Store) CreateRoot(ctx context.Context, displayName string) (domain.ItemID, domain.ItemID, error) {
	var root, trash domain.ItemID

	err := s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		rootID, err := s.allocateItemID(txn)
		if err != nil {
			return err
		}
		trashID, err := s.allocateItemID(txn)
		if err != nil {
			return err
		}

		rootRec := &itemRecord{
			ID:       rootID,
			Parent:   domain.InvalidItemID,
			Name:     displayName,
			Type:     domain.TypeRoot,
			Metadata: domain.FolderMetadata(),
		}
		trashRec := &itemRecord{
			ID:       trashID,
			Parent:   rootID,
			Name:     TrashFolderName,
			Type:     domain.TypeFolder,
			Metadata: domain.FolderMetadata(),
		}

		if err := s.stampItem(txn, st, rootRec); err != nil {
			return err
		}
		if err := s.stampItem(txn, st, trashRec); err != nil {
			return err
		}
		if err := setChildIndex(txn, rootID, TrashFolderName, trashID); err != nil {
			return err
		}

		root, trash = rootID, trashID
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	logger.Info("Created root %d (trash %d) for %q", root, trash, displayName)
	return root, trash, nil
}

// CreateItem inserts a new item under params.Parent, resolving name
// collisions via the conflict strategy.
func (s *Store) CreateItem(ctx context.Context, account *domain.Account, params store.CreateItemParams) (*domain.Entry, error) {
	if params.Name == "" {
		return nil, domain.ErrParameter()
	}

	var entry *domain.Entry

	err := s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		parent, err := getLiveItemRecord(txn, params.Parent)
		if err != nil {
			return err
		}
		if parent.Type != domain.TypeFolder && parent.Type != domain.TypeRoot {
			return domain.ErrParameter()
		}

		if existingID, taken, err := childID(txn, parent.ID, params.Name); err != nil {
			return err
		} else if taken {
			existing, err := getItemRecord(txn, existingID)
			if err != nil {
				return err
			}

			strategy := params.Strategy
			if strategy == "" {
				strategy, err = s.strategyFor(txn, account, existing, store.ChangeCreate, params.Type)
				if err != nil {
					return err
				}
			}

			switch strategy {
			case store.StrategyMerge:
				entry, err = s.entryFromRecord(txn, existing, account)
				return err

			case store.StrategyBounce:
				if err := s.bounceExisting(txn, st, existing); err != nil {
					return err
				}
				// The original name is free now; fall through to insert.

			default:
				existingEntry, err := s.entryFromRecord(txn, existing, account)
				if err != nil {
					return err
				}
				return domain.ErrItemExists(*existingEntry)
			}
		}

		id, err := s.allocateItemID(txn)
		if err != nil {
			return err
		}

		rec := &itemRecord{
			ID:            id,
			Parent:        parent.ID,
			Name:          params.Name,
			Type:          params.Type,
			Metadata:      params.Metadata,
			SymlinkTarget: params.SymlinkTarget,
		}

		if params.Content != nil && params.Type == domain.TypeFile {
			root, err := rootOf(txn, parent.ID)
			if err != nil {
				return err
			}

			size := params.Content.Size()
			if err := s.checkQuota(txn, root, size); err != nil {
				return err
			}

			// The initial payload is revision 0: creation does not bump
			// the content version.
			rev := &revisionRecord{
				Revision:     0,
				Kind:         params.Content.Descriptor.Kind,
				Originator:   params.Originator,
				CreationDate: time.Now().UTC(),
				Size:         size,
				Data:         params.Content.Data,
				Chunks:       params.Content.Descriptor.Chunks,
			}
			if err := putRevision(txn, id, rev); err != nil {
				return err
			}
			if err := addUsage(txn, root, size); err != nil {
				return err
			}
			rec.Size = size
		}

		if err := setChildIndex(txn, parent.ID, params.Name, id); err != nil {
			return err
		}
		if err := s.stampItem(txn, st, rec); err != nil {
			return err
		}
		// The parent always gets a fresh rank so the change feed observes
		// the new child even when enumerating non-recursively.
		if err := s.stampItem(txn, st, parent); err != nil {
			return err
		}

		entry, err = s.entryFromRecord(txn, rec, account)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateMetadata renames, moves, and/or patches an item's metadata.
func (s *Store) UpdateMetadata(ctx context.Context, account *domain.Account, params store.UpdateMetadataParams) (*domain.Entry, error) {
	var entry *domain.Entry

	err := s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		var err error
		entry, err = s.updateMetadataTxn(txn, st, account, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// updateMetadataTxn is the transactional body of UpdateMetadata, shared with
// TrashItem.
func (s *Store) updateMetadataTxn(txn *badger.Txn, st *txnState, account *domain.Account, params store.UpdateMetadataParams) (*domain.Entry, error) {
	rec, err := getLiveItemRecord(txn, params.ID)
	if err != nil {
		return nil, err
	}

	if params.ExpectedVersion.Metadata != rec.Version.Metadata {
		current, err := s.entryFromRecord(txn, rec, account)
		if err != nil {
			return nil, err
		}
		return nil, domain.ErrWrongRevision(*current)
	}

	newName := rec.Name
	if params.Name != nil {
		newName = *params.Name
	}
	if newName == "" {
		return nil, domain.ErrParameter()
	}

	newParent := rec.Parent
	if params.Parent != nil {
		newParent = *params.Parent
	}

	if newParent != rec.Parent {
		target, err := getLiveItemRecord(txn, newParent)
		if err != nil {
			return nil, err
		}
		if target.Type != domain.TypeFolder && target.Type != domain.TypeRoot {
			return nil, domain.ErrParameter()
		}

		// Reject moves that would place an item under its own descendant
		// (or under itself). Bounded walk up the destination's ancestry.
		cycle, err := isAncestor(txn, rec.ID, target.ID)
		if err != nil {
			return nil, err
		}
		if cycle {
			return nil, domain.ErrParameter()
		}
	}

	moved := newParent != rec.Parent || newName != rec.Name
	if moved {
		if existingID, taken, err := childID(txn, newParent, newName); err != nil {
			return nil, err
		} else if taken && existingID != rec.ID {
			existing, err := getItemRecord(txn, existingID)
			if err != nil {
				return nil, err
			}

			strategy := params.Strategy
			if strategy == "" {
				strategy, err = s.strategyFor(txn, account, existing, store.ChangeModifyMetadata, rec.Type)
				if err != nil {
					return nil, err
				}
			}

			if strategy == store.StrategyBounce {
				if err := s.bounceExisting(txn, st, existing); err != nil {
					return nil, err
				}
			} else {
				// Two distinct items cannot merge on a move; anything but
				// bounce rejects with the occupant.
				existingEntry, err := s.entryFromRecord(txn, existing, account)
				if err != nil {
					return nil, err
				}
				return nil, domain.ErrItemExists(*existingEntry)
			}
		}

		if err := deleteChildIndex(txn, rec.Parent, rec.Name); err != nil {
			return nil, err
		}
		if err := setChildIndex(txn, newParent, newName, rec.ID); err != nil {
			return nil, err
		}

		oldParent := rec.Parent
		rec.Parent = newParent
		rec.Name = newName

		// Both folders changed membership; stamp them so either side's
		// enumerators notice.
		if err := s.bumpParent(txn, st, oldParent); err != nil {
			return nil, err
		}
		if newParent != oldParent {
			if err := s.bumpParent(txn, st, newParent); err != nil {
				return nil, err
			}
		}
	}

	if params.Metadata != nil {
		rec.Metadata = rec.Metadata.Merge(*params.Metadata)
	}

	rec.Version.Metadata++
	if err := s.stampItem(txn, st, rec); err != nil {
		return nil, err
	}

	return s.entryFromRecord(txn, rec, account)
}

// DeleteItem tombstones an item, optionally with its whole subtree.
func (s *Store) DeleteItem(ctx context.Context, account *domain.Account, id domain.ItemID, expectedContentVersion *int64, recursive bool) error {
	return s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		rec, err := getLiveItemRecord(txn, id)
		if err != nil {
			return err
		}

		// Only the content version gates deletion: a rename racing a
		// delete should not block it, so metadata mismatches are ignored.
		if expectedContentVersion != nil && *expectedContentVersion != rec.Version.Content {
			current, err := s.entryFromRecord(txn, rec, account)
			if err != nil {
				return err
			}
			return domain.ErrDeletionRejected(*current)
		}

		root, err := rootOf(txn, rec.ID)
		if err != nil {
			return err
		}

		children, err := childIDs(txn, rec.ID)
		if err != nil {
			return err
		}
		if len(children) > 0 && !recursive {
			return domain.ErrParameter()
		}

		if recursive {
			if err := s.tombstoneSubtree(txn, st, rec.ID, root); err != nil {
				return err
			}
		}

		if err := s.tombstoneItem(txn, st, rec, root); err != nil {
			return err
		}
		return s.bumpParent(txn, st, rec.Parent)
	})
}

// tombstoneSubtree tombstones all descendants of id, depth-first so children
// go before their parents.
func (s *Store) tombstoneSubtree(txn *badger.Txn, st *txnState, id domain.ItemID, root domain.ItemID) error {
	children, err := childIDs(txn, id)
	if err != nil {
		return err
	}

	for _, childID := range children {
		child, err := getItemRecord(txn, childID)
		if err != nil {
			return err
		}
		if child.Deleted {
			continue
		}
		if err := s.tombstoneSubtree(txn, st, childID, root); err != nil {
			return err
		}
		if err := s.tombstoneItem(txn, st, child, root); err != nil {
			return err
		}
	}
	return nil
}

// tombstoneItem clears an item down to identity and ancestry, purges its
// payloads (reclaiming quota), drops its locks, and stamps it so the change
// feed propagates the deletion.
func (s *Store) tombstoneItem(txn *badger.Txn, st *txnState, rec *itemRecord, root domain.ItemID) error {
	reclaimed, err := purgeRevisions(txn, rec.ID)
	if err != nil {
		return err
	}
	if err := addUsage(txn, root, -reclaimed); err != nil {
		return err
	}

	if err := txn.Delete(keyFork(rec.ID)); err != nil {
		return err
	}
	if err := txn.Delete(keyThumbnail(rec.ID)); err != nil {
		return err
	}
	if err := purgeLocks(txn, rec.ID); err != nil {
		return err
	}
	if err := deleteChildIndex(txn, rec.Parent, rec.Name); err != nil {
		return err
	}

	rec.Name = ""
	rec.Metadata = domain.EmptyMetadata
	rec.SymlinkTarget = ""
	rec.Size = 0
	rec.Deleted = true

	return s.stampItem(txn, st, rec)
}

// TrashItem moves an item into the account's trash folder.
func (s *Store) TrashItem(ctx context.Context, account *domain.Account, id domain.ItemID, expectedVersion domain.Version) (*domain.Entry, error) {
	if account == nil || account.Trash == domain.InvalidItemID {
		return nil, domain.ErrParameter()
	}

	var entry *domain.Entry

	err := s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		trash := account.Trash
		var err error
		entry, err = s.updateMetadataTxn(txn, st, account, store.UpdateMetadataParams{
			ID:              id,
			ExpectedVersion: expectedVersion,
			Parent:          &trash,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// FetchItem returns the entry for an item, deleted or not.
func (s *Store) FetchItem(ctx context.Context, id domain.ItemID) (*domain.Entry, error) {
	var entry *domain.Entry

	err := s.view(ctx, func(txn *badger.Txn) error {
		rec, err := getItemRecord(txn, id)
		if err != nil {
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
