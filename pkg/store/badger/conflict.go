package badger

import (
	"fmt"
	"path"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/orchard/pkg/domain"
	"github.com/marmos91/orchard/pkg/store"
)

// Conflict Resolution
// ===================
//
// When a create or move collides with an existing non-deleted sibling, the
// outcome depends on what the existing item is and what kind of change is
// arriving:
//
//   1. Type mismatch between existing and incoming      → bounce
//   2. Existing is a folder:  create                    → merge
//                             anything else             → reject
//   3. Existing is a symlink/alias: create              → merge
//                             anything else             → bounce
//   4. Existing is a file:    inside the trash          → bounce
//                             create under hidden path  → merge
//                             otherwise                 → bounce
//
// Bounce renames the EXISTING item (numeric suffix, incremented until free)
// and lets the incoming change proceed under the original name. Renaming the
// existing side is what makes out-of-order application of a pairwise rename
// swap converge: whichever change lands second pushes the other aside and
// both orders end with the same name-to-item mapping.

// strategyFor consults the conflict table for a collision with existing.
func (s *Store) strategyFor(txn *badger.Txn, account *domain.Account, existing *itemRecord, changeType store.ChangeType, newType domain.EntryType) (store.ConflictStrategy, error) {
	if existing.Type != newType {
		return store.StrategyBounce, nil
	}

	switch existing.Type {
	case domain.TypeFolder, domain.TypeRoot:
		if changeType == store.ChangeCreate {
			return store.StrategyMerge, nil
		}
		return store.StrategyReject, nil

	case domain.TypeSymlink, domain.TypeAlias:
		if changeType == store.ChangeCreate {
			return store.StrategyMerge, nil
		}
		return store.StrategyBounce, nil

	default:
		inTrash, err := itemInTrash(txn, account, existing.ID)
		if err != nil {
			return "", err
		}
		if inTrash {
			return store.StrategyBounce, nil
		}

		if changeType == store.ChangeCreate {
			hidden, err := underHiddenAncestor(txn, existing.Parent)
			if err != nil {
				return "", err
			}
			if hidden {
				return store.StrategyMerge, nil
			}
		}
		return store.StrategyBounce, nil
	}
}

// itemInTrash reports whether the item's path passes through the account's
// trash folder.
func itemInTrash(txn *badger.Txn, account *domain.Account, id domain.ItemID) (bool, error) {
	if account == nil || account.Trash == domain.InvalidItemID {
		return false, nil
	}
	return isAncestor(txn, account.Trash, id)
}

// underHiddenAncestor reports whether any folder in the ancestor chain
// starting at id is hidden (dot-prefixed name or hidden flag).
func underHiddenAncestor(txn *badger.Txn, id domain.ItemID) (bool, error) {
	current := id
	for current != domain.InvalidItemID {
		rec, err := getItemRecord(txn, current)
		if err != nil {
			return false, err
		}
		if strings.HasPrefix(rec.Name, ".") || rec.Metadata.IsHidden() {
			return true, nil
		}
		current = rec.Parent
	}
	return false, nil
}

// compoundExtensions are outer extensions that keep their inner extension
// attached when a name is split for bouncing, so "a.tar.gz" bounces to
// "a (1).tar.gz" rather than "a.tar (1).gz".
var compoundExtensions = map[string]bool{
	".gz":   true,
	".bz2":  true,
	".pkgf": true,
}

// splitBounceName splits a name into the stem the suffix is appended to and
// the extension that is carried over.
func splitBounceName(name string) (stem, ext string) {
	ext = path.Ext(name)
	stem = strings.TrimSuffix(name, ext)

	if compoundExtensions[ext] {
		inner := path.Ext(stem)
		if inner != "" {
			ext = inner + ext
			stem = strings.TrimSuffix(stem, inner)
		}
	}
	return stem, ext
}

// freeBounceName finds the first " (N)" variant of name with no non-deleted
// sibling under parent. Termination is guaranteed: siblings are finite and
// every probe tries a fresh candidate.
func freeBounceName(txn *badger.Txn, parent domain.ItemID, name string) (string, error) {
	stem, ext := splitBounceName(name)

	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		_, taken, err := childID(txn, parent, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}

// bounceExisting renames the existing item to a free bounce name. The rename
// is a metadata change: the item's metadata version advances and it is
// stamped with a fresh rank.
func (s *Store) bounceExisting(txn *badger.Txn, st *txnState, existing *itemRecord) error {
	newName, err := freeBounceName(txn, existing.Parent, existing.Name)
	if err != nil {
		return err
	}

	if err := deleteChildIndex(txn, existing.Parent, existing.Name); err != nil {
		return err
	}
	if err := setChildIndex(txn, existing.Parent, newName, existing.ID); err != nil {
		return err
	}

	existing.Name = newName
	existing.Version.Metadata++
	return s.stampItem(txn, st, existing)
}
