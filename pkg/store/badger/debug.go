package badger

import (
	"context"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/orchard/pkg/domain"
)

// Fault injection. The table maps (item, read/write) pairs to a simulated
// error; the dispatch layer consults it before touching the store's real
// operations.

// SetSimulatedError attaches a simulated error to an item's read or write
// path, or clears the slot when simErr is nil.
func (s *Store) SetSimulatedError(ctx context.Context, id domain.ItemID, access domain.AccessType, simErr *domain.SimulatedError) error {
	return s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		if simErr == nil {
			return txn.Delete(keySimError(id, access))
		}

		bytes, err := encodeSimError(simErr)
		if err != nil {
			return err
		}
		if err := txn.Set(keySimError(id, access), bytes); err != nil {
			return fmt.Errorf("failed to store simulated error for item %d: %w", id, err)
		}
		return nil
	})
}

// SimulatedErrors returns the active fault-injection table.
func (s *Store) SimulatedErrors(ctx context.Context) (map[domain.ItemID]map[domain.AccessType]domain.SimulatedError, error) {
	table := map[domain.ItemID]map[domain.AccessType]domain.SimulatedError{}

	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: keySimErrorPrefix()})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id, access, err := parseSimErrorKey(it.Item().Key())
			if err != nil {
				return err
			}

			err = it.Item().Value(func(val []byte) error {
				simErr, err := decodeSimError(val)
				if err != nil {
					return err
				}
				if table[id] == nil {
					table[id] = map[domain.AccessType]domain.SimulatedError{}
				}
				table[id][access] = *simErr
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
	return table, nil
}

// parseSimErrorKey inverts keySimError.
func parseSimErrorKey(key []byte) (domain.ItemID, domain.AccessType, error) {
	rest := strings.TrimPrefix(string(key), prefixSimError)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("corrupt simulated-error key %q", key)
	}

	id, err := itemIDFromHex(parts[0])
	if err != nil {
		return 0, "", err
	}
	return id, domain.AccessType(parts[1]), nil
}
