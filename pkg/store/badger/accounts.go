package badger

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/orchard/pkg/domain"
)

// Account persistence. The records are plain key-value rows; registry
// semantics (root sharing, cascade deletes, sync-anchor resets) live in
// pkg/registry on top of these.

// SaveAccount inserts or updates an account record.
func (s *Store) SaveAccount(ctx context.Context, account *domain.Account) error {
	return s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		bytes, err := encodeAccount(account)
		if err != nil {
			return err
		}
		if err := txn.Set(keyAccount(account.Identifier), bytes); err != nil {
			return fmt.Errorf("failed to store account %q: %w", account.Identifier, err)
		}
		return nil
	})
}

// GetAccount returns the account with the given identifier, or
// DomainNotFound.
func (s *Store) GetAccount(ctx context.Context, id domain.AccountID) (*domain.Account, error) {
	var account *domain.Account

	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(keyAccount(id))
		if err == badger.ErrKeyNotFound {
			return domain.ErrDomainNotFound()
		}
		if err != nil {
			return fmt.Errorf("failed to read account %q: %w", id, err)
		}

		return item.Value(func(val []byte) error {
			account, err = decodeAccount(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// ListAccounts returns all account records.
func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	var accounts []domain.Account

	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyAccountPrefix()})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				account, err := decodeAccount(val)
				if err != nil {
					return err
				}
				accounts = append(accounts, *account)
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
	return accounts, nil
}

// DeleteAccount removes an account record.
func (s *Store) DeleteAccount(ctx context.Context, id domain.AccountID) error {
	return s.update(ctx, func(txn *badger.Txn, st *txnState) error {
		if _, err := txn.Get(keyAccount(id)); err == badger.ErrKeyNotFound {
			return domain.ErrDomainNotFound()
		} else if err != nil {
			return fmt.Errorf("failed to read account %q: %w", id, err)
		}
		return txn.Delete(keyAccount(id))
	})
}
