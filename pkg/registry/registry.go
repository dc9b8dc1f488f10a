// Package registry manages the account table: mapping external domain
// identifiers to root items, secrets, and per-account flags.
//
// The registry owns account lifecycle (provisioning roots, mirroring,
// cascade deletion of orphaned roots) and change notification; row
// persistence is delegated to the item store. The dispatch layer keeps its
// per-account routing table in sync by registering a listener.
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/orchard/internal/logger"
	"github.com/marmos91/orchard/pkg/domain"
	"github.com/marmos91/orchard/pkg/store"
)

// Listener observes successful account mutations (create, remove, flag or
// anchor changes). Fired after the mutation has been persisted.
type Listener func()

// Registry is the account registry.
//
// Thread Safety:
// All methods are safe for concurrent use. The mutex serializes account
// mutations so root sharing counts and cascade deletes cannot race; reads go
// straight to the store.
type Registry struct {
	mu    sync.Mutex
	store store.Store

	listenerMu sync.RWMutex
	listeners  []Listener
}

// New creates a registry on top of the given item store.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// AddListener registers a change observer.
func (r *Registry) AddListener(listener Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Registry) notify() {
	r.listenerMu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenerMu.RUnlock()

	for _, listener := range listeners {
		listener()
	}
}

// CreateAccount provisions a new account.
//
// When mirror is non-nil the new account shares the mirrored account's root
// (and trash), so both see the same tree; otherwise a fresh root is
// allocated. The identifier and secret are generated server-side and
// returned to the caller once.
func (r *Registry) CreateAccount(ctx context.Context, displayName string, mirror *domain.AccountID) (*domain.Account, error) {
	if displayName == "" {
		return nil, domain.ErrParameter()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	account := &domain.Account{
		Identifier:  domain.AccountID(uuid.NewString()),
		DisplayName: displayName,
		Secret:      uuid.NewString(),
	}

	if mirror != nil {
		mirrored, err := r.store.GetAccount(ctx, *mirror)
		if err != nil {
			return nil, err
		}
		account.Root = mirrored.Root
		account.Trash = mirrored.Trash
	} else {
		root, trash, err := r.store.CreateRoot(ctx, displayName)
		if err != nil {
			return nil, err
		}
		account.Root = root
		account.Trash = trash
	}

	if err := r.store.SaveAccount(ctx, account); err != nil {
		return nil, err
	}

	logger.Info("Account %q created (root %d, mirror=%v)", account.Identifier, account.Root, mirror != nil)
	r.notify()
	return account, nil
}

// RemoveAccount deletes an account. When no other account references its
// root, the whole root subtree is recursively deleted with it.
func (r *Registry) RemoveAccount(ctx context.Context, id domain.AccountID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}

	if err := r.store.DeleteAccount(ctx, id); err != nil {
		return err
	}

	remaining, err := r.store.ListAccounts(ctx)
	if err != nil {
		return err
	}

	shared := false
	for _, other := range remaining {
		if other.Root == account.Root {
			shared = true
			break
		}
	}
	if !shared {
		if err := r.store.DeleteItem(ctx, account, account.Root, nil, true); err != nil {
			return err
		}
		logger.Info("Account %q removed; root %d subtree deleted", id, account.Root)
	} else {
		logger.Info("Account %q removed; root %d still referenced", id, account.Root)
	}

	r.notify()
	return nil
}

// GetAccount returns one account row, or DomainNotFound.
func (r *Registry) GetAccount(ctx context.Context, id domain.AccountID) (*domain.Account, error) {
	return r.store.GetAccount(ctx, id)
}

// ListAccounts returns all account rows.
func (r *Registry) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return r.store.ListAccounts(ctx)
}

// Authenticate checks an identifier/secret pair and returns the account.
// Unknown identifiers fail DomainNotFound; a wrong secret fails AuthRequired.
func (r *Registry) Authenticate(ctx context.Context, id domain.AccountID, secret string) (*domain.Account, error) {
	account, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if account.Secret != secret {
		return nil, domain.ErrAuthRequired()
	}
	return account, nil
}

// SetOfflineMode sets or clears the account's offline flag. Offline accounts
// fail every data-plane call with TimedOut at the dispatch layer.
func (r *Registry) SetOfflineMode(ctx context.Context, id domain.AccountID, offline bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}

	if offline {
		account.Flags |= domain.AccountOffline
	} else {
		account.Flags &^= domain.AccountOffline
	}
	if err := r.store.SaveAccount(ctx, account); err != nil {
		return err
	}

	r.notify()
	return nil
}

// GetOfflineMode reports the account's offline flag.
func (r *Registry) GetOfflineMode(ctx context.Context, id domain.AccountID) (bool, error) {
	account, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return false, err
	}
	return account.Flags.Has(domain.AccountOffline), nil
}

// ResetSyncAnchor bumps the account's token check number, invalidating every
// sync anchor issued so far. Clients holding an old anchor fail TokenExpired
// and restart their enumeration from scratch.
func (r *Registry) ResetSyncAnchor(ctx context.Context, id domain.AccountID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}

	account.TokenCheckNumber++
	if err := r.store.SaveAccount(ctx, account); err != nil {
		return err
	}

	logger.Info("Sync anchor reset for account %q (check number %d)", id, account.TokenCheckNumber)
	r.notify()
	return nil
}
