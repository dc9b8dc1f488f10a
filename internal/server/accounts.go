package server

import (
	"context"
)

// Accounts-plane handlers. These operate on the registry rather than on one
// account's tree, so they hang off the Server directly and are serialized by
// accountsMu instead of a per-account mutex.

func (s *Server) accountInfo(ctx context.Context, _ emptyParams) (accountInfoReturn, error) {
	count, err := s.store.CountItems(ctx)
	if err != nil {
		return accountInfoReturn{}, err
	}
	return accountInfoReturn{Standalone: true, ItemCount: count}, nil
}

func (s *Server) listAccounts(ctx context.Context, _ emptyParams) (listAccountsReturn, error) {
	accounts, err := s.registry.ListAccounts(ctx)
	if err != nil {
		return listAccountsReturn{}, err
	}
	return listAccountsReturn{Accounts: accounts}, nil
}

func (s *Server) createAccount(ctx context.Context, param createAccountParams) (createAccountReturn, error) {
	account, err := s.registry.CreateAccount(ctx, param.DisplayName, param.MirroringAccount)
	if err != nil {
		return createAccountReturn{}, err
	}
	return createAccountReturn{Account: *account}, nil
}

func (s *Server) removeAccount(ctx context.Context, param removeAccountParams) (emptyReturn, error) {
	for _, id := range param.Identifiers {
		if err := s.registry.RemoveAccount(ctx, id); err != nil {
			return emptyReturn{}, err
		}
	}
	return emptyReturn{}, nil
}

func (s *Server) setOfflineMode(ctx context.Context, param offlineModeParams) (offlineModeReturn, error) {
	if err := s.registry.SetOfflineMode(ctx, param.Identifier, param.EnableOffline); err != nil {
		return offlineModeReturn{}, err
	}
	return offlineModeReturn{Offline: param.EnableOffline}, nil
}

func (s *Server) getOfflineMode(ctx context.Context, param accountIdentifierParams) (offlineModeReturn, error) {
	offline, err := s.registry.GetOfflineMode(ctx, param.Identifier)
	if err != nil {
		return offlineModeReturn{}, err
	}
	return offlineModeReturn{Offline: offline}, nil
}

func (s *Server) resetSyncAnchor(ctx context.Context, param accountIdentifierParams) (emptyReturn, error) {
	if err := s.registry.ResetSyncAnchor(ctx, param.Identifier); err != nil {
		return emptyReturn{}, err
	}
	return emptyReturn{}, nil
}
