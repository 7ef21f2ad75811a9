package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trophysync/pkg/logger"
	"trophysync/pkg/model"
	"trophysync/pkg/platform"
)

// IDCache persists resolved account ids
type IDCache interface {
	SetAccountID(ctx context.Context, ownerID string, p model.Platform, accountID string) error
}

// Resolver maps linked accounts to platform account ids, caching the result on the account
type Resolver struct {
	registry *platform.Registry
	cache    IDCache
	logger   *logger.Logger
}

func New(registry *platform.Registry, cache IDCache, l *logger.Logger) *Resolver {
	return &Resolver{registry: registry, cache: cache, logger: l}
}

// Resolve returns the cached account id or asks the platform adapter.
// Failures unwrap to platform.ErrResolutionFailed and to their cause.
func (r *Resolver) Resolve(ctx context.Context, acct model.LinkedAccount) (string, error) {
	if acct.AccountID != "" {
		return acct.AccountID, nil
	}

	adapter, err := r.registry.Get(acct.Platform)
	if err != nil {
		return "", platform.NewError(acct.Platform, "resolve", platform.ErrResolutionFailed, err)
	}

	id, err := adapter.ResolveAccount(ctx, acct.Identifier)
	if err != nil {
		return "", platform.NewError(acct.Platform, "resolve", platform.ErrResolutionFailed,
			fmt.Errorf("identifier %q: %w", acct.Identifier, err))
	}
	if id == "" {
		return "", platform.NewError(acct.Platform, "resolve", platform.ErrResolutionFailed,
			fmt.Errorf("identifier %q resolved to an empty id", acct.Identifier))
	}

	if err := r.cache.SetAccountID(ctx, acct.OwnerID, acct.Platform, id); err != nil {
		r.logger.Warn("failed to cache resolved account id",
			logger.Owner(acct.OwnerID), logger.Platform(acct.Platform), zap.Error(err))
	}
	return id, nil
}
