// Package linking manages which platform accounts an owner has linked.
package linking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"trophysync/pkg/logger"
	"trophysync/pkg/model"
	"trophysync/pkg/platform"
	"trophysync/pkg/store"
)

var (
	// ErrInvalidIdentifier is returned for an empty owner or account identifier
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrPlatformDisabled is returned when no adapter is configured for the platform
	ErrPlatformDisabled = errors.New("platform not enabled")
)

// Service links, unlinks and lists accounts. It is the only writer of account identity.
type Service struct {
	accounts store.Accounts
	registry *platform.Registry
	logger   *logger.Logger
}

func New(accounts store.Accounts, registry *platform.Registry, l *logger.Logger) *Service {
	return &Service{accounts: accounts, registry: registry, logger: l}
}

// Link resolves identifier on p and stores it as the owner's account there,
// replacing any previous link. Unknown and private accounts are rejected.
func (s *Service) Link(ctx context.Context, ownerID string, p model.Platform, identifier string) (model.LinkedAccount, error) {
	ownerID = strings.TrimSpace(ownerID)
	identifier = strings.TrimSpace(identifier)
	if ownerID == "" || identifier == "" {
		return model.LinkedAccount{}, ErrInvalidIdentifier
	}

	adapter, err := s.registry.Get(p)
	if err != nil {
		return model.LinkedAccount{}, fmt.Errorf("%w: %s", ErrPlatformDisabled, p)
	}

	accountID, err := adapter.ResolveAccount(ctx, identifier)
	if err != nil {
		return model.LinkedAccount{}, err
	}

	summary, err := adapter.FetchProfileSummary(ctx, accountID)
	if err != nil {
		return model.LinkedAccount{}, err
	}

	acct := model.LinkedAccount{
		OwnerID:     ownerID,
		Platform:    p,
		Identifier:  identifier,
		AccountID:   accountID,
		DisplayName: summary.DisplayName,
		Attributes:  summary.Attributes(),
	}
	if err := s.accounts.UpsertAccount(ctx, acct); err != nil {
		return model.LinkedAccount{}, fmt.Errorf("failed to store linked account: %w", err)
	}

	s.logger.Info("account linked",
		logger.Owner(ownerID),
		logger.Platform(p),
		zap.String("identifier", identifier),
		zap.String("account_id", accountID))

	return s.accounts.GetAccount(ctx, ownerID, p)
}

// Unlink removes the owner's account on p together with its recorded unlocks
func (s *Service) Unlink(ctx context.Context, ownerID string, p model.Platform) error {
	if err := s.accounts.DeleteAccount(ctx, ownerID, p); err != nil {
		return err
	}
	s.logger.Info("account unlinked", logger.Owner(ownerID), logger.Platform(p))
	return nil
}

// Forget removes the owner together with every link and recorded unlock
func (s *Service) Forget(ctx context.Context, ownerID string) error {
	if err := s.accounts.DeleteOwner(ctx, ownerID); err != nil {
		return err
	}
	s.logger.Info("owner forgotten", logger.Owner(ownerID))
	return nil
}

// Accounts lists the owner's linked accounts ordered by platform
func (s *Service) Accounts(ctx context.Context, ownerID string) ([]model.LinkedAccount, error) {
	return s.accounts.OwnerAccounts(ctx, ownerID)
}
