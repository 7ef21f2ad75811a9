package store

import (
	"context"
	"errors"

	"trophysync/pkg/model"
)

// ErrNotFound is returned when a linked account or owner does not exist
var ErrNotFound = errors.New("not found")

// Ledger records unlocks exactly once per (owner, platform, title, unlock)
type Ledger interface {
	// Exists reports whether the key is already recorded
	Exists(ctx context.Context, key model.UnlockKey) (bool, error)

	// InsertIfAbsent stores rec unless its key exists. inserted is false on a
	// duplicate, including one written concurrently after an Exists check.
	InsertIfAbsent(ctx context.Context, rec model.UnlockRecord) (inserted bool, err error)

	// Count returns the number of recorded unlocks
	Count(ctx context.Context) (int64, error)
}

// Accounts persists owners and their linked platform accounts
type Accounts interface {
	// ListAccounts returns every linked account ordered by owner then platform
	ListAccounts(ctx context.Context) ([]model.LinkedAccount, error)

	// OwnerAccounts returns the accounts of one owner ordered by platform
	OwnerAccounts(ctx context.Context, ownerID string) ([]model.LinkedAccount, error)

	GetAccount(ctx context.Context, ownerID string, p model.Platform) (model.LinkedAccount, error)

	// UpsertAccount creates the owner if needed and replaces the (owner, platform) link.
	// Pointing the link at a different account clears its ledger entries.
	UpsertAccount(ctx context.Context, acct model.LinkedAccount) error

	// DeleteAccount removes the link together with its ledger entries
	DeleteAccount(ctx context.Context, ownerID string, p model.Platform) error

	// DeleteOwner removes the owner with its links and ledger entries
	DeleteOwner(ctx context.Context, ownerID string) error

	// SetAccountID caches the resolved platform account id
	SetAccountID(ctx context.Context, ownerID string, p model.Platform, accountID string) error

	// MergeAttributes overlays patch on the cached attributes; absent keys are kept
	MergeAttributes(ctx context.Context, ownerID string, p model.Platform, patch map[string]any) error
}

// SyncStates keeps the outcome of the last completed cycle
type SyncStates interface {
	LastSync(ctx context.Context) (model.SyncState, error)
	RecordSync(ctx context.Context, state model.SyncState) error
}

// Store is the complete persistence layer
type Store interface {
	Ledger
	Accounts
	SyncStates

	Ping(ctx context.Context) error
	Close() error
}

// relinked reports whether next points an existing link at another platform account
func relinked(old, next model.LinkedAccount) bool {
	if old.AccountID != "" && next.AccountID != "" {
		return old.AccountID != next.AccountID
	}
	return old.Identifier != next.Identifier
}
