package profile

import (
	"context"
	"fmt"

	"trophysync/pkg/model"
	"trophysync/pkg/platform"
)

// AttributeStore merges cached profile attributes
type AttributeStore interface {
	MergeAttributes(ctx context.Context, ownerID string, p model.Platform, patch map[string]any) error
}

// Updater refreshes the cached profile attributes of linked accounts
type Updater struct {
	registry *platform.Registry
	store    AttributeStore
}

func New(registry *platform.Registry, store AttributeStore) *Updater {
	return &Updater{registry: registry, store: store}
}

// Refresh fetches the profile summary and merges it into the cached attributes.
// Attributes absent from the summary keep their previous value.
func (u *Updater) Refresh(ctx context.Context, acct model.LinkedAccount, accountID string) (map[string]any, error) {
	adapter, err := u.registry.Get(acct.Platform)
	if err != nil {
		return nil, err
	}
	summary, err := adapter.FetchProfileSummary(ctx, accountID)
	if err != nil {
		return nil, err
	}
	attrs := summary.Attributes()
	if len(attrs) == 0 {
		return attrs, nil
	}
	if err := u.store.MergeAttributes(ctx, acct.OwnerID, acct.Platform, attrs); err != nil {
		return nil, fmt.Errorf("failed to store profile attributes: %w", err)
	}
	return attrs, nil
}
