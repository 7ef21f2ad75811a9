package platform

import (
	"context"
	"fmt"

	"trophysync/pkg/model"
)

// Adapter hides one platform's API behind the capabilities the sync engine needs
type Adapter interface {
	// Platform identifies the adapter
	Platform() model.Platform

	// ResolveAccount maps a user-entered identifier to the platform account id
	ResolveAccount(ctx context.Context, identifier string) (string, error)

	// ListCandidateTitles returns titles ordered most recent first.
	// Each call re-fetches from the platform.
	ListCandidateTitles(ctx context.Context, accountID string) ([]model.Title, error)

	// ListUnlocks returns only achieved entries for a title.
	// OwnerID and DetectedAt are left for the caller to fill.
	ListUnlocks(ctx context.Context, accountID string, title model.Title) ([]model.UnlockRecord, error)

	// FetchProfileSummary returns leaderboard-relevant profile fields
	FetchProfileSummary(ctx context.Context, accountID string) (model.ProfileSummary, error)
}

// MetadataProvider is implemented by adapters that can cheaply supply static
// unlock display data (name, description, icon) keyed by unlock id.
type MetadataProvider interface {
	UnlockMetadata(ctx context.Context, title model.Title) (map[string]model.UnlockMetadata, error)
}

// Registry holds one adapter per platform
type Registry struct {
	adapters map[model.Platform]Adapter
}

// NewRegistry builds a registry; a later adapter for the same platform replaces an earlier one
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

// Get returns the adapter for p
func (r *Registry) Get(p model.Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for %s", p)
	}
	return a, nil
}

// Platforms lists configured platforms in model.Platforms order
func (r *Registry) Platforms() []model.Platform {
	var out []model.Platform
	for _, p := range model.Platforms {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
