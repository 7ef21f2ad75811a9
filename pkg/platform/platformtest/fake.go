// Package platformtest provides a scriptable in-memory platform adapter.
package platformtest

import (
	"context"
	"sync"

	"trophysync/pkg/model"
	"trophysync/pkg/platform"
)

// Fake is an Adapter and MetadataProvider backed by maps.
// Unknown identifiers resolve to ErrAccountNotFound.
type Fake struct {
	mu sync.Mutex

	P        model.Platform
	IDs      map[string]string
	Titles   map[string][]model.Title
	Unlocks  map[string][]model.UnlockRecord // keyed by UnlockKey(accountID, titleID)
	Profiles map[string]model.ProfileSummary
	Metadata map[string]map[string]model.UnlockMetadata
	Errors   map[string]error // keyed by call name, see Calls
	Hook     func(ctx context.Context, call string) error
	calls    []string
}

// NewFake creates an empty Fake for p
func NewFake(p model.Platform) *Fake {
	return &Fake{
		P:        p,
		IDs:      map[string]string{},
		Titles:   map[string][]model.Title{},
		Unlocks:  map[string][]model.UnlockRecord{},
		Profiles: map[string]model.ProfileSummary{},
		Metadata: map[string]map[string]model.UnlockMetadata{},
		Errors:   map[string]error{},
	}
}

// UnlockKey builds the Unlocks map key
func UnlockKey(accountID, titleID string) string { return accountID + "/" + titleID }

// SetUnlocks scripts achieved entries for a title
func (f *Fake) SetUnlocks(accountID, titleID string, recs ...model.UnlockRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range recs {
		recs[i].Platform = f.P
		recs[i].TitleID = titleID
	}
	f.Unlocks[UnlockKey(accountID, titleID)] = recs
}

// Fail makes the named call return err
func (f *Fake) Fail(call string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[call] = err
}

// Calls returns the calls made so far, e.g. "titles:123" or "unlocks:123/440"
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) record(ctx context.Context, call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err := f.Errors[call]
	hook := f.Hook
	f.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx, call); herr != nil {
			return herr
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (f *Fake) Platform() model.Platform { return f.P }

func (f *Fake) ResolveAccount(ctx context.Context, identifier string) (string, error) {
	if err := f.record(ctx, "resolve:"+identifier); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.IDs[identifier]
	if !ok {
		return "", platform.NewError(f.P, "resolve", platform.ErrAccountNotFound, nil)
	}
	return id, nil
}

func (f *Fake) ListCandidateTitles(ctx context.Context, accountID string) ([]model.Title, error) {
	if err := f.record(ctx, "titles:"+accountID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Title(nil), f.Titles[accountID]...), nil
}

func (f *Fake) ListUnlocks(ctx context.Context, accountID string, title model.Title) ([]model.UnlockRecord, error) {
	key := UnlockKey(accountID, title.ID)
	if err := f.record(ctx, "unlocks:"+key); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.UnlockRecord(nil), f.Unlocks[key]...), nil
}

func (f *Fake) FetchProfileSummary(ctx context.Context, accountID string) (model.ProfileSummary, error) {
	if err := f.record(ctx, "profile:"+accountID); err != nil {
		return model.ProfileSummary{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Profiles[accountID]
	if !ok {
		return model.ProfileSummary{}, platform.NewError(f.P, "profile", platform.ErrAccountNotFound, nil)
	}
	return s, nil
}

func (f *Fake) UnlockMetadata(ctx context.Context, title model.Title) (map[string]model.UnlockMetadata, error) {
	if err := f.record(ctx, "metadata:"+title.ID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Metadata[title.ID], nil
}

var (
	_ platform.Adapter          = (*Fake)(nil)
	_ platform.MetadataProvider = (*Fake)(nil)
)
