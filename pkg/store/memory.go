package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"trophysync/pkg/model"
)

type accountKey struct {
	owner    string
	platform model.Platform
}

// Memory is a process-local Store for tests and single-node development
type Memory struct {
	mu       sync.RWMutex
	owners   map[string]struct{}
	accounts map[accountKey]model.LinkedAccount
	unlocks  map[model.UnlockKey]model.UnlockRecord
	state    model.SyncState
	now      func() time.Time
}

// NewMemory creates an empty Memory store
func NewMemory() *Memory {
	return &Memory{
		owners:   make(map[string]struct{}),
		accounts: make(map[accountKey]model.LinkedAccount),
		unlocks:  make(map[model.UnlockKey]model.UnlockRecord),
		now:      time.Now,
	}
}

func (m *Memory) Exists(_ context.Context, key model.UnlockKey) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.unlocks[key]
	return ok, nil
}

func (m *Memory) InsertIfAbsent(_ context.Context, rec model.UnlockRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.Key()
	if _, ok := m.unlocks[key]; ok {
		return false, nil
	}
	m.unlocks[key] = rec
	return true, nil
}

func (m *Memory) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.unlocks)), nil
}

// Unlocks returns a copy of every recorded unlock ordered by key
func (m *Memory) Unlocks() []model.UnlockRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.UnlockRecord, 0, len(m.unlocks))
	for _, r := range m.unlocks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

func (m *Memory) ListAccounts(context.Context) ([]model.LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.LinkedAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, cloneAccount(a))
	}
	sortAccounts(out)
	return out, nil
}

func (m *Memory) OwnerAccounts(_ context.Context, ownerID string) ([]model.LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.LinkedAccount
	for k, a := range m.accounts {
		if k.owner == ownerID {
			out = append(out, cloneAccount(a))
		}
	}
	sortAccounts(out)
	return out, nil
}

func (m *Memory) GetAccount(_ context.Context, ownerID string, p model.Platform) (model.LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[accountKey{ownerID, p}]
	if !ok {
		return model.LinkedAccount{}, ErrNotFound
	}
	return cloneAccount(a), nil
}

func (m *Memory) UpsertAccount(_ context.Context, acct model.LinkedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if acct.LinkedAt.IsZero() {
		acct.LinkedAt = now
	}
	acct.UpdatedAt = now
	if acct.Attributes == nil {
		acct.Attributes = map[string]any{}
	}
	k := accountKey{acct.OwnerID, acct.Platform}
	if old, ok := m.accounts[k]; ok && relinked(old, acct) {
		m.dropUnlocks(acct.OwnerID, acct.Platform)
	}
	m.owners[acct.OwnerID] = struct{}{}
	m.accounts[k] = cloneAccount(acct)
	return nil
}

// dropUnlocks expects m.mu to be held
func (m *Memory) dropUnlocks(ownerID string, p model.Platform) {
	for k := range m.unlocks {
		if k.OwnerID == ownerID && k.Platform == p {
			delete(m.unlocks, k)
		}
	}
}

func (m *Memory) DeleteAccount(_ context.Context, ownerID string, p model.Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := accountKey{ownerID, p}
	if _, ok := m.accounts[k]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, k)
	m.dropUnlocks(ownerID, p)
	return nil
}

func (m *Memory) DeleteOwner(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[ownerID]; !ok {
		return ErrNotFound
	}
	delete(m.owners, ownerID)
	for k := range m.accounts {
		if k.owner == ownerID {
			delete(m.accounts, k)
		}
	}
	for k := range m.unlocks {
		if k.OwnerID == ownerID {
			delete(m.unlocks, k)
		}
	}
	return nil
}

func (m *Memory) SetAccountID(_ context.Context, ownerID string, p model.Platform, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := accountKey{ownerID, p}
	a, ok := m.accounts[k]
	if !ok {
		return ErrNotFound
	}
	a.AccountID = accountID
	a.UpdatedAt = m.now().UTC()
	m.accounts[k] = a
	return nil
}

func (m *Memory) MergeAttributes(_ context.Context, ownerID string, p model.Platform, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := accountKey{ownerID, p}
	a, ok := m.accounts[k]
	if !ok {
		return ErrNotFound
	}
	merged := make(map[string]any, len(a.Attributes)+len(patch))
	for key, v := range a.Attributes {
		merged[key] = v
	}
	for key, v := range patch {
		merged[key] = v
	}
	a.Attributes = merged
	if name, ok := patch["display_name"].(string); ok && name != "" {
		a.DisplayName = name
	}
	a.UpdatedAt = m.now().UTC()
	m.accounts[k] = a
	return nil
}

func (m *Memory) LastSync(context.Context) (model.SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

func (m *Memory) RecordSync(_ context.Context, state model.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func cloneAccount(a model.LinkedAccount) model.LinkedAccount {
	if a.Attributes != nil {
		attrs := make(map[string]any, len(a.Attributes))
		for k, v := range a.Attributes {
			attrs[k] = v
		}
		a.Attributes = attrs
	}
	return a
}

func sortAccounts(accts []model.LinkedAccount) {
	sort.Slice(accts, func(i, j int) bool {
		if accts[i].OwnerID != accts[j].OwnerID {
			return accts[i].OwnerID < accts[j].OwnerID
		}
		return accts[i].Platform < accts[j].Platform
	})
}

var _ Store = (*Memory)(nil)
