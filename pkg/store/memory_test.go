package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trophysync/pkg/model"
)

func TestLedgerProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	recGen := gopter.CombineGens(
		gen.OneConstOf("u1", "u2", "u3"),
		gen.OneConstOf(model.Steam, model.PSN, model.Xbox),
		gen.OneConstOf("440", "620", "NPWR1"),
		gen.OneConstOf("a", "b", "c", "d"),
	).Map(func(v []interface{}) model.UnlockRecord {
		return model.UnlockRecord{
			OwnerID:    v[0].(string),
			Platform:   v[1].(model.Platform),
			TitleID:    v[2].(string),
			UnlockID:   v[3].(string),
			DetectedAt: time.Now(),
		}
	})

	properties.Property("each key is inserted exactly once", prop.ForAll(
		func(recs []model.UnlockRecord) bool {
			ctx := context.Background()
			m := NewMemory()
			distinct := map[model.UnlockKey]bool{}
			inserted := 0
			for _, r := range recs {
				ok, err := m.InsertIfAbsent(ctx, r)
				if err != nil {
					return false
				}
				if ok {
					inserted++
				}
				if ok == distinct[r.Key()] {
					return false
				}
				distinct[r.Key()] = true
			}
			n, _ := m.Count(ctx)
			return inserted == len(distinct) && n == int64(len(distinct))
		},
		gen.SliceOf(recGen),
	))

	properties.Property("replaying the same records inserts nothing", prop.ForAll(
		func(recs []model.UnlockRecord) bool {
			ctx := context.Background()
			m := NewMemory()
			for _, r := range recs {
				_, _ = m.InsertIfAbsent(ctx, r)
			}
			for _, r := range recs {
				if ok, _ := m.InsertIfAbsent(ctx, r); ok {
					return false
				}
				if exists, _ := m.Exists(ctx, r.Key()); !exists {
					return false
				}
			}
			return true
		},
		gen.SliceOf(recGen),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestMemoryInsertIfAbsentConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec := model.UnlockRecord{OwnerID: "u1", Platform: model.Steam, TitleID: "440", UnlockID: "ACH_WIN_ONE_GAME", DetectedAt: time.Now()}

	var inserted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := m.InsertIfAbsent(ctx, rec)
			assert.NoError(t, err)
			if ok {
				inserted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), inserted.Load())
	n, _ := m.Count(ctx)
	assert.Equal(t, int64(1), n)
}

func TestMemoryUnlinkClearsLedger(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	record := func(p model.Platform, unlockID string) {
		_, err := m.InsertIfAbsent(ctx, model.UnlockRecord{OwnerID: "u1", Platform: p, TitleID: "440", UnlockID: unlockID})
		require.NoError(t, err)
	}
	count := func() int64 {
		n, _ := m.Count(ctx)
		return n
	}

	require.NoError(t, m.UpsertAccount(ctx, model.LinkedAccount{OwnerID: "u1", Platform: model.Steam, Identifier: "gaben", AccountID: "111"}))
	require.NoError(t, m.UpsertAccount(ctx, model.LinkedAccount{OwnerID: "u1", Platform: model.Xbox, Identifier: "tag", AccountID: "9"}))
	record(model.Steam, "A")
	record(model.Xbox, "A")

	// Same account under another identifier keeps history
	require.NoError(t, m.UpsertAccount(ctx, model.LinkedAccount{OwnerID: "u1", Platform: model.Steam, Identifier: "76561197960287930", AccountID: "111"}))
	assert.Equal(t, int64(2), count())

	// A different account does not
	require.NoError(t, m.UpsertAccount(ctx, model.LinkedAccount{OwnerID: "u1", Platform: model.Steam, Identifier: "alyx", AccountID: "222"}))
	assert.Equal(t, int64(1), count())
	assert.Equal(t, model.Xbox, m.Unlocks()[0].Platform)

	record(model.Steam, "B")
	require.NoError(t, m.DeleteAccount(ctx, "u1", model.Steam))
	assert.Equal(t, int64(1), count())
	assert.Equal(t, model.Xbox, m.Unlocks()[0].Platform)
}

func TestRelinked(t *testing.T) {
	tests := []struct {
		old, next model.LinkedAccount
		want      bool
	}{
		{model.LinkedAccount{Identifier: "a", AccountID: "1"}, model.LinkedAccount{Identifier: "b", AccountID: "1"}, false},
		{model.LinkedAccount{Identifier: "a", AccountID: "1"}, model.LinkedAccount{Identifier: "a", AccountID: "2"}, true},
		{model.LinkedAccount{Identifier: "a", AccountID: "1"}, model.LinkedAccount{Identifier: "a"}, false},
		{model.LinkedAccount{Identifier: "a"}, model.LinkedAccount{Identifier: "b", AccountID: "1"}, true},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.Equal(t, tt.want, relinked(tt.old, tt.next))
		})
	}
}

func TestMemoryAccounts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.UpsertAccount(ctx, model.LinkedAccount{OwnerID: "u2", Platform: model.Xbox, Identifier: "tag"}))
	require.NoError(t, m.UpsertAccount(ctx, model.LinkedAccount{OwnerID: "u1", Platform: model.Steam, Identifier: "gaben"}))
	require.NoError(t, m.UpsertAccount(ctx, model.LinkedAccount{OwnerID: "u1", Platform: model.PSN, Identifier: "kratos"}))

	all, err := m.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "u1", all[0].OwnerID)
	assert.Equal(t, model.PSN, all[0].Platform)
	assert.Equal(t, model.Steam, all[1].Platform)
	assert.Equal(t, "u2", all[2].OwnerID)

	require.NoError(t, m.SetAccountID(ctx, "u1", model.Steam, "76561197960287930"))
	a, err := m.GetAccount(ctx, "u1", model.Steam)
	require.NoError(t, err)
	assert.Equal(t, "76561197960287930", a.AccountID)

	// Relinking replaces identity and drops the cached id
	require.NoError(t, m.UpsertAccount(ctx, model.LinkedAccount{OwnerID: "u1", Platform: model.Steam, Identifier: "other"}))
	a, err = m.GetAccount(ctx, "u1", model.Steam)
	require.NoError(t, err)
	assert.Equal(t, "other", a.Identifier)
	assert.Empty(t, a.AccountID)

	require.NoError(t, m.DeleteAccount(ctx, "u1", model.Steam))
	_, err = m.GetAccount(ctx, "u1", model.Steam)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.DeleteAccount(ctx, "u1", model.Steam), ErrNotFound)
	assert.ErrorIs(t, m.SetAccountID(ctx, "nobody", model.Steam, "1"), ErrNotFound)
}

func TestMemoryMergeAttributesPreservesKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.UpsertAccount(ctx, model.LinkedAccount{
		OwnerID:    "u1",
		Platform:   model.Steam,
		Attributes: map[string]any{"level": 10, "avatar_url": "old", "custom": "keep"},
	}))

	require.NoError(t, m.MergeAttributes(ctx, "u1", model.Steam, map[string]any{"level": 11, "display_name": "Gordon"}))

	a, err := m.GetAccount(ctx, "u1", model.Steam)
	require.NoError(t, err)
	assert.Equal(t, 11, a.Attributes["level"])
	assert.Equal(t, "old", a.Attributes["avatar_url"])
	assert.Equal(t, "keep", a.Attributes["custom"])
	assert.Equal(t, "Gordon", a.DisplayName)

	// Returned maps are copies
	a.Attributes["level"] = 99
	b, _ := m.GetAccount(ctx, "u1", model.Steam)
	assert.Equal(t, 11, b.Attributes["level"])

	assert.ErrorIs(t, m.MergeAttributes(ctx, "u1", model.Xbox, map[string]any{}), ErrNotFound)
}

func TestMemoryDeleteOwnerCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.UpsertAccount(ctx, model.LinkedAccount{OwnerID: "u1", Platform: model.Steam}))
	require.NoError(t, m.UpsertAccount(ctx, model.LinkedAccount{OwnerID: "u2", Platform: model.Steam}))
	_, _ = m.InsertIfAbsent(ctx, model.UnlockRecord{OwnerID: "u1", Platform: model.Steam, TitleID: "440", UnlockID: "A"})
	_, _ = m.InsertIfAbsent(ctx, model.UnlockRecord{OwnerID: "u2", Platform: model.Steam, TitleID: "440", UnlockID: "A"})

	require.NoError(t, m.DeleteOwner(ctx, "u1"))

	accts, _ := m.OwnerAccounts(ctx, "u1")
	assert.Empty(t, accts)
	n, _ := m.Count(ctx)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, "u2", m.Unlocks()[0].OwnerID)
	assert.ErrorIs(t, m.DeleteOwner(ctx, "u1"), ErrNotFound)
}

func TestMemorySyncState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	s, err := m.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, s.LastSyncAt.IsZero())

	want := model.SyncState{LastSyncAt: time.Now().UTC(), CycleID: "c1", NewUnlocks: 3, Failures: 1}
	require.NoError(t, m.RecordSync(ctx, want))
	s, _ = m.LastSync(ctx)
	assert.Equal(t, want, s)
}
