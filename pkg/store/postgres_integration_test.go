package store

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trophysync/pkg/logger"
	"trophysync/pkg/model"
)

// openPostgres connects to POSTGRES_URI and applies schema.sql
func openPostgres(t *testing.T) *Postgres {
	t.Helper()
	uri := os.Getenv("POSTGRES_URI")
	if uri == "" {
		t.Skip("POSTGRES_URI not set")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, PostgresConfig{URI: uri, MaxConns: 16}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	schema, err := os.ReadFile("schema.sql")
	require.NoError(t, err)
	_, err = p.pool.Exec(ctx, string(schema), pgx.QueryExecModeSimpleProtocol)
	require.NoError(t, err)
	return p
}

func newOwner(t *testing.T, p *Postgres) string {
	t.Helper()
	owner := "test-" + uuid.NewString()
	t.Cleanup(func() { _ = p.DeleteOwner(context.Background(), owner) })
	return owner
}

func TestPostgresInsertIfAbsentConcurrent(t *testing.T) {
	p := openPostgres(t)
	ctx := context.Background()
	owner := newOwner(t, p)
	require.NoError(t, p.UpsertAccount(ctx, model.LinkedAccount{OwnerID: owner, Platform: model.Steam, Identifier: "gaben", AccountID: "111"}))

	rec := model.UnlockRecord{OwnerID: owner, Platform: model.Steam, TitleID: "440", UnlockID: "ACH_WIN_ONE_GAME", DetectedAt: time.Now().UTC()}
	before, err := p.Count(ctx)
	require.NoError(t, err)

	var inserted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := p.InsertIfAbsent(ctx, rec)
			assert.NoError(t, err)
			if ok {
				inserted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), inserted.Load())
	after, err := p.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	exists, err := p.Exists(ctx, rec.Key())
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPostgresUnlinkClearsLedger(t *testing.T) {
	p := openPostgres(t)
	ctx := context.Background()
	owner := newOwner(t, p)
	rec := func(pl model.Platform, unlockID string) model.UnlockRecord {
		return model.UnlockRecord{OwnerID: owner, Platform: pl, TitleID: "440", UnlockID: unlockID, DetectedAt: time.Now().UTC()}
	}
	exists := func(r model.UnlockRecord) bool {
		ok, err := p.Exists(ctx, r.Key())
		require.NoError(t, err)
		return ok
	}

	require.NoError(t, p.UpsertAccount(ctx, model.LinkedAccount{OwnerID: owner, Platform: model.Steam, Identifier: "gaben", AccountID: "111"}))
	require.NoError(t, p.UpsertAccount(ctx, model.LinkedAccount{OwnerID: owner, Platform: model.Xbox, Identifier: "tag", AccountID: "9"}))
	steamA, xboxA := rec(model.Steam, "A"), rec(model.Xbox, "A")
	for _, r := range []model.UnlockRecord{steamA, xboxA} {
		ok, err := p.InsertIfAbsent(ctx, r)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, p.UpsertAccount(ctx, model.LinkedAccount{OwnerID: owner, Platform: model.Steam, Identifier: "gaben", AccountID: "111"}))
	assert.True(t, exists(steamA))

	require.NoError(t, p.UpsertAccount(ctx, model.LinkedAccount{OwnerID: owner, Platform: model.Steam, Identifier: "alyx", AccountID: "222"}))
	assert.False(t, exists(steamA))
	assert.True(t, exists(xboxA))

	ok, err := p.InsertIfAbsent(ctx, steamA)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, p.DeleteAccount(ctx, owner, model.Steam))
	assert.False(t, exists(steamA))
	assert.True(t, exists(xboxA))
	assert.ErrorIs(t, p.DeleteAccount(ctx, owner, model.Steam), ErrNotFound)
}
