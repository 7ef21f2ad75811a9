package store

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trophysync/pkg/model"
)

func TestInsertUnlockQuery(t *testing.T) {
	at := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	rec := model.UnlockRecord{
		OwnerID:    "U1",
		Platform:   model.Steam,
		TitleID:    "440",
		UnlockID:   "ACH_WIN_ONE_GAME",
		UnlockedAt: &at,
		DetectedAt: at,
	}

	query, args, err := insertUnlockQuery(rec)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(query, "INSERT INTO unlocks (owner_id,platform,title_id,unlock_id"))
	assert.Contains(t, query, "VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)")
	assert.True(t, strings.HasSuffix(query, "ON CONFLICT (owner_id, platform, title_id, unlock_id) DO NOTHING RETURNING 1"))
	require.Len(t, args, 10)
	assert.Equal(t, "U1", args[0])
	assert.Equal(t, "steam", args[1])
	assert.Equal(t, &at, args[8])
}

func TestExistsQuery(t *testing.T) {
	query, args, err := existsQuery(model.UnlockKey{OwnerID: "U1", Platform: model.PSN, TitleID: "NPWR1", UnlockID: "3"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1 FROM unlocks WHERE owner_id = $1 AND platform = $2 AND title_id = $3 AND unlock_id = $4 LIMIT 1", query)
	assert.Equal(t, []any{"U1", "psn", "NPWR1", "3"}, args)
}

func TestMergeAttributesQuery(t *testing.T) {
	now := time.Now()
	query, args, err := mergeAttributesQuery("U1", model.Xbox, []byte(`{"score":10}`), "Major", now)
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE linked_accounts SET attributes = attributes || $1::jsonb, display_name = COALESCE(NULLIF($2, ''), display_name), updated_at = $3 WHERE owner_id = $4 AND platform = $5",
		query)
	assert.Equal(t, []any{[]byte(`{"score":10}`), "Major", now, "U1", "xbox"}, args)
}

func TestUpsertAccountQueryDefaultsLinkedAt(t *testing.T) {
	now := time.Now()
	query, args, err := upsertAccountQuery(model.LinkedAccount{OwnerID: "U1", Platform: model.Steam, Identifier: "gaben"}, []byte(`{}`), now)
	require.NoError(t, err)
	assert.Contains(t, query, "ON CONFLICT (owner_id, platform) DO UPDATE SET")
	require.Len(t, args, 8)
	assert.Equal(t, now, args[6])
	assert.Equal(t, now, args[7])
}

func TestRecordSyncQueryIsSingleRow(t *testing.T) {
	query, args, err := recordSyncQuery(model.SyncState{CycleID: "c"})
	require.NoError(t, err)
	assert.Contains(t, query, "ON CONFLICT (id) DO UPDATE SET")
	assert.Equal(t, 1, args[0])
}

func TestSchemaDeclaresLedgerKey(t *testing.T) {
	schema, err := os.ReadFile("schema.sql")
	require.NoError(t, err)
	assert.Contains(t, string(schema), "PRIMARY KEY (owner_id, platform, title_id, unlock_id)")
	assert.Contains(t, string(schema), "ON DELETE CASCADE")
}

func TestIdentityQueryLocksRow(t *testing.T) {
	query, args, err := identityQuery("U1", model.Steam)
	require.NoError(t, err)
	assert.Equal(t, "SELECT identifier, account_id FROM linked_accounts WHERE owner_id = $1 AND platform = $2 FOR UPDATE", query)
	assert.Equal(t, []any{"U1", "steam"}, args)
}

func TestDeleteUnlocksQueryScopesToPlatform(t *testing.T) {
	query, args, err := deleteUnlocksQuery("U1", model.PSN)
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM unlocks WHERE owner_id = $1 AND platform = $2", query)
	assert.Equal(t, []any{"U1", "psn"}, args)
}
