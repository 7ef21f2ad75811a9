package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"trophysync/pkg/logger"
	"trophysync/pkg/model"
	"trophysync/pkg/retry"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var accountColumns = []string{
	"owner_id", "platform", "identifier", "account_id", "display_name", "attributes", "linked_at", "updated_at",
}

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	URI             string
	MinConns        int32
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// Postgres implements Store on a pgx connection pool
type Postgres struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
	now    func() time.Time
}

// NewPostgres connects to PostgreSQL, retrying while the database comes up
func NewPostgres(ctx context.Context, cfg PostgresConfig, l *logger.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	opts := retry.DefaultOptions()
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		l.Warn("database not reachable, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := retry.Do(ctx, pool.Ping, opts); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool, logger: l, now: time.Now}, nil
}

func unlockKeyWhere(key model.UnlockKey) squirrel.Eq {
	return squirrel.Eq{
		"owner_id":  key.OwnerID,
		"platform":  string(key.Platform),
		"title_id":  key.TitleID,
		"unlock_id": key.UnlockID,
	}
}

func existsQuery(key model.UnlockKey) (string, []any, error) {
	return psql.Select("1").From("unlocks").Where(unlockKeyWhere(key)).Limit(1).ToSql()
}

func insertUnlockQuery(rec model.UnlockRecord) (string, []any, error) {
	return psql.Insert("unlocks").
		Columns("owner_id", "platform", "title_id", "unlock_id", "title_name", "name", "description", "icon_url", "unlocked_at", "detected_at").
		Values(rec.OwnerID, string(rec.Platform), rec.TitleID, rec.UnlockID, rec.TitleName, rec.Name, rec.Description, rec.IconURL, rec.UnlockedAt, rec.DetectedAt).
		Suffix("ON CONFLICT (owner_id, platform, title_id, unlock_id) DO NOTHING RETURNING 1").
		ToSql()
}

func (p *Postgres) Exists(ctx context.Context, key model.UnlockKey) (bool, error) {
	query, args, err := existsQuery(key)
	if err != nil {
		return false, err
	}
	var one int
	err = p.pool.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check unlock %s: %w", key, err)
	}
	return true, nil
}

// InsertIfAbsent relies on the primary key; a conflicting row yields no RETURNING row
func (p *Postgres) InsertIfAbsent(ctx context.Context, rec model.UnlockRecord) (bool, error) {
	query, args, err := insertUnlockQuery(rec)
	if err != nil {
		return false, err
	}
	var one int
	err = p.pool.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert unlock %s: %w", rec.Key(), err)
	}
	return true, nil
}

func (p *Postgres) Count(ctx context.Context) (int64, error) {
	query, args, err := psql.Select("count(*)").From("unlocks").ToSql()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unlocks: %w", err)
	}
	return n, nil
}

func (p *Postgres) queryAccounts(ctx context.Context, where squirrel.Sqlizer) ([]model.LinkedAccount, error) {
	b := psql.Select(accountColumns...).From("linked_accounts").OrderBy("owner_id", "platform")
	if where != nil {
		b = b.Where(where)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []model.LinkedAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (model.LinkedAccount, error) {
	var (
		a        model.LinkedAccount
		platform string
		attrs    []byte
	)
	if err := row.Scan(&a.OwnerID, &platform, &a.Identifier, &a.AccountID, &a.DisplayName, &attrs, &a.LinkedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	a.Platform = model.Platform(platform)
	a.Attributes = map[string]any{}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &a.Attributes); err != nil {
			return a, fmt.Errorf("failed to decode attributes of %s/%s: %w", a.OwnerID, platform, err)
		}
	}
	return a, nil
}

func (p *Postgres) ListAccounts(ctx context.Context) ([]model.LinkedAccount, error) {
	return p.queryAccounts(ctx, nil)
}

func (p *Postgres) OwnerAccounts(ctx context.Context, ownerID string) ([]model.LinkedAccount, error) {
	return p.queryAccounts(ctx, squirrel.Eq{"owner_id": ownerID})
}

func (p *Postgres) GetAccount(ctx context.Context, ownerID string, pl model.Platform) (model.LinkedAccount, error) {
	query, args, err := psql.Select(accountColumns...).From("linked_accounts").
		Where(squirrel.Eq{"owner_id": ownerID, "platform": string(pl)}).ToSql()
	if err != nil {
		return model.LinkedAccount{}, err
	}
	a, err := scanAccount(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LinkedAccount{}, ErrNotFound
	}
	return a, err
}

func upsertAccountQuery(acct model.LinkedAccount, attrs []byte, now time.Time) (string, []any, error) {
	linkedAt := acct.LinkedAt
	if linkedAt.IsZero() {
		linkedAt = now
	}
	return psql.Insert("linked_accounts").
		Columns(accountColumns...).
		Values(acct.OwnerID, string(acct.Platform), acct.Identifier, acct.AccountID, acct.DisplayName, attrs, linkedAt, now).
		Suffix(`ON CONFLICT (owner_id, platform) DO UPDATE SET
			identifier = EXCLUDED.identifier,
			account_id = EXCLUDED.account_id,
			display_name = EXCLUDED.display_name,
			attributes = EXCLUDED.attributes,
			linked_at = EXCLUDED.linked_at,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
}

func (p *Postgres) UpsertAccount(ctx context.Context, acct model.LinkedAccount) error {
	attrs := acct.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ownerQuery, ownerArgs, err := psql.Insert("owners").Columns("owner_id").Values(acct.OwnerID).
		Suffix("ON CONFLICT (owner_id) DO NOTHING").ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, ownerQuery, ownerArgs...); err != nil {
		return fmt.Errorf("failed to ensure owner: %w", err)
	}

	current, err := scanIdentity(ctx, tx, acct.OwnerID, acct.Platform)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to load account: %w", err)
	case relinked(current, acct):
		if err := deleteUnlocks(ctx, tx, acct.OwnerID, acct.Platform); err != nil {
			return err
		}
		p.logger.Info("account relinked, ledger cleared", logger.Owner(acct.OwnerID), logger.Platform(acct.Platform))
	}

	query, args, err := upsertAccountQuery(acct, attrJSON, p.now().UTC())
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return tx.Commit(ctx)
}

func identityQuery(ownerID string, pl model.Platform) (string, []any, error) {
	return psql.Select("identifier", "account_id").From("linked_accounts").
		Where(squirrel.Eq{"owner_id": ownerID, "platform": string(pl)}).
		Suffix("FOR UPDATE").
		ToSql()
}

func scanIdentity(ctx context.Context, tx pgx.Tx, ownerID string, pl model.Platform) (model.LinkedAccount, error) {
	query, args, err := identityQuery(ownerID, pl)
	if err != nil {
		return model.LinkedAccount{}, err
	}
	a := model.LinkedAccount{OwnerID: ownerID, Platform: pl}
	err = tx.QueryRow(ctx, query, args...).Scan(&a.Identifier, &a.AccountID)
	return a, err
}

func deleteUnlocksQuery(ownerID string, pl model.Platform) (string, []any, error) {
	return psql.Delete("unlocks").Where(squirrel.Eq{"owner_id": ownerID, "platform": string(pl)}).ToSql()
}

func deleteUnlocks(ctx context.Context, tx pgx.Tx, ownerID string, pl model.Platform) error {
	query, args, err := deleteUnlocksQuery(ownerID, pl)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear ledger: %w", err)
	}
	return nil
}

func (p *Postgres) exec(ctx context.Context, b squirrel.Sqlizer, what string) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteAccount(ctx context.Context, ownerID string, pl model.Platform) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query, args, err := psql.Delete("linked_accounts").
		Where(squirrel.Eq{"owner_id": ownerID, "platform": string(pl)}).ToSql()
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := deleteUnlocks(ctx, tx, ownerID, pl); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteOwner cascades to linked accounts and ledger entries
func (p *Postgres) DeleteOwner(ctx context.Context, ownerID string) error {
	return p.exec(ctx, psql.Delete("owners").Where(squirrel.Eq{"owner_id": ownerID}), "delete owner")
}

func (p *Postgres) SetAccountID(ctx context.Context, ownerID string, pl model.Platform, accountID string) error {
	return p.exec(ctx, psql.Update("linked_accounts").
		Set("account_id", accountID).
		Set("updated_at", p.now().UTC()).
		Where(squirrel.Eq{"owner_id": ownerID, "platform": string(pl)}), "set account id")
}

func mergeAttributesQuery(ownerID string, pl model.Platform, patch []byte, displayName string, now time.Time) (string, []any, error) {
	return psql.Update("linked_accounts").
		Set("attributes", squirrel.Expr("attributes || ?::jsonb", patch)).
		Set("display_name", squirrel.Expr("COALESCE(NULLIF(?, ''), display_name)", displayName)).
		Set("updated_at", now).
		Where(squirrel.Eq{"owner_id": ownerID, "platform": string(pl)}).
		ToSql()
}

// MergeAttributes is a shallow jsonb merge; keys missing from patch keep their value
func (p *Postgres) MergeAttributes(ctx context.Context, ownerID string, pl model.Platform, patch map[string]any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	name, _ := patch["display_name"].(string)
	query, args, err := mergeAttributesQuery(ownerID, pl, data, name, p.now().UTC())
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to merge attributes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) LastSync(ctx context.Context) (model.SyncState, error) {
	query, args, err := psql.Select("last_sync_at", "cycle_id", "new_unlocks", "failures").
		From("sync_state").Where(squirrel.Eq{"id": 1}).ToSql()
	if err != nil {
		return model.SyncState{}, err
	}
	var s model.SyncState
	err = p.pool.QueryRow(ctx, query, args...).Scan(&s.LastSyncAt, &s.CycleID, &s.NewUnlocks, &s.Failures)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SyncState{}, nil
	}
	if err != nil {
		return model.SyncState{}, fmt.Errorf("failed to read sync state: %w", err)
	}
	return s, nil
}

func recordSyncQuery(s model.SyncState) (string, []any, error) {
	return psql.Insert("sync_state").
		Columns("id", "last_sync_at", "cycle_id", "new_unlocks", "failures").
		Values(1, s.LastSyncAt, s.CycleID, s.NewUnlocks, s.Failures).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			last_sync_at = EXCLUDED.last_sync_at,
			cycle_id = EXCLUDED.cycle_id,
			new_unlocks = EXCLUDED.new_unlocks,
			failures = EXCLUDED.failures`).
		ToSql()
}

func (p *Postgres) RecordSync(ctx context.Context, s model.SyncState) error {
	query, args, err := recordSyncQuery(s)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record sync state: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

var _ Store = (*Postgres)(nil)
