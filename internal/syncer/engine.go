package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"trophysync/internal/profile"
	"trophysync/internal/resolver"
	"trophysync/pkg/logger"
	"trophysync/pkg/metrics"
	"trophysync/pkg/model"
	"trophysync/pkg/platform"
	"trophysync/pkg/store"
)

// Failure stages reported in logs and metrics
const (
	StageResolve  = "resolve"
	StageProfile  = "profile"
	StageTitles   = "titles"
	StageUnlocks  = "unlocks"
	StageLedger   = "ledger"
	StageMetadata = "metadata"
)

const (
	DefaultTitleLimit  = 5
	DefaultCallTimeout = 20 * time.Second
)

// EngineConfig tunes one sync cycle
type EngineConfig struct {
	// TitleLimit bounds how many of the most recent titles are scanned per account
	TitleLimit int
	// CallTimeout bounds every single upstream call
	CallTimeout time.Duration
}

// Stats summarizes one cycle
type Stats struct {
	CycleID       string
	StartedAt     time.Time
	FinishedAt    time.Time
	Accounts      int
	TitlesScanned int
	NewUnlocks    int
	Duplicates    int
	Failures      int
}

// Engine runs sync cycles: every linked account, then its most recent titles,
// strictly one after another.
type Engine struct {
	cfg      EngineConfig
	accounts store.Accounts
	ledger   store.Ledger
	registry *platform.Registry
	resolver *resolver.Resolver
	profiles *profile.Updater
	logger   *logger.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewEngine creates an Engine
func NewEngine(cfg EngineConfig, accounts store.Accounts, ledger store.Ledger, registry *platform.Registry, l *logger.Logger) *Engine {
	if cfg.TitleLimit <= 0 {
		cfg.TitleLimit = DefaultTitleLimit
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Engine{
		cfg:      cfg,
		accounts: accounts,
		ledger:   ledger,
		registry: registry,
		resolver: resolver.New(registry, accounts, l),
		profiles: profile.New(registry, accounts),
		logger:   l,
		tracer:   otel.Tracer("trophysync/internal/syncer"),
		now:      time.Now,
	}
}

// RunCycle scans every linked account once and returns the newly recorded unlocks.
// Failures of a single account or title are logged and skipped. The returned error is
// non-nil only when the accounts cannot be listed or ctx ends; the partial result
// gathered up to that point is returned with it.
func (e *Engine) RunCycle(ctx context.Context) (model.Result, Stats, error) {
	stats := Stats{CycleID: uuid.NewString(), StartedAt: e.now().UTC()}
	result := model.Result{}

	ctx, span := e.tracer.Start(ctx, "sync.cycle", trace.WithAttributes(attribute.String("cycle.id", stats.CycleID)))
	defer span.End()

	log := e.logger.With(zap.String("cycle_id", stats.CycleID))

	accts, err := e.accounts.ListAccounts(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list accounts")
		stats.FinishedAt = e.now().UTC()
		return result, stats, fmt.Errorf("failed to list linked accounts: %w", err)
	}
	log.Info("sync cycle started", zap.Int("accounts", len(accts)))

	for _, acct := range accts {
		if err := ctx.Err(); err != nil {
			stats.FinishedAt = e.now().UTC()
			log.Warn("sync cycle interrupted", zap.Int("new_unlocks", stats.NewUnlocks))
			return result, stats, err
		}
		if _, err := e.registry.Get(acct.Platform); err != nil {
			log.Debug("skipping account of unconfigured platform", logger.Owner(acct.OwnerID), logger.Platform(acct.Platform))
			continue
		}
		stats.Accounts++
		result.Add(acct.OwnerID, acct.Platform, e.syncAccount(ctx, log, acct, &stats))
	}

	stats.FinishedAt = e.now().UTC()
	span.SetAttributes(
		attribute.Int("sync.accounts", stats.Accounts),
		attribute.Int("sync.new_unlocks", stats.NewUnlocks),
		attribute.Int("sync.failures", stats.Failures),
	)
	log.Info("sync cycle finished",
		zap.Int("accounts", stats.Accounts),
		zap.Int("titles", stats.TitlesScanned),
		zap.Int("new_unlocks", stats.NewUnlocks),
		zap.Int("failures", stats.Failures),
		zap.Duration("duration", stats.FinishedAt.Sub(stats.StartedAt)))

	// A cancellation during the last account still counts as interrupted
	return result, stats, ctx.Err()
}

// call runs fn under the per-call timeout. A timeout of the call itself is an
// unavailable upstream; cancellation of the cycle is passed through.
func (e *Engine) call(ctx context.Context, p model.Platform, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, platform.ErrUpstreamUnavailable) {
		return platform.NewError(p, op, platform.ErrUpstreamUnavailable, err)
	}
	return err
}

func (e *Engine) fail(log *logger.Logger, stats *Stats, p model.Platform, stage, msg string, err error, fields ...zap.Field) {
	stats.Failures++
	metrics.UnitFailuresTotal.WithLabelValues(string(p), stage).Inc()
	log.Error(msg, err, append(fields, zap.String("stage", stage))...)
}

func (e *Engine) syncAccount(ctx context.Context, log *logger.Logger, acct model.LinkedAccount, stats *Stats) []model.UnlockRecord {
	ctx, span := e.tracer.Start(ctx, "sync.account", trace.WithAttributes(
		attribute.String("owner.id", acct.OwnerID),
		attribute.String("platform", string(acct.Platform)),
	))
	defer span.End()

	log = log.With(logger.Owner(acct.OwnerID), logger.Platform(acct.Platform))
	adapter, _ := e.registry.Get(acct.Platform)

	var accountID string
	err := e.call(ctx, acct.Platform, StageResolve, func(ctx context.Context) error {
		var err error
		accountID, err = e.resolver.Resolve(ctx, acct)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, StageResolve)
		if ctx.Err() != nil {
			return nil
		}
		e.fail(log, stats, acct.Platform, StageResolve, "failed to resolve account", err, zap.String("identifier", acct.Identifier))
		return nil
	}

	// Profile data is best effort and never blocks unlock scanning
	err = e.call(ctx, acct.Platform, StageProfile, func(ctx context.Context) error {
		_, err := e.profiles.Refresh(ctx, acct, accountID)
		return err
	})
	if err != nil && ctx.Err() == nil {
		e.fail(log, stats, acct.Platform, StageProfile, "failed to refresh profile", err)
	}

	var titles []model.Title
	err = e.call(ctx, acct.Platform, StageTitles, func(ctx context.Context) error {
		var err error
		titles, err = adapter.ListCandidateTitles(ctx, accountID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, StageTitles)
		if ctx.Err() != nil {
			return nil
		}
		e.fail(log, stats, acct.Platform, StageTitles, "failed to list titles", err)
		return nil
	}

	var fresh []model.UnlockRecord
	for _, title := range SelectTitles(titles, e.cfg.TitleLimit) {
		if ctx.Err() != nil {
			break
		}
		recs, err := e.syncTitle(ctx, log, adapter, acct, accountID, title, stats)
		// Records inserted before a failure are in the ledger and must still be reported
		fresh = append(fresh, recs...)
		if err != nil && ctx.Err() == nil {
			e.fail(log, stats, acct.Platform, stageOf(err), "failed to sync title", err, logger.Title(title.ID))
		}
	}
	return fresh
}

func stageOf(err error) string {
	var pe *platform.Error
	if errors.As(err, &pe) {
		return StageUnlocks
	}
	return StageLedger
}

func (e *Engine) syncTitle(
	ctx context.Context,
	log *logger.Logger,
	adapter platform.Adapter,
	acct model.LinkedAccount,
	accountID string,
	title model.Title,
	stats *Stats,
) ([]model.UnlockRecord, error) {
	ctx, span := e.tracer.Start(ctx, "sync.title", trace.WithAttributes(attribute.String("title.id", title.ID)))
	defer span.End()

	stats.TitlesScanned++
	log = log.With(logger.Title(title.ID))

	var recs []model.UnlockRecord
	err := e.call(ctx, acct.Platform, StageUnlocks, func(ctx context.Context) error {
		var err error
		recs, err = adapter.ListUnlocks(ctx, accountID, title)
		return err
	})
	if errors.Is(err, platform.ErrMalformedPayload) {
		log.Warn("unreadable unlock payload, treating title as empty", zap.Error(err))
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	meta := e.metadataLoader(adapter, acct.Platform, title, log)
	detectedAt := e.now().UTC()

	var fresh []model.UnlockRecord
	for _, rec := range recs {
		if rec.UnlockID == "" {
			continue
		}
		rec.OwnerID = acct.OwnerID
		rec.Platform = acct.Platform
		if rec.TitleID == "" {
			rec.TitleID = title.ID
		}
		if rec.TitleName == "" {
			rec.TitleName = title.Name
		}
		rec.DetectedAt = detectedAt

		exists, err := e.ledger.Exists(ctx, rec.Key())
		if err != nil {
			return fresh, fmt.Errorf("ledger lookup of %s: %w", rec.Key(), err)
		}
		if exists {
			stats.Duplicates++
			continue
		}

		if rec.Name == "" || rec.Description == "" || rec.IconURL == "" {
			if md, ok := meta(ctx)[rec.UnlockID]; ok {
				md.Apply(&rec)
			}
		}

		inserted, err := e.ledger.InsertIfAbsent(ctx, rec)
		if err != nil {
			return fresh, fmt.Errorf("ledger insert of %s: %w", rec.Key(), err)
		}
		if !inserted {
			// Lost a race with a concurrent writer; the constraint decided
			stats.Duplicates++
			metrics.LedgerConflictsTotal.WithLabelValues(string(acct.Platform)).Inc()
			continue
		}
		stats.NewUnlocks++
		metrics.UnlocksDiscoveredTotal.WithLabelValues(string(acct.Platform)).Inc()
		fresh = append(fresh, rec)
	}

	if len(fresh) > 0 {
		log.Info("new unlocks recorded", zap.Int("count", len(fresh)))
	}
	return fresh, nil
}

// metadataLoader fetches display metadata at most once per title, and only when a
// new record actually needs it.
func (e *Engine) metadataLoader(adapter platform.Adapter, p model.Platform, title model.Title, log *logger.Logger) func(ctx context.Context) map[string]model.UnlockMetadata {
	provider, ok := adapter.(platform.MetadataProvider)
	var (
		loaded bool
		md     map[string]model.UnlockMetadata
	)
	return func(ctx context.Context) map[string]model.UnlockMetadata {
		if !ok || loaded {
			return md
		}
		loaded = true
		err := e.call(ctx, p, StageMetadata, func(ctx context.Context) error {
			var err error
			md, err = provider.UnlockMetadata(ctx, title)
			return err
		})
		if err != nil {
			metrics.UnitFailuresTotal.WithLabelValues(string(p), StageMetadata).Inc()
			log.Warn("failed to load unlock metadata", zap.Error(err))
			md = nil
		}
		return md
	}
}

// SelectTitles orders titles most recent first and keeps the first limit.
// The sort is stable so equal timestamps keep the adapter's order.
func SelectTitles(titles []model.Title, limit int) []model.Title {
	out := append([]model.Title(nil), titles...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastPlayed.After(out[j].LastPlayed)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
