package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"trophysync/pkg/digest"
	"trophysync/pkg/lock"
	"trophysync/pkg/logger"
	"trophysync/pkg/metrics"
	"trophysync/pkg/model"
	"trophysync/pkg/store"
)

// ErrCycleInFlight is returned when a cycle is already running here or on another node
var ErrCycleInFlight = errors.New("sync cycle already in progress")

// ErrRunnerClosed is returned by Trigger after Close
var ErrRunnerClosed = errors.New("sync runner closed")

const handoffTimeout = 30 * time.Second

// Publisher hands a digest to the presentation layer
type Publisher interface {
	Publish(ctx context.Context, d digest.OwnerDigest) error
}

// Runner guarantees at most one cycle at a time and hands the results on
type Runner struct {
	engine    *Engine
	states    store.SyncStates
	locker    lock.Locker
	publisher Publisher
	limits    digest.Limits
	logger    *logger.Logger

	running atomic.Bool
	mu      sync.Mutex // guards closed and wg.Add
	closed  bool
	wg      sync.WaitGroup
	base    context.Context
	cancel  context.CancelFunc
}

// NewRunner creates a Runner. A nil locker disables the cross-process lock.
func NewRunner(engine *Engine, states store.SyncStates, locker lock.Locker, publisher Publisher, limits digest.Limits, l *logger.Logger) *Runner {
	if locker == nil {
		locker = lock.Nop{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		engine:    engine,
		states:    states,
		locker:    locker,
		publisher: publisher,
		limits:    limits,
		logger:    l,
		base:      base,
		cancel:    cancel,
	}
}

// Running reports whether a cycle is in progress in this process
func (r *Runner) Running() bool {
	return r.running.Load()
}

// LastSync returns the state of the last completed cycle
func (r *Runner) LastSync(ctx context.Context) (model.SyncState, error) {
	return r.states.LastSync(ctx)
}

// Run executes one cycle and blocks until it is done
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	if !r.running.CompareAndSwap(false, true) {
		metrics.SyncCyclesTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return Stats{}, ErrCycleInFlight
	}
	defer r.running.Store(false)
	return r.run(ctx)
}

// Trigger starts a cycle in the background. It fails fast with ErrCycleInFlight.
func (r *Runner) Trigger(source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}
	if !r.running.CompareAndSwap(false, true) {
		metrics.SyncRequestsTotal.WithLabelValues(source, metrics.OutcomeSkipped).Inc()
		return ErrCycleInFlight
	}
	metrics.SyncRequestsTotal.WithLabelValues(source, metrics.OutcomeOK).Inc()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)
		if _, err := r.run(r.base); err != nil && !errors.Is(err, ErrCycleInFlight) {
			r.logger.Error("triggered sync cycle failed", err, zap.String("source", source))
		}
	}()
	return nil
}

// Close cancels a triggered cycle and waits for it to stop
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context) (Stats, error) {
	h, err := r.locker.Acquire(ctx)
	if errors.Is(err, lock.ErrNotAcquired) {
		metrics.SyncCyclesTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		r.logger.Info("sync cycle skipped, another node holds the lock")
		return Stats{}, ErrCycleInFlight
	}
	if err != nil {
		metrics.SyncCyclesTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return Stats{}, err
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Release(relCtx); err != nil {
			r.logger.Warn("failed to release cycle lock", zap.Error(err))
		}
	}()

	result, stats, err := r.engine.RunCycle(ctx)
	metrics.SyncCycleDuration.Observe(stats.FinishedAt.Sub(stats.StartedAt).Seconds())

	// Recorded unlocks are handed on even from an interrupted cycle,
	// the ledger will not report them again.
	handoff, cancel := context.WithTimeout(context.WithoutCancel(ctx), handoffTimeout)
	defer cancel()
	r.publish(handoff, stats, result)

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.SyncCyclesTotal.WithLabelValues(metrics.OutcomeCanceled).Inc()
		return stats, err
	case err != nil:
		metrics.SyncCyclesTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return stats, err
	}

	metrics.SyncCyclesTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	metrics.SyncLastSuccess.SetToCurrentTime()
	state := model.SyncState{
		LastSyncAt: stats.FinishedAt,
		CycleID:    stats.CycleID,
		NewUnlocks: stats.NewUnlocks,
		Failures:   stats.Failures,
	}
	if err := r.states.RecordSync(handoff, state); err != nil {
		r.logger.Error("failed to record sync state", err, zap.String("cycle_id", stats.CycleID))
	}
	return stats, nil
}

func (r *Runner) publish(ctx context.Context, stats Stats, result model.Result) {
	if r.publisher == nil || len(result) == 0 {
		return
	}
	for _, d := range digest.Build(result, r.limits) {
		d.CycleID = stats.CycleID
		d.GeneratedAt = stats.FinishedAt
		if err := r.publisher.Publish(ctx, d); err != nil {
			metrics.DigestPublishErrorsTotal.Inc()
			r.logger.Error("failed to publish digest", err, logger.Owner(d.OwnerID), zap.Int("unlocks", d.Total))
			continue
		}
		metrics.DigestsPublishedTotal.Inc()
	}
}
