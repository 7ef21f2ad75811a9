package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"trophysync/pkg/consumer"
	"trophysync/pkg/logger"
)

// Service drives the Runner from the schedule and from sync requests
type Service struct {
	logger   *logger.Logger
	runner   *Runner
	consumer consumer.Consumer
	cron     *cron.Cron
	schedule string
	onStart  bool
}

// NewService creates a Service. c may be nil when no request topic is configured.
func NewService(l *logger.Logger, r *Runner, c consumer.Consumer, schedule string, runOnStart bool) *Service {
	return &Service{
		logger:   l,
		runner:   r,
		consumer: c,
		schedule: schedule,
		onStart:  runOnStart,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{l}),
			cron.SkipIfStillRunning(cronLogger{l}),
		)),
	}
}

// Start schedules cycles and serves sync requests until ctx ends
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting sync service", zap.String("schedule", s.schedule))

	if _, err := s.cron.AddFunc(s.schedule, func() { s.scheduled(ctx) }); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()

	if s.onStart {
		if err := s.runner.Trigger("startup"); err != nil {
			s.logger.Warn("startup sync not started", zap.Error(err))
		}
	}

	if s.consumer == nil {
		<-ctx.Done()
		return s.Shutdown(context.Background())
	}

	msgChan, errChan := s.consumer.Consume(ctx)
	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				return s.Shutdown(context.Background())
			}
			if err := s.handleMessage(ctx, msg); err != nil {
				s.logger.Error("failed to handle sync request", err, zap.Int64("offset", msg.Offset))
			}

		case err := <-errChan:
			if err != nil {
				_ = s.Shutdown(context.Background())
				return fmt.Errorf("consumer error: %w", err)
			}

		case <-ctx.Done():
			return s.Shutdown(context.Background())
		}
	}
}

func (s *Service) scheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := s.runner.Run(ctx)
	switch {
	case errors.Is(err, ErrCycleInFlight):
		s.logger.Info("scheduled sync skipped, cycle in flight")
	case err != nil && ctx.Err() == nil:
		s.logger.Error("scheduled sync failed", err)
	}
}

func (s *Service) handleMessage(ctx context.Context, msg consumer.Message) error {
	if msg.Err != nil {
		// Skip and commit so a bad message cannot block the topic
		s.logger.Warn("skipping malformed sync request", zap.Error(msg.Err), zap.Int64("offset", msg.Offset))
		return s.consumer.Commit(ctx, msg)
	}

	err := s.runner.Trigger(msg.Request.Source)
	switch {
	case errors.Is(err, ErrCycleInFlight):
		// The running cycle already covers this request
		s.logger.Info("sync request coalesced into running cycle", zap.String("source", msg.Request.Source))
	case err != nil:
		return err
	default:
		s.logger.Info("sync triggered by request",
			zap.String("source", msg.Request.Source),
			zap.String("requested_by", msg.Request.RequestedBy))
	}
	return s.consumer.Commit(ctx, msg)
}

// Shutdown stops the schedule and waits for a running cycle to wind down
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down sync service")

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.runner.Close()

	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			return fmt.Errorf("shutdown errors: consumer=%v", err)
		}
	}
	return nil
}

// cronLogger adapts the logger to cron.Logger
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, zap.Any("details", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, err, zap.Any("details", keysAndValues))
}
