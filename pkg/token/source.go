package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trophysync/pkg/logger"
	"trophysync/pkg/metrics"
	"trophysync/pkg/model"
)

// ErrNoCredentials is returned when the exchanger has nothing to exchange
var ErrNoCredentials = errors.New("no platform credentials configured")

// Exchanger turns long-lived platform credentials into sessions
type Exchanger interface {
	// Exchange creates a new session from the configured credential
	Exchange(ctx context.Context) (Session, error)

	// Refresh renews a session from its refresh token
	Refresh(ctx context.Context, refreshToken string) (Session, error)
}

// Source hands out access tokens for one platform.
// The session is created lazily on first use, refreshed on expiry and
// dropped by Reset after an irrecoverable auth failure.
type Source struct {
	mu        sync.Mutex
	platform  model.Platform
	store     Store
	exchanger Exchanger
	logger    *logger.Logger
	skew      time.Duration
	now       func() time.Time
	current   *Session
}

// NewSource creates a Source backed by store
func NewSource(p model.Platform, store Store, ex Exchanger, l *logger.Logger) *Source {
	return &Source{
		platform:  p,
		store:     store,
		exchanger: ex,
		logger:    l.With(logger.Platform(p)),
		skew:      time.Minute,
		now:       time.Now,
	}
}

// Token returns a valid access token, acquiring or refreshing the session as needed
func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.current == nil {
		saved, err := s.store.Load(ctx)
		if err != nil {
			s.logger.Warn("failed to load saved session", zap.Error(err))
		}
		s.current = saved
	}
	if s.current != nil && s.current.Valid(now, s.skew) {
		return s.current.AccessToken, nil
	}

	var (
		sess Session
		err  error
	)
	if s.current != nil && s.current.CanRefresh(now) {
		sess, err = s.exchanger.Refresh(ctx, s.current.RefreshToken)
		metrics.TokenRefreshTotal.WithLabelValues(string(s.platform), "refresh", result(err)).Inc()
		if err != nil {
			s.logger.Warn("session refresh failed, exchanging credentials", zap.Error(err))
		}
	}
	if s.current == nil || !s.current.CanRefresh(now) || err != nil {
		sess, err = s.exchanger.Exchange(ctx)
		metrics.TokenRefreshTotal.WithLabelValues(string(s.platform), "exchange", result(err)).Inc()
		if err != nil {
			s.current = nil
			return "", fmt.Errorf("%s session exchange: %w", s.platform, err)
		}
	}

	s.current = &sess
	if err := s.store.Save(ctx, sess); err != nil {
		s.logger.Warn("failed to persist session", zap.Error(err))
	}
	return sess.AccessToken, nil
}

// Reset drops the cached session so the next Token call starts over
func (s *Source) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil
	if err := s.store.Clear(ctx); err != nil {
		s.logger.Warn("failed to clear saved session", zap.Error(err))
	}
	s.logger.Info("auth session reset")
}

func result(err error) string {
	if err != nil {
		return metrics.OutcomeError
	}
	return metrics.OutcomeOK
}
