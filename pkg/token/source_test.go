package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"trophysync/pkg/logger"
	"trophysync/pkg/model"
)

type MockExchanger struct{ mock.Mock }

func (m *MockExchanger) Exchange(ctx context.Context) (Session, error) {
	args := m.Called(ctx)
	return args.Get(0).(Session), args.Error(1)
}

func (m *MockExchanger) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	args := m.Called(ctx, refreshToken)
	return args.Get(0).(Session), args.Error(1)
}

func newSource(ex Exchanger, store Store, now time.Time) *Source {
	s := NewSource(model.PSN, store, ex, logger.NewNop())
	s.now = func() time.Time { return now }
	return s
}

func TestSourceLazyExchangeAndCache(t *testing.T) {
	now := time.Now()
	ex := new(MockExchanger)
	ex.On("Exchange", mock.Anything).Return(Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    now.Add(time.Hour),
	}, nil).Once()

	store := NewMemoryStore()
	s := newSource(ex, store, now)

	for i := 0; i < 3; i++ {
		tok, err := s.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "access-1", tok)
	}
	ex.AssertNumberOfCalls(t, "Exchange", 1)

	saved, _ := store.Load(context.Background())
	require.NotNil(t, saved)
	assert.Equal(t, "refresh-1", saved.RefreshToken)
}

func TestSourceRefreshesExpiredSession(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	_ = store.Save(context.Background(), Session{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    now.Add(-time.Minute),
	})

	ex := new(MockExchanger)
	ex.On("Refresh", mock.Anything, "refresh-1").Return(Session{
		AccessToken:  "fresh",
		RefreshToken: "refresh-2",
		ExpiresAt:    now.Add(time.Hour),
	}, nil)

	tok, err := newSource(ex, store, now).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	ex.AssertNotCalled(t, "Exchange", mock.Anything)
}

func TestSourceFallsBackToExchange(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	_ = store.Save(context.Background(), Session{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    now.Add(-time.Minute),
	})

	ex := new(MockExchanger)
	ex.On("Refresh", mock.Anything, "revoked").Return(Session{}, errors.New("invalid_grant"))
	ex.On("Exchange", mock.Anything).Return(Session{AccessToken: "new", ExpiresAt: now.Add(time.Hour)}, nil)

	tok, err := newSource(ex, store, now).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", tok)
}

func TestSourceExchangeFailure(t *testing.T) {
	ex := new(MockExchanger)
	ex.On("Exchange", mock.Anything).Return(Session{}, ErrNoCredentials)

	_, err := newSource(ex, NewMemoryStore(), time.Now()).Token(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestSourceReset(t *testing.T) {
	now := time.Now()
	ex := new(MockExchanger)
	ex.On("Exchange", mock.Anything).Return(Session{AccessToken: "a", ExpiresAt: now.Add(time.Hour)}, nil)

	store := NewMemoryStore()
	s := newSource(ex, store, now)
	_, err := s.Token(context.Background())
	require.NoError(t, err)

	s.Reset(context.Background())
	saved, _ := store.Load(context.Background())
	assert.Nil(t, saved)

	_, err = s.Token(context.Background())
	require.NoError(t, err)
	ex.AssertNumberOfCalls(t, "Exchange", 2)
}
