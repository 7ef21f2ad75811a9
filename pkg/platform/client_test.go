package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trophysync/pkg/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientConfig{Platform: model.Steam, BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func TestClientGet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/thing", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("id"))
		assert.Equal(t, "secret", r.Header.Get("X-Key"))
		w.Write([]byte(`{"ok":true}`))
	})

	v, err := c.Get(context.Background(), "thing", "/v1/thing", url.Values{"id": {"42"}}, http.Header{"X-Key": {"secret"}})
	require.NoError(t, err)
	assert.True(t, v.Get("ok").Bool())
}

func TestClientStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrAccountPrivate},
		{http.StatusNotFound, ErrAccountNotFound},
		{http.StatusTooManyRequests, ErrUpstreamUnavailable},
		{http.StatusBadGateway, ErrUpstreamUnavailable},
		{http.StatusBadRequest, ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			})
			_, err := c.Get(context.Background(), "op", "/", nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.status, StatusOf(err))
		})
	}
}

func TestClientMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	})
	_, err := c.Get(context.Background(), "op", "/", nil, nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestClientTimeoutIsUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, "op", "/", nil, nil)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewError(model.Xbox, "titles", ErrUpstreamUnavailable, cause)

	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "xbox titles")
	assert.False(t, IsPermanent(err))
	assert.True(t, IsPermanent(NewError(model.PSN, "resolve", ErrAccountPrivate, nil)))
}

type stubAdapter struct{ p model.Platform }

func (s stubAdapter) Platform() model.Platform { return s.p }
func (s stubAdapter) ResolveAccount(context.Context, string) (string, error) {
	return "", nil
}
func (s stubAdapter) ListCandidateTitles(context.Context, string) ([]model.Title, error) {
	return nil, nil
}
func (s stubAdapter) ListUnlocks(context.Context, string, model.Title) ([]model.UnlockRecord, error) {
	return nil, nil
}
func (s stubAdapter) FetchProfileSummary(context.Context, string) (model.ProfileSummary, error) {
	return model.ProfileSummary{}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{model.Xbox}, stubAdapter{model.Steam})

	assert.Equal(t, []model.Platform{model.Steam, model.Xbox}, r.Platforms())

	a, err := r.Get(model.Xbox)
	require.NoError(t, err)
	assert.Equal(t, model.Xbox, a.Platform())

	_, err = r.Get(model.PSN)
	assert.Error(t, err)
}

func TestClientURLKeepsEscapedSegments(t *testing.T) {
	c, err := NewClient(ClientConfig{Platform: model.Xbox, BaseURL: "https://xbl.io/base/"})
	require.NoError(t, err)

	assert.Equal(t, "https://xbl.io/base/api/v2/search/Major%20Nelson", c.URL("/api/v2/search/"+url.PathEscape("Major Nelson"), nil))
	assert.Equal(t, "https://xbl.io/base/a/b%2Fc?x=1", c.URL("/a/"+url.PathEscape("b/c"), url.Values{"x": {"1"}}))
}
