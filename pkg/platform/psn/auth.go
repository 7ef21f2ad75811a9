package psn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"trophysync/pkg/model"
	"trophysync/pkg/platform"
	"trophysync/pkg/token"
)

// Public client credentials of the PlayStation mobile app
const (
	clientID     = "09515159-7237-4370-9b40-3806e67c0891"
	clientBasic  = "MDk1MTUxNTktNzIzNy00MzcwLTliNDAtMzgwNmU2N2MwODkxOnVjUGprYTV0bnRCMktxc1A="
	redirectURI  = "com.scee.psxandroid.scecompcall://redirect"
	scope        = "psn:mobile.v2.core psn:clientapp"
	authorizeAPI = "/api/authz/v3/oauth/authorize"
	tokenAPI     = "/api/authz/v3/oauth/token"
)

// Exchanger trades an NPSSO cookie for an OAuth session.
// Obtaining the NPSSO value itself requires an interactive browser login.
type Exchanger struct {
	npsso    string
	redirect *http.Client
	client   *platform.Client
	now      func() time.Time
}

// NewExchanger creates an Exchanger against the Sony account service at authURL
func NewExchanger(npsso, authURL string, timeout time.Duration) (*Exchanger, error) {
	client, err := platform.NewClient(platform.ClientConfig{
		Platform: model.PSN,
		BaseURL:  authURL,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Exchanger{
		npsso:    strings.TrimSpace(npsso),
		redirect: &http.Client{
			Timeout: timeout,
			// The authorization code is delivered in the Location of the redirect
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		client: client,
		now:    time.Now,
	}, nil
}

type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

// Exchange runs the authorization code flow with the NPSSO cookie
func (e *Exchanger) Exchange(ctx context.Context) (token.Session, error) {
	if e.npsso == "" {
		return token.Session{}, token.ErrNoCredentials
	}
	code, err := e.authorize(ctx)
	if err != nil {
		return token.Session{}, err
	}
	return e.requestToken(ctx, url.Values{
		"code":         {code},
		"redirect_uri": {redirectURI},
		"grant_type":   {"authorization_code"},
		"token_format": {"jwt"},
	})
}

// Refresh renews the session with a refresh token
func (e *Exchanger) Refresh(ctx context.Context, refreshToken string) (token.Session, error) {
	return e.requestToken(ctx, url.Values{
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
		"scope":         {scope},
		"token_format":  {"jwt"},
	})
}

func (e *Exchanger) authorize(ctx context.Context) (string, error) {
	q := url.Values{
		"access_type":   {"offline"},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"scope":         {scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.client.URL(authorizeAPI, q), nil)
	if err != nil {
		return "", err
	}
	req.AddCookie(&http.Cookie{Name: "npsso", Value: e.npsso})

	resp, err := e.redirect.Do(req)
	if err != nil {
		return "", platform.NewError(model.PSN, "authorize", platform.ErrUpstreamUnavailable, err)
	}
	resp.Body.Close()

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", platform.NewError(model.PSN, "authorize", platform.ErrMalformedPayload, err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		// Sony redirects to an error page when the cookie expired
		return "", platform.NewError(model.PSN, "authorize", platform.ErrUnauthorized,
			fmt.Errorf("no authorization code (status %d), npsso likely expired", resp.StatusCode))
	}
	return code, nil
}

func (e *Exchanger) requestToken(ctx context.Context, form url.Values) (token.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.client.URL(tokenAPI, nil), strings.NewReader(form.Encode()))
	if err != nil {
		return token.Session{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+clientBasic)

	body, err := e.client.Do(ctx, "token", req)
	if err != nil {
		return token.Session{}, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return token.Session{}, platform.NewError(model.PSN, "token", platform.ErrMalformedPayload, err)
	}
	if tr.AccessToken == "" {
		return token.Session{}, platform.NewError(model.PSN, "token", platform.ErrMalformedPayload, errors.New("empty access token"))
	}

	now := e.now()
	sess := token.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	if tr.RefreshTokenExpiresIn > 0 {
		sess.RefreshExpiresAt = now.Add(time.Duration(tr.RefreshTokenExpiresIn) * time.Second)
	}
	return sess, nil
}

var _ token.Exchanger = (*Exchanger)(nil)
