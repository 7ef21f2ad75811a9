package psn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"trophysync/pkg/model"
	"trophysync/pkg/parser"
	"trophysync/pkg/platform"
)

const (
	pageSize       = 800
	defaultService = "trophy"
)

var (
	accountIDRe = regexp.MustCompile(`^\d{16,20}$`)

	earnedAliases     = []string{"earned", "isEarned"}
	earnedTimeAliases = []string{"earnedDateTime", "earnedDate"}
	titleIDAliases    = []string{"npCommunicationId", "npTitleId"}
)

// TokenSource supplies bearer tokens; *token.Source implements it
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Reset(ctx context.Context)
}

// Config configures the PSN adapter
type Config struct {
	BaseURL           string
	ProfileURL        string
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
	Tokens            TokenSource
}

// Adapter implements platform.Adapter against the PlayStation Network trophy APIs
type Adapter struct {
	api     *platform.Client
	profile *platform.Client
	tokens  TokenSource
}

// New creates a PSN adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("psn token source is required")
	}
	api, err := platform.NewClient(platform.ClientConfig{
		Platform:          model.PSN,
		BaseURL:           cfg.BaseURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.Timeout,
		HTTPClient:        cfg.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	profileURL := cfg.ProfileURL
	if profileURL == "" {
		profileURL = cfg.BaseURL
	}
	profile, err := platform.NewClient(platform.ClientConfig{
		Platform:          model.PSN,
		BaseURL:           profileURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.Timeout,
		HTTPClient:        cfg.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{api: api, profile: profile, tokens: cfg.Tokens}, nil
}

func (a *Adapter) Platform() model.Platform { return model.PSN }

// get issues an authenticated request. A rejected token resets the session
// and the request is retried once with a fresh one.
func (a *Adapter) get(ctx context.Context, c *platform.Client, op, path string, query url.Values) (gjson.Result, error) {
	v, err := a.getOnce(ctx, c, op, path, query)
	if platform.StatusOf(err) == http.StatusUnauthorized {
		a.tokens.Reset(ctx)
		v, err = a.getOnce(ctx, c, op, path, query)
	}
	return v, err
}

func (a *Adapter) getOnce(ctx context.Context, c *platform.Client, op, path string, query url.Values) (gjson.Result, error) {
	tok, err := a.tokens.Token(ctx)
	if err != nil {
		return gjson.Result{}, platform.NewError(model.PSN, op, platform.ErrUnauthorized, err)
	}
	return c.Get(ctx, op, path, query, http.Header{"Authorization": {"Bearer " + tok}})
}

// ResolveAccount maps an online ID to the numeric account id. Account ids pass through.
func (a *Adapter) ResolveAccount(ctx context.Context, identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if accountIDRe.MatchString(id) {
		return id, nil
	}
	if id == "" {
		return "", platform.NewError(model.PSN, "resolve", platform.ErrResolutionFailed, errors.New("empty identifier"))
	}

	v, err := a.get(ctx, a.profile, "resolve",
		"/userProfile/v1/users/"+url.PathEscape(id)+"/profile2",
		url.Values{"fields": {"accountId,onlineId,currentOnlineId"}})
	if err != nil {
		return "", err
	}
	accountID := v.Get("profile.accountId").String()
	if accountID == "" {
		return "", platform.NewError(model.PSN, "resolve", platform.ErrAccountNotFound, fmt.Errorf("online id %q", id))
	}
	return accountID, nil
}

// FetchProfileSummary combines the trophy summary and the public profile
func (a *Adapter) FetchProfileSummary(ctx context.Context, accountID string) (model.ProfileSummary, error) {
	base := "/api/trophy/v1/users/" + url.PathEscape(accountID)
	sum, err := a.get(ctx, a.api, "summary", base+"/trophySummary", nil)
	if err != nil {
		return model.ProfileSummary{}, err
	}

	summary := model.ProfileSummary{Counts: map[string]int{}, Extra: map[string]any{}}
	if r := sum.Get("trophyLevel"); r.Exists() {
		level := int(r.Int())
		summary.Level = &level
	}
	if r := sum.Get("progress"); r.Exists() {
		summary.Extra["level_progress"] = r.Int()
	}
	if r := sum.Get("tier"); r.Exists() {
		summary.Extra["tier"] = r.Int()
	}
	total := 0
	sum.Get("earnedTrophies").ForEach(func(k, v gjson.Result) bool {
		n := int(v.Int())
		summary.Counts[k.String()] = n
		total += n
		return true
	})
	summary.Counts["total"] = total

	// Profile details are cosmetic; the trophy summary alone is a usable result
	prof, err := a.get(ctx, a.api, "profile", "/api/userProfile/v1/internal/users/"+url.PathEscape(accountID)+"/profiles", nil)
	if err == nil {
		summary.DisplayName = prof.Get("onlineId").String()
		summary.AvatarURL = largestAvatar(prof.Get("avatars"))
		if r := prof.Get("isPlus"); r.Exists() {
			summary.Extra["is_plus"] = r.Bool()
		}
	}
	return summary, nil
}

func largestAvatar(avatars gjson.Result) string {
	rank := map[string]int{"s": 1, "m": 2, "l": 3, "xl": 4}
	best, bestRank := "", 0
	avatars.ForEach(func(_, av gjson.Result) bool {
		r := rank[strings.ToLower(av.Get("size").String())]
		if best == "" || r > bestRank {
			best, bestRank = av.Get("url").String(), r
		}
		return true
	})
	return best
}

// ListCandidateTitles pages through the trophy title list, most recently updated first
func (a *Adapter) ListCandidateTitles(ctx context.Context, accountID string) ([]model.Title, error) {
	path := "/api/trophy/v1/users/" + url.PathEscape(accountID) + "/trophyTitles"

	var titles []model.Title
	offset := int64(0)
	for {
		v, err := a.get(ctx, a.api, "titles", path, url.Values{
			"limit":  {strconv.Itoa(pageSize)},
			"offset": {strconv.FormatInt(offset, 10)},
		})
		if err != nil {
			return nil, err
		}
		list := v.Get("trophyTitles")
		if !list.Exists() {
			return nil, platform.NewError(model.PSN, "titles", platform.ErrMalformedPayload, errors.New("missing trophyTitles"))
		}
		list.ForEach(func(_, t gjson.Result) bool {
			id := parser.FirstString(t, titleIDAliases...)
			if id == "" {
				return true
			}
			title := model.Title{
				ID:      id,
				Name:    t.Get("trophyTitleName").String(),
				Service: t.Get("npServiceName").String(),
			}
			if ts, ok := parser.Time(t, "lastUpdatedDateTime"); ok {
				title.LastPlayed = ts
			}
			titles = append(titles, title)
			return true
		})

		next := v.Get("nextOffset")
		if !next.Exists() || next.Int() <= offset || len(list.Array()) == 0 {
			break
		}
		offset = next.Int()
	}

	sort.SliceStable(titles, func(i, j int) bool {
		return titles[i].LastPlayed.After(titles[j].LastPlayed)
	})
	return titles, nil
}

func service(t model.Title) string {
	if t.Service == "" {
		return defaultService
	}
	return t.Service
}

// ListUnlocks returns earned trophies of one title across all trophy groups
func (a *Adapter) ListUnlocks(ctx context.Context, accountID string, title model.Title) ([]model.UnlockRecord, error) {
	v, err := a.get(ctx, a.api, "unlocks",
		"/api/trophy/v1/users/"+url.PathEscape(accountID)+"/npCommunicationIds/"+url.PathEscape(title.ID)+"/trophyGroups/all/trophies",
		url.Values{"npServiceName": {service(title)}})
	if err != nil {
		return nil, err
	}

	var out []model.UnlockRecord
	v.Get("trophies").ForEach(func(_, tr gjson.Result) bool {
		if !parser.Achieved(tr, earnedAliases...) {
			return true
		}
		id := tr.Get("trophyId").String()
		if id == "" {
			return true
		}
		ts, ok := parser.Time(tr, earnedTimeAliases...)
		out = append(out, model.UnlockRecord{
			Platform:    model.PSN,
			TitleID:     title.ID,
			TitleName:   title.Name,
			UnlockID:    id,
			Name:        tr.Get("trophyName").String(),
			Description: tr.Get("trophyDetail").String(),
			IconURL:     tr.Get("trophyIconUrl").String(),
			UnlockedAt:  parser.SanitizeUnlockTime(model.PSN, ts, ok),
		})
		return true
	})
	return out, nil
}

// UnlockMetadata reads trophy names, details and icons from the title trophy list
func (a *Adapter) UnlockMetadata(ctx context.Context, title model.Title) (map[string]model.UnlockMetadata, error) {
	v, err := a.get(ctx, a.api, "metadata",
		"/api/trophy/v1/npCommunicationIds/"+url.PathEscape(title.ID)+"/trophyGroups/all/trophies",
		url.Values{"npServiceName": {service(title)}})
	if err != nil {
		return nil, err
	}

	md := make(map[string]model.UnlockMetadata)
	v.Get("trophies").ForEach(func(_, tr gjson.Result) bool {
		id := tr.Get("trophyId").String()
		if id == "" {
			return true
		}
		md[id] = model.UnlockMetadata{
			Name:        tr.Get("trophyName").String(),
			Description: tr.Get("trophyDetail").String(),
			IconURL:     tr.Get("trophyIconUrl").String(),
		}
		return true
	})
	return md, nil
}

var (
	_ platform.Adapter          = (*Adapter)(nil)
	_ platform.MetadataProvider = (*Adapter)(nil)
)
