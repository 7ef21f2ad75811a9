package xbox

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

var (
	xuidRe = regexp.MustCompile(`^\d{15,17}$`)

	achievedAliases   = []string{"progressState", "unlocked", "isUnlocked"}
	unlockTimeAliases = []string{"progression.timeUnlocked", "timeUnlocked"}
	titleIDAliases    = []string{"titleId", "titleID"}
)

// Config configures the OpenXBL backed adapter
type Config struct {
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
}

// Adapter implements platform.Adapter against the OpenXBL Xbox Live proxy
type Adapter struct {
	client *platform.Client
	header http.Header
}

// New creates an Xbox adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("xbox api key is required")
	}
	client, err := platform.NewClient(platform.ClientConfig{
		Platform:          model.Xbox,
		BaseURL:           cfg.BaseURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.Timeout,
		HTTPClient:        cfg.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		client: client,
		header: http.Header{"X-Authorization": {cfg.APIKey}, "Accept-Language": {"en-US"}},
	}, nil
}

func (a *Adapter) Platform() model.Platform { return model.Xbox }

func (a *Adapter) get(ctx context.Context, op, path string) (gjson.Result, error) {
	return a.client.Get(ctx, op, path, nil, a.header)
}

// ResolveAccount maps a gamertag to its XUID. Numeric XUIDs pass through.
func (a *Adapter) ResolveAccount(ctx context.Context, identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if xuidRe.MatchString(id) {
		return id, nil
	}
	if id == "" {
		return "", platform.NewError(model.Xbox, "resolve", platform.ErrResolutionFailed, errors.New("empty identifier"))
	}

	v, err := a.get(ctx, "resolve", "/api/v2/search/"+url.PathEscape(id))
	if err != nil {
		return "", err
	}
	var xuid string
	v.Get("people").ForEach(func(_, p gjson.Result) bool {
		// Search is fuzzy, only an exact gamertag match counts
		if strings.EqualFold(p.Get("gamertag").String(), id) {
			xuid = p.Get("xuid").String()
			return false
		}
		return true
	})
	if xuid == "" {
		return "", platform.NewError(model.Xbox, "resolve", platform.ErrAccountNotFound, fmt.Errorf("gamertag %q", id))
	}
	return xuid, nil
}

// FetchProfileSummary reads the profile settings of an XUID
func (a *Adapter) FetchProfileSummary(ctx context.Context, accountID string) (model.ProfileSummary, error) {
	v, err := a.get(ctx, "profile", "/api/v2/account/"+url.PathEscape(accountID))
	if err != nil {
		return model.ProfileSummary{}, err
	}
	users := v.Get("profileUsers").Array()
	if len(users) == 0 {
		return model.ProfileSummary{}, platform.NewError(model.Xbox, "profile", platform.ErrAccountNotFound, nil)
	}

	settings := map[string]string{}
	users[0].Get("settings").ForEach(func(_, s gjson.Result) bool {
		settings[s.Get("id").String()] = s.Get("value").String()
		return true
	})

	summary := model.ProfileSummary{
		DisplayName: settings["Gamertag"],
		AvatarURL:   settings["GameDisplayPicRaw"],
		Extra:       map[string]any{},
	}
	if n, err := strconv.ParseInt(settings["Gamerscore"], 10, 64); err == nil {
		summary.Score = &n
	}
	if tier := settings["AccountTier"]; tier != "" {
		summary.Extra["account_tier"] = tier
	}
	return summary, nil
}

// ListCandidateTitles lists titles with achievement history, most recently played first
func (a *Adapter) ListCandidateTitles(ctx context.Context, accountID string) ([]model.Title, error) {
	v, err := a.get(ctx, "titles", "/api/v2/achievements/player/"+url.PathEscape(accountID))
	if err != nil {
		return nil, err
	}
	list := v.Get("titles")
	if !list.Exists() {
		return nil, platform.NewError(model.Xbox, "titles", platform.ErrMalformedPayload, errors.New("missing titles"))
	}

	var titles []model.Title
	list.ForEach(func(_, t gjson.Result) bool {
		id := parser.FirstString(t, titleIDAliases...)
		if id == "" {
			return true
		}
		title := model.Title{ID: id, Name: t.Get("name").String()}
		if ts, ok := parser.Time(t, "titleHistory.lastTimePlayed"); ok && ts.Year() > 1 {
			title.LastPlayed = ts
		}
		titles = append(titles, title)
		return true
	})

	sort.SliceStable(titles, func(i, j int) bool {
		return titles[i].LastPlayed.After(titles[j].LastPlayed)
	})
	return titles, nil
}

// ListUnlocks returns unlocked achievements of one title
func (a *Adapter) ListUnlocks(ctx context.Context, accountID string, title model.Title) ([]model.UnlockRecord, error) {
	v, err := a.get(ctx, "unlocks",
		"/api/v2/achievements/player/"+url.PathEscape(accountID)+"/"+url.PathEscape(title.ID))
	if err != nil {
		return nil, err
	}

	var out []model.UnlockRecord
	v.Get("achievements").ForEach(func(_, ach gjson.Result) bool {
		if !parser.Achieved(ach, achievedAliases...) {
			return true
		}
		id := ach.Get("id").String()
		if id == "" {
			return true
		}
		ts, ok := parser.Time(ach, unlockTimeAliases...)
		rec := model.UnlockRecord{
			Platform:    model.Xbox,
			TitleID:     title.ID,
			TitleName:   title.Name,
			UnlockID:    id,
			Name:        ach.Get("name").String(),
			Description: parser.FirstString(ach, "description", "lockedDescription"),
			IconURL:     iconURL(ach.Get("mediaAssets")),
			UnlockedAt:  parser.SanitizeUnlockTime(model.Xbox, ts, ok),
		}
		if rec.TitleName == "" {
			rec.TitleName = ach.Get("titleAssociations.0.name").String()
		}
		out = append(out, rec)
		return true
	})
	return out, nil
}

func iconURL(assets gjson.Result) string {
	var first string
	for _, m := range assets.Array() {
		u := m.Get("url").String()
		if strings.EqualFold(m.Get("type").String(), "Icon") {
			return u
		}
		if first == "" {
			first = u
		}
	}
	return first
}

var _ platform.Adapter = (*Adapter)(nil)
