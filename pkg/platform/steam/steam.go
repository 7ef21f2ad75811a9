package steam

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"trophysync/pkg/model"
	"trophysync/pkg/parser"
	"trophysync/pkg/platform"
)

var (
	steamID64    = regexp.MustCompile(`^\d{17}$`)
	profileURLRe = regexp.MustCompile(`steamcommunity\.com/(id|profiles)/([^/?#]+)`)

	achievedAliases   = []string{"achieved", "unlocked"}
	unlockTimeAliases = []string{"unlocktime", "unlock_time"}
	unlockIDAliases   = []string{"apiname", "apiName", "name"}
)

// communityvisibilitystate value of a public profile
const visibilityPublic = 3

// Config configures the Steam Web API adapter
type Config struct {
	APIKey            string
	BaseURL           string
	Language          string
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
	Cache             MetadataCache
}

// Adapter implements platform.Adapter against the Steam Web API
type Adapter struct {
	client *platform.Client
	key    string
	lang   string
	cache  MetadataCache
}

// New creates a Steam adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("steam api key is required")
	}
	client, err := platform.NewClient(platform.ClientConfig{
		Platform:          model.Steam,
		BaseURL:           cfg.BaseURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.Timeout,
		HTTPClient:        cfg.HTTPClient,
	})
	if err != nil {
		return nil, err
	}

	lang := cfg.Language
	if lang == "" {
		lang = "english"
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NopCache{}
	}

	return &Adapter{client: client, key: cfg.APIKey, lang: lang, cache: cache}, nil
}

func (a *Adapter) Platform() model.Platform { return model.Steam }

func (a *Adapter) query(kv ...string) url.Values {
	q := url.Values{"key": {a.key}}
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	return q
}

// ResolveAccount accepts a SteamID64, a vanity name or a community profile URL
func (a *Adapter) ResolveAccount(ctx context.Context, identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if m := profileURLRe.FindStringSubmatch(id); m != nil {
		id = m[2]
	}
	if steamID64.MatchString(id) {
		return id, nil
	}
	if id == "" {
		return "", platform.NewError(model.Steam, "resolve", platform.ErrResolutionFailed, errors.New("empty identifier"))
	}

	v, err := a.client.Get(ctx, "resolve", "/ISteamUser/ResolveVanityURL/v1/", a.query("vanityurl", id), nil)
	if err != nil {
		return "", err
	}
	resp := v.Get("response")
	if resp.Get("success").Int() != 1 || resp.Get("steamid").String() == "" {
		return "", platform.NewError(model.Steam, "resolve", platform.ErrAccountNotFound, errors.New(resp.Get("message").String()))
	}
	return resp.Get("steamid").String(), nil
}

// FetchProfileSummary reads persona data and the Steam level
func (a *Adapter) FetchProfileSummary(ctx context.Context, accountID string) (model.ProfileSummary, error) {
	v, err := a.client.Get(ctx, "profile", "/ISteamUser/GetPlayerSummaries/v2/", a.query("steamids", accountID), nil)
	if err != nil {
		return model.ProfileSummary{}, err
	}
	players := v.Get("response.players").Array()
	if len(players) == 0 {
		return model.ProfileSummary{}, platform.NewError(model.Steam, "profile", platform.ErrAccountNotFound, nil)
	}
	p := players[0]
	if p.Get("communityvisibilitystate").Int() != visibilityPublic {
		return model.ProfileSummary{}, platform.NewError(model.Steam, "profile", platform.ErrAccountPrivate, nil)
	}

	summary := model.ProfileSummary{
		DisplayName: p.Get("personaname").String(),
		AvatarURL:   parser.FirstString(p, "avatarfull", "avatarmedium", "avatar"),
		Extra:       map[string]any{},
	}
	if u := p.Get("profileurl").String(); u != "" {
		summary.Extra["profile_url"] = u
	}

	// Level is a separate call; a failure here keeps the rest of the summary
	lv, err := a.client.Get(ctx, "level", "/IPlayerService/GetSteamLevel/v1/", a.query("steamid", accountID), nil)
	if err == nil {
		if r := lv.Get("response.player_level"); r.Exists() {
			level := int(r.Int())
			summary.Level = &level
		}
	}
	return summary, nil
}

// ListCandidateTitles lists owned games, most recently played first
func (a *Adapter) ListCandidateTitles(ctx context.Context, accountID string) ([]model.Title, error) {
	v, err := a.client.Get(ctx, "titles", "/IPlayerService/GetOwnedGames/v1/", a.query(
		"steamid", accountID,
		"include_appinfo", "1",
		"include_played_free_games", "1",
	), nil)
	if err != nil {
		return nil, err
	}

	resp := v.Get("response")
	if !resp.Get("games").Exists() && !resp.Get("game_count").Exists() {
		// Private game details come back as an empty response object
		return nil, platform.NewError(model.Steam, "titles", platform.ErrAccountPrivate, nil)
	}

	var titles []model.Title
	resp.Get("games").ForEach(func(_, g gjson.Result) bool {
		appID := g.Get("appid").String()
		if appID == "" {
			return true
		}
		t := model.Title{ID: appID, Name: g.Get("name").String()}
		if ts, ok := parser.Time(g, "rtime_last_played"); ok && ts.Unix() > 0 {
			t.LastPlayed = ts
		}
		titles = append(titles, t)
		return true
	})

	sort.SliceStable(titles, func(i, j int) bool {
		return titles[i].LastPlayed.After(titles[j].LastPlayed)
	})
	return titles, nil
}

// ListUnlocks returns achieved achievements of one app
func (a *Adapter) ListUnlocks(ctx context.Context, accountID string, title model.Title) ([]model.UnlockRecord, error) {
	v, err := a.client.Get(ctx, "unlocks", "/ISteamUserStats/GetPlayerAchievements/v1/", a.query(
		"steamid", accountID,
		"appid", title.ID,
		"l", a.lang,
	), nil)
	if err != nil {
		// Apps without stats answer 400 with an explanation instead of an empty list
		if platform.StatusOf(err) == http.StatusBadRequest {
			return nil, nil
		}
		return nil, err
	}

	stats := v.Get("playerstats")
	if !stats.Exists() {
		return nil, platform.NewError(model.Steam, "unlocks", platform.ErrMalformedPayload, errors.New("missing playerstats"))
	}
	if s := stats.Get("success"); s.Exists() && !s.Bool() {
		return nil, nil
	}

	titleName := stats.Get("gameName").String()
	if titleName == "" {
		titleName = title.Name
	}

	var out []model.UnlockRecord
	stats.Get("achievements").ForEach(func(_, ach gjson.Result) bool {
		if !parser.Achieved(ach, achievedAliases...) {
			return true
		}
		id := parser.FirstString(ach, unlockIDAliases...)
		if id == "" {
			return true
		}
		ts, ok := parser.Time(ach, unlockTimeAliases...)
		rec := model.UnlockRecord{
			Platform:    model.Steam,
			TitleID:     title.ID,
			TitleName:   titleName,
			UnlockID:    id,
			Description: ach.Get("description").String(),
			UnlockedAt:  parser.SanitizeUnlockTime(model.Steam, ts, ok),
		}
		// With a language parameter "name" carries the display name and "apiname" the id
		if ach.Get("apiname").Exists() {
			rec.Name = ach.Get("name").String()
		}
		out = append(out, rec)
		return true
	})
	return out, nil
}

// UnlockMetadata returns display names, descriptions and icons from the game schema
func (a *Adapter) UnlockMetadata(ctx context.Context, title model.Title) (map[string]model.UnlockMetadata, error) {
	if md, ok := a.cache.Get(ctx, title.ID); ok {
		return md, nil
	}

	v, err := a.client.Get(ctx, "schema", "/ISteamUserStats/GetSchemaForGame/v2/", a.query(
		"appid", title.ID,
		"l", a.lang,
	), nil)
	if err != nil {
		return nil, err
	}

	md := make(map[string]model.UnlockMetadata)
	v.Get("game.availableGameStats.achievements").ForEach(func(_, ach gjson.Result) bool {
		id := ach.Get("name").String()
		if id == "" {
			return true
		}
		md[id] = model.UnlockMetadata{
			Name:        ach.Get("displayName").String(),
			Description: ach.Get("description").String(),
			IconURL:     ach.Get("icon").String(),
		}
		return true
	})

	a.cache.Set(ctx, title.ID, md)
	return md, nil
}

var (
	_ platform.Adapter          = (*Adapter)(nil)
	_ platform.MetadataProvider = (*Adapter)(nil)
)
