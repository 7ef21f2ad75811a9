package digest

import (
	"sort"
	"time"

	"trophysync/pkg/model"
)

// Limits bounds the size of one owner's digest
type Limits struct {
	MaxTitles          int
	MaxUnlocksPerTitle int
}

// DefaultLimits keeps a digest readable in a single chat message
var DefaultLimits = Limits{MaxTitles: 5, MaxUnlocksPerTitle: 5}

// TitleGroup is the new unlocks of one title
type TitleGroup struct {
	Platform  model.Platform       `json:"platform"`
	TitleID   string               `json:"title_id"`
	TitleName string               `json:"title_name,omitempty"`
	Unlocks   []model.UnlockRecord `json:"unlocks"`
	Omitted   int                  `json:"omitted,omitempty"`
}

// OwnerDigest is the per-owner summary handed to the presentation layer
type OwnerDigest struct {
	OwnerID        string       `json:"owner_id"`
	CycleID        string       `json:"cycle_id,omitempty"`
	GeneratedAt    time.Time    `json:"generated_at"`
	Total          int          `json:"total"`
	Titles         []TitleGroup `json:"titles"`
	OmittedTitles  int          `json:"omitted_titles,omitempty"`
	OmittedUnlocks int          `json:"omitted_unlocks,omitempty"`
}

type groupKey struct {
	platform model.Platform
	titleID  string
}

// Build turns a cycle result into one digest per owner, ordered by owner id.
// Titles are ordered by number of new unlocks, then by most recent unlock.
// Limits of zero or less disable truncation.
func Build(result model.Result, limits Limits) []OwnerDigest {
	owners := make([]string, 0, len(result))
	for owner := range result {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	var out []OwnerDigest
	for _, owner := range owners {
		d := buildOwner(owner, result[owner], limits)
		if d.Total > 0 {
			out = append(out, d)
		}
	}
	return out
}

func buildOwner(owner string, byPlatform map[model.Platform][]model.UnlockRecord, limits Limits) OwnerDigest {
	groups := map[groupKey]*TitleGroup{}
	d := OwnerDigest{OwnerID: owner}

	for p, recs := range byPlatform {
		for _, r := range recs {
			k := groupKey{p, r.TitleID}
			g, ok := groups[k]
			if !ok {
				g = &TitleGroup{Platform: p, TitleID: r.TitleID}
				groups[k] = g
			}
			if g.TitleName == "" {
				g.TitleName = r.TitleName
			}
			g.Unlocks = append(g.Unlocks, r)
			d.Total++
		}
	}

	titles := make([]TitleGroup, 0, len(groups))
	for _, g := range groups {
		sortUnlocks(g.Unlocks)
		titles = append(titles, *g)
	}
	sort.Slice(titles, func(i, j int) bool {
		a, b := titles[i], titles[j]
		if len(a.Unlocks) != len(b.Unlocks) {
			return len(a.Unlocks) > len(b.Unlocks)
		}
		ta, tb := latest(a.Unlocks), latest(b.Unlocks)
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		if a.Platform != b.Platform {
			return a.Platform < b.Platform
		}
		return a.TitleID < b.TitleID
	})

	if limits.MaxTitles > 0 && len(titles) > limits.MaxTitles {
		for _, g := range titles[limits.MaxTitles:] {
			d.OmittedTitles++
			d.OmittedUnlocks += len(g.Unlocks)
		}
		titles = titles[:limits.MaxTitles]
	}
	for i := range titles {
		if limits.MaxUnlocksPerTitle > 0 && len(titles[i].Unlocks) > limits.MaxUnlocksPerTitle {
			titles[i].Omitted = len(titles[i].Unlocks) - limits.MaxUnlocksPerTitle
			d.OmittedUnlocks += titles[i].Omitted
			titles[i].Unlocks = titles[i].Unlocks[:limits.MaxUnlocksPerTitle]
		}
	}
	d.Titles = titles
	return d
}

// when is the unlock time, or detection time when the platform gave none
func when(r model.UnlockRecord) time.Time {
	if r.UnlockedAt != nil {
		return *r.UnlockedAt
	}
	return r.DetectedAt
}

func latest(recs []model.UnlockRecord) time.Time {
	var t time.Time
	for _, r := range recs {
		if w := when(r); w.After(t) {
			t = w
		}
	}
	return t
}

// sortUnlocks orders most recent first, unknown times last, then by unlock id
func sortUnlocks(recs []model.UnlockRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if (a.UnlockedAt == nil) != (b.UnlockedAt == nil) {
			return a.UnlockedAt != nil
		}
		if a.UnlockedAt != nil && !a.UnlockedAt.Equal(*b.UnlockedAt) {
			return a.UnlockedAt.After(*b.UnlockedAt)
		}
		return a.UnlockID < b.UnlockID
	})
}
