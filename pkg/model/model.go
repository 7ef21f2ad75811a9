package model

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a third-party gaming network
type Platform string

const (
	Steam Platform = "steam"
	PSN   Platform = "psn"
	Xbox  Platform = "xbox"
)

// Platforms lists every supported platform in a stable order
var Platforms = []Platform{Steam, PSN, Xbox}

// ParsePlatform maps user input to a Platform
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "steam":
		return Steam, nil
	case "psn", "playstation":
		return PSN, nil
	case "xbox", "xbl", "xboxlive":
		return Xbox, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

func (p Platform) String() string { return string(p) }

// LinkedAccount associates an owner (Discord user) with one platform account.
// At most one exists per (OwnerID, Platform).
type LinkedAccount struct {
	OwnerID     string
	Platform    Platform
	Identifier  string // as entered by the owner: vanity name, online ID, gamertag or numeric id
	AccountID   string // resolved platform id, empty until resolved
	DisplayName string
	Attributes  map[string]any
	LinkedAt    time.Time
	UpdatedAt   time.Time
}

// UnlockKey is the dedupe key of the ledger
type UnlockKey struct {
	OwnerID  string
	Platform Platform
	TitleID  string
	UnlockID string
}

func (k UnlockKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.OwnerID, k.Platform, k.TitleID, k.UnlockID)
}

// UnlockRecord is a single earned achievement or trophy.
// UnlockedAt is nil when the platform did not report a plausible time.
type UnlockRecord struct {
	OwnerID     string     `json:"owner_id"`
	Platform    Platform   `json:"platform"`
	TitleID     string     `json:"title_id"`
	TitleName   string     `json:"title_name,omitempty"`
	UnlockID    string     `json:"unlock_id"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	IconURL     string     `json:"icon_url,omitempty"`
	UnlockedAt  *time.Time `json:"unlocked_at,omitempty"`
	DetectedAt  time.Time  `json:"detected_at"`
}

// Key returns the dedupe key of the record
func (r UnlockRecord) Key() UnlockKey {
	return UnlockKey{OwnerID: r.OwnerID, Platform: r.Platform, TitleID: r.TitleID, UnlockID: r.UnlockID}
}

// UnlockMetadata is static display data for an unlock
type UnlockMetadata struct {
	Name        string
	Description string
	IconURL     string
}

// Apply fills empty display fields of r from m
func (m UnlockMetadata) Apply(r *UnlockRecord) {
	if r.Name == "" {
		r.Name = m.Name
	}
	if r.Description == "" {
		r.Description = m.Description
	}
	if r.IconURL == "" {
		r.IconURL = m.IconURL
	}
}

// Title is a candidate game/app for unlock scanning
type Title struct {
	ID         string
	Name       string
	Service    string // opaque adapter hint passed back into ListUnlocks
	LastPlayed time.Time
}

// ProfileSummary holds leaderboard-relevant profile fields
type ProfileSummary struct {
	DisplayName string
	AvatarURL   string
	Level       *int
	Score       *int64
	Counts      map[string]int
	Extra       map[string]any
}

// Attributes flattens the summary into cached-attribute keys.
// Only fields present in the summary are emitted.
func (s ProfileSummary) Attributes() map[string]any {
	attrs := make(map[string]any)
	if s.DisplayName != "" {
		attrs["display_name"] = s.DisplayName
	}
	if s.AvatarURL != "" {
		attrs["avatar_url"] = s.AvatarURL
	}
	if s.Level != nil {
		attrs["level"] = *s.Level
	}
	if s.Score != nil {
		attrs["score"] = *s.Score
	}
	for k, v := range s.Counts {
		attrs["count_"+k] = v
	}
	for k, v := range s.Extra {
		attrs[k] = v
	}
	return attrs
}

// Result maps owner -> platform -> newly discovered unlocks.
// Owners and platforms without new records are absent.
type Result map[string]map[Platform][]UnlockRecord

// Add appends records for an owner/platform, skipping empty input
func (r Result) Add(owner string, p Platform, recs []UnlockRecord) {
	if len(recs) == 0 {
		return
	}
	byPlatform, ok := r[owner]
	if !ok {
		byPlatform = make(map[Platform][]UnlockRecord)
		r[owner] = byPlatform
	}
	byPlatform[p] = append(byPlatform[p], recs...)
}

// Count returns the total number of records
func (r Result) Count() int {
	n := 0
	for _, byPlatform := range r {
		for _, recs := range byPlatform {
			n += len(recs)
		}
	}
	return n
}

// SyncState is the operator-visible outcome of the last cycle
type SyncState struct {
	LastSyncAt time.Time `json:"last_sync_at"`
	CycleID    string    `json:"cycle_id"`
	NewUnlocks int       `json:"new_unlocks"`
	Failures   int       `json:"failures"`
}
