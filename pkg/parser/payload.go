package parser

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"trophysync/pkg/model"
)

// ErrInvalidJSON is returned for bodies that are not a JSON document
var ErrInvalidJSON = errors.New("invalid json payload")

// Parse validates body and returns its root value
func Parse(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, ErrInvalidJSON
	}
	return gjson.ParseBytes(body), nil
}

// First returns the first alias present on v.
// Upstream APIs expose the same field under different names depending on endpoint and version.
func First(v gjson.Result, aliases ...string) (gjson.Result, bool) {
	for _, a := range aliases {
		if r := v.Get(a); r.Exists() {
			return r, true
		}
	}
	return gjson.Result{}, false
}

// FirstString returns the first present alias as a string, or ""
func FirstString(v gjson.Result, aliases ...string) string {
	r, ok := First(v, aliases...)
	if !ok {
		return ""
	}
	return r.String()
}

var achievedWords = map[string]bool{
	"achieved": true,
	"earned":   true,
	"unlocked": true,
	"true":     true,
	"1":        true,
}

// Achieved checks the first present alias for an earned flag.
// An entry carrying none of the aliases is not achieved.
func Achieved(v gjson.Result, aliases ...string) bool {
	r, ok := First(v, aliases...)
	if !ok {
		return false
	}
	switch r.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return r.Int() != 0
	case gjson.String:
		return achievedWords[strings.ToLower(strings.TrimSpace(r.Str))]
	}
	return false
}

// Time reads the first present alias as a timestamp.
// Numbers and numeric strings are unix seconds (milliseconds when too large for seconds),
// other strings are RFC 3339 with optional fractional seconds.
func Time(v gjson.Result, aliases ...string) (time.Time, bool) {
	r, ok := First(v, aliases...)
	if !ok {
		return time.Time{}, false
	}
	switch r.Type {
	case gjson.Number:
		return unix(r.Int()), true
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unix(n), true
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), true
		}
		if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func unix(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// Epoch returns the first plausible unlock year for a platform
func Epoch(p model.Platform) int {
	switch p {
	case model.Steam:
		return 2007
	case model.PSN:
		return 2008
	default:
		return 2005
	}
}

// SanitizeUnlockTime drops sentinel dates: zero values and anything before the platform epoch
// become unknown.
func SanitizeUnlockTime(p model.Platform, t time.Time, ok bool) *time.Time {
	if !ok || t.IsZero() || t.Year() < Epoch(p) {
		return nil
	}
	t = t.UTC()
	return &t
}
