package parser

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"trophysync/pkg/model"
)

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("<html>bad gateway</html>"))
	assert.ErrorIs(t, err, ErrInvalidJSON)

	v, err := Parse([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Get("a").Int())
}

func TestFirstTakesEarliestAlias(t *testing.T) {
	v := gjson.Parse(`{"unlocked": false, "achieved": 1}`)

	r, ok := First(v, "achieved", "unlocked")
	require.True(t, ok)
	assert.Equal(t, int64(1), r.Int())

	assert.False(t, Achieved(v, "unlocked", "achieved"))
	assert.True(t, Achieved(v, "achieved", "unlocked"))
}

func TestAchieved(t *testing.T) {
	aliases := []string{"progressState", "unlocked", "isUnlocked", "achieved", "earned"}
	tests := []struct {
		json string
		want bool
	}{
		{`{"progressState":"Achieved"}`, true},
		{`{"progressState":"NotStarted","unlocked":true}`, false},
		{`{"unlocked":true}`, true},
		{`{"isUnlocked":"true"}`, true},
		{`{"achieved":1}`, true},
		{`{"achieved":0}`, false},
		{`{"earned":false}`, false},
		{`{"name":"no flag"}`, false},
		{`{"achieved":null}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.json, func(t *testing.T) {
			assert.Equal(t, tt.want, Achieved(gjson.Parse(tt.json), aliases...))
		})
	}
}

func TestTime(t *testing.T) {
	want := time.Date(2015, 3, 4, 5, 6, 7, 0, time.UTC)
	tests := []struct {
		json string
		ok   bool
	}{
		{fmt.Sprintf(`{"unlocktime":%d}`, want.Unix()), true},
		{fmt.Sprintf(`{"unlock_time":"%d"}`, want.Unix()), true},
		{fmt.Sprintf(`{"unlocktime":%d}`, want.UnixMilli()), true},
		{`{"timeUnlocked":"2015-03-04T05:06:07.0000000Z"}`, true},
		{`{"earnedDateTime":"2015-03-04T05:06:07Z"}`, true},
		{`{"timeUnlocked":"not a date"}`, false},
		{`{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.json, func(t *testing.T) {
			got, ok := Time(gjson.Parse(tt.json), "unlocktime", "unlock_time", "timeUnlocked", "earnedDateTime")
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, want.Equal(got), "got %v", got)
			}
		})
	}
}

func TestSanitizeUnlockTimeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	platforms := gen.OneConstOf(model.Steam, model.PSN, model.Xbox)

	properties.Property("pre-epoch timestamps become unknown", prop.ForAll(
		func(p model.Platform, year int) bool {
			ts := time.Date(year, 6, 1, 0, 0, 0, 0, time.UTC)
			if year >= Epoch(p) {
				return true
			}
			return SanitizeUnlockTime(p, ts, true) == nil
		},
		platforms,
		gen.IntRange(1, 2008),
	))

	properties.Property("plausible timestamps are kept unchanged", prop.ForAll(
		func(p model.Platform, year int) bool {
			ts := time.Date(year, 6, 1, 12, 0, 0, 0, time.UTC)
			got := SanitizeUnlockTime(p, ts, true)
			return got != nil && got.Equal(ts)
		},
		platforms,
		gen.IntRange(2008, 2040),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestSanitizeSentinels(t *testing.T) {
	assert.Nil(t, SanitizeUnlockTime(model.Xbox, time.Time{}, true))
	assert.Nil(t, SanitizeUnlockTime(model.Steam, time.Unix(0, 0), true))
	assert.Nil(t, SanitizeUnlockTime(model.Xbox, time.Date(2003, 1, 1, 0, 0, 0, 0, time.UTC), true))
	assert.Nil(t, SanitizeUnlockTime(model.PSN, time.Now(), false))
	assert.NotNil(t, SanitizeUnlockTime(model.Xbox, time.Date(2005, 12, 1, 0, 0, 0, 0, time.UTC), true))
}
