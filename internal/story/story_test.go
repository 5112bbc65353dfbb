package story

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStory_JSONShape(t *testing.T) {
	s := Story{
		ID:          "4b1c",
		CreatedAt:   time.UnixMilli(1700000000123),
		Title:       "Story",
		Mode:        ModeFree,
		Transcript:  "Hello",
		DurationSec: 12,
	}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(1700000000123), raw["createdAt"])
	assert.Equal(t, []any{}, raw["photos"])
	assert.NotContains(t, raw, "prompt")
	assert.NotContains(t, raw, "audioURL")

	var back Story
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, s.CreatedAt.Equal(back.CreatedAt))
	assert.Equal(t, s.Title, back.Title)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("guided")
	require.NoError(t, err)
	assert.Equal(t, ModeGuided, m)

	_, err = ParseMode("interview")
	assert.Error(t, err)
}

func TestStory_Refs(t *testing.T) {
	s := Story{AudioRef: "blob:a", PhotoRefs: []string{"blob:p1", "blob:p2"}}
	assert.Equal(t, []string{"blob:a", "blob:p1", "blob:p2"}, s.Refs())
	assert.Empty(t, Story{}.Refs())
}
