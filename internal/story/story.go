// Package story models saved recordings and the persisted story library.
package story

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode is how a recording was made
type Mode string

const (
	ModeGuided Mode = "guided"
	ModeFree   Mode = "free"
)

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeGuided, ModeFree:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Story is one saved recording
type Story struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"-"`
	Title       string    `json:"title"`
	Mode        Mode      `json:"mode"`
	Prompt      string    `json:"prompt,omitempty"`
	Transcript  string    `json:"transcript"`
	AudioRef    string    `json:"audioURL,omitempty"`
	PhotoRefs   []string  `json:"photos"`
	DurationSec int       `json:"durationSec"`
}

type storyAlias Story

type storyJSON struct {
	storyAlias
	CreatedAt int64 `json:"createdAt"`
}

// MarshalJSON encodes createdAt as milliseconds since the epoch
func (s Story) MarshalJSON() ([]byte, error) {
	out := storyJSON{storyAlias: storyAlias(s), CreatedAt: s.CreatedAt.UnixMilli()}
	if out.PhotoRefs == nil {
		out.PhotoRefs = []string{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes createdAt from milliseconds since the epoch
func (s *Story) UnmarshalJSON(data []byte) error {
	var in storyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = Story(in.storyAlias)
	s.CreatedAt = time.UnixMilli(in.CreatedAt)
	return nil
}

// Refs returns every media handle the story holds
func (s Story) Refs() []string {
	refs := make([]string, 0, len(s.PhotoRefs)+1)
	if s.AudioRef != "" {
		refs = append(refs, s.AudioRef)
	}
	return append(refs, s.PhotoRefs...)
}
