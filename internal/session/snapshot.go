package session

import "github.com/lexiqai/memoir/internal/story"

// Status is the controller's lifecycle state
type Status string

const (
	StatusIdle     Status = "idle"
	StatusActive   Status = "active"
	StatusStopping Status = "stopping"
)

// Snapshot is a consistent copy of the controller state
type Snapshot struct {
	Version      uint64     `json:"version"`
	SessionID    string     `json:"sessionId,omitempty"`
	Status       Status     `json:"status"`
	Starting     bool       `json:"starting,omitempty"`
	Mode         story.Mode `json:"mode"`
	Locale       string     `json:"locale"`
	Prompt       string     `json:"prompt,omitempty"`
	Title        string     `json:"title"`
	Elapsed      int        `json:"elapsedSeconds"`
	Cap          int        `json:"capSeconds"`
	Remaining    int        `json:"remainingSeconds"`
	Transcript   string     `json:"transcript"`
	Transcribing bool       `json:"transcribing"`
	Error        string     `json:"error,omitempty"`
	Photos       []string   `json:"photos"`
	Chunks       int        `json:"chunks"`
	AudioBytes   int        `json:"audioBytes"`
}

// Recording reports whether the microphone is held
func (s Snapshot) Recording() bool {
	return s.Status == StatusActive
}
