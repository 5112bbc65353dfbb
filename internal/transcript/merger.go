// Package transcript merges streamed recognition results into a single
// running transcript.
package transcript

import (
	"sort"
	"strings"
)

// Result is one recognition alternative as delivered by a recognizer
type Result struct {
	// Index identifies the utterance the result belongs to. Interim results
	// for an utterance share the index of its eventual final result.
	Index   int
	Text    string
	IsFinal bool
}

// Merger combines recognition batches into confirmed and interim text.
// It is not safe for concurrent use; the session controller serializes access.
type Merger struct {
	confirmed strings.Builder
	interim   string
	seen      map[int]struct{}
}

// NewMerger creates an empty merger
func NewMerger() *Merger {
	return &Merger{seen: make(map[int]struct{})}
}

// Apply merges one batch. Interim text is replaced by the batch's non-final
// results; each final result is appended to the confirmed text once per index,
// trimmed and followed by a single space.
// Returns the number of newly confirmed results.
func (m *Merger) Apply(batch []Result) int {
	ordered := make([]Result, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var interim strings.Builder
	added := 0
	for _, r := range ordered {
		if !r.IsFinal {
			interim.WriteString(r.Text)
			continue
		}
		if _, ok := m.seen[r.Index]; ok {
			continue
		}
		m.seen[r.Index] = struct{}{}
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		m.confirmed.WriteString(text)
		m.confirmed.WriteString(" ")
		added++
	}
	m.interim = interim.String()
	return added
}

// Confirmed returns the text of every final result applied so far
func (m *Merger) Confirmed() string {
	return m.confirmed.String()
}

// Interim returns the unconfirmed text from the most recent batch
func (m *Merger) Interim() string {
	return m.interim
}

// Text returns the visible transcript
func (m *Merger) Text() string {
	return strings.TrimSpace(m.confirmed.String() + m.interim)
}

// Replace sets the confirmed text directly, for transcripts typed by hand.
// Indices already confirmed stay confirmed so a late final cannot reappear.
func (m *Merger) Replace(text string) {
	m.confirmed.Reset()
	m.interim = ""
	text = strings.TrimSpace(text)
	if text != "" {
		m.confirmed.WriteString(text)
		m.confirmed.WriteString(" ")
	}
}

// Reset clears all text and the set of confirmed indices
func (m *Merger) Reset() {
	m.confirmed.Reset()
	m.interim = ""
	m.seen = make(map[int]struct{})
}
