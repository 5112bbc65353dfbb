// Package stt streams captured audio to a speech recognizer and reports
// indexed interim and final results.
package stt

import (
	"context"
	"errors"

	"github.com/lexiqai/memoir/internal/transcript"
)

// ErrUnavailable is returned when no streaming recognizer can serve a session
var ErrUnavailable = errors.New("speech recognition unavailable")

// Recognizer starts streaming recognition sessions.
// A nil Recognizer means transcription is not supported in this process.
type Recognizer interface {
	Start(ctx context.Context, languageTag string) (Stream, error)
}

// Stream is one continuous recognition session
type Stream interface {
	// Results delivers batches of results. The channel is closed when the
	// recognizer ends, whether stopped or failed.
	Results() <-chan []transcript.Result

	// SendAudio queues captured audio without blocking
	SendAudio(chunk []byte) error

	// Stop ends recognition. Safe to call more than once and after the
	// recognizer already ended on its own.
	Stop() error
}

// resultIndexer assigns utterance indices. Interim results share the index
// of the utterance in progress; a final result closes it.
type resultIndexer struct {
	index int
}

func (x *resultIndexer) next(text string, final bool) transcript.Result {
	r := transcript.Result{Index: x.index, Text: text, IsFinal: final}
	if final {
		x.index++
	}
	return r
}
