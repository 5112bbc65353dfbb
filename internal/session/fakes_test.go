package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/memoir/internal/capture"
	"github.com/lexiqai/memoir/internal/clock"
	"github.com/lexiqai/memoir/internal/media"
	"github.com/lexiqai/memoir/internal/prompts"
	"github.com/lexiqai/memoir/internal/story"
	"github.com/lexiqai/memoir/internal/stt"
	"github.com/lexiqai/memoir/internal/transcript"
)

type fakeRecorder struct {
	chunks chan []byte
	// hang keeps the chunk channel open after Stop, like a device that never
	// confirms its release
	hang bool

	mu     sync.Mutex
	closed bool
	stops  int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{chunks: make(chan []byte, 64)}
}

func (r *fakeRecorder) Chunks() <-chan []byte { return r.chunks }

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	if !r.hang {
		r.closeLocked()
	}
	return nil
}

// release simulates the device going away on its own
func (r *fakeRecorder) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

func (r *fakeRecorder) closeLocked() {
	if !r.closed {
		r.closed = true
		close(r.chunks)
	}
}

func (r *fakeRecorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (r *fakeRecorder) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

type fakeStream struct {
	recorder *fakeRecorder
	mu       sync.Mutex
	releases int
}

func (s *fakeStream) Start() (capture.Recorder, error) { return s.recorder, nil }

func (s *fakeStream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	return nil
}

type fakeDevice struct {
	mu       sync.Mutex
	err      error
	acquired int
	hang     bool
	last     *fakeRecorder
}

func (d *fakeDevice) Acquire(ctx context.Context) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.acquired++
	d.last = newFakeRecorder()
	d.last.hang = d.hang
	return &fakeStream{recorder: d.last}, nil
}

func (d *fakeDevice) recorder() *fakeRecorder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

type fakeRecognition struct {
	results chan []transcript.Result

	mu    sync.Mutex
	audio [][]byte
	ended bool
	stops int
}

func (s *fakeRecognition) Results() <-chan []transcript.Result { return s.results }

func (s *fakeRecognition) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return errors.New("ended")
	}
	s.audio = append(s.audio, chunk)
	return nil
}

func (s *fakeRecognition) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	if !s.ended {
		s.ended = true
		close(s.results)
	}
	return nil
}

// deliver sends a batch unless the stream already ended
func (s *fakeRecognition) deliver(batch ...transcript.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.results <- batch
	}
}

type fakeRecognizer struct {
	mu        sync.Mutex
	err       error
	languages []string
	last      *fakeRecognition
}

func (r *fakeRecognizer) Start(ctx context.Context, languageTag string) (stt.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages = append(r.languages, languageTag)
	if r.err != nil {
		return nil, r.err
	}
	r.last = &fakeRecognition{results: make(chan []transcript.Result, 64)}
	return r.last, nil
}

func (r *fakeRecognizer) stream() *fakeRecognition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type memStore struct {
	mu      sync.Mutex
	err     error
	stories []story.Story
}

func (m *memStore) Append(ctx context.Context, s story.Story) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.stories = append([]story.Story{s}, m.stories...)
	return nil
}

func (m *memStore) all() []story.Story {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]story.Story(nil), m.stories...)
}

type harness struct {
	c          *Controller
	device     *fakeDevice
	recognizer *fakeRecognizer
	store      *memStore
	media      *media.Registry
	clock      *clock.Manual
}

var epoch = time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

func newHarness(t *testing.T, withRecognizer bool) *harness {
	t.Helper()

	set, err := prompts.Load()
	require.NoError(t, err)

	h := &harness{
		device: &fakeDevice{},
		store:  &memStore{},
		media:  media.NewRegistry(),
		clock:  clock.NewManual(epoch),
	}
	opts := Options{
		Device:            h.device,
		Stories:           h.store,
		Media:             h.media,
		Prompts:           set,
		Clock:             h.clock,
		AudioMIME:         "audio/webm",
		DefaultLocale:     "en-US",
		DefaultCapSeconds: 120,
		ReleaseTimeout:    5 * time.Second,
		Logger:            zerolog.Nop(),
	}
	if withRecognizer {
		h.recognizer = &fakeRecognizer{}
		opts.Recognizer = h.recognizer
	}

	h.c, err = New(opts)
	require.NoError(t, err)
	return h
}

// settle dispatches queued events until cond holds
func (h *harness) settle(t *testing.T, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		h.c.processPending()
		snap = h.c.Snapshot()
		return cond(snap)
	}, 2*time.Second, time.Millisecond)
	return snap
}

func (h *harness) tick(n int) {
	for i := 0; i < n; i++ {
		h.clock.Tick()
		h.c.processPending()
	}
}

func isIdle(s Snapshot) bool { return s.Status == StatusIdle }
