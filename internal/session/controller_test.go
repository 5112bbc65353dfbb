package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/memoir/internal/capture"
	"github.com/lexiqai/memoir/internal/media"
	"github.com/lexiqai/memoir/internal/story"
	"github.com/lexiqai/memoir/internal/transcript"
)

const homePrompt = "Describe your home growing up."

func TestController_GuidedSessionToStory(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx, StartRequest{Mode: story.ModeGuided, Prompt: homePrompt, CapSeconds: 120}))

	snap := h.c.Snapshot()
	assert.Equal(t, StatusActive, snap.Status)
	assert.True(t, snap.Transcribing)
	assert.Empty(t, snap.Error)
	assert.Equal(t, []string{"en-US"}, h.recognizer.languages)

	rec := h.device.recorder()
	rec.chunks <- []byte("abc")
	rec.chunks <- []byte("def")

	recognition := h.recognizer.stream()
	recognition.deliver(transcript.Result{Index: 0, Text: "Hello"})
	recognition.deliver(transcript.Result{Index: 0, Text: "Hello ", IsFinal: true})
	recognition.deliver(transcript.Result{Index: 1, Text: "world ", IsFinal: true})
	recognition.deliver(transcript.Result{Index: 2, Text: "today.", IsFinal: true})

	h.settle(t, func(s Snapshot) bool {
		return s.Transcript == "Hello world today." && s.Chunks == 2
	})

	h.tick(119)
	assert.Equal(t, StatusActive, h.c.Snapshot().Status)
	assert.Equal(t, 1, h.c.Snapshot().Remaining)

	h.tick(1)
	snap = h.settle(t, isIdle)
	assert.Equal(t, 120, snap.Elapsed)
	assert.Equal(t, 0, snap.Remaining)
	assert.Equal(t, 0, h.clock.Active(), "clock and release timer cancelled")
	assert.Equal(t, 1, rec.stopCount())

	// Further ticks never push elapsed past the cap
	h.tick(3)
	assert.Equal(t, 120, h.c.Snapshot().Elapsed)

	saved, err := h.c.Finalize(ctx)
	require.NoError(t, err)
	require.NotNil(t, saved)

	assert.Equal(t, "Story", saved.Title)
	assert.Equal(t, story.ModeGuided, saved.Mode)
	assert.Equal(t, homePrompt, saved.Prompt)
	assert.Equal(t, "Hello world today.", saved.Transcript)
	assert.Equal(t, 120, saved.DurationSec)
	assert.True(t, saved.CreatedAt.Equal(epoch))
	assert.NotEmpty(t, saved.ID)

	blob, err := h.media.Get(saved.AudioRef)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(blob.Data))
	assert.Equal(t, "audio/webm", blob.MIME)

	stories := h.store.all()
	require.Len(t, stories, 1)
	assert.Equal(t, saved.ID, stories[0].ID)

	snap = h.c.Snapshot()
	assert.Empty(t, snap.Transcript)
	assert.Empty(t, snap.Title)
	assert.Empty(t, snap.Prompt)
	assert.Empty(t, snap.Photos)
	assert.Equal(t, 0, snap.Chunks)
}

func TestController_DeviceUnavailable(t *testing.T) {
	h := newHarness(t, true)
	h.device.err = capture.ErrDeviceUnavailable

	err := h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree})
	assert.ErrorIs(t, err, capture.ErrDeviceUnavailable)

	snap := h.c.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.False(t, snap.Starting)
	assert.Equal(t, CodeDeviceUnavailable, snap.Error)
	assert.Equal(t, 0, h.clock.Active(), "no clock without a device")
	assert.Empty(t, h.recognizer.languages, "recognizer never started")

	// The device coming back allows a new start
	h.device.err = nil
	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))
	assert.Empty(t, h.c.Snapshot().Error)
}

func TestController_DeviceErrorIsWrapped(t *testing.T) {
	h := newHarness(t, false)
	h.device.err = errors.New("permission denied")

	err := h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree})
	assert.ErrorIs(t, err, capture.ErrDeviceUnavailable)
}

func TestController_EmptyFinalizeIsNoop(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx, StartRequest{Mode: story.ModeFree}))
	h.device.recorder().chunks <- []byte("silence")
	h.settle(t, func(s Snapshot) bool { return s.Chunks == 1 })
	h.c.Stop()
	h.settle(t, isIdle)

	saved, err := h.c.Finalize(ctx)
	require.NoError(t, err)
	assert.Nil(t, saved)
	assert.Empty(t, h.store.all())
	assert.Equal(t, 0, h.media.Len())
}

func TestController_TranscriptionUnavailable(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx, StartRequest{Mode: story.ModeFree}))
	snap := h.c.Snapshot()
	assert.Equal(t, StatusActive, snap.Status)
	assert.False(t, snap.Transcribing)
	assert.Equal(t, CodeTranscriptionUnavailable, snap.Error)

	h.device.recorder().chunks <- []byte("audio")
	h.settle(t, func(s Snapshot) bool { return s.AudioBytes == 5 })

	// The transcript can only be typed once recording stopped
	assert.ErrorIs(t, h.c.SetTranscript("typed"), ErrNotIdle)
	h.c.Stop()
	h.settle(t, isIdle)
	require.NoError(t, h.c.SetTranscript("  My first job was at a bakery.  "))

	saved, err := h.c.Finalize(ctx)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "My first job was at a bakery.", saved.Transcript)
	assert.Empty(t, saved.Prompt, "free mode keeps no prompt")
}

func TestController_RecognizerStartFailureKeepsRecording(t *testing.T) {
	h := newHarness(t, true)
	h.recognizer.err = errors.New("handshake failed")

	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))
	snap := h.c.Snapshot()
	assert.Equal(t, StatusActive, snap.Status)
	assert.Equal(t, CodeTranscriptionUnavailable, snap.Error)
	assert.Equal(t, 1, h.clock.Active())
}

func TestController_ChunksFeedRecognizer(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))

	h.device.recorder().chunks <- []byte("a")
	h.device.recorder().chunks <- []byte("b")
	h.settle(t, func(s Snapshot) bool { return s.Chunks == 2 })

	recognition := h.recognizer.stream()
	recognition.mu.Lock()
	defer recognition.mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, recognition.audio)
}

func TestController_DoubleStopEqualsSingleStop(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))
	h.tick(3)

	h.c.Stop()
	h.c.Stop()
	snap := h.settle(t, isIdle)
	h.c.Stop()

	assert.Equal(t, 3, snap.Elapsed)
	assert.Equal(t, 1, h.device.recorder().stopCount())
	assert.Equal(t, 1, h.recognizer.stream().stops)
	assert.Equal(t, 0, h.clock.Active())
	assert.Equal(t, StatusIdle, h.c.Snapshot().Status)
}

func TestController_StopWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t, true)
	before := h.c.Snapshot()

	h.c.Stop()
	assert.Equal(t, before, h.c.Snapshot())
}

func TestController_RefusesReentrantStart(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx, StartRequest{Mode: story.ModeFree}))
	assert.ErrorIs(t, h.c.Start(ctx, StartRequest{Mode: story.ModeFree}), ErrSessionActive)

	// Still refused while waiting for the device release
	h.device.recorder().hang = true
	h.c.Stop()
	assert.Equal(t, StatusStopping, h.c.Snapshot().Status)
	assert.ErrorIs(t, h.c.Start(ctx, StartRequest{Mode: story.ModeFree}), ErrSessionActive)

	assert.Equal(t, 1, h.device.acquired)
}

func TestController_ReleaseTimeoutForcesIdle(t *testing.T) {
	h := newHarness(t, true)
	h.device.hang = true
	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))

	h.c.Stop()
	require.Eventually(t, func() bool { return h.device.recorder().stopCount() == 1 }, time.Second, time.Millisecond)
	h.c.processPending()
	assert.Equal(t, StatusStopping, h.c.Snapshot().Status)

	h.clock.Advance(4 * time.Second)
	h.c.processPending()
	assert.Equal(t, StatusStopping, h.c.Snapshot().Status)

	h.clock.Advance(time.Second)
	h.settle(t, isIdle)
}

func TestController_DeviceLostStopsSession(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))
	h.tick(2)

	h.device.recorder().release()
	snap := h.settle(t, isIdle)

	assert.Equal(t, 2, snap.Elapsed)
	assert.Equal(t, 0, h.clock.Active())
	assert.Equal(t, 1, h.recognizer.stream().stops)
}

func TestController_RecognizerEndingKeepsRecording(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))

	h.recognizer.stream().Stop()
	snap := h.settle(t, func(s Snapshot) bool { return !s.Transcribing })
	assert.Equal(t, StatusActive, snap.Status)

	h.device.recorder().chunks <- []byte("still recording")
	h.settle(t, func(s Snapshot) bool { return s.Chunks == 1 })
}

func TestController_StaleEventsIgnored(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx, StartRequest{Mode: story.ModeFree}))
	first := h.c.seq
	h.c.Stop()
	h.settle(t, isIdle)

	require.NoError(t, h.c.Start(ctx, StartRequest{Mode: story.ModeFree}))

	h.c.Dispatch(ChunkReceived{Session: first, Data: []byte("old")})
	h.c.Dispatch(RecognitionResult{Session: first, Results: []transcript.Result{{Index: 0, Text: "ghost", IsFinal: true}}})
	h.c.Dispatch(Tick{Session: first})
	h.c.Dispatch(DeviceReleased{Session: first})

	snap := h.c.Snapshot()
	assert.Equal(t, StatusActive, snap.Status)
	assert.Equal(t, 0, snap.Chunks)
	assert.Equal(t, 0, snap.Elapsed)
	assert.Empty(t, snap.Transcript)
}

func TestController_ConfirmedTranscriptMonotonic(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))
	seq := h.c.seq

	batches := [][]transcript.Result{
		{{Index: 0, Text: "One"}},
		{{Index: 0, Text: "One", IsFinal: true}},
		{{Index: 0, Text: "One", IsFinal: true}, {Index: 1, Text: "two"}},
		{{Index: 1, Text: "two", IsFinal: true}},
		{{Index: 0, Text: "One", IsFinal: true}},
	}
	prev := ""
	for _, b := range batches {
		h.c.Dispatch(RecognitionResult{Session: seq, Results: b})
		confirmed := h.c.merger.Confirmed()
		assert.True(t, len(confirmed) >= len(prev) && confirmed[:len(prev)] == prev)
		prev = confirmed
	}
	assert.Equal(t, "One two", h.c.Snapshot().Transcript)
}

func TestController_FinalizeRequiresIdle(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))

	_, err := h.c.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrNotIdle)
	assert.ErrorIs(t, h.c.Clear(), ErrNotIdle)
}

func TestController_FinalizeWithPhotosAndLocale(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	require.NoError(t, h.c.SetLocale("fr-CA"))
	h.c.AttachPhotos([]media.Blob{
		{Name: "maison.jpg", MIME: "image/jpeg", Data: []byte{1}},
		{Name: "jardin.jpg", MIME: "image/jpeg", Data: []byte{2}},
	})
	assert.Equal(t, []string{"maison.jpg", "jardin.jpg"}, h.c.Snapshot().Photos)

	require.NoError(t, h.c.Start(ctx, StartRequest{Mode: story.ModeFree}))
	assert.Equal(t, []string{"fr-FR"}, h.recognizer.languages)
	h.recognizer.stream().deliver(transcript.Result{Index: 0, Text: "Bonjour", IsFinal: true})
	h.settle(t, func(s Snapshot) bool { return s.Transcript == "Bonjour" })
	h.c.Stop()
	h.settle(t, isIdle)

	saved, err := h.c.Finalize(ctx)
	require.NoError(t, err)
	require.NotNil(t, saved)

	assert.Equal(t, "Histoire", saved.Title)
	assert.Empty(t, saved.AudioRef, "no chunks, no audio handle")
	require.Len(t, saved.PhotoRefs, 2)
	photo, err := h.media.Get(saved.PhotoRefs[1])
	require.NoError(t, err)
	assert.Equal(t, "jardin.jpg", photo.Name)
}

func TestController_FailedFinalizeKeepsWork(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.store.err = errors.New("disk full")

	h.c.SetTitle("Kept")
	require.NoError(t, h.c.SetTranscript("typed"))

	_, err := h.c.Finalize(ctx)
	assert.Error(t, err)

	snap := h.c.Snapshot()
	assert.Equal(t, "Kept", snap.Title)
	assert.Equal(t, "typed", snap.Transcript)
	assert.Equal(t, 0, h.media.Len(), "handles revoked on failure")
}

func TestController_Clear(t *testing.T) {
	h := newHarness(t, true)

	h.c.SetTitle("Draft")
	require.NoError(t, h.c.SelectPrompt(homePrompt))
	require.NoError(t, h.c.SetTranscript("words"))
	h.c.AttachPhotos([]media.Blob{{Name: "a.png"}})

	require.NoError(t, h.c.Clear())
	snap := h.c.Snapshot()
	assert.Empty(t, snap.Title)
	assert.Empty(t, snap.Prompt)
	assert.Empty(t, snap.Transcript)
	assert.Empty(t, snap.Photos)
}

func TestController_SelectPrompt(t *testing.T) {
	h := newHarness(t, true)

	assert.ErrorIs(t, h.c.SelectPrompt("Not a real prompt"), ErrUnknownPrompt)
	require.NoError(t, h.c.SelectPrompt(homePrompt))
	assert.Equal(t, story.ModeGuided, h.c.Snapshot().Mode)

	// Switching locale drops a prompt the new locale does not have
	require.NoError(t, h.c.SetLocale("fr-FR"))
	assert.Empty(t, h.c.Snapshot().Prompt)

	require.NoError(t, h.c.SetMode(story.ModeFree))
	assert.Error(t, h.c.SetMode("interview"))
}

func TestController_StartValidation(t *testing.T) {
	h := newHarness(t, true)

	assert.Error(t, h.c.Start(context.Background(), StartRequest{Mode: "interview"}))
	assert.ErrorIs(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree, CapSeconds: -1}), ErrInvalidCap)

	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))
	assert.Equal(t, 120, h.c.Snapshot().Cap, "plan cap used by default")
}

func TestController_Subscribe(t *testing.T) {
	h := newHarness(t, true)

	var mu sync.Mutex
	var seen []Snapshot
	cancel := h.c.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	h.c.SetTitle("First")
	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))

	mu.Lock()
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i].Version, seen[i-1].Version)
	}
	count := len(seen)
	mu.Unlock()
	assert.Equal(t, StatusActive, last.Status)
	assert.Equal(t, "First", last.Title)

	cancel()
	cancel()
	h.c.SetTitle("Second")

	mu.Lock()
	assert.Equal(t, count, len(seen))
	mu.Unlock()
}

func TestController_CloseStopsAndRefuses(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))

	require.NoError(t, h.c.Close())
	h.settle(t, isIdle)
	assert.ErrorIs(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}), ErrClosed)
}

func TestController_Run(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()

	require.NoError(t, h.c.Start(ctx, StartRequest{Mode: story.ModeFree}))
	h.recognizer.stream().deliver(transcript.Result{Index: 0, Text: "Hi", IsFinal: true})
	require.Eventually(t, func() bool { return h.c.Snapshot().Transcript == "Hi" }, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestController_LateFinalAfterHandEditIgnored(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.c.Start(context.Background(), StartRequest{Mode: story.ModeFree}))
	h.recognizer.stream().deliver(transcript.Result{Index: 0, Text: "spoken words", IsFinal: true})
	h.settle(t, func(s Snapshot) bool { return s.Transcript == "spoken words" })

	h.c.Stop()
	h.settle(t, isIdle)

	h.c.mu.Lock()
	seq := h.c.seq
	h.c.mu.Unlock()

	require.NoError(t, h.c.SetTranscript("edited words"))

	h.c.Dispatch(RecognitionResult{Session: seq, Results: []transcript.Result{
		{Index: 0, Text: "spoken words", IsFinal: true},
		{Index: 1, Text: "trailing", IsFinal: true},
	}})

	snap := h.c.Snapshot()
	assert.Equal(t, "edited words", snap.Transcript)
	assert.False(t, snap.Transcribing)
}

func TestController_FinalizeKeepsMillisecondTimestamp(t *testing.T) {
	h := newHarness(t, false)

	h.clock.Advance(1500*time.Microsecond + 42*time.Nanosecond)
	require.NoError(t, h.c.SetTranscript("typed"))

	saved, err := h.c.Finalize(context.Background())
	require.NoError(t, err)
	require.NotNil(t, saved)

	assert.Equal(t, epoch.UnixMilli()+1, saved.CreatedAt.UnixMilli())
	assert.Zero(t, saved.CreatedAt.Nanosecond()%int(time.Millisecond))
	assert.True(t, saved.CreatedAt.Equal(h.store.all()[0].CreatedAt))
}
