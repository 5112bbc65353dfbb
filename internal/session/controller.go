// Package session coordinates one recording at a time: it drives the capture
// device, the streaming recognizer and the session clock, merges recognition
// results into a transcript and turns a stopped session into a saved story.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/memoir/internal/audio"
	"github.com/lexiqai/memoir/internal/capture"
	"github.com/lexiqai/memoir/internal/clock"
	"github.com/lexiqai/memoir/internal/media"
	"github.com/lexiqai/memoir/internal/observability"
	"github.com/lexiqai/memoir/internal/prompts"
	"github.com/lexiqai/memoir/internal/story"
	"github.com/lexiqai/memoir/internal/stt"
	"github.com/lexiqai/memoir/internal/transcript"
)

const tickInterval = time.Second

// StoryAppender receives finalized stories
type StoryAppender interface {
	Append(ctx context.Context, s story.Story) error
}

// Options wires a Controller to its collaborators
type Options struct {
	Device     capture.Device
	Recognizer stt.Recognizer // nil when transcription is unavailable
	Stories    StoryAppender
	Media      *media.Registry
	Prompts    *prompts.Set
	Clock      clock.Clock

	AudioMIME         string
	DefaultLocale     string
	DefaultCapSeconds int
	ReleaseTimeout    time.Duration
	Logger            zerolog.Logger
}

// StartRequest describes a new recording
type StartRequest struct {
	Mode       story.Mode
	Locale     string // empty keeps the current locale
	Prompt     string // guided mode only; empty keeps the selected prompt
	CapSeconds int    // zero uses the configured plan cap
}

// Controller owns the single recording session
type Controller struct {
	opts   Options
	logger zerolog.Logger
	events *queue

	mu           sync.Mutex
	seq          uint64
	version      uint64
	status       Status
	starting     bool
	abortStart   bool
	finalizing   bool
	closed       bool
	sessionID    string
	mode         story.Mode
	locale       prompts.Locale
	prompt       string
	title        string
	elapsed      int
	capSeconds   int
	merger       *transcript.Merger
	chunks       *audio.ChunkBuffer
	photos       []media.Blob
	errCode      string
	transcribing bool

	// Per-session handles, set while a session holds the device
	stream       capture.Stream
	recorder     capture.Recorder
	recognition  stt.Stream
	ticker       clock.Timer
	releaseTimer clock.Timer
	released     bool
	metrics      *observability.SessionMetrics
	sessionLog   zerolog.Logger

	subMu     sync.Mutex
	subs      map[int]func(Snapshot)
	nextSub   int
	published uint64
}

// New creates an idle controller
func New(opts Options) (*Controller, error) {
	if opts.Device == nil {
		return nil, errors.New("session: capture device is required")
	}
	if opts.Stories == nil {
		return nil, errors.New("session: story store is required")
	}
	if opts.Prompts == nil {
		return nil, errors.New("session: prompt set is required")
	}
	if opts.Media == nil {
		opts.Media = media.NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.AudioMIME == "" {
		opts.AudioMIME = "audio/webm"
	}
	if opts.DefaultCapSeconds <= 0 {
		opts.DefaultCapSeconds = 120
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = 5 * time.Second
	}

	return &Controller{
		opts:       opts,
		logger:     opts.Logger,
		events:     newQueue(),
		status:     StatusIdle,
		mode:       story.ModeGuided,
		locale:     opts.Prompts.Resolve(opts.DefaultLocale),
		capSeconds: opts.DefaultCapSeconds,
		merger:     transcript.NewMerger(),
		chunks:     audio.NewChunkBuffer(),
		sessionLog: opts.Logger,
		subs:       make(map[int]func(Snapshot)),
	}, nil
}

// Post queues an event for Dispatch. It never blocks.
func (c *Controller) Post(ev Event) {
	c.events.push(ev)
}

// Run dispatches queued events until ctx is done
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-c.events.notify:
			c.processPending()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) processPending() {
	for _, ev := range c.events.drain() {
		c.Dispatch(ev)
	}
}

// Dispatch applies one event. Events from any session other than the
// current one are ignored.
func (c *Controller) Dispatch(ev Event) {
	c.mu.Lock()
	if ev.session() != c.seq {
		c.mu.Unlock()
		return
	}

	changed := false
	switch e := ev.(type) {
	case ChunkReceived:
		changed = c.onChunk(e)
	case RecognitionResult:
		changed = c.onResult(e)
	case Tick:
		changed = c.onTick()
	case DeviceReleased:
		changed = c.onDeviceReleased()
	case RecognitionEnded:
		changed = c.onRecognitionEnded()
	case releaseTimedOut:
		if c.status == StatusStopping {
			c.sessionLog.Warn().Dur("timeout", c.opts.ReleaseTimeout).Msg("Device release timed out, forcing idle")
			c.finishStopLocked()
			changed = true
		}
	default:
		c.logger.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("Unknown session event")
	}

	c.afterChange(changed)
}

func (c *Controller) onChunk(e ChunkReceived) bool {
	// The recorder flushes its last chunk while stopping
	if c.status == StatusIdle || len(e.Data) == 0 {
		return false
	}
	n := c.chunks.Append(e.Data)
	c.metrics.RecordAudioBytes(n)

	if c.recognition != nil {
		if err := c.recognition.SendAudio(e.Data); err != nil {
			c.sessionLog.Debug().Err(err).Msg("Recognizer rejected audio chunk")
		}
	}
	return true
}

func (c *Controller) onResult(e RecognitionResult) bool {
	added := c.merger.Apply(e.Results)
	for i := 0; i < added; i++ {
		c.metrics.RecordFinalFragment()
	}
	return true
}

func (c *Controller) onTick() bool {
	if c.status != StatusActive {
		return false
	}
	c.elapsed++
	if c.elapsed >= c.capSeconds {
		c.sessionLog.Info().Int("cap_seconds", c.capSeconds).Msg("Duration cap reached")
		c.stopLocked(reasonCap)
	}
	return true
}

func (c *Controller) onDeviceReleased() bool {
	c.released = true
	switch c.status {
	case StatusActive:
		// The device went away without a stop request
		c.sessionLog.Warn().Msg("Capture device released while recording")
		c.stopLocked(reasonDevice)
		return true
	case StatusStopping:
		c.finishStopLocked()
		return true
	}
	return false
}

func (c *Controller) onRecognitionEnded() bool {
	c.recognition = nil
	if !c.transcribing {
		return false
	}
	c.transcribing = false
	if c.status == StatusActive {
		c.sessionLog.Warn().Msg("Recognizer ended while recording, audio capture continues")
	}
	return true
}

// Start acquires the device and begins a new recording. The blocking device
// and recognizer calls run without the lock while the controller is marked as
// starting. A missing device leaves the controller idle with the
// device_unavailable error code; a missing recognizer only sets
// transcription_unavailable.
func (c *Controller) Start(ctx context.Context, req StartRequest) error {
	mode := req.Mode
	if mode == "" {
		mode = story.ModeGuided
	}
	if _, err := story.ParseMode(string(mode)); err != nil {
		return err
	}
	capSeconds := req.CapSeconds
	if capSeconds == 0 {
		capSeconds = c.opts.DefaultCapSeconds
	}
	if capSeconds < 0 {
		return ErrInvalidCap
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status != StatusIdle || c.starting {
		c.mu.Unlock()
		return ErrSessionActive
	}
	if c.finalizing {
		c.mu.Unlock()
		return ErrNotIdle
	}

	c.starting = true
	c.abortStart = false
	c.seq++
	seq := c.seq
	if req.Locale != "" {
		c.locale = c.opts.Prompts.Resolve(req.Locale)
	}
	c.mode = mode
	if mode == story.ModeGuided {
		if req.Prompt != "" {
			c.prompt = req.Prompt
		}
	} else {
		c.prompt = ""
	}
	c.capSeconds = capSeconds
	c.elapsed = 0
	c.merger.Reset()
	c.chunks.Reset()
	c.errCode = ""
	c.transcribing = false
	c.released = false
	language := c.locale.Tag
	c.afterChange(true)

	stream, rec, err := c.acquire(ctx)
	if err != nil {
		c.mu.Lock()
		c.starting = false
		c.errCode = CodeDeviceUnavailable
		c.afterChange(true)

		observability.RecordDeviceUnavailable()
		c.logger.Warn().Err(err).Msg("Capture device unavailable")
		return err
	}

	var recognition stt.Stream
	recErr := stt.ErrUnavailable
	if c.opts.Recognizer != nil {
		// The recognizer outlives the request that started it
		recognition, recErr = c.opts.Recognizer.Start(context.WithoutCancel(ctx), language)
	}

	c.mu.Lock()
	defer func() { c.afterChange(true) }()

	c.starting = false
	c.status = StatusActive
	c.sessionID = uuid.New().String()
	c.sessionLog = c.logger.With().Str("session_id", c.sessionID).Logger()
	c.metrics = observability.NewSessionMetrics(c.sessionID)
	c.metrics.RecordStart()
	c.stream = stream
	c.recorder = rec
	c.recognition = nil

	if recErr != nil {
		c.errCode = CodeTranscriptionUnavailable
		c.metrics.RecordTranscriptionUnavailable()
		c.sessionLog.Warn().Err(recErr).Msg("Recording without transcription")
	} else {
		c.recognition = recognition
		c.transcribing = true
		go c.pumpResults(seq, recognition)
	}
	go c.pumpChunks(seq, rec)
	c.ticker = c.opts.Clock.Every(tickInterval, func() { c.Post(Tick{Session: seq}) })

	c.sessionLog.Info().
		Str("mode", string(c.mode)).
		Str("locale", language).
		Int("cap_seconds", c.capSeconds).
		Bool("transcribing", c.transcribing).
		Msg("Recording started")

	if c.abortStart || c.closed {
		c.stopLocked(reasonManual)
	}
	return nil
}

func (c *Controller) acquire(ctx context.Context) (capture.Stream, capture.Recorder, error) {
	stream, err := c.opts.Device.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, capture.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", capture.ErrDeviceUnavailable, err)
		}
		return nil, nil, err
	}
	rec, err := stream.Start()
	if err != nil {
		if relErr := stream.Release(); relErr != nil {
			c.logger.Warn().Err(relErr).Msg("Failed to release capture stream")
		}
		return nil, nil, fmt.Errorf("%w: %w", capture.ErrDeviceUnavailable, err)
	}
	return stream, rec, nil
}

func (c *Controller) pumpChunks(seq uint64, rec capture.Recorder) {
	for chunk := range rec.Chunks() {
		c.Post(ChunkReceived{Session: seq, Data: chunk})
	}
	c.Post(DeviceReleased{Session: seq})
}

func (c *Controller) pumpResults(seq uint64, recognition stt.Stream) {
	for batch := range recognition.Results() {
		c.Post(RecognitionResult{Session: seq, Results: batch})
	}
	c.Post(RecognitionEnded{Session: seq})
}

// Stop ends the active recording. Calling it again, or while idle, does nothing.
func (c *Controller) Stop() {
	c.stop(reasonManual)
}

func (c *Controller) stop(reason string) {
	c.mu.Lock()
	if c.starting {
		c.abortStart = true
		c.mu.Unlock()
		return
	}
	changed := c.stopLocked(reason)
	c.afterChange(changed)
}

// stopLocked moves active to stopping and cancels the clock, the recognizer
// and the recorder. Each is stopped even if it already ended on its own.
func (c *Controller) stopLocked(reason string) bool {
	if c.status != StatusActive {
		return false
	}
	c.status = StatusStopping

	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	if c.recognition != nil {
		if err := c.recognition.Stop(); err != nil {
			c.sessionLog.Warn().Err(err).Msg("Failed to stop recognizer")
		}
	}
	if rec := c.recorder; rec != nil {
		logger := c.sessionLog
		go func() {
			if err := rec.Stop(); err != nil {
				logger.Warn().Err(err).Msg("Failed to stop recorder")
			}
		}()
	}
	c.metrics.RecordStop(reason, c.elapsed)
	c.sessionLog.Info().Str("reason", reason).Int("elapsed_seconds", c.elapsed).Msg("Recording stopped")

	if c.released {
		c.finishStopLocked()
		return true
	}
	seq := c.seq
	c.releaseTimer = c.opts.Clock.AfterFunc(c.opts.ReleaseTimeout, func() {
		c.Post(releaseTimedOut{Session: seq})
	})
	return true
}

// finishStopLocked returns a stopping session to idle
func (c *Controller) finishStopLocked() {
	c.status = StatusIdle
	if c.releaseTimer != nil {
		c.releaseTimer.Stop()
		c.releaseTimer = nil
	}
	if c.stream != nil {
		// Recorders release their stream on stop; this covers a forced idle
		stream := c.stream
		go stream.Release()
	}
	c.stream = nil
	c.recorder = nil
}

// Finalize saves the stopped session as a story. An empty transcript saves
// nothing and returns a nil story. On success the working fields are cleared.
func (c *Controller) Finalize(ctx context.Context) (*story.Story, error) {
	c.mu.Lock()
	if c.status != StatusIdle || c.starting || c.finalizing {
		c.mu.Unlock()
		return nil, ErrNotIdle
	}

	text := c.merger.Text()
	if strings.TrimSpace(text) == "" {
		c.mu.Unlock()
		c.logger.Debug().Msg("Nothing to finalize")
		return nil, nil
	}

	st := story.Story{
		ID:          uuid.New().String(),
		CreatedAt:   time.UnixMilli(c.opts.Clock.Now().UnixMilli()),
		Title:       c.title,
		Mode:        c.mode,
		Transcript:  text,
		PhotoRefs:   make([]string, 0, len(c.photos)),
		DurationSec: c.elapsed,
	}
	if st.Title == "" {
		st.Title = c.locale.DefaultTitle
	}
	if c.mode == story.ModeGuided {
		st.Prompt = c.prompt
	}
	if !c.chunks.IsEmpty() {
		st.AudioRef = c.opts.Media.Put(media.Blob{
			Name: "recording",
			MIME: c.opts.AudioMIME,
			Data: c.chunks.Bytes(),
		})
	}
	for _, p := range c.photos {
		st.PhotoRefs = append(st.PhotoRefs, c.opts.Media.Put(p))
	}
	c.finalizing = true
	seq := c.seq
	c.mu.Unlock()

	err := c.opts.Stories.Append(ctx, st)

	c.mu.Lock()
	c.finalizing = false
	if err != nil {
		c.mu.Unlock()
		c.opts.Media.Revoke(st.Refs()...)
		return nil, fmt.Errorf("save story: %w", err)
	}
	changed := false
	if c.seq == seq {
		c.resetWorkingLocked()
		changed = true
	}
	c.afterChange(changed)

	c.logger.Info().Str("story_id", st.ID).Int("duration_sec", st.DurationSec).Msg("Story finalized")
	return &st, nil
}

// resetWorkingLocked clears the fields a saved story consumed and detaches
// any results still arriving for the finished session
func (c *Controller) resetWorkingLocked() {
	c.seq++
	c.title = ""
	c.prompt = ""
	c.photos = nil
	c.merger.Reset()
	c.chunks.Reset()
	c.transcribing = false
}

// Clear discards the working title, prompt, photos, transcript and audio
func (c *Controller) Clear() error {
	c.mu.Lock()
	if c.status != StatusIdle || c.starting || c.finalizing {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.resetWorkingLocked()
	c.errCode = ""
	c.afterChange(true)
	return nil
}

// SetTitle sets the title used by the next finalize
func (c *Controller) SetTitle(title string) {
	c.mu.Lock()
	c.title = strings.TrimSpace(title)
	c.afterChange(true)
}

// SelectPrompt chooses the guided prompt. An empty prompt clears the selection.
func (c *Controller) SelectPrompt(prompt string) error {
	c.mu.Lock()
	if c.status != StatusIdle || c.starting {
		c.mu.Unlock()
		return ErrSessionActive
	}
	if prompt != "" && !contains(c.locale.Prompts, prompt) {
		c.mu.Unlock()
		return ErrUnknownPrompt
	}
	c.prompt = prompt
	if prompt != "" {
		c.mode = story.ModeGuided
	}
	c.afterChange(true)
	return nil
}

// SetMode switches between guided and free recording
func (c *Controller) SetMode(mode story.Mode) error {
	if _, err := story.ParseMode(string(mode)); err != nil {
		return err
	}
	c.mu.Lock()
	if c.status != StatusIdle || c.starting {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.mode = mode
	if mode == story.ModeFree {
		c.prompt = ""
	}
	c.afterChange(true)
	return nil
}

// SetLocale switches the prompt set and default title. The selected prompt is
// cleared when it does not exist in the new locale.
func (c *Controller) SetLocale(tag string) error {
	c.mu.Lock()
	if c.status != StatusIdle || c.starting {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.locale = c.opts.Prompts.Resolve(tag)
	if !contains(c.locale.Prompts, c.prompt) {
		c.prompt = ""
	}
	c.afterChange(true)
	return nil
}

// AttachPhotos replaces the photos attached to the next story
func (c *Controller) AttachPhotos(photos []media.Blob) {
	c.mu.Lock()
	c.photos = append([]media.Blob(nil), photos...)
	c.afterChange(true)
}

// SetTranscript replaces the transcript by hand, for sessions recorded
// without a recognizer
func (c *Controller) SetTranscript(text string) error {
	c.mu.Lock()
	if c.status != StatusIdle || c.starting || c.finalizing {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.merger.Replace(text)
	// Results still arriving from the stopped session must not touch the edit
	c.seq++
	c.transcribing = false
	c.afterChange(true)
	return nil
}

// Snapshot returns the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	remaining := c.capSeconds - c.elapsed
	if remaining < 0 {
		remaining = 0
	}
	photos := make([]string, len(c.photos))
	for i, p := range c.photos {
		photos[i] = p.Name
	}
	return Snapshot{
		Version:      c.version,
		SessionID:    c.sessionID,
		Status:       c.status,
		Starting:     c.starting,
		Mode:         c.mode,
		Locale:       c.locale.Tag,
		Prompt:       c.prompt,
		Title:        c.title,
		Elapsed:      c.elapsed,
		Cap:          c.capSeconds,
		Remaining:    remaining,
		Transcript:   c.merger.Text(),
		Transcribing: c.transcribing,
		Error:        c.errCode,
		Photos:       photos,
		Chunks:       c.chunks.Len(),
		AudioBytes:   c.chunks.Size(),
	}
}

// Subscribe registers fn for every state change. The returned func removes it.
// fn runs on the goroutine that made the change and must not block.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// afterChange bumps the version, releases c.mu and notifies subscribers.
// Callers hold c.mu.
func (c *Controller) afterChange(changed bool) {
	if !changed {
		c.mu.Unlock()
		return
	}
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	// A newer snapshot may already have been published by another goroutine
	if snap.Version <= c.published {
		return
	}
	c.published = snap.Version
	for _, fn := range c.subs {
		fn(snap)
	}
}

// Close stops any recording and refuses new ones
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.stop(reasonShutdown)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
