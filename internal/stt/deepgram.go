package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/memoir/internal/config"
	"github.com/lexiqai/memoir/internal/observability"
	"github.com/lexiqai/memoir/internal/resilience"
	"github.com/lexiqai/memoir/internal/transcript"
)

const breakerName = "deepgram"

var errStreamClosed = errors.New("recognition stream closed")

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onError   func(*msginterfaces.ErrorResponse)
	onClose   func()
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.onMessage(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.onError(errorResponse)
	return nil
}

func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	m.onClose()
	return nil
}

// DeepgramRecognizer implements Recognizer using Deepgram's streaming API.
// The circuit breaker is shared across sessions.
type DeepgramRecognizer struct {
	config         *config.Config
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramRecognizer creates a recognizer for cfg.DeepgramAPIKey
func NewDeepgramRecognizer(cfg *config.Config, logger zerolog.Logger) *DeepgramRecognizer {
	cb := resilience.NewCircuitBreaker(
		breakerName,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	).OnStateChange(func(name string, from, to resilience.CircuitState) {
		logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("Circuit breaker state changed")
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	return &DeepgramRecognizer{
		config:         cfg,
		circuitBreaker: cb,
		logger:         logger,
	}
}

// Healthy reports whether new sessions would be attempted
func (d *DeepgramRecognizer) Healthy(ctx context.Context) (bool, error) {
	if d.circuitBreaker.State() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// Start opens a streaming session for languageTag
func (d *DeepgramRecognizer) Start(ctx context.Context, languageTag string) (Stream, error) {
	if !d.circuitBreaker.Allow() {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, resilience.ErrCircuitOpen)
	}

	language := languageTag
	if d.config.DeepgramLanguage != "" {
		language = d.config.DeepgramLanguage
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		recognizer: d,
		language:   language,
		ctx:        streamCtx,
		cancel:     cancel,
		results:    make(chan []transcript.Result, 64),
		audio:      make(chan []byte, 256),
		stop:       make(chan struct{}),
		logger:     d.logger.With().Str("language", language).Logger(),
	}

	if err := s.connect(); err != nil {
		cancel()
		d.circuitBreaker.RecordResult(false)
		observability.IncrementCircuitBreakerFailures(breakerName)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	d.circuitBreaker.RecordResult(true)

	go s.writeLoop()

	s.logger.Info().Str("model", d.config.DeepgramModel).Msg("Deepgram streaming session started")
	return s, nil
}

func (d *DeepgramRecognizer) options(language string) *interfaces.LiveTranscriptionOptions {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       language,
		Punctuate:      true,
		InterimResults: true,
		SmartFormat:    true,
	}
	// Raw audio needs an explicit format; containers are detected by Deepgram
	if d.config.DeepgramEncoding != "" {
		opts.Encoding = d.config.DeepgramEncoding
		opts.Channels = 1
		opts.SampleRate = d.config.DeepgramSampleRate
	}
	return opts
}

type deepgramStream struct {
	recognizer *DeepgramRecognizer
	language   string
	ctx        context.Context
	cancel     context.CancelFunc
	logger     zerolog.Logger

	mu       sync.Mutex
	client   *listenClient.WSCallback
	indexer  resultIndexer
	results  chan []transcript.Result
	ended    bool

	audio        chan []byte
	stop         chan struct{}
	stopOnce     sync.Once
	reconnecting atomic.Bool
}

func (s *deepgramStream) connect() error {
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              s.handleMessage,
		onError:                s.handleError,
		onClose:                s.handleClose,
	}

	client, err := listenClient.NewWSUsingCallback(
		s.ctx,
		s.recognizer.config.DeepgramAPIKey,
		nil, // ClientOptions - nil uses defaults
		s.recognizer.options(s.language),
		callback,
	)
	if err != nil {
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		return fmt.Errorf("failed to connect to Deepgram")
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		client.Finish()
		return errStreamClosed
	}
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *deepgramStream) Results() <-chan []transcript.Result {
	return s.results
}

func (s *deepgramStream) SendAudio(chunk []byte) error {
	select {
	case <-s.stop:
		return errStreamClosed
	default:
	}

	select {
	case s.audio <- chunk:
		return nil
	default:
		observability.RecordDroppedChunk("recognizer")
		return fmt.Errorf("recognizer audio queue full")
	}
}

// Stop returns immediately; the writer finishes the Deepgram stream and
// closes Results.
func (s *deepgramStream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	return nil
}

func (s *deepgramStream) writeLoop() {
	defer func() {
		s.mu.Lock()
		client := s.client
		s.client = nil
		s.mu.Unlock()
		if client != nil {
			// WSCallback Finish() doesn't return an error
			client.Finish()
		}
		s.cancel()
		s.end()
		s.logger.Info().Msg("Deepgram streaming session stopped")
	}()

	cb := s.recognizer.circuitBreaker
	for {
		select {
		case chunk := <-s.audio:
			err := cb.Call(func() error {
				s.mu.Lock()
				client := s.client
				s.mu.Unlock()
				if client == nil {
					return errStreamClosed
				}
				if _, err := client.Write(chunk); err != nil {
					return fmt.Errorf("failed to send audio to Deepgram: %w", err)
				}
				return nil
			})
			if err != nil {
				if !errors.Is(err, resilience.ErrCircuitOpen) {
					observability.IncrementCircuitBreakerFailures(breakerName)
					go s.reconnect()
				}
				s.logger.Debug().Err(err).Msg("Dropping audio chunk")
			}

		case <-s.stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := resultFromMessage(msg, &s.indexer)
	if !ok || s.ended {
		return
	}
	select {
	case s.results <- []transcript.Result{r}:
	default:
		s.logger.Warn().Int("index", r.Index).Bool("final", r.IsFinal).Msg("Result channel full, dropping result")
	}
}

// resultFromMessage maps a Deepgram message onto an indexed result
func resultFromMessage(msg *msginterfaces.MessageResponse, indexer *resultIndexer) (transcript.Result, bool) {
	if msg == nil || (msg.Type != "" && msg.Type != "Results") {
		return transcript.Result{}, false
	}
	if len(msg.Channel.Alternatives) == 0 {
		return transcript.Result{}, false
	}
	text := msg.Channel.Alternatives[0].Transcript
	if text == "" {
		return transcript.Result{}, false
	}
	return indexer.next(text, msg.IsFinal), true
}

func (s *deepgramStream) handleError(errorResponse *msginterfaces.ErrorResponse) {
	s.logger.Error().Interface("error", errorResponse).Msg("Deepgram error")
	s.recognizer.circuitBreaker.RecordResult(false)
	observability.IncrementCircuitBreakerFailures(breakerName)
	go s.reconnect()
}

func (s *deepgramStream) handleClose() {
	select {
	case <-s.stop:
		return
	default:
	}
	if !s.reconnecting.Load() {
		s.logger.Warn().Msg("Deepgram closed the stream")
		go s.reconnect()
	}
}

// reconnect replaces the client, keeping the result index. Giving up ends the stream.
func (s *deepgramStream) reconnect() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer s.reconnecting.Store(false)

	select {
	case <-s.stop:
		return
	case <-s.ctx.Done():
		return
	default:
	}

	cfg := s.recognizer.config
	reconnectConfig := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}

	err := resilience.Reconnect(s.ctx, func() error {
		if !s.recognizer.circuitBreaker.Allow() {
			return resilience.ErrCircuitOpen
		}
		err := s.connect()
		s.recognizer.circuitBreaker.RecordResult(err == nil)
		return err
	}, reconnectConfig, s.logger)

	if err != nil {
		s.logger.Error().Err(err).Msg("Giving up on Deepgram stream")
		s.Stop()
	}
}

// end closes Results once
func (s *deepgramStream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.results)
}
