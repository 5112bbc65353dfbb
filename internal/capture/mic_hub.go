package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The recorder page is served by the same daemon on localhost
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const writeWait = 5 * time.Second

// Frame is a control or media message exchanged with the microphone client
type Frame struct {
	Event    string `json:"event"`
	StreamID string `json:"streamId,omitempty"`
	Media    *Media `json:"media,omitempty"`
}

// Media carries one base64 encoded audio chunk
type Media struct {
	Payload   string `json:"payload,omitempty"`
	Chunk     string `json:"chunk,omitempty"` // Alternative field name for payload
	Timestamp string `json:"timestamp,omitempty"`
}

// Frame events
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
)

// MicHub is a Device backed by a browser that streams its microphone over a
// WebSocket. At most one client is connected and at most one stream is held.
type MicHub struct {
	buffer int
	logger zerolog.Logger

	mu     sync.Mutex
	client *micClient
	stream *micStream
}

type micClient struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

// NewMicHub creates a hub whose recorders buffer up to buffer pending chunks
func NewMicHub(buffer int, logger zerolog.Logger) *MicHub {
	return &MicHub{
		buffer: buffer,
		logger: logger,
	}
}

// Connected reports whether a microphone client is attached
func (h *MicHub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client != nil
}

// Acquire claims the connected microphone
func (h *MicHub) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client == nil {
		return nil, fmt.Errorf("no microphone client connected: %w", ErrDeviceUnavailable)
	}
	if h.stream != nil {
		return nil, fmt.Errorf("microphone already in use: %w", ErrDeviceUnavailable)
	}

	h.stream = &micStream{
		id:     uuid.New().String(),
		hub:    h,
		client: h.client,
	}
	h.logger.Info().Str("stream_id", h.stream.id).Str("client_id", h.client.id).Msg("Microphone acquired")
	return h.stream, nil
}

// ServeHTTP upgrades the microphone client connection and runs its read loop
func (h *MicHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	busy := h.client != nil
	h.mu.Unlock()
	if busy {
		http.Error(w, "microphone client already connected", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade microphone connection")
		return
	}
	defer conn.Close()

	client := &micClient{
		id:   uuid.New().String(),
		conn: conn,
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.client != nil {
		h.mu.Unlock()
		client.write(Frame{Event: EventStop})
		return
	}
	h.client = client
	h.mu.Unlock()

	logger := h.logger.With().Str("client_id", client.id).Logger()
	logger.Info().Msg("Microphone client connected")

	if err := client.write(Frame{Event: EventConnected}); err != nil {
		logger.Warn().Err(err).Msg("Failed to greet microphone client")
	}

	h.readLoop(client, logger)

	h.mu.Lock()
	if h.client == client {
		h.client = nil
	}
	stream := h.stream
	h.mu.Unlock()

	close(client.done)
	// A disconnect ends the active recording as if the device was unplugged
	if stream != nil && stream.client == client {
		stream.deviceLost()
	}
	logger.Info().Msg("Microphone client disconnected")
}

func (h *MicHub) readLoop(client *micClient, logger zerolog.Logger) {
	for {
		msgType, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("Microphone read error")
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			h.route(client, message)
			continue
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			logger.Warn().Err(err).Msg("Failed to parse microphone frame")
			continue
		}

		switch frame.Event {
		case EventMedia:
			if frame.Media == nil {
				continue
			}
			encoded := frame.Media.Payload
			if encoded == "" {
				encoded = frame.Media.Chunk
			}
			if encoded == "" {
				logger.Debug().Msg("Media frame missing payload")
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to decode media payload")
				continue
			}
			h.route(client, chunk)

		case EventStop:
			// The client stopped its tracks on its own
			h.mu.Lock()
			stream := h.stream
			h.mu.Unlock()
			if stream != nil && stream.client == client {
				stream.deviceLost()
			}

		default:
			logger.Debug().Str("event", frame.Event).Msg("Ignoring microphone frame")
		}
	}
}

// route hands a chunk to the recorder of the stream held on this client
func (h *MicHub) route(client *micClient, chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	h.mu.Lock()
	stream := h.stream
	h.mu.Unlock()

	if stream == nil || stream.client != client {
		return
	}
	rec := stream.currentRecorder()
	if rec == nil {
		return
	}
	if !rec.push(chunk) && rec.Active() {
		h.logger.Warn().Str("stream_id", stream.id).Int("bytes", len(chunk)).Msg("Recorder buffer full, dropping chunk")
	}
}

func (h *MicHub) releaseStream(s *micStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stream == s {
		h.stream = nil
	}
}

func (c *micClient) write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

// micStream is one exclusive hold on the microphone client
type micStream struct {
	id     string
	hub    *MicHub
	client *micClient

	mu       sync.Mutex
	recorder *pushRecorder
	released bool
}

func (s *micStream) Start() (Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrStreamReleased
	}
	if s.recorder != nil {
		return s.recorder, nil
	}

	if err := s.client.write(Frame{Event: EventStart, StreamID: s.id}); err != nil {
		return nil, fmt.Errorf("failed to start microphone client: %w", err)
	}
	s.recorder = newPushRecorder(s.hub.buffer, s.Release)
	return s.recorder, nil
}

func (s *micStream) currentRecorder() *pushRecorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorder
}

// Release tells the client to stop its tracks and frees the hub. Idempotent.
func (s *micStream) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	rec := s.recorder
	s.mu.Unlock()

	var err error
	select {
	case <-s.client.done:
	default:
		err = s.client.write(Frame{Event: EventStop, StreamID: s.id})
	}
	s.hub.releaseStream(s)
	s.hub.logger.Info().Str("stream_id", s.id).Msg("Microphone released")

	if rec != nil {
		rec.finish()
	}
	if err != nil {
		return fmt.Errorf("failed to stop microphone client: %w", err)
	}
	return nil
}

// deviceLost releases the stream after the client went away or stopped itself
func (s *micStream) deviceLost() {
	s.mu.Lock()
	rec := s.recorder
	s.mu.Unlock()

	if rec != nil {
		// Stop runs Release once and closes the chunk channel
		rec.Stop()
		return
	}
	s.Release()
}
