// Package api maps HTTP and WebSocket requests onto session and library
// operations. It holds no state of its own.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lexiqai/memoir/internal/capture"
	"github.com/lexiqai/memoir/internal/media"
	"github.com/lexiqai/memoir/internal/observability"
	"github.com/lexiqai/memoir/internal/prompts"
	"github.com/lexiqai/memoir/internal/session"
	"github.com/lexiqai/memoir/internal/story"
)

const maxPhotoUpload = 32 << 20

// Server dispatches requests to the controller and the story library
type Server struct {
	controller    *session.Controller
	stories       *story.Store
	media         *media.Registry
	prompts       *prompts.Set
	mic           http.Handler
	capSeconds    int
	defaultLocale string
	logger        zerolog.Logger
}

// Deps are the collaborators a Server dispatches to
type Deps struct {
	Controller    *session.Controller
	Stories       *story.Store
	Media         *media.Registry
	Prompts       *prompts.Set
	Mic           http.Handler // nil when audio is not captured over WebSocket
	CapSeconds    int          // plan cap applied to every start
	DefaultLocale string
	Logger        zerolog.Logger
}

// New creates a Server
func New(d Deps) *Server {
	return &Server{
		controller:    d.Controller,
		stories:       d.Stories,
		media:         d.Media,
		prompts:       d.Prompts,
		mic:           d.Mic,
		capSeconds:    d.CapSeconds,
		defaultLocale: d.DefaultLocale,
		logger:        d.Logger,
	}
}

// Register adds every route to mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /session", s.handleSnapshot)
	mux.HandleFunc("POST /session/start", s.handleStart)
	mux.HandleFunc("POST /session/stop", s.handleStop)
	mux.HandleFunc("POST /session/finalize", s.handleFinalize)
	mux.HandleFunc("POST /session/clear", s.handleClear)
	mux.HandleFunc("PUT /session/title", s.handleTitle)
	mux.HandleFunc("PUT /session/prompt", s.handlePrompt)
	mux.HandleFunc("PUT /session/mode", s.handleMode)
	mux.HandleFunc("PUT /session/locale", s.handleLocale)
	mux.HandleFunc("PUT /session/transcript", s.handleTranscript)
	mux.HandleFunc("POST /session/photos", s.handlePhotos)

	mux.HandleFunc("GET /prompts", s.handlePrompts)
	mux.HandleFunc("GET /stories", s.handleStories)
	mux.HandleFunc("DELETE /stories/{id}", s.handleDeleteStory)
	mux.HandleFunc("GET /stories/{id}/export", s.handleExport)
	mux.HandleFunc("GET /blobs/{ref}", s.handleBlob)

	mux.HandleFunc("GET /events", s.handleEvents)
	if s.mic != nil {
		mux.Handle("GET /streams/mic", s.mic)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := ""
	switch {
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrNotIdle):
		status = http.StatusConflict
	case errors.Is(err, capture.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
		code = session.CodeDeviceUnavailable
	case errors.Is(err, session.ErrUnknownPrompt), errors.Is(err, session.ErrInvalidCap), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger := s.requestLogger(r)
		logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

var errBadRequest = errors.New("bad request")

const correlationHeader = "X-Correlation-ID"

func (s *Server) requestLogger(r *http.Request) zerolog.Logger {
	id := r.Header.Get(correlationHeader)
	if id == "" {
		id = observability.NewCorrelationID()
	}
	return s.logger.With().Str("correlation_id", id).Str("path", r.URL.Path).Logger()
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
