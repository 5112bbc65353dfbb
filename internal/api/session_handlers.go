package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/lexiqai/memoir/internal/media"
	"github.com/lexiqai/memoir/internal/session"
	"github.com/lexiqai/memoir/internal/story"
)

type startRequest struct {
	Mode   string `json:"mode"`
	Locale string `json:"locale"`
	Prompt string `json:"prompt"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	mode := story.ModeGuided
	if req.Mode != "" {
		parsed, err := story.ParseMode(req.Mode)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		mode = parsed
	}

	err := s.controller.Start(r.Context(), session.StartRequest{
		Mode:       mode,
		Locale:     req.Locale,
		Prompt:     req.Prompt,
		CapSeconds: s.capSeconds,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.controller.Stop()
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	saved, err := s.controller.Finalize(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if saved == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Clear(); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.controller.SetTitle(body.Title)
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.controller.SelectPrompt(body.Prompt); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	mode, err := story.ParseMode(body.Mode)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.controller.SetMode(mode); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleLocale(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Locale string `json:"locale"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.controller.SetLocale(body.Locale); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Transcript string `json:"transcript"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.controller.SetTranscript(body.Transcript); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

// handlePhotos replaces the attached photos with the uploaded "photos" files
func (s *Server) handlePhotos(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPhotoUpload); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	var photos []media.Blob
	for _, fh := range r.MultipartForm.File["photos"] {
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		mime := fh.Header.Get("Content-Type")
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		photos = append(photos, media.Blob{Name: fh.Filename, MIME: mime, Data: data})
	}

	s.controller.AttachPhotos(photos)
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}
