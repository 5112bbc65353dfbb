package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/lexiqai/memoir/internal/media"
	"github.com/lexiqai/memoir/internal/story"
)

func (s *Server) locale(r *http.Request) string {
	if tag := r.URL.Query().Get("locale"); tag != "" {
		return tag
	}
	if snap := s.controller.Snapshot(); snap.Locale != "" {
		return snap.Locale
	}
	return s.defaultLocale
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.prompts.Resolve(s.locale(r)))
}

func (s *Server) handleStories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Stories []story.Story `json:"stories"`
		Corrupt bool          `json:"corrupt,omitempty"`
	}{
		Stories: s.stories.Stories(),
		Corrupt: s.stories.Corrupt(),
	})
}

func (s *Server) handleDeleteStory(w http.ResponseWriter, r *http.Request) {
	removed, ok, err := s.stories.Remove(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "story not found"})
		return
	}
	s.media.Revoke(removed.Refs()...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	st, ok := s.stories.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "story not found"})
		return
	}

	layout := s.prompts.Resolve(s.locale(r)).DateLayout
	st.CreatedAt = st.CreatedAt.Local()
	body := story.ExportText(st, layout)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", story.ExportFilename(st.Title)))
	w.Write([]byte(body))
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if !media.IsHandle(ref) {
		ref = media.Scheme + ref
	}
	b, err := s.media.Get(ref)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", b.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(b.Data)))
	w.Write(b.Data)
}
