package story

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/memoir/internal/kv"
	"github.com/lexiqai/memoir/internal/observability"
)

var (
	// ErrCorrupt marks a stored library that could not be decoded. Open
	// recovers from it with an empty library.
	ErrCorrupt = errors.New("story library corrupt")

	// ErrClosed is returned by mutations after Close
	ErrClosed = errors.New("story store closed")
)

// KV is the durable blob storage behind the store
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
}

// Store is the ordered story library, newest first. The whole collection is
// rewritten on every mutation.
type Store struct {
	kv     KV
	key    string
	logger zerolog.Logger

	mu      sync.RWMutex
	stories []Story
	corrupt bool
	closed  bool
}

// Open loads the library stored under key. A missing value starts an empty
// library; an undecodable one does too, with Corrupt reporting true.
func Open(ctx context.Context, store KV, key string, logger zerolog.Logger) (*Store, error) {
	s := &Store{kv: store, key: key, logger: logger}

	raw, err := store.Get(ctx, key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("load stories: %w", err)
	}

	var stories []Story
	if err := json.Unmarshal([]byte(raw), &stories); err != nil {
		s.corrupt = true
		observability.RecordStoreRecovery()
		logger.Warn().Err(fmt.Errorf("%w: %v", ErrCorrupt, err)).Str("key", key).Msg("Starting with an empty story library")
		return s, nil
	}
	s.stories = stories

	logger.Info().Int("stories", len(stories)).Msg("Story library loaded")
	return s, nil
}

// Corrupt reports whether Open discarded an unreadable library
func (s *Store) Corrupt() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.corrupt
}

// Stories returns the library, newest first
func (s *Store) Stories() []Story {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Story, len(s.stories))
	copy(out, s.stories)
	return out
}

// Len returns the number of stories
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stories)
}

// Get returns the story with id
func (s *Store) Get(id string) (Story, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.stories {
		if st.ID == id {
			return st, true
		}
	}
	return Story{}, false
}

// Append stores st as the newest story
func (s *Store) Append(ctx context.Context, st Story) error {
	// Stored timestamps keep milliseconds
	st.CreatedAt = time.UnixMilli(st.CreatedAt.UnixMilli())

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]Story, 0, len(s.stories)+1)
	next = append(next, st)
	next = append(next, s.stories...)

	err := s.persist(ctx, next)
	observability.RecordStoryMutation("append", err == nil)
	if err != nil {
		return err
	}
	s.stories = next
	s.logger.Info().Str("story_id", st.ID).Int("stories", len(next)).Msg("Story saved")
	return nil
}

// Remove deletes the story with id. Returns the removed story and false
// if no story had that id, in which case nothing is written.
func (s *Store) Remove(ctx context.Context, id string) (Story, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, st := range s.stories {
		if st.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Story{}, false, nil
	}

	next := make([]Story, 0, len(s.stories)-1)
	next = append(next, s.stories[:idx]...)
	next = append(next, s.stories[idx+1:]...)

	err := s.persist(ctx, next)
	observability.RecordStoryMutation("remove", err == nil)
	if err != nil {
		return Story{}, false, err
	}
	removed := s.stories[idx]
	s.stories = next
	s.logger.Info().Str("story_id", id).Int("stories", len(next)).Msg("Story deleted")
	return removed, true, nil
}

// Close rejects further mutations. Reads keep working.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// persist writes stories; callers hold s.mu
func (s *Store) persist(ctx context.Context, stories []Story) error {
	if s.closed {
		return ErrClosed
	}
	data, err := json.Marshal(stories)
	if err != nil {
		return fmt.Errorf("encode stories: %w", err)
	}
	if err := s.kv.Put(ctx, s.key, string(data)); err != nil {
		return fmt.Errorf("persist stories: %w", err)
	}
	return nil
}
