package story

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/memoir/internal/kv"
)

const key = "memoir_stories"

func openKV(t *testing.T) *kv.SQLite {
	t.Helper()
	db, err := kv.Open(context.Background(), filepath.Join(t.TempDir(), "memoir.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sample(id string) Story {
	return Story{
		ID:          id,
		CreatedAt:   time.UnixMilli(1700000000000),
		Title:       "Story " + id,
		Mode:        ModeFree,
		Transcript:  "text " + id,
		PhotoRefs:   []string{},
		DurationSec: 3,
	}
}

// failingKV fails every write
type failingKV struct {
	value string
}

func (f *failingKV) Get(ctx context.Context, key string) (string, error) {
	if f.value == "" {
		return "", kv.ErrNotFound
	}
	return f.value, nil
}

func (f *failingKV) Put(ctx context.Context, key, value string) error {
	return errors.New("disk full")
}

func TestStore_OpenEmpty(t *testing.T) {
	s, err := Open(context.Background(), openKV(t), key, zerolog.Nop())
	require.NoError(t, err)

	assert.Empty(t, s.Stories())
	assert.False(t, s.Corrupt())
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openKV(t)

	s, err := Open(ctx, db, key, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, sample("a")))
	require.NoError(t, s.Append(ctx, sample("b")))

	reloaded, err := Open(ctx, db, key, zerolog.Nop())
	require.NoError(t, err)

	stories := reloaded.Stories()
	require.Len(t, stories, 2)
	assert.Equal(t, "b", stories[0].ID, "newest first")
	assert.Equal(t, "a", stories[1].ID)
	assert.Equal(t, s.Stories(), stories)
}

func TestStore_CorruptRecovers(t *testing.T) {
	ctx := context.Background()
	db := openKV(t)
	require.NoError(t, db.Put(ctx, key, "{not json"))

	s, err := Open(ctx, db, key, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, s.Corrupt())
	assert.Empty(t, s.Stories())

	// The next mutation overwrites the corrupt value
	require.NoError(t, s.Append(ctx, sample("a")))
	reloaded, err := Open(ctx, db, key, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, reloaded.Corrupt())
	assert.Equal(t, 1, reloaded.Len())
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, openKV(t), key, zerolog.Nop())
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append(ctx, sample(id)))
	}

	removed, ok, err := s.Remove(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", removed.ID)

	ids := []string{}
	for _, st := range s.Stories() {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []string{"c", "a"}, ids)

	_, ok, err = s.Remove(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())

	_, found := s.Get("a")
	assert.True(t, found)
	_, found = s.Get("b")
	assert.False(t, found)
}

func TestStore_FailedWriteLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, &failingKV{}, key, zerolog.Nop())
	require.NoError(t, err)

	err = s.Append(ctx, sample("a"))
	assert.Error(t, err)
	assert.Empty(t, s.Stories())
}

func TestStore_FailedRemoveKeepsStory(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, &failingKV{value: `[{"id":"a","createdAt":0,"title":"A","mode":"free","transcript":"x","photos":[],"durationSec":1}]`}, key, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	_, ok, err := s.Remove(ctx, "a")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestStore_ClosedRejectsMutations(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, openKV(t), key, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Append(ctx, sample("a")), ErrClosed)
}

func TestStore_ReloadMatchesSavedStory(t *testing.T) {
	ctx := context.Background()
	db := openKV(t)

	s, err := Open(ctx, db, key, zerolog.Nop())
	require.NoError(t, err)

	st := sample("now")
	st.CreatedAt = time.Now()
	require.NoError(t, s.Append(ctx, st))
	saved, ok := s.Get("now")
	require.True(t, ok)

	reloaded, err := Open(ctx, db, key, zerolog.Nop())
	require.NoError(t, err)
	got, ok := reloaded.Get("now")
	require.True(t, ok)

	assert.Equal(t, saved, got)
	assert.True(t, saved.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, st.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
}
