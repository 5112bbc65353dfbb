// Package media holds binary attachments (recorded audio, photos) behind
// opaque handles for the lifetime of the process.
package media

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Scheme prefixes every handle
const Scheme = "blob:"

// ErrNotFound is returned for an unknown or revoked handle
var ErrNotFound = errors.New("blob not found")

// Blob is one stored attachment
type Blob struct {
	Name string
	MIME string
	Data []byte
}

// Registry maps handles to blobs
type Registry struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{blobs: make(map[string]Blob)}
}

// Put stores b and returns a fresh handle
func (r *Registry) Put(b Blob) string {
	ref := Scheme + uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[ref] = b
	return ref
}

// Get returns the blob behind ref
func (r *Registry) Get(ref string) (Blob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.blobs[ref]
	if !ok {
		return Blob{}, ErrNotFound
	}
	return b, nil
}

// Revoke forgets each handle. Unknown handles are ignored.
func (r *Registry) Revoke(refs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range refs {
		delete(r.blobs, ref)
	}
}

// Len returns the number of live handles
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blobs)
}

// IsHandle reports whether s looks like a registry handle
func IsHandle(s string) bool {
	return strings.HasPrefix(s, Scheme)
}
