package audio

import (
	"sync"
)

// ChunkBuffer is a thread-safe, append-only sequence of encoded audio chunks
type ChunkBuffer struct {
	chunks [][]byte
	size   int
	mu     sync.RWMutex
}

// NewChunkBuffer creates an empty chunk buffer
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{}
}

// Append copies data onto the end of the buffer.
// Empty chunks are ignored. Returns the number of bytes stored.
func (b *ChunkBuffer) Append(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	return len(chunk)
}

// Len returns the number of chunks buffered
func (b *ChunkBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Size returns the total number of bytes buffered
func (b *ChunkBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Bytes packages every chunk, in arrival order, into one contiguous blob
func (b *ChunkBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Chunks returns the buffered chunks in arrival order
func (b *ChunkBuffer) Chunks() [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([][]byte, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Reset clears the buffer
func (b *ChunkBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = nil
	b.size = 0
}

// IsEmpty returns true if the buffer holds no audio
func (b *ChunkBuffer) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size == 0
}
