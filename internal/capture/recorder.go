package capture

import (
	"sync"

	"github.com/lexiqai/memoir/internal/observability"
)

// pushRecorder is a Recorder fed by a goroutine it does not own. Pushes never
// block: a chunk that does not fit the buffer is dropped.
type pushRecorder struct {
	mu     sync.Mutex
	chunks chan []byte
	closed bool

	release  func() error
	stopOnce sync.Once
	stopErr  error
}

func newPushRecorder(buffer int, release func() error) *pushRecorder {
	if buffer <= 0 {
		buffer = 1
	}
	return &pushRecorder{
		chunks:  make(chan []byte, buffer),
		release: release,
	}
}

func (r *pushRecorder) Chunks() <-chan []byte {
	return r.chunks
}

// push queues a chunk. Returns false if the recorder is finished or full.
func (r *pushRecorder) push(chunk []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	select {
	case r.chunks <- chunk:
		return true
	default:
		observability.RecordDroppedChunk("capture")
		return false
	}
}

// finish closes the chunk channel once
func (r *pushRecorder) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.chunks)
}

func (r *pushRecorder) Stop() error {
	r.stopOnce.Do(func() {
		if r.release != nil {
			r.stopErr = r.release()
		}
		r.finish()
	})
	return r.stopErr
}

func (r *pushRecorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}
