package session

import (
	"sync"

	"github.com/lexiqai/memoir/internal/transcript"
)

// Event is anything delivered to Controller.Dispatch. Each event carries the
// sequence number of the session that produced it.
type Event interface {
	session() uint64
}

// ChunkReceived carries one captured audio chunk
type ChunkReceived struct {
	Session uint64
	Data    []byte
}

// RecognitionResult carries one batch from the recognizer
type RecognitionResult struct {
	Session uint64
	Results []transcript.Result
}

// Tick is the once-per-second clock event
type Tick struct {
	Session uint64
}

// DeviceReleased reports that the recorder's chunk stream closed
type DeviceReleased struct {
	Session uint64
}

// RecognitionEnded reports that the recognizer stream closed
type RecognitionEnded struct {
	Session uint64
}

// releaseTimedOut forces a stopping session to idle
type releaseTimedOut struct {
	Session uint64
}

func (e ChunkReceived) session() uint64     { return e.Session }
func (e RecognitionResult) session() uint64 { return e.Session }
func (e Tick) session() uint64              { return e.Session }
func (e DeviceReleased) session() uint64    { return e.Session }
func (e RecognitionEnded) session() uint64  { return e.Session }
func (e releaseTimedOut) session() uint64   { return e.Session }

// queue is an unbounded FIFO. push never blocks so adapter goroutines can
// post while the controller holds its lock.
type queue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
