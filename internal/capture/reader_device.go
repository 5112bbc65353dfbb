package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// OpenFunc opens the audio source for one stream
type OpenFunc func() (io.ReadCloser, error)

// ReaderDevice is a Device that replays an encoded audio source in fixed
// size chunks, paced by interval. A zero interval delivers as fast as the
// consumer reads.
type ReaderDevice struct {
	open       OpenFunc
	chunkBytes int
	interval   time.Duration
	buffer     int
	logger     zerolog.Logger

	mu   sync.Mutex
	held bool
}

// NewReaderDevice creates a device over open
func NewReaderDevice(open OpenFunc, chunkBytes int, interval time.Duration, buffer int, logger zerolog.Logger) *ReaderDevice {
	if chunkBytes <= 0 {
		chunkBytes = 3200
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &ReaderDevice{
		open:       open,
		chunkBytes: chunkBytes,
		interval:   interval,
		buffer:     buffer,
		logger:     logger,
	}
}

// NewFileDevice replays the file at path on every acquire
func NewFileDevice(path string, chunkBytes int, interval time.Duration, buffer int, logger zerolog.Logger) *ReaderDevice {
	open := func() (io.ReadCloser, error) {
		return os.Open(path)
	}
	return NewReaderDevice(open, chunkBytes, interval, buffer, logger.With().Str("capture_file", path).Logger())
}

// Acquire opens the source
func (d *ReaderDevice) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.held {
		return nil, fmt.Errorf("reader device already in use: %w", ErrDeviceUnavailable)
	}
	rc, err := d.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	d.held = true
	return &readerStream{device: d, source: rc}, nil
}

func (d *ReaderDevice) free() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held = false
}

type readerStream struct {
	device *ReaderDevice
	source io.ReadCloser

	mu       sync.Mutex
	recorder *readerRecorder
	released bool
	closeErr error
}

func (s *readerStream) Start() (Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrStreamReleased
	}
	if s.recorder != nil {
		return s.recorder, nil
	}

	s.recorder = &readerRecorder{
		stream: s,
		chunks: make(chan []byte, s.device.buffer),
		stop:   make(chan struct{}),
	}
	s.recorder.active.Store(true)
	go s.recorder.run()
	return s.recorder, nil
}

// Release closes the source. Idempotent.
func (s *readerStream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return s.closeErr
	}
	s.released = true
	s.closeErr = s.source.Close()
	s.device.free()
	return s.closeErr
}

// readerRecorder owns the only goroutine that sends on chunks, so that
// goroutine is also the one that closes it.
type readerRecorder struct {
	stream   *readerStream
	chunks   chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	active   atomic.Bool
}

func (r *readerRecorder) Chunks() <-chan []byte {
	return r.chunks
}

func (r *readerRecorder) Active() bool {
	return r.active.Load()
}

// Stop ends the read loop and closes the source, which also unblocks a
// pending read. The chunk channel closes once the loop has exited.
func (r *readerRecorder) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stop)
		err = r.stream.Release()
	})
	return err
}

func (r *readerRecorder) run() {
	logger := r.stream.device.logger
	defer func() {
		if err := r.stream.Release(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close capture source")
		}
		r.active.Store(false)
		close(r.chunks)
	}()

	var pace <-chan time.Time
	if r.stream.device.interval > 0 {
		ticker := time.NewTicker(r.stream.device.interval)
		defer ticker.Stop()
		pace = ticker.C
	}

	for {
		buf := make([]byte, r.stream.device.chunkBytes)
		n, err := io.ReadFull(r.stream.source, buf)
		if n > 0 {
			select {
			case r.chunks <- buf[:n]:
			case <-r.stop:
				return
			}
		}
		if err != nil {
			select {
			case <-r.stop:
				return
			default:
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Warn().Err(err).Msg("Capture source read failed")
			} else {
				logger.Debug().Msg("Capture source exhausted")
			}
			return
		}

		if pace != nil {
			select {
			case <-pace:
			case <-r.stop:
				return
			}
		} else {
			select {
			case <-r.stop:
				return
			default:
			}
		}
	}
}
