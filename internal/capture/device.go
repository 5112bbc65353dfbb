// Package capture adapts audio sources into the device contract the session
// controller drives: acquire a stream, start a recorder, receive chunks, stop.
package capture

import (
	"context"
	"errors"
)

var (
	// ErrDeviceUnavailable is returned by Acquire when no source can be opened,
	// either because nothing is connected or because the device is already held
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrStreamReleased is returned by Start on a stream that was already released
	ErrStreamReleased = errors.New("capture stream released")
)

// Device hands out exclusive capture streams
type Device interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is an acquired device. Release stops its tracks and frees the device.
type Stream interface {
	Start() (Recorder, error)
	Release() error
}

// Recorder delivers encoded audio chunks while active.
//
// The Chunks channel is closed exactly once, after the underlying device has
// been released, whatever caused the stop: an explicit Stop, a disconnected
// client, a read error or the end of input.
type Recorder interface {
	Chunks() <-chan []byte
	Stop() error
	Active() bool
}
