package session

import "errors"

var (
	// ErrSessionActive is returned by Start while another session is starting,
	// recording or waiting for the device to be released
	ErrSessionActive = errors.New("session already active")

	// ErrNotIdle is returned by operations that need a stopped session
	ErrNotIdle = errors.New("session not idle")

	// ErrUnknownPrompt is returned when selecting a prompt outside the locale's set
	ErrUnknownPrompt = errors.New("unknown prompt")

	// ErrInvalidCap is returned for a non-positive duration cap
	ErrInvalidCap = errors.New("cap must be positive")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("controller closed")
)

// Error codes surfaced in Snapshot.Error
const (
	CodeDeviceUnavailable        = "device_unavailable"
	CodeTranscriptionUnavailable = "transcription_unavailable"
)

// Stop reasons recorded in metrics and logs
const (
	reasonManual   = "manual"
	reasonCap      = "cap"
	reasonDevice   = "device"
	reasonShutdown = "shutdown"
)
