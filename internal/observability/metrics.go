package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memoir_active_sessions",
		Help: "Number of recording sessions currently holding the microphone",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoir_sessions_total",
		Help: "Total number of recording sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memoir_session_duration_seconds",
		Help:    "Recorded elapsed time of a session in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 900, 1800, 3600},
	})

	sessionStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoir_session_stops_total",
		Help: "Sessions stopped, by reason",
	}, []string{"reason"}) // reason: "manual", "cap", "device", "shutdown"

	// Device and recognizer metrics
	deviceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoir_device_unavailable_total",
		Help: "Session starts aborted because the microphone was unavailable",
	})

	transcriptionUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoir_transcription_unavailable_total",
		Help: "Sessions that recorded without a streaming recognizer",
	})

	finalFragments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoir_transcript_final_fragments_total",
		Help: "Final recognition fragments merged into transcripts",
	})

	audioBytesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoir_audio_bytes_total",
		Help: "Total audio bytes captured",
	})

	droppedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoir_dropped_chunks_total",
		Help: "Audio chunks dropped because a consumer was not keeping up",
	}, []string{"stage"}) // stage: "capture", "recognizer"

	// Story library metrics
	storyMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoir_story_mutations_total",
		Help: "Story library mutations, by operation and status",
	}, []string{"op", "status"})

	storeRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoir_store_recoveries_total",
		Help: "Times the story library was reset because its stored state was unreadable",
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "memoir_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoir_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single recording session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	mu        sync.Mutex
	ended     bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordStart records that the session acquired the microphone
func (m *SessionMetrics) RecordStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordStop records the end of the active phase. Only the first call counts.
func (m *SessionMetrics) RecordStop(reason string, elapsedSeconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return
	}
	m.ended = true

	activeSessions.Dec()
	sessionDuration.Observe(float64(elapsedSeconds))
	sessionStops.WithLabelValues(reason).Inc()
}

// RecordTranscriptionUnavailable records a session running without STT
func (m *SessionMetrics) RecordTranscriptionUnavailable() {
	transcriptionUnavailable.Inc()
}

// RecordFinalFragment records a final fragment merged into the transcript
func (m *SessionMetrics) RecordFinalFragment() {
	finalFragments.Inc()
}

// RecordAudioBytes records captured audio bytes
func (m *SessionMetrics) RecordAudioBytes(bytes int) {
	audioBytesCaptured.Add(float64(bytes))
}

// RecordDeviceUnavailable records an aborted session start
func RecordDeviceUnavailable() {
	deviceErrors.Inc()
}

// RecordDroppedChunk records a chunk dropped at the given stage
func RecordDroppedChunk(stage string) {
	droppedChunks.WithLabelValues(stage).Inc()
}

// RecordStoryMutation records a story library write
func RecordStoryMutation(op string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	storyMutations.WithLabelValues(op, status).Inc()
}

// RecordStoreRecovery records a reset of an unreadable story library
func RecordStoreRecovery() {
	storeRecoveries.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
