// Package trace provides best-effort attempt tracing for tool-service
// calls. Sinks are fire-and-forget: a sink failure (full disk, closed
// file, malformed metadata) must never surface to the caller or affect
// a call's result, so every sink swallows its own errors.
//
// A nil *Recorder is safe to use; Trace on nil is a no-op, so callers
// do not need guard checks (same contract as the events bus pattern).
package trace

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage constants describe where in a call's lifecycle a record was
// emitted.
const (
	StageDispatch  = "dispatch"
	StageAttempt   = "attempt"
	StageReconnect = "reconnect"
	StageHandshake = "handshake"
	StageResult    = "result"
)

// Record is one self-contained trace line.
type Record struct {
	Time      time.Time      `json:"time"`
	ID        string         `json:"id"`
	Service   string         `json:"service"`
	Transport string         `json:"transport"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Sink receives trace records. Implementations must be safe for
// concurrent use and must not return or panic on failure.
type Sink interface {
	Write(rec Record)
}

// Recorder stamps and fans records out to a sink.
type Recorder struct {
	sink Sink
}

// NewRecorder wraps a sink. A nil sink yields a recorder that records
// nothing.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Trace emits one record. Safe on a nil receiver and with a nil sink.
func (r *Recorder) Trace(service, transport, stage, message string, meta map[string]any) {
	if r == nil || r.sink == nil {
		return
	}
	r.sink.Write(Record{
		Time:      time.Now().UTC(),
		ID:        uuid.NewString(),
		Service:   service,
		Transport: transport,
		Stage:     stage,
		Message:   message,
		Meta:      meta,
	})
}

// FileSink appends one JSON line per record to a file. Appends are
// serialized under a mutex so concurrent calls cannot interleave
// partial lines. Write errors are dropped.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens (or creates) the trace file in append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

// Write appends the record as a single JSON line.
func (s *FileSink) Write(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.f.Write(data)
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// LogSink forwards records to a structured logger at debug level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink wraps a logger. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Write logs the record fields as structured attributes.
func (s *LogSink) Write(rec Record) {
	s.logger.Debug("trace",
		"service", rec.Service,
		"transport", rec.Transport,
		"stage", rec.Stage,
		"message", rec.Message,
		"meta", rec.Meta,
	)
}
