// Package audit implements the job audit trail: a bounded in-memory buffer
// of lifecycle events, mirrored to a configurable EventWriter (stdout,
// file, or HTTP sink), for one aggregation job run.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/aggregation-service-worker/internal/config"
)

// EventType identifies the kind of job-lifecycle event recorded.
type EventType string

const (
	// EventTypeStateTransition marks the job entering a new State.
	EventTypeStateTransition EventType = "state_transition"
	// EventTypeReportError marks a per-report error tallied during READING.
	EventTypeReportError EventType = "report_error"
	// EventTypeBudgetConsume marks one privacy budget bridge resolution.
	EventTypeBudgetConsume EventType = "budget_consume"
	// EventTypeResultWrite marks a result shard write attempt.
	EventTypeResultWrite EventType = "result_write"
	// EventTypeJobComplete marks the job's terminal return code.
	EventTypeJobComplete EventType = "job_complete"
)

// AuditEvent is a single recorded job-lifecycle event.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	JobID     string                 `json:"job_id"`
	State     string                 `json:"state,omitempty"`
	Counter   string                 `json:"counter,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger records job-lifecycle audit events.
type Logger interface {
	Log(event *AuditEvent) error

	// LogStateTransition records the job entering state.
	LogStateTransition(jobID, state string)

	// LogReportError records one per-report error by validator counter name.
	LogReportError(jobID, counter string)

	// LogBudgetConsume records one budget bridge resolution.
	LogBudgetConsume(jobID string, consumed, exhausted int, success bool, err error, duration time.Duration)

	// LogResultWrite records one result shard write attempt.
	LogResultWrite(jobID, kind string, success bool, err error, duration time.Duration)

	// LogJobComplete records the job's terminal return code.
	LogJobComplete(jobID, returnCode string, duration time.Duration)

	// GetEvents returns all buffered audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter writes one audit event to its backing sink.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates an audit logger with no metadata redaction.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates an audit logger that redacts the named
// metadata keys before they reach the writer.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}
	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig builds a Logger from the resolved audit configuration,
// wiring whichever sink type and batching policy it names.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log appends event to the in-memory buffer and forwards it to the writer.
// Writer failures are swallowed: the audit trail must never fail a job.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Metadata = l.redactMetadata(event.Metadata)

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger's underlying writer, if it supports closing.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

func (l *auditLogger) LogStateTransition(jobID, state string) {
	l.Log(&AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeStateTransition,
		JobID:     jobID,
		State:     state,
		Success:   true,
	})
}

func (l *auditLogger) LogReportError(jobID, counter string) {
	l.Log(&AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeReportError,
		JobID:     jobID,
		Counter:   counter,
		Success:   false,
	})
}

func (l *auditLogger) LogBudgetConsume(jobID string, consumed, exhausted int, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeBudgetConsume,
		JobID:     jobID,
		Success:   success,
		Duration:  duration,
		Metadata: map[string]interface{}{
			"units_consumed": consumed,
			"units_exhausted": exhausted,
		},
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogResultWrite(jobID, kind string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeResultWrite,
		JobID:     jobID,
		Counter:   kind,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogJobComplete(jobID, returnCode string, duration time.Duration) {
	l.Log(&AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeJobComplete,
		JobID:     jobID,
		State:     returnCode,
		Success:   true,
		Duration:  duration,
	})
}

// GetEvents returns a copy of the buffered audit events.
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter writes each event to stdout as a JSON line.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
