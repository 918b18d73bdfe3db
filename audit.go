package sessionkit

import (
	"io"

	internalaudit "github.com/sessionkit/sessionkit/internal/audit"
)

// AuditEvent is a structured audit record emitted by the session manager.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the manager's audit
// dispatcher. Emit must not block indefinitely; the dispatcher runs it on a
// single relay goroutine.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// Audit event types, as they appear in [AuditEvent].EventType.
const (
	EventSessionCreated     = internalaudit.EventSessionCreated
	EventSessionRefreshed   = internalaudit.EventSessionRefreshed
	EventSessionRevoked     = internalaudit.EventSessionRevoked
	EventTokenTheftDetected = internalaudit.EventTokenTheftDetected
	EventClaimRejected      = internalaudit.EventClaimRejected
)

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *internalaudit.Dispatcher {
	return internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Enabled,
		BufferSize: cfg.BufferSize,
		DropIfFull: cfg.DropIfFull,
	}, sink)
}
