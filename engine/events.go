package engine

import "time"

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Job events
	EventJobCompleted EventType = iota + 1
	EventJobFailed
	EventDecodeFailed

	// Connection events
	EventConnectionAccepted
	EventConnectionRequested
	EventConnectionCorrelated

	// Reporter events
	EventReporterCreated
	EventReporterDeleted
	EventReporterStarted
	EventReporterStopped
	EventReportFailed
)

func (t EventType) String() string {
	switch t {
	case EventJobCompleted:
		return "job_completed"
	case EventJobFailed:
		return "job_failed"
	case EventDecodeFailed:
		return "decode_failed"
	case EventConnectionAccepted:
		return "connection_accepted"
	case EventConnectionRequested:
		return "connection_requested"
	case EventConnectionCorrelated:
		return "connection_correlated"
	case EventReporterCreated:
		return "reporter_created"
	case EventReporterDeleted:
		return "reporter_deleted"
	case EventReporterStarted:
		return "reporter_started"
	case EventReporterStopped:
		return "reporter_stopped"
	case EventReportFailed:
		return "report_failed"
	default:
		return "unknown"
	}
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// JobEvent is the payload for job outcome events.
type JobEvent struct {
	Outcome OutcomeMessage
}

// ConnectionEvent is the payload for COTP handshake events.
type ConnectionEvent struct {
	SourceReference      int16
	DestinationReference int16
	SourceTSAP           []byte
	DestinationTSAP      []byte
}

// ServiceEvent is the payload for reporter lifecycle events.
type ServiceEvent struct {
	Kind string // "mqtt", "valkey", "kafka"
	Name string
	Err  error
}
