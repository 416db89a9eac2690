package engine

import (
	"errors"
	"time"

	"s7link/s7"
)

// OutcomeMessage is the JSON form of a job outcome handed to reporters
// and the status API.
type OutcomeMessage struct {
	Namespace  string    `json:"namespace,omitempty"`
	Ref        uint16    `json:"ref"`
	Function   string    `json:"function,omitempty"`
	State      string    `json:"state"`
	Stage      string    `json:"stage"`
	Items      int       `json:"items"`
	Error      string    `json:"error,omitempty"`
	Kind       string    `json:"kind,omitempty"` // error class: malformed, unsupported, provider, transport, pdu_size
	Started    time.Time `json:"started"`
	DurationMS float64   `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Failed reports whether the job did not send an acknowledgement.
func (m OutcomeMessage) Failed() bool {
	return m.State != s7.JobDone.String()
}

// NewOutcomeMessage converts a dispatcher outcome.
func NewOutcomeMessage(namespace string, o s7.Outcome) OutcomeMessage {
	m := OutcomeMessage{
		Namespace:  namespace,
		Ref:        o.Ref,
		Function:   o.Function,
		State:      o.State.String(),
		Stage:      o.Stage.String(),
		Items:      o.Items,
		Started:    o.Started.UTC(),
		DurationMS: float64(o.Duration) / float64(time.Millisecond),
		Timestamp:  time.Now().UTC(),
	}
	if o.Err != nil {
		m.Error = o.Err.Error()
		m.Kind = errorKind(o.Err)
	}
	return m
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, s7.ErrMalformedDatagram):
		return "malformed"
	case errors.Is(err, s7.ErrUnsupportedJob):
		return "unsupported"
	case errors.Is(err, s7.ErrProviderFailure):
		return "provider"
	case errors.Is(err, s7.ErrTransportFailure):
		return "transport"
	case errors.Is(err, s7.ErrPDUTooLarge):
		return "pdu_size"
	default:
		return "other"
	}
}
