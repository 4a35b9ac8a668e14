package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Completion states reported by the statement backend.
const (
	StateFinished = "FINISHED"
	StateFailed   = "FAILED"
	StateAborted  = "ABORTED"
)

// Outcome classifies a completion state.
type Outcome int

// Outcomes.
const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// OutcomeOf maps a completion state to its outcome. FINISHED is the only
// success; FAILED and ABORTED are failures; anything else is unknown.
func OutcomeOf(state string) Outcome {
	switch state {
	case StateFinished:
		return OutcomeSuccess
	case StateFailed, StateAborted:
		return OutcomeFailure
	default:
		return OutcomeUnknown
	}
}

// ErrMalformedNotification is returned when a notification body cannot be
// decoded or lacks the statement name or state.
var ErrMalformedNotification = errors.New("malformed notification")

// Notification is one completion event delivered by the transport. The full
// decoded event is kept so callbacks can echo it back unchanged.
type Notification struct {
	StatementName string
	StatementID   string
	State         string
	event         map[string]any
}

// ParseNotification decodes a notification body of the form
// {"detail": {"statementName": ..., "statementId": ..., "state": ...}}.
func ParseNotification(body []byte) (*Notification, error) {
	var event map[string]any
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	detail, ok := event["detail"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing detail", ErrMalformedNotification)
	}
	name, _ := detail["statementName"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: missing detail.statementName", ErrMalformedNotification)
	}
	state, _ := detail["state"].(string)
	if state == "" {
		return nil, fmt.Errorf("%w: missing detail.state", ErrMalformedNotification)
	}
	id, _ := detail["statementId"].(string)

	return &Notification{
		StatementName: name,
		StatementID:   id,
		State:         state,
		event:         event,
	}, nil
}

// Outcome returns the outcome of the notification's state.
func (n *Notification) Outcome() Outcome {
	return OutcomeOf(n.State)
}

// SetError attaches backend-reported error text as detail.error.
func (n *Notification) SetError(msg string) {
	if detail, ok := n.event["detail"].(map[string]any); ok {
		detail["error"] = msg
	}
}

// ErrorText returns detail.error if it was set.
func (n *Notification) ErrorText() string {
	if detail, ok := n.event["detail"].(map[string]any); ok {
		s, _ := detail["error"].(string)
		return s
	}
	return ""
}

// MarshalJSON encodes the full event, including any attached error.
func (n *Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.event)
}
