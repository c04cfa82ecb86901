package ws

import (
	"time"

	"proctor/internal/alert"
	"proctor/internal/pipeline"
)

// Message types
const (
	TypeAlerts  = "alerts"
	TypeOutcome = "outcome"
)

// AlertMessage carries a published alert vector
type AlertMessage struct {
	Type      string          `json:"type"` // "alerts"
	Timestamp time.Time       `json:"timestamp"`
	Vector    alert.State     `json:"vector"`
	Alerts    map[string]bool `json:"alerts"`
	Active    []string        `json:"active"`
}

// NewAlertMessage creates an alert message for state
func NewAlertMessage(state alert.State) *AlertMessage {
	msg := &AlertMessage{
		Type:      TypeAlerts,
		Timestamp: time.Now(),
		Vector:    state,
		Alerts:    state.Named(),
		Active:    make([]string, 0),
	}
	for _, k := range alert.Kinds() {
		if state[k] {
			msg.Active = append(msg.Active, k.DisplayName())
		}
	}
	return msg
}

// OutcomeMessage summarizes one processed frame
type OutcomeMessage struct {
	Type         string            `json:"type"` // "outcome"
	Seq          uint64            `json:"seq"`
	Timestamp    time.Time         `json:"timestamp"`
	FaceCount    int               `json:"face_count"`
	Verified     *bool             `json:"verified,omitempty"`
	Phone        bool              `json:"phone"`
	Errors       map[string]string `json:"errors,omitempty"`
	ProcessingMs float64           `json:"processing_ms"`
	Vector       alert.State       `json:"vector"`
}

// NewOutcomeMessage converts a frame outcome into its broadcast form
func NewOutcomeMessage(o *pipeline.FrameOutcome) *OutcomeMessage {
	msg := &OutcomeMessage{
		Type:         TypeOutcome,
		Seq:          o.Seq,
		Timestamp:    o.Timestamp,
		FaceCount:    o.FaceCount,
		Phone:        o.Object != nil && o.Object.Detected,
		ProcessingMs: o.ProcessingMs,
		Vector:       o.Alerts,
	}
	if o.Match != nil {
		matched := o.Match.Matched
		msg.Verified = &matched
	}
	if len(o.Errors) > 0 {
		msg.Errors = make(map[string]string, len(o.Errors))
		for stage, e := range o.Errors {
			msg.Errors[string(stage)] = e
		}
	}
	return msg
}
