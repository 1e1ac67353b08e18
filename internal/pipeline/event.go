package pipeline

import "time"

// Event is one inbound call-result, already decoded from the webhook
// payload. It lives for the duration of a single delivery attempt.
type Event struct {
	CallID      int64
	ScenarioID  int64
	ResultName  string
	ManagerName string
	Phone       string
	Comment     string
	StartedAt   time.Time
	Duration    int64
}

// Outcome reports what the pipeline did with an event. It exists for logs
// and tests; the webhook response never depends on it.
type Outcome struct {
	Status   Status
	ChatID   int64
	Delivery string
}

type Status string

const (
	// StatusIgnored: missing call or scenario id. Not an error.
	StatusIgnored Status = "ignored"
	// StatusDuplicate: the call id was already claimed or durably logged.
	StatusDuplicate Status = "duplicate"
	// StatusNotActionable: result name did not match any success marker.
	StatusNotActionable Status = "not_actionable"
	// StatusUnroutable: no binding and no fallback chat configured.
	StatusUnroutable Status = "unroutable"
	// StatusDelivered: exactly one notification went out (audio or text).
	StatusDelivered Status = "delivered"
	// StatusFailed: both the audio and the text fallback send failed.
	StatusFailed Status = "failed"
)
