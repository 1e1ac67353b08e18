package webhook

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"call-relay/internal/pipeline"
)

// callResultPayload is the CRM call-result webhook body. Only the fields
// the pipeline consumes are decoded.
type callResultPayload struct {
	Call struct {
		ID         flexID `json:"id"`
		ScenarioID flexID `json:"scenario_id"`
		Phone      string `json:"phone"`
		StartedAt  string `json:"started_at"`
		Duration   int64  `json:"duration"`
		User       struct {
			Name string `json:"name"`
		} `json:"user"`
	} `json:"call"`
	CallResult struct {
		ResultName string `json:"result_name"`
		Comment    string `json:"comment"`
	} `json:"call_result"`
}

// flexID accepts identifiers delivered either as JSON numbers or as
// numeric strings; the CRM is not consistent across webhook kinds.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexID(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		*f = 0
		return nil
	}
	*f = flexID(n)
	return nil
}

// ParseCallEvent decodes a webhook body into a pipeline event. A decode
// failure yields a zero event, which the pipeline treats as irrelevant
// input rather than an error.
func ParseCallEvent(body []byte) pipeline.Event {
	var p callResultPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return pipeline.Event{}
	}

	ev := pipeline.Event{
		CallID:      int64(p.Call.ID),
		ScenarioID:  int64(p.Call.ScenarioID),
		ResultName:  p.CallResult.ResultName,
		ManagerName: p.Call.User.Name,
		Phone:       p.Call.Phone,
		Comment:     p.CallResult.Comment,
		Duration:    p.Call.Duration,
	}
	if p.Call.StartedAt != "" {
		if ts, err := time.Parse(time.RFC3339, p.Call.StartedAt); err == nil {
			ev.StartedAt = ts
		}
	}
	return ev
}
