package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"threadrelay/internal/domain"
	"threadrelay/internal/jobs"
)

var completionTypes = map[string]bool{
	"flow_finished": true,
	"crew_finished": true,
	"completion":    true,
}

type pushBody struct {
	Events []json.RawMessage `json:"events"`
}

type pushEvent struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id"`
	Data        struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	} `json:"data"`
}

// ParsePayload extracts the completion events from a webhook body. Events of
// other types are skipped silently. Completion events that cannot be read
// are reported as *domain.MalformedPushError and left out of the result.
func ParsePayload(body []byte) ([]domain.JobEvent, []error) {
	var pb pushBody
	if err := json.Unmarshal(body, &pb); err != nil {
		return nil, []error{&domain.MalformedPushError{Index: -1, Reason: "body is not a JSON object: " + err.Error()}}
	}

	now := time.Now()
	var events []domain.JobEvent
	var errs []error
	for i, raw := range pb.Events {
		var pe pushEvent
		if err := json.Unmarshal(raw, &pe); err != nil {
			errs = append(errs, &domain.MalformedPushError{Index: i, Reason: err.Error()})
			continue
		}
		if !completionTypes[pe.Type] {
			continue
		}
		if pe.ExecutionID == "" {
			errs = append(errs, &domain.MalformedPushError{Index: i, Reason: "missing execution_id"})
			continue
		}

		ev := domain.JobEvent{KickoffID: pe.ExecutionID, ReceivedAt: now}
		if detail := jsonText(pe.Data.Error); detail != "" {
			ev.Err = detail
			events = append(events, ev)
			continue
		}
		result := jsonText(pe.Data.Result)
		if result == "" {
			errs = append(errs, &domain.MalformedPushError{Index: i, Reason: "completion event has no result"})
			continue
		}
		res, err := jobs.ParseResult(result)
		if err != nil {
			errs = append(errs, &domain.MalformedPushError{Index: i, Reason: fmt.Sprintf("result for %s: %v", pe.ExecutionID, err)})
			continue
		}
		ev.Result = res
		events = append(events, ev)
	}
	return events, errs
}

// jsonText returns a JSON string's contents or the raw text of any other
// non-null value.
func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
