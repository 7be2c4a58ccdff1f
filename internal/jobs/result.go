package jobs

import (
	"encoding/json"
	"errors"
	"strings"

	"threadrelay/internal/domain"
)

// ParseResult decodes a terminal job payload. The engine reports
// {"response": ..., "id": ...} either as an object or as a JSON-encoded
// string; a payload that is not JSON at all is taken as the response text.
func ParseResult(raw string) (domain.JobResult, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.JobResult{}, errors.New("empty job result")
	}

	var fields struct {
		Response       *string `json:"response"`
		ID             string  `json:"id"`
		ConversationID string  `json:"conversation_id"`
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		var inner string
		if json.Unmarshal([]byte(raw), &inner) == nil {
			return ParseResult(inner)
		}
		if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
			return domain.JobResult{}, errors.New("job result is not an object")
		}
		return domain.JobResult{Response: raw}, nil
	}
	if fields.Response == nil {
		return domain.JobResult{}, errors.New("job result has no response field")
	}

	res := domain.JobResult{Response: *fields.Response, ConversationID: fields.ConversationID}
	if res.ConversationID == "" {
		res.ConversationID = fields.ID
	}
	return res, nil
}
