package trigger

import (
	"encoding/json"
	"fmt"

	"github.com/noah-isme/lms-api/internal/models"
)

const (
	fieldType    = "type"
	fieldPayload = "payload"
)

// EncodeEvent renders evt as Redis stream entry values.
func EncodeEvent(evt models.EnrollmentEvent) (map[string]interface{}, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode enrollment event: %w", err)
	}
	return map[string]interface{}{
		fieldType:    string(evt.Type),
		fieldPayload: string(payload),
	}, nil
}

// DecodeEvent parses a Redis stream entry written by EncodeEvent.
func DecodeEvent(values map[string]interface{}) (models.EnrollmentEvent, error) {
	var evt models.EnrollmentEvent
	raw, ok := values[fieldPayload].(string)
	if !ok {
		return evt, fmt.Errorf("decode enrollment event: missing %s field", fieldPayload)
	}
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return evt, fmt.Errorf("decode enrollment event: %w", err)
	}
	if evt.Type == "" {
		if t, ok := values[fieldType].(string); ok {
			evt.Type = models.EnrollmentEventType(t)
		}
	}
	return evt, nil
}
