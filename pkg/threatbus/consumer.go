package threatbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"guardian/pkg/models"
)

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// DecodeThreatEvent parses a bus message into a threat event and rejects
// payloads the pipeline cannot act on. Rejected messages are poison: the
// caller logs and skips them, it never retries.
func DecodeThreatEvent(msg Message) (models.ThreatEvent, error) {
	var evt models.ThreatEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return models.ThreatEvent{}, fmt.Errorf("decode threat event: %w", err)
	}
	evt.FamilyID = strings.TrimSpace(evt.FamilyID)
	evt.DeviceID = strings.TrimSpace(evt.DeviceID)
	evt.IncidentType = strings.TrimSpace(evt.IncidentType)
	if evt.FamilyID == "" {
		return models.ThreatEvent{}, fmt.Errorf("threat event missing family_id")
	}
	if evt.DeviceID == "" {
		return models.ThreatEvent{}, fmt.Errorf("threat event missing device_id")
	}
	if evt.IncidentType == "" {
		return models.ThreatEvent{}, fmt.Errorf("threat event missing incident_type")
	}
	if !models.ValidSeverity(evt.Severity) {
		return models.ThreatEvent{}, fmt.Errorf("threat event has unknown severity %q", evt.Severity)
	}
	return evt, nil
}
