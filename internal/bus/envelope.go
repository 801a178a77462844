package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"crawlplane/internal/model"
)

// envelopeVersion is the wire format version on the backplane.
const envelopeVersion = 1

// Envelope is the JSON wire format for events on the backplane.
type Envelope struct {
	V       int               `json:"v"`
	Kind    string            `json:"kind"`
	TaskID  string            `json:"task_id"`
	Instant time.Time         `json:"instant"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// EncodeEnvelope renders an event as its wire form.
func EncodeEnvelope(ev model.Event) ([]byte, error) {
	return json.Marshal(Envelope{
		V:       envelopeVersion,
		Kind:    string(ev.Kind),
		TaskID:  ev.TaskID,
		Instant: ev.Instant.UTC(),
		Attrs:   ev.Attrs,
	})
}

// DecodeEnvelope parses a wire envelope back into an event.
func DecodeEnvelope(data []byte) (model.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Event{}, fmt.Errorf("bus: decode envelope: %w", err)
	}
	if env.V != envelopeVersion {
		return model.Event{}, fmt.Errorf("bus: unsupported envelope version %d", env.V)
	}
	return model.Event{
		TaskID:  env.TaskID,
		Kind:    model.EventKind(env.Kind),
		Instant: env.Instant.UTC(),
		Attrs:   env.Attrs,
	}, nil
}
