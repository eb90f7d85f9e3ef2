package events

import (
	"encoding/json"

	nanoid "github.com/matoous/go-nanoid/v2"
)

type BaseEvent struct {
	EventID        string  `json:"event_id,omitempty"`
	Type           string  `json:"type"`
	PreviousItemID *string `json:"previous_item_id,omitempty"`
}

func NewBaseEvent(eventType string) BaseEvent {
	id, err := nanoid.New()
	if err != nil {
		panic(err)
	}
	return BaseEvent{
		EventID: id,
		Type:    eventType,
	}
}

// Parse decodes raw event JSON into the given event type.
func Parse[T any](data []byte) (*T, error) {
	var x T
	if err := json.Unmarshal(data, &x); err != nil {
		return nil, err
	}
	return &x, nil
}

// TypeOf extracts just the discriminating type field of a raw event.
func TypeOf(data []byte) (string, error) {
	var x struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &x); err != nil {
		return "", err
	}
	return x.Type, nil
}
