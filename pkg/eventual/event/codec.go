package event

import (
	"encoding/json"
	"fmt"

	everrors "github.com/randalmurphal/eventual/pkg/eventual/errors"
)

// DecodeFunc turns a serialized event back into an Event.
type DecodeFunc func(body []byte) (Event, error)

// Marshal encodes evt with its metadata envelope.
func Marshal(evt Event) ([]byte, error) {
	if evt == nil {
		return nil, &everrors.SerializationError{Err: everrors.ErrNilEvent}
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, &everrors.SerializationError{EventType: evt.Type(), Err: err}
	}
	return body, nil
}

// Decoder returns a DecodeFunc for payload type T. The decoded envelope must
// carry eventType; anything else is rejected as a serialization error.
func Decoder[T any](eventType string) DecodeFunc {
	return func(body []byte) (Event, error) {
		var evt BaseEvent[T]
		if err := json.Unmarshal(body, &evt); err != nil {
			return nil, &everrors.SerializationError{EventType: eventType, Err: err}
		}
		if evt.Meta.EventType != eventType {
			return nil, &everrors.SerializationError{
				EventType: eventType,
				Err:       fmt.Errorf("envelope type %q does not match", evt.Meta.EventType),
			}
		}
		if evt.Meta.EventID == "" {
			return nil, &everrors.SerializationError{EventType: eventType, Err: fmt.Errorf("envelope has no id")}
		}
		return &evt, nil
	}
}

// PeekMetadata decodes only the envelope of body.
func PeekMetadata(body []byte) (Metadata, error) {
	var env struct {
		Meta Metadata `json:"metadata"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return Metadata{}, &everrors.SerializationError{Err: err}
	}
	return env.Meta, nil
}
