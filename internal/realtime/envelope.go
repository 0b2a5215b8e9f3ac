package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope types sent by the backend. Unknown types are delivered unchanged.
const (
	TypeInitialData   = "initial_data"
	TypeUpdate        = "update"
	TypeStats         = "stats"
	TypeAlert         = "alert"
	TypeActivity      = "activity"
	TypeVisualization = "visualization"
)

// ErrMalformedFrame is returned by ParseEnvelope for frames that are not a JSON object.
var ErrMalformedFrame = errors.New("realtime: malformed frame")

// Envelope is one message received on a channel. Type determines the shape
// of the body; callers switch on it before decoding.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Body returns data when present, otherwise payload.
func (e Envelope) Body() json.RawMessage {
	if len(e.Data) > 0 && !isNull(e.Data) {
		return e.Data
	}
	return e.Payload
}

// ParseEnvelope decodes a text frame. Only JSON objects are envelopes.
func ParseEnvelope(frame []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, ErrMalformedFrame
	}
	// The whole frame must be valid, not only the fields that are decoded.
	if !json.Valid(trimmed) {
		return Envelope{}, fmt.Errorf("%w: invalid JSON", ErrMalformedFrame)
	}
	var env Envelope
	if err := jsonAPI.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// Decode unmarshals the envelope body into T.
func Decode[T any](env Envelope) (T, error) {
	var out T
	body := env.Body()
	if len(body) == 0 {
		return out, fmt.Errorf("realtime: %q envelope has no body", env.Type)
	}
	if err := jsonAPI.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("realtime: decode %q body: %w", env.Type, err)
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
