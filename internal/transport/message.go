package transport

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrNotStructured is returned by Message.Decode for raw-text messages.
var ErrNotStructured = errors.New("message is not structured")

// Message is an inbound message. Messages that do not parse as JSON are
// still delivered, with Structured set to false.
type Message struct {
	Data       []byte
	Structured bool
}

func newMessage(data []byte) Message {
	trimmed := bytes.TrimSpace(data)
	structured := len(trimmed) > 0 &&
		(trimmed[0] == '{' || trimmed[0] == '[') &&
		json.Valid(trimmed)
	return Message{Data: data, Structured: structured}
}

// Text returns the message payload as a string.
func (m Message) Text() string {
	return string(m.Data)
}

// Decode unmarshals a structured message into v.
func (m Message) Decode(v any) error {
	if !m.Structured {
		return ErrNotStructured
	}
	return json.Unmarshal(m.Data, v)
}

// encodePayload returns the bytes to send for payload. Strings and byte
// slices are sent verbatim, everything else is encoded as JSON.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
