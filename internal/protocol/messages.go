// Package protocol defines the JSON text frames exchanged with the browser
// client. Binary frames carry raw audio in both directions and have no
// envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedFrame = errors.New("malformed text frame")

// MetadataEnvelope relays speech-to-text stream metadata to the client.
type MetadataEnvelope struct {
	Metadata json.RawMessage `json:"metadata"`
}

// ErrorEnvelope reports a session-fatal condition before the socket closes.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code   string `json:"code"`
	Source string `json:"source"`
	Detail string `json:"detail,omitempty"`
}

// EncodeReply encodes assistant reply text as a JSON string value.
func EncodeReply(text string) ([]byte, error) {
	return json.Marshal(text)
}

// EncodeMetadata wraps raw metadata in {"metadata": ...}. Invalid JSON is
// carried as a string so the frame itself stays valid.
func EncodeMetadata(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		raw = []byte("null")
	}
	if !json.Valid(raw) {
		quoted, err := json.Marshal(string(raw))
		if err != nil {
			return nil, err
		}
		raw = quoted
	}
	return json.Marshal(MetadataEnvelope{Metadata: raw})
}

func EncodeError(code, source, detail string) ([]byte, error) {
	return json.Marshal(ErrorEnvelope{Error: ErrorBody{Code: code, Source: source, Detail: detail}})
}

// DecodeClientText validates an inbound text frame. The relay does not act on
// client text today, but frames must still be well-formed JSON.
func DecodeClientText(raw []byte) (json.RawMessage, error) {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(raw))
	}
	return json.RawMessage(raw), nil
}
