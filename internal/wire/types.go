// Package wire defines the on-the-wire envelope exchanged between a
// Channel and its peer process, and the little bit of self-describing
// structure (message type, ID formatting) needed to frame it.
package wire

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies what an Envelope carries.
type MessageType string

const (
	// MessageTypeRequest is a regular request envelope.
	MessageTypeRequest MessageType = "request"
	// MessageTypeResponse is a regular response envelope.
	MessageTypeResponse MessageType = "response"
	// MessageTypeCancellation is a control message asking the peer to
	// abandon work for a given request ID; the peer may ignore it, since
	// the Multiplexer already stops waiting locally regardless.
	MessageTypeCancellation MessageType = "cancellation"
)

// Envelope is the wire-level wrapper around a core Request/Response
// payload. ID is the hex encoding of the 16-byte request identifier
// (reqmux.ID), kept as a string here so the wire package has no
// dependency on the core package's types.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CancellationMessage signals to the peer that the caller has abandoned a
// request. Carried as an Envelope's Payload when Type is
// MessageTypeCancellation.
type CancellationMessage struct {
	Reason string `json:"reason"`
}

// NewRequestEnvelope wraps a request payload for transmission.
func NewRequestEnvelope(id string, payload []byte) *Envelope {
	return &Envelope{
		Type:    MessageTypeRequest,
		ID:      id,
		Payload: payload,
	}
}

// NewResponseEnvelope wraps a successful response payload.
func NewResponseEnvelope(id string, payload []byte) *Envelope {
	return &Envelope{
		Type:    MessageTypeResponse,
		ID:      id,
		OK:      true,
		Payload: payload,
	}
}

// NewErrorEnvelope wraps a peer-side failure for a given request ID.
func NewErrorEnvelope(id string, cause error) *Envelope {
	return &Envelope{
		Type:  MessageTypeResponse,
		ID:    id,
		OK:    false,
		Error: cause.Error(),
	}
}

// Marshal serializes the envelope to JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an envelope from JSON.
func (e *Envelope) Unmarshal(data []byte) error {
	return json.Unmarshal(data, e)
}

// AsError returns the carried failure, if this is a non-OK response
// envelope.
func (e *Envelope) AsError() error {
	if e.OK {
		return nil
	}
	if e.Error == "" {
		return fmt.Errorf("wire: unknown error")
	}
	return errors.New(e.Error)
}

// DecodeID decodes an envelope's hex-encoded ID back into 16 raw bytes.
func DecodeID(s string) ([16]byte, error) {
	var out [16]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("wire: invalid id %q: %w", s, err)
	}
	if len(b) != 16 {
		return out, fmt.Errorf("wire: invalid id %q: want 16 bytes, got %d", s, len(b))
	}
	copy(out[:], b)
	return out, nil
}
