// Package protocol defines the race event envelope and payloads exchanged over WebSocket.
//
// Every frame is a JSON text message:
//
//	{"event": "progress-update", "data": {"room": "...", "progress": 42, "wpm": 61}}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessageSize is the largest inbound frame accepted from a client (4KB).
const MaxMessageSize = 4096

var ErrMalformed = errors.New("protocol: malformed message")

// Event names a message kind.
type Event string

// Client -> server.
const (
	EventFindMatch        Event = "find-match"
	EventProgressUpdate   Event = "progress-update"
	EventWinnerCompletion Event = "winner-completion"
	EventLoserCompletion  Event = "loser-completion"
)

// Server -> client.
const (
	EventWaiting          Event = "waiting"
	EventRaceStarted      Event = "race-started"
	EventOpponentProgress Event = "opponent-progress"
	EventRaceOver         Event = "race-over"
	EventRaceError        Event = "race-error"
)

// Envelope wraps every frame on the wire.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an event and its payload into a single frame.
// A nil payload produces a frame without a data field.
func Encode(event Event, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s: %w", event, err)
		}
		env.Data = data
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return out, nil
}

// Decode parses a frame into its envelope. The payload is left raw until Bind.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(frame))
	}
	env := &Envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return env, nil
}

// Bind unmarshals the envelope payload into v.
func (e *Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformed, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Event, err)
	}
	return nil
}
