// Package event defines the JSON envelope exchanged over the sync channel
// and the names of every inbound and outbound event.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound events.
const (
	Play         = "play"
	Pause        = "pause"
	LoadTrack    = "load_track"
	VolumeChange = "volume_change"
	Seek         = "seek"
	SyncRequest  = "sync_request"
	Ping         = "ping"
)

// Outbound events. Play, Pause, LoadTrack, Seek and VolumeChange are echoed
// under their inbound names.
const (
	Sync       = "sync"
	UserJoined = "user_joined"
	UserLeft   = "user_left"
	Pong       = "pong"
	Error      = "error"
)

var ErrMalformed = errors.New("malformed message")

// Payload is the free-form body of an event.
type Payload map[string]any

// Clone returns a shallow copy that can be extended without touching p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Frame is one message on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an outbound event.
func Encode(name string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return json.Marshal(Frame{Event: name, Data: raw})
}

// Decode parses an inbound frame. A missing, null or non-object data field
// yields an empty payload.
func Decode(b []byte) (string, Payload, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Event == "" {
		return "", nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	}

	p := Payload{}
	if len(f.Data) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(f.Data, &obj); err == nil && obj != nil {
			p = obj
		}
	}
	return f.Event, p, nil
}
