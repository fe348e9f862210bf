// Package events defines the closed set of stream events a voice session emits
// and their JSON wire form.
package events

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type Type string

const (
	TypeAudio        Type = "audio"
	TypeTranscript   Type = "transcript"
	TypeTurnComplete Type = "turn_complete"
	TypeError        Type = "error"
)

// Markers carried in the data field of synthetic turn_complete frames.
const (
	MarkerConnected    = "connected"
	MarkerSessionEnded = "session_ended"
)

// Transcript roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Event is implemented only by the types in this package.
type Event interface {
	EventType() Type
	isEvent()
}

// Audio is a chunk of agent speech as raw PCM.
type Audio struct {
	Data       []byte
	SampleRate int
}

// Transcript is partial or final text for the user's or the agent's speech.
type Transcript struct {
	Text  string
	Final bool
	Role  string
}

// TurnComplete closes an agent turn. Marker is set only on the synthetic
// frames the stream emits when it opens and when the session ends.
type TurnComplete struct {
	Interrupted bool
	Marker      string
}

// Error is terminal for the stream it appears on.
type Error struct {
	Message string
}

func (Audio) EventType() Type        { return TypeAudio }
func (Transcript) EventType() Type   { return TypeTranscript }
func (TurnComplete) EventType() Type { return TypeTurnComplete }
func (Error) EventType() Type        { return TypeError }

func (Audio) isEvent()        {}
func (Transcript) isEvent()   {}
func (TurnComplete) isEvent() {}
func (Error) isEvent()        {}

type audioFrame struct {
	Type       Type   `json:"type"`
	Data       string `json:"data"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type transcriptFrame struct {
	Type    Type   `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Role    string `json:"role,omitempty"`
}

type turnCompleteFrame struct {
	Type        Type   `json:"type"`
	Interrupted bool   `json:"interrupted"`
	Data        string `json:"data,omitempty"`
}

type errorFrame struct {
	Type  Type   `json:"type"`
	Error string `json:"error"`
}

// Encode renders ev as the JSON object carried by one stream frame.
func Encode(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case Audio:
		return json.Marshal(audioFrame{Type: TypeAudio, Data: base64.StdEncoding.EncodeToString(e.Data), SampleRate: e.SampleRate})
	case Transcript:
		return json.Marshal(transcriptFrame{Type: TypeTranscript, Text: e.Text, IsFinal: e.Final, Role: e.Role})
	case TurnComplete:
		return json.Marshal(turnCompleteFrame{Type: TypeTurnComplete, Interrupted: e.Interrupted, Data: e.Marker})
	case Error:
		return json.Marshal(errorFrame{Type: TypeError, Error: e.Message})
	case nil:
		return nil, fmt.Errorf("encode event: nil event")
	default:
		return nil, fmt.Errorf("encode event: unsupported type %T", ev)
	}
}

// Frame is the union of all wire fields, used when decoding.
type Frame struct {
	Type        Type   `json:"type"`
	Data        string `json:"data,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Text        string `json:"text,omitempty"`
	IsFinal     bool   `json:"is_final,omitempty"`
	Role        string `json:"role,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Decode parses one frame produced by Encode.
func Decode(raw []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return f.Event()
}

// Event converts the frame back into its typed event.
func (f Frame) Event() (Event, error) {
	switch Type(strings.TrimSpace(string(f.Type))) {
	case TypeAudio:
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return nil, fmt.Errorf("decode audio event: %w", err)
		}
		return Audio{Data: data, SampleRate: f.SampleRate}, nil
	case TypeTranscript:
		return Transcript{Text: f.Text, Final: f.IsFinal, Role: f.Role}, nil
	case TypeTurnComplete:
		return TurnComplete{Interrupted: f.Interrupted, Marker: f.Data}, nil
	case TypeError:
		return Error{Message: f.Error}, nil
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", f.Type)
	}
}
