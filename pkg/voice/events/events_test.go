package events

import (
	"strings"
	"testing"
)

func TestEncode_WireShapes(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"audio", Audio{Data: []byte{0, 1, 2}, SampleRate: 48000}, `{"type":"audio","data":"AAEC","sample_rate":48000}`},
		{"partial transcript", Transcript{Text: "I feel", Role: RoleUser}, `{"type":"transcript","text":"I feel","is_final":false,"role":"user"}`},
		{"final transcript", Transcript{Text: "ok", Final: true}, `{"type":"transcript","text":"ok","is_final":true}`},
		{"connected marker", TurnComplete{Marker: MarkerConnected}, `{"type":"turn_complete","interrupted":false,"data":"connected"}`},
		{"interrupted", TurnComplete{Interrupted: true}, `{"type":"turn_complete","interrupted":true}`},
		{"error", Error{Message: "boom"}, `{"type":"error","error":"boom"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.ev)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("Encode=%s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncode_NilEvent(t *testing.T) {
	if _, err := Encode(nil); err == nil {
		t.Fatalf("expected error for nil event")
	}
}

func TestDecode_Audio(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"audio","data":"AAEC","sample_rate":24000}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	audio, ok := ev.(Audio)
	if !ok {
		t.Fatalf("event=%T, want Audio", ev)
	}
	if len(audio.Data) != 3 || audio.Data[2] != 2 || audio.SampleRate != 24000 {
		t.Fatalf("unexpected audio: %+v", audio)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []string{
		`{"type":"video"}`,
		`{"type":"audio","data":"***"}`,
		`not json`,
	}
	for _, raw := range tests {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("Decode(%q) expected error", raw)
		}
	}
}

func TestDecode_TurnCompleteMarker(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"turn_complete","interrupted":false,"data":"session_ended"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	tc, ok := ev.(TurnComplete)
	if !ok || tc.Marker != MarkerSessionEnded {
		t.Fatalf("event=%#v", ev)
	}
	if !strings.EqualFold(string(ev.EventType()), "turn_complete") {
		t.Fatalf("type=%q", ev.EventType())
	}
}
