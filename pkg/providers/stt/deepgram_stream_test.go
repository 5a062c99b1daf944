package stt

import (
	"encoding/json"
	"testing"

	"github.com/lokutor-ai/turnkeeper/pkg/orchestrator"
)

func TestJoinTranscript(t *testing.T) {
	cases := []struct {
		base, next, want string
	}{
		{"", "hello", "hello"},
		{"hello", "world", "hello world"},
		{"hello how are", "you", "hello how are you"},
	}
	for _, c := range cases {
		if got := joinTranscript(c.base, c.next); got != c.want {
			t.Errorf("joinTranscript(%q, %q) = %q, want %q", c.base, c.next, got, c.want)
		}
	}
}

func TestDeepgramStreamResultDecoding(t *testing.T) {
	raw := `{"is_final":true,"channel":{"alternatives":[{"transcript":"hello world"}]}}`

	var result deepgramStreamResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.IsFinal {
		t.Errorf("expected IsFinal=true")
	}
	if len(result.Channel.Alternatives) != 1 || result.Channel.Alternatives[0].Transcript != "hello world" {
		t.Errorf("unexpected alternatives: %+v", result.Channel.Alternatives)
	}
}

func TestDeepgramSTTImplementsStreaming(t *testing.T) {
	var s *DeepgramSTT = NewDeepgramSTT("k")
	var _ orchestrator.StreamingSTTProvider = s
	if s.Name() != "deepgram-stt" {
		t.Errorf("expected deepgram-stt, got %s", s.Name())
	}
}
