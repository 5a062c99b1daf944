// Package transport implements the UI channel: a bidirectional WebSocket
// carrying client commands in and turn-controller events out, on top of the
// same github.com/coder/websocket dependency the TTS client already uses.
package transport

import "time"

// ClientMessage is one inbound frame from the UI. Type selects which of the
// optional fields are meaningful; unused fields are omitted on the wire.
type ClientMessage struct {
	Type string `json:"type"`

	// start_session
	Config *SessionConfig `json:"config,omitempty"`

	// audio_frame
	Audio  []byte `json:"audio_bytes,omitempty"`
	Format string `json:"format,omitempty"`
}

// SessionConfig carries the optional per-session overrides start_session may
// specify. The server decodes it but does not apply it: every session runs
// with the server's own Config.
type SessionConfig struct {
	Locale string `json:"locale,omitempty"`
}

const (
	ClientAudioFrame            = "audio_frame"
	ClientStartSession          = "start_session"
	ClientStopSession           = "stop_session"
	ClientCancelCurrentResponse = "cancel_current_response"
)

// ServerMessage is one outbound frame to the UI, matching the orchestrator's
// event names exactly so a thin client can switch on Type without translation.
type ServerMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text,omitempty"`
	IsFinal   bool      `json:"is_final,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
	Audio     []byte    `json:"audio_bytes,omitempty"`
}

const (
	ServerTranscriptionUpdate = "transcription_update"
	ServerUserMessage         = "user_message"
	ServerAIResponse          = "ai_response"
	ServerSpeechStarted       = "speech_started"
	ServerSpeechEnded         = "speech_ended"
	ServerConversationCreated = "conversation_created"
	ServerStateChanged        = "state_changed"
	ServerAudioChunk          = "audio_chunk"
	ServerError               = "error"
)
