package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/turnkeeper/pkg/orchestrator"
)

// Server hosts the UI channel over WebSocket: one connection is one
// Turn Controller session. It owns no audio hardware itself — audio_frame
// messages from the client feed the Recognition Adapter directly, and TTS
// output is streamed back the same way via remotePlayer.
type Server struct {
	orch    *orchestrator.Orchestrator
	cfg     orchestrator.Config
	logger  orchestrator.Logger
	turnLog orchestrator.TurnLogWriter

	mu       sync.Mutex
	sessions map[string]*liveSession
}

type liveSession struct {
	tc *orchestrator.TurnController
}

// NewServer wires orch's providers (via Orchestrator.NewTurnController) into
// a WebSocket host. turnLog may be nil for NoOpTurnLog.
func NewServer(orch *orchestrator.Orchestrator, cfg orchestrator.Config, logger orchestrator.Logger, turnLog orchestrator.TurnLogWriter) *Server {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Server{
		orch:     orch,
		cfg:      cfg,
		logger:   logger,
		turnLog:  turnLog,
		sessions: make(map[string]*liveSession),
	}
}

// ServeHTTP upgrades the connection and drains client messages until the
// socket closes or the client sends stop_session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	ctx := r.Context()
	sessionID := orchestrator.NewSessionID()
	session := orchestrator.NewConversationSession(sessionID)

	var sendMu sync.Mutex
	sendJSON := func(msg ServerMessage) {
		msg.SessionID = sessionID
		sendMu.Lock()
		defer sendMu.Unlock()
		_ = wsjson.Write(ctx, conn, msg)
	}

	player := newRemotePlayer(s.cfg.SampleRate, s.cfg.BytesPerSamp, func(chunk []byte) {
		sendJSON(ServerMessage{Type: ServerAudioChunk, Audio: chunk})
	})

	tc, err := s.orch.NewTurnController(sessionID, session, player, s.turnLog)
	if err != nil {
		sendJSON(ServerMessage{Type: ServerError, Error: err.Error()})
		return
	}

	locale := s.cfg.Language
	go s.relayEvents(tc, sendJSON)

	if err := tc.Start(locale); err != nil {
		sendJSON(ServerMessage{Type: ServerError, Error: err.Error()})
		return
	}
	defer tc.Close()

	s.register(sessionID, tc)
	defer s.unregister(sessionID)

	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		switch msg.Type {
		case ClientAudioFrame:
			tc.Write(msg.Audio)
		case ClientCancelCurrentResponse:
			tc.Interrupt()
		case ClientStopSession:
			return
		case ClientStartSession:
			// session already started on connect; nothing further to do.
		}
	}
}

func (s *Server) relayEvents(tc *orchestrator.TurnController, sendJSON func(ServerMessage)) {
	for ev := range tc.Events() {
		msg := ServerMessage{Timestamp: time.Now()}
		switch ev.Type {
		case orchestrator.TranscriptionUpdate:
			msg.Type = ServerTranscriptionUpdate
			msg.Text, _ = ev.Data.(string)
		case orchestrator.UserMessage:
			msg.Type = ServerUserMessage
			msg.Text, _ = ev.Data.(string)
		case orchestrator.AIResponse:
			msg.Type = ServerAIResponse
			msg.Text, _ = ev.Data.(string)
		case orchestrator.SpeechStarted:
			msg.Type = ServerSpeechStarted
		case orchestrator.SpeechEnded:
			msg.Type = ServerSpeechEnded
			if reason, ok := ev.Data.(string); ok {
				msg.Text = reason
			}
		case orchestrator.ConversationCreated:
			msg.Type = ServerConversationCreated
		case orchestrator.StateChanged:
			msg.Type = ServerStateChanged
			msg.State, _ = ev.Data.(string)
		case orchestrator.Interrupted:
			msg.Type = ServerStateChanged
			msg.State = "interrupted"
		case orchestrator.ErrorEvent:
			msg.Type = ServerError
			if err, ok := ev.Data.(error); ok {
				msg.Error = err.Error()
			}
		default:
			continue
		}
		sendJSON(msg)
	}
}

func (s *Server) register(id string, tc *orchestrator.TurnController) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &liveSession{tc: tc}
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// ActiveSessions reports how many live sessions are currently hosted.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
