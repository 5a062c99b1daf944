package orchestrator

import "time"

// ConversationTurn is the record written to the external conversation-log
// collaborator. The core owns its creation and flag mutation; the log writer
// owns persistence.
type ConversationTurn struct {
	TurnNumber                  int
	UserText                    string
	AgentText                   string
	InterruptedDuringGeneration bool
	InterruptedDuringPlayback   bool
	ServedFromCache             bool
	ErrorFlag                   bool
	StartedAt                   time.Time
	EndedAt                     time.Time
}

// TurnLogWriter persists finished ConversationTurn records. Implementations
// are expected to be append-only and race-free when keyed by session id and
// turn number, as required by the concurrency model.
type TurnLogWriter interface {
	WriteTurn(sessionID string, turn ConversationTurn)
}

// NoOpTurnLog discards every turn. Useful for tests and for callers that
// don't need persistence.
type NoOpTurnLog struct{}

func (NoOpTurnLog) WriteTurn(string, ConversationTurn) {}

// LoggerTurnLog writes a one-line summary of each turn through a Logger, a
// reasonable default when no dedicated log store is wired up.
type LoggerTurnLog struct {
	Logger Logger
}

func (l *LoggerTurnLog) WriteTurn(sessionID string, turn ConversationTurn) {
	logger := l.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}
	logger.Info("turn recorded",
		"sessionID", sessionID,
		"turn", turn.TurnNumber,
		"interruptedDuringGeneration", turn.InterruptedDuringGeneration,
		"interruptedDuringPlayback", turn.InterruptedDuringPlayback,
		"servedFromCache", turn.ServedFromCache,
		"errorFlag", turn.ErrorFlag,
	)
}
