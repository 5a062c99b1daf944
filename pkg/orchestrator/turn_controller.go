package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
)

// TurnState is one of the three states the Turn Controller occupies.
type TurnState string

const (
	StateListening  TurnState = "listening"
	StateGenerating TurnState = "generating"
	StateSpeaking   TurnState = "speaking"
)

type ieKind int

const (
	ieTranscription ieKind = iota
	ieCascadeFire
	ieReplyReady
	iePlaybackBegin
	iePlaybackEnd
	ieCancelCommand
	iePlaybackTimeout
	ieDebounceFire
)

// inboxEvent is the single wire format for everything the Turn Controller's
// run loop consumes: transcription updates, cascade fires, pipeline signals,
// external commands and internal timer fires. Funneling all of it through one
// channel (rather than a select across several) keeps "whoever got enqueued
// first wins" well defined instead of relying on Go's pseudo-random choice
// among several ready channels.
type inboxEvent struct {
	kind ieKind

	text          string
	isFinal       bool
	transcriptErr error

	fire cascadeFire

	pbReason PlaybackReason

	turnGen int
}

// TurnController is the hard core of the orchestrator: the state machine that
// decides, from a stream of transcription events and timer fires, when to
// start generating a reply, when a half-formed reply should be interrupted,
// and when audio should stop. Every field below state is owned exclusively
// by run(); nothing
// outside the run loop ever reads or writes it, which is what makes the rules
// race-free without needing a lock around the state machine itself.
type TurnController struct {
	id      string
	session *ConversationSession
	recog   *RecognitionAdapter
	pipeline *ResponsePipeline
	cache   *responseCache
	cascade *timerCascade
	cfg     Config
	logger  Logger
	turnLog TurnLogWriter

	events chan OrchestratorEvent

	inbox        chan inboxEvent
	cascadeFires chan cascadeFire

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	// --- single-writer state, touched only inside run() ---
	state                TurnState
	latestTranscription  string
	wordCountNow         int
	anchor               int
	turnNumber           int
	currentTurn          *ConversationTurn
	pipelineCancel       context.CancelFunc
	lastTransientRestart time.Time

	debounceTimer *time.Timer
	debouncePend  string

	// --- diagnostics timestamps, guarded separately since GetLatency et al.
	// are read from outside run() (logging/metrics code) ---
	latMu             sync.Mutex
	turnStartTime     time.Time
	llmStartTime      time.Time
	llmEndTime        time.Time
	ttsStartTime      time.Time
	ttsEndTime        time.Time
	botSpeakStartTime time.Time
	lastAudioSentAt   time.Time
}

// NewTurnController wires the Recognition Adapter, Response Pipeline,
// response cache and timer cascade into one state machine for session id.
func NewTurnController(
	id string,
	session *ConversationSession,
	recog *RecognitionAdapter,
	llm LLMProvider,
	tts TTSProvider,
	player AudioPlayer,
	cfg Config,
	logger Logger,
	turnLog TurnLogWriter,
) *TurnController {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if turnLog == nil {
		turnLog = &NoOpTurnLog{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cascadeFires := make(chan cascadeFire, 8)

	tc := &TurnController{
		id:           id,
		session:      session,
		recog:        recog,
		pipeline:     NewResponsePipeline(llm, tts, player, cfg.LLMCancelBudget, logger),
		cache:        newResponseCache(cfg.CacheTTL),
		cascade:      newTimerCascade(cfg.TLLM, cfg.TTSStage, cfg.TPlay, cascadeFires),
		cfg:          cfg,
		logger:       logger,
		turnLog:      turnLog,
		events:       make(chan OrchestratorEvent, 64),
		inbox:        make(chan inboxEvent, 64),
		cascadeFires: cascadeFires,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        StateListening,
	}
	return tc
}

// Events returns the outbound event stream (UI channel / CLI demo consume
// this directly).
func (tc *TurnController) Events() <-chan OrchestratorEvent {
	return tc.events
}

// Start begins recognition and the controller's run loop.
func (tc *TurnController) Start(locale Language) error {
	if err := tc.recog.Start(tc.ctx, locale, func(text string, isFinal bool, err error) {
		tc.post(inboxEvent{kind: ieTranscription, text: text, isFinal: isFinal, transcriptErr: err})
	}); err != nil {
		return err
	}

	go tc.relayCascadeFires()
	go tc.run()

	tc.emit(ConversationCreated, tc.id)
	return nil
}

func (tc *TurnController) relayCascadeFires() {
	for {
		select {
		case fire := <-tc.cascadeFires:
			tc.post(inboxEvent{kind: ieCascadeFire, fire: fire})
		case <-tc.ctx.Done():
			return
		}
	}
}

func (tc *TurnController) post(ev inboxEvent) {
	select {
	case tc.inbox <- ev:
	case <-tc.ctx.Done():
	}
}

// Interrupt is the external "cancel_current_response" command from the UI
// channel.
func (tc *TurnController) Interrupt() {
	tc.post(inboxEvent{kind: ieCancelCommand})
}

// Write feeds one captured PCM chunk into the active recognition session.
func (tc *TurnController) Write(chunk []byte) {
	tc.recog.Write(chunk)
}

func (tc *TurnController) run() {
	defer close(tc.done)
	idle := time.NewTimer(tc.cfg.SessionIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-tc.ctx.Done():
			return
		case ev := <-tc.inbox:
			if ev.kind == ieTranscription {
				resetIdleTimer(idle, tc.cfg.SessionIdleTimeout)
			}
			tc.handle(ev)
		case <-idle.C:
			tc.logger.Info("session idle, closing", "sessionID", tc.id)
			tc.Close()
			return
		}
	}
}

func resetIdleTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (tc *TurnController) handle(ev inboxEvent) {
	switch ev.kind {
	case ieTranscription:
		tc.onTranscription(ev.text, ev.isFinal, ev.transcriptErr)
	case ieCascadeFire:
		tc.onCascadeFire(ev.fire)
	case ieReplyReady:
		tc.onReplyReady(ev.text)
	case iePlaybackBegin:
		tc.onPlaybackBegin()
	case iePlaybackEnd:
		tc.onPlaybackEnd(ev.pbReason)
	case ieCancelCommand:
		tc.onCancelCommand()
	case iePlaybackTimeout:
		if tc.state == StateGenerating && ev.turnGen == tc.turnNumber {
			tc.onPlaybackTimeout()
		}
	case ieDebounceFire:
		tc.emit(TranscriptionUpdate, tc.debouncePend)
	}
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

// onTranscription: every non-empty event resets the cascade while
// Listening; during Generating/Speaking only a word-count jump big enough to
// clear InterruptWordDelta counts as a real interruption.
func (tc *TurnController) onTranscription(text string, isFinal bool, err error) {
	if err != nil {
		if _, ok := err.(*RecognitionTransientError); ok {
			tc.handleRecognitionTransientError()
		}
		return
	}

	tc.scheduleDebounce(text)

	switch tc.state {
	case StateListening:
		tc.latestTranscription = text
		tc.wordCountNow = countWords(text)
		if text != "" {
			tc.cascade.reset()
		}

	case StateGenerating:
		wc := countWords(text)
		if wc-tc.anchor >= tc.cfg.InterruptWordDelta {
			tc.interruptDuringGeneration()
			tc.latestTranscription = text
			tc.wordCountNow = wc
			if text != "" {
				tc.cascade.reset()
			}
		}

	case StateSpeaking:
		wc := countWords(text)
		if wc-tc.anchor >= tc.cfg.InterruptWordDelta {
			tc.interruptDuringPlayback()
			tc.latestTranscription = text
			tc.wordCountNow = wc
			if text != "" {
				tc.cascade.reset()
			}
		}
	}
}

func (tc *TurnController) scheduleDebounce(text string) {
	tc.debouncePend = text
	if tc.debounceTimer == nil {
		tc.debounceTimer = time.AfterFunc(tc.cfg.DebounceInterval, func() {
			tc.post(inboxEvent{kind: ieDebounceFire})
		})
		return
	}
	tc.debounceTimer.Reset(tc.cfg.DebounceInterval)
}

// onCascadeFire: only stageLLM carries a hard action, and only while
// Listening with a non-empty latest transcription — zero-word or
// punctuation-only events must not trigger generation.
func (tc *TurnController) onCascadeFire(fire cascadeFire) {
	if fire.generation != tc.cascade.currentGeneration() {
		return
	}
	if fire.stage != stageLLM {
		return
	}
	if tc.state != StateListening {
		return
	}
	userText := tc.latestTranscription
	if strings.IndexFunc(userText, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) < 0 {
		return
	}

	tc.anchor = tc.wordCountNow
	tc.turnNumber++
	turn := &ConversationTurn{TurnNumber: tc.turnNumber, UserText: userText, StartedAt: time.Now()}
	tc.currentTurn = turn

	tc.beginTurnBoundary()

	tc.latMu.Lock()
	tc.llmStartTime = time.Time{}
	tc.llmEndTime = time.Time{}
	tc.ttsStartTime = time.Time{}
	tc.ttsEndTime = time.Time{}
	tc.botSpeakStartTime = time.Time{}
	tc.lastAudioSentAt = time.Time{}
	tc.turnStartTime = time.Now()
	tc.latMu.Unlock()

	tc.session.AddMessage("user", userText)
	tc.emit(UserMessage, userText)

	if cached, ok := tc.cache.take(time.Now()); ok {
		turn.ServedFromCache = true
		tc.state = StateSpeaking
		tc.emit(StateChanged, string(tc.state))
		tc.playCachedReply(cached)
		return
	}

	tc.state = StateGenerating
	tc.emit(StateChanged, string(tc.state))
	tc.launchPipeline(userText)
}

// beginTurnBoundary clears the Listening-phase accumulation and stops the
// cascade. Called when a turn starts (cascade fire) and again when it ends
// (completion, pipeline error, playback timeout or interrupt).
func (tc *TurnController) beginTurnBoundary() {
	tc.latestTranscription = ""
	tc.wordCountNow = 0
	tc.cascade.stop()
}

// clearCaptureForNextTurn discards the audio-export buffer once a turn has
// fully ended and the controller is back in Listening, so the next turn's
// export reflects only that turn's own utterance rather than bleeding over
// from the one just finished. Latency timestamps are deliberately left
// alone here — GetLatency/GetLatencyBreakdown/GetEndToEndLatency report on
// the turn that just ended until the next one overwrites them in
// onCascadeFire, letting a caller log or poll them after SpeechEnded.
func (tc *TurnController) clearCaptureForNextTurn() {
	tc.recog.ClearLastUserAudio()
}

func (tc *TurnController) launchPipeline(userText string) {
	tc.latMu.Lock()
	tc.llmStartTime = time.Now()
	tc.latMu.Unlock()

	tc.pipeline.ResetReplyText()
	ctx, cancel := context.WithCancel(tc.ctx)
	tc.pipelineCancel = cancel
	history := tc.session.GetContextCopy()
	turnGen := tc.turnNumber
	go tc.pipeline.Run(ctx, history, userText, tc.makeSignals())
	time.AfterFunc(tc.cfg.PlaybackReadyWait, func() {
		tc.post(inboxEvent{kind: iePlaybackTimeout, turnGen: turnGen})
	})
}

func (tc *TurnController) playCachedReply(text string) {
	ctx, cancel := context.WithCancel(tc.ctx)
	tc.pipelineCancel = cancel
	go tc.pipeline.RunFromText(ctx, text, tc.makeSignals())
}

func (tc *TurnController) makeSignals() PipelineSignals {
	return PipelineSignals{
		ReplyReady:  func(text string) { tc.post(inboxEvent{kind: ieReplyReady, text: text}) },
		PlaybackBeg: func() { tc.post(inboxEvent{kind: iePlaybackBegin}) },
		PlaybackEnd: func(reason PlaybackReason) { tc.post(inboxEvent{kind: iePlaybackEnd, pbReason: reason}) },
	}
}

func (tc *TurnController) onReplyReady(text string) {
	if tc.state != StateGenerating && tc.state != StateSpeaking {
		// The reply raced an interrupt and lost. It is still the freshest
		// answer to the interrupted turn, so it supersedes whatever partial
		// text was seeded into the cache slot — but only while that slot is
		// within TTL. With no live slot it is simply dropped.
		if tc.cache.updateText(text, time.Now()) {
			tc.logger.Debug("late reply updated cache slot", "sessionID", tc.id)
		}
		return
	}
	tc.latMu.Lock()
	tc.llmEndTime = time.Now()
	tc.ttsStartTime = tc.llmEndTime
	tc.latMu.Unlock()
	if tc.currentTurn != nil {
		tc.currentTurn.AgentText = text
	}
	// A cache-served replay re-announces the same text the interrupted turn
	// already recorded; don't double it into the LLM context.
	if tc.session.GetLastAssistant() != text {
		tc.session.AddMessage("assistant", text)
	}
	tc.emit(AIResponse, text)
}

func (tc *TurnController) onPlaybackBegin() {
	if tc.state == StateListening {
		tc.logger.Warn("dropping impossible event", "error", &StateError{State: string(tc.state), Event: "playback_begin"})
		return
	}
	tc.latMu.Lock()
	now := time.Now()
	tc.ttsEndTime = now
	tc.botSpeakStartTime = now
	tc.lastAudioSentAt = now
	tc.latMu.Unlock()

	if tc.state == StateGenerating {
		tc.state = StateSpeaking
	}
	tc.emit(SpeechStarted, nil)
	tc.emit(StateChanged, string(tc.state))
}

func (tc *TurnController) onPlaybackEnd(reason PlaybackReason) {
	switch reason {
	case PlaybackCompleted:
		tc.finishTurnNormally()
	case PlaybackError:
		tc.handlePipelineError()
	case PlaybackStoppedByInterrupt:
		// state transition already handled by the interrupt path that caused
		// this signal; nothing further to do.
	}
	tc.emit(SpeechEnded, string(reason))
}

func (tc *TurnController) finishTurnNormally() {
	if tc.currentTurn != nil {
		tc.currentTurn.EndedAt = time.Now()
		tc.turnLog.WriteTurn(tc.id, *tc.currentTurn)
		tc.currentTurn = nil
	}
	tc.beginTurnBoundary()
	tc.clearCaptureForNextTurn()
	tc.state = StateListening
	tc.emit(StateChanged, string(tc.state))
	tc.postTurnRecognitionReset()
}

func (tc *TurnController) handlePipelineError() {
	tc.emit(ErrorEvent, &PipelineError{Stage: "response", Cause: ErrLLMFailed})
	if tc.currentTurn != nil {
		tc.currentTurn.ErrorFlag = true
		tc.currentTurn.EndedAt = time.Now()
		tc.turnLog.WriteTurn(tc.id, *tc.currentTurn)
		tc.currentTurn = nil
	}
	tc.beginTurnBoundary()
	tc.clearCaptureForNextTurn()
	tc.state = StateListening
	tc.emit(StateChanged, string(tc.state))
}

func (tc *TurnController) onPlaybackTimeout() {
	tc.logger.Warn("playback did not begin in time", "sessionID", tc.id, "waited", tc.cfg.PlaybackReadyWait)
	tc.cancelPipeline()
	if tc.currentTurn != nil {
		tc.currentTurn.ErrorFlag = true
		tc.currentTurn.EndedAt = time.Now()
		tc.turnLog.WriteTurn(tc.id, *tc.currentTurn)
		tc.currentTurn = nil
	}
	tc.beginTurnBoundary()
	tc.clearCaptureForNextTurn()
	tc.state = StateListening
	tc.emit(ErrorEvent, &PlaybackTimeoutError{Waited: tc.cfg.PlaybackReadyWait.String()})
	tc.emit(StateChanged, string(tc.state))
}

// interruptDuringGeneration caches whatever reply text exists so far, then
// cancels. Caching happens before cancelling so a fast-finishing LLM call
// racing the cancel still gets its partial/complete text preserved.
func (tc *TurnController) interruptDuringGeneration() {
	if text := tc.pipeline.LastReplyText(); text != "" {
		tc.cache.set(text, time.Now())
	}
	if tc.currentTurn != nil {
		tc.currentTurn.InterruptedDuringGeneration = true
		tc.currentTurn.EndedAt = time.Now()
		tc.turnLog.WriteTurn(tc.id, *tc.currentTurn)
		tc.currentTurn = nil
	}
	tc.cancelPipeline()
	tc.beginTurnBoundary()
	tc.clearCaptureForNextTurn()
	tc.state = StateListening
	tc.emit(Interrupted, nil)
	tc.emit(StateChanged, string(tc.state))
}

// interruptDuringPlayback stops audio immediately, no caching — once
// speech has started playing, the reply has already been delivered in part,
// so there is nothing useful left to replay later.
func (tc *TurnController) interruptDuringPlayback() {
	if tc.currentTurn != nil {
		tc.currentTurn.InterruptedDuringPlayback = true
		tc.currentTurn.EndedAt = time.Now()
		tc.turnLog.WriteTurn(tc.id, *tc.currentTurn)
		tc.currentTurn = nil
	}
	tc.cancelPipeline()
	tc.beginTurnBoundary()
	tc.clearCaptureForNextTurn()
	tc.state = StateListening
	tc.emit(Interrupted, nil)
	tc.emit(StateChanged, string(tc.state))
	tc.postTurnRecognitionReset()
}

func (tc *TurnController) cancelPipeline() {
	if tc.pipelineCancel != nil {
		tc.pipelineCancel()
		tc.pipelineCancel = nil
	}
	tc.pipeline.Cancel()
}

// onCancelCommand is the explicit "cancel_current_response" UI command: it
// must land the controller back in Listening regardless of which state it
// arrived in.
func (tc *TurnController) onCancelCommand() {
	switch tc.state {
	case StateGenerating:
		tc.interruptDuringGeneration()
	case StateSpeaking:
		tc.interruptDuringPlayback()
	}
}

// postTurnRecognitionReset restarts recognition after a turn during which TTS
// played, so the new recognition session starts with a clean slate instead of
// inheriting ASR context bled over from the agent's own speech.
func (tc *TurnController) postTurnRecognitionReset() {
	go func() {
		if err := tc.recog.Restart(tc.ctx); err != nil {
			tc.logger.Error("recognition restart failed", "error", err)
		}
	}()
}

// handleRecognitionTransientError implements the dropout policy: restart once; if
// recognition fails again within 2s of the first restart, the dropout is
// treated as fatal and the session is closed.
func (tc *TurnController) handleRecognitionTransientError() {
	now := time.Now()
	if !tc.lastTransientRestart.IsZero() && now.Sub(tc.lastTransientRestart) < 2*time.Second {
		tc.emit(ErrorEvent, &RecognitionFatalError{Cause: ErrTranscriptionFailed})
		tc.Close()
		return
	}
	tc.lastTransientRestart = now
	go func() {
		if err := tc.recog.Restart(tc.ctx); err != nil {
			tc.logger.Error("recognition restart after transient error failed", "error", err)
		}
	}()
}

func (tc *TurnController) emit(t EventType, data interface{}) {
	defer func() { recover() }() // guards a send racing Close()'s channel close
	select {
	case tc.events <- OrchestratorEvent{Type: t, SessionID: tc.id, Data: data}:
	default:
	}
}

// Close tears the controller down: cancels any in-flight pipeline, stops the
// cascade and recognition, and ends the run loop.
func (tc *TurnController) Close() {
	tc.closeOnce.Do(func() {
		tc.cancelPipeline()
		tc.cascade.stop()
		if tc.debounceTimer != nil {
			tc.debounceTimer.Stop()
		}
		tc.recog.Stop()
		tc.cancel()
		close(tc.events)
	})
}

// Wait blocks until the run loop has exited.
func (tc *TurnController) Wait() {
	<-tc.done
}

// State reports the controller's current state. Exposed for tests and
// diagnostics only — production code should react to emitted events, not
// poll state.
func (tc *TurnController) State() TurnState {
	return tc.state
}

// LatencyBreakdown is a per-turn timing report for logging/metrics. Every
// field is whole milliseconds (truncated); a field is 0 if the turn hasn't
// reached that stage yet (or, for the idle-session case, hasn't started at
// all), and also when the stage took less than 1 ms.
//
// This architecture has no separate batch-STT stage: ASR runs continuously
// and the cascade fire substitutes for "user stopped speaking", so UserToSTT and
// STT are always 0 rather than reflecting a real transcription step. A
// cache-served turn makes no LLM call: UserToLLM then measures the time until
// the cached text is re-announced, and LLM stays 0.
type LatencyBreakdown struct {
	UserToSTT          int64
	STT                int64
	UserToLLM          int64
	LLM                int64
	UserToTTSFirstByte int64
	LLMToTTSFirstByte  int64
	TTSTotal           int64
	BotStartLatency    int64
	UserToPlay         int64
}

// GetLatency returns milliseconds from the turn's start (the decision to
// begin responding) to the moment the bot started playing audio, truncated to
// whole milliseconds. Returns 0 before the first turn, while the current turn
// has not reached playback, or when that span is under 1 ms. After a turn
// ends, the ended turn's value is kept until the next turn starts.
func (tc *TurnController) GetLatency() int64 {
	tc.latMu.Lock()
	defer tc.latMu.Unlock()
	if tc.turnStartTime.IsZero() || tc.botSpeakStartTime.IsZero() {
		return 0
	}
	return tc.botSpeakStartTime.Sub(tc.turnStartTime).Milliseconds()
}

// GetEndToEndLatency returns milliseconds from turn start to the last audio
// handed to the player. Player.Play takes the whole reply buffer in one
// call rather than streamed chunks, so in this implementation that instant
// coincides with GetLatency's playback-begin timestamp.
func (tc *TurnController) GetEndToEndLatency() int64 {
	tc.latMu.Lock()
	defer tc.latMu.Unlock()
	if tc.turnStartTime.IsZero() || tc.lastAudioSentAt.IsZero() {
		return 0
	}
	return tc.lastAudioSentAt.Sub(tc.turnStartTime).Milliseconds()
}

// GetLatencyBreakdown reports each measured stage of the most recent (or
// current) turn.
func (tc *TurnController) GetLatencyBreakdown() LatencyBreakdown {
	tc.latMu.Lock()
	defer tc.latMu.Unlock()

	var bd LatencyBreakdown
	if tc.turnStartTime.IsZero() {
		return bd
	}
	if !tc.llmEndTime.IsZero() {
		bd.UserToLLM = tc.llmEndTime.Sub(tc.turnStartTime).Milliseconds()
	}
	if !tc.llmStartTime.IsZero() && !tc.llmEndTime.IsZero() {
		bd.LLM = tc.llmEndTime.Sub(tc.llmStartTime).Milliseconds()
	}
	if !tc.ttsEndTime.IsZero() {
		bd.UserToTTSFirstByte = tc.ttsEndTime.Sub(tc.turnStartTime).Milliseconds()
	}
	if !tc.llmEndTime.IsZero() && !tc.ttsEndTime.IsZero() {
		bd.LLMToTTSFirstByte = tc.ttsEndTime.Sub(tc.llmEndTime).Milliseconds()
	}
	if !tc.ttsStartTime.IsZero() && !tc.ttsEndTime.IsZero() {
		bd.TTSTotal = tc.ttsEndTime.Sub(tc.ttsStartTime).Milliseconds()
	}
	if !tc.botSpeakStartTime.IsZero() {
		bd.BotStartLatency = tc.botSpeakStartTime.Sub(tc.turnStartTime).Milliseconds()
	}
	if !tc.lastAudioSentAt.IsZero() {
		bd.UserToPlay = tc.lastAudioSentAt.Sub(tc.turnStartTime).Milliseconds()
	}
	return bd
}

// EchoSuppressor returns the software echo-suppression layer under this
// controller's recognition path, if one is configured. Callers that own the
// playback device wire its output tap to RecordPlayedAudio on this instance
// so the suppressor sees what was actually played.
func (tc *TurnController) EchoSuppressor() *EchoSuppressor {
	return tc.recog.Echo()
}

// ExportLastUserAudio returns the raw and echo-suppressed audio captured
// for the turn currently (or most recently) in flight. See
// RecognitionAdapter.ExportLastUserAudio.
func (tc *TurnController) ExportLastUserAudio() (raw []byte, processed []byte) {
	return tc.recog.ExportLastUserAudio()
}
