package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// testConfig scales every cascade/debounce/cache duration down so the state
// machine's real timers drive these tests in milliseconds instead of
// seconds, without changing any of its logic.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TLLM = 20 * time.Millisecond
	cfg.TTSStage = 30 * time.Millisecond
	cfg.TPlay = 40 * time.Millisecond
	cfg.DebounceInterval = 5 * time.Millisecond
	cfg.PlaybackReadyWait = 500 * time.Millisecond
	cfg.SessionIdleTimeout = 2 * time.Second
	cfg.CacheTTL = 60 * time.Millisecond
	cfg.InterruptWordDelta = 2
	cfg.RestartFlushDelay = 0
	cfg.EchoSuppressionEnabled = false
	return cfg
}

// countingLLM tracks how many times Complete was invoked, used to assert a
// cache-served turn never calls back into the LLM.
type countingLLM struct {
	result string
	err    error
	calls  int32
}

func (c *countingLLM) Complete(ctx context.Context, messages []Message) (string, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.result, c.err
}
func (c *countingLLM) Name() string { return "countingLLM" }
func (c *countingLLM) callCount() int32 { return atomic.LoadInt32(&c.calls) }

func newTestController(t *testing.T, llm LLMProvider, tts TTSProvider, player AudioPlayer, cfg Config) (*TurnController, *fakeStreamingSTT) {
	t.Helper()
	stt := &fakeStreamingSTT{}
	recog := NewRecognitionAdapter(stt, nil, cfg.RestartFlushDelay, nil)
	session := NewConversationSession("test-user")
	tc := NewTurnController(NewSessionID(), session, recog, llm, tts, player, cfg, nil, nil)
	if err := tc.Start(LanguageEn); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(tc.Close)
	return tc, stt
}

// collectEvents forwards every event off tc's output channel into a
// buffered channel the test can poll without worrying about tc.emit's
// non-blocking send dropping anything the test cares about.
func collectEvents(tc *TurnController) <-chan OrchestratorEvent {
	out := make(chan OrchestratorEvent, 256)
	go func() {
		for ev := range tc.Events() {
			select {
			case out <- ev:
			default:
			}
		}
	}()
	return out
}

func waitForEvent(t *testing.T, ch <-chan OrchestratorEvent, want EventType, timeout time.Duration) OrchestratorEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", want)
		}
	}
}

func expectNoEvent(t *testing.T, ch <-chan OrchestratorEvent, unwanted EventType, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev := <-ch:
			if ev.Type == unwanted {
				t.Fatalf("unexpected event %q", unwanted)
			}
		case <-deadline:
			return
		}
	}
}

func waitForState(t *testing.T, tc *TurnController, want TurnState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tc.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, last seen %q", want, tc.State())
}

// --- clean turn ---

func TestScenarioCleanTurn(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "hi there"}
	tts := &MockTTSProvider{synthesizeResult: []byte{1, 2, 3, 4}}
	player := newFakePlayer()
	tc, stt := newTestController(t, llm, tts, player, testConfig())
	events := collectEvents(tc)

	stt.say("hello there", false)

	waitForEvent(t, events, UserMessage, time.Second)
	waitForEvent(t, events, AIResponse, time.Second)
	waitForEvent(t, events, SpeechStarted, time.Second)
	waitForEvent(t, events, SpeechEnded, time.Second)
	waitForState(t, tc, StateListening, time.Second)

	if player.playCalls() != 1 {
		t.Fatalf("expected exactly one Play call for a clean turn, got %d", player.playCalls())
	}
}

// --- interrupt during generation, reply served from cache next turn ---

func TestScenarioInterruptDuringGenerationServesFromCache(t *testing.T) {
	llm := &countingLLM{result: "cached reply"}
	tts := &countingTTS{result: []byte{9, 9}, gate: make(chan struct{})}
	player := newFakePlayer()
	tc, stt := newTestController(t, llm, tts, player, testConfig())
	events := collectEvents(tc)

	stt.say("first turn", false)
	waitForState(t, tc, StateGenerating, time.Second)
	time.Sleep(10 * time.Millisecond) // let the LLM call land before interrupting

	// A word-count jump >= InterruptWordDelta while Generating is an interrupt.
	stt.say("first turn plus two more", false)

	waitForEvent(t, events, Interrupted, time.Second)
	waitForState(t, tc, StateListening, time.Second)

	if llm.callCount() != 1 {
		t.Fatalf("expected exactly one LLM call before the interrupt, got %d", llm.callCount())
	}

	// Unblock any TTS call still gated from the interrupted attempt so the
	// cache-served turn's own synthesis doesn't hang.
	close(tts.gate)

	stt.say("second turn", false)

	waitForEvent(t, events, SpeechStarted, time.Second)
	waitForEvent(t, events, SpeechEnded, time.Second)
	waitForState(t, tc, StateListening, time.Second)

	if llm.callCount() != 1 {
		t.Fatalf("expected the second turn to be served from the cache with no extra LLM call, got %d calls", llm.callCount())
	}
}

// --- interrupt during playback, no caching ---

func TestScenarioInterruptDuringPlayback(t *testing.T) {
	llm := &countingLLM{result: "reply"}
	tts := &MockTTSProvider{synthesizeResult: []byte{1}}
	player := &fakePlayer{holdForCancel: true}
	tc, stt := newTestController(t, llm, tts, player, testConfig())
	events := collectEvents(tc)

	stt.say("first turn", false)
	waitForEvent(t, events, SpeechStarted, time.Second)
	waitForState(t, tc, StateSpeaking, time.Second)

	stt.say("first turn plus two more", false)

	waitForEvent(t, events, Interrupted, time.Second)
	waitForState(t, tc, StateListening, time.Second)

	if atomic.LoadInt32(&player.stopCount) == 0 {
		t.Fatal("expected interrupting playback to call StopPlayback")
	}

	// Playback interrupts never cache: a later cascade fire for a fresh utterance must call
	// the LLM again rather than serving anything from the cache slot.
	player.mu.Lock()
	player.holdForCancel = false
	player.mu.Unlock()

	stt.say("second turn", false)
	waitForEvent(t, events, SpeechStarted, time.Second)

	if llm.callCount() != 2 {
		t.Fatalf("expected the second turn to call the LLM fresh (playback interrupts never cache), got %d calls", llm.callCount())
	}
}

// --- cache expiry ---

func TestScenarioCacheExpiryForcesFreshGeneration(t *testing.T) {
	cfg := testConfig()
	cfg.CacheTTL = 20 * time.Millisecond

	llm := &countingLLM{result: "reply"}
	tts := &countingTTS{result: []byte{1}, gate: make(chan struct{})}
	player := newFakePlayer()
	tc, stt := newTestController(t, llm, tts, player, cfg)
	events := collectEvents(tc)

	stt.say("first turn", false)
	waitForState(t, tc, StateGenerating, time.Second)
	time.Sleep(10 * time.Millisecond)
	stt.say("first turn plus two more", false)
	waitForEvent(t, events, Interrupted, time.Second)

	close(tts.gate)

	// Let the cached entry age past CacheTTL before the next turn starts.
	time.Sleep(cfg.CacheTTL + 30*time.Millisecond)

	stt.say("second turn", false)
	waitForEvent(t, events, SpeechStarted, time.Second)
	waitForEvent(t, events, SpeechEnded, time.Second)

	if llm.callCount() != 2 {
		t.Fatalf("expected the expired cache entry to force a fresh LLM call, got %d calls", llm.callCount())
	}
}

// --- post-TTS transcription freshness ---

func TestScenarioPostTTSRecognitionRestartDropsStaleTranscripts(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "reply"}
	tts := &MockTTSProvider{synthesizeResult: []byte{1}}
	player := newFakePlayer()
	tc, stt := newTestController(t, llm, tts, player, testConfig())
	events := collectEvents(tc)

	staleCallback := stt.callback()

	stt.say("first turn", false)
	waitForEvent(t, events, SpeechEnded, time.Second)
	waitForState(t, tc, StateListening, time.Second)

	// finishTurnNormally restarts recognition; give the restart goroutine a
	// moment to complete the generation bump.
	time.Sleep(20 * time.Millisecond)

	// The pre-restart session's own closure must no longer reach the
	// controller: it must not start a second turn.
	staleCallback("leaked from old session", false)
	expectNoEvent(t, events, UserMessage, 60*time.Millisecond)
	if tc.State() != StateListening {
		t.Fatalf("expected state to remain Listening after a stale transcript, got %q", tc.State())
	}

	// The fresh session still works.
	stt.say("second turn", false)
	waitForEvent(t, events, UserMessage, time.Second)
}

// --- no false trigger from an ASR refinement storm ---

func TestScenarioRefinementStormDoesNotFalselyInterrupt(t *testing.T) {
	llm := &countingLLM{result: "reply"}
	tts := &countingTTS{result: []byte{1}, gate: make(chan struct{})}
	player := newFakePlayer()
	tc, stt := newTestController(t, llm, tts, player, testConfig())
	events := collectEvents(tc)

	stt.say("first turn", false)
	waitForState(t, tc, StateGenerating, time.Second)

	// Repeated re-transcriptions of the same utterance (no new words) must
	// never be mistaken for an interruption, however many arrive.
	for i := 0; i < 20; i++ {
		stt.say("first turn", false)
	}

	expectNoEvent(t, events, Interrupted, 60*time.Millisecond)
	if tc.State() != StateGenerating {
		t.Fatalf("expected refinement storm to leave state Generating, got %q", tc.State())
	}

	close(tts.gate)
	waitForEvent(t, events, SpeechStarted, time.Second)
}

// --- boundary case: zero-word/punctuation-only transcription never arms a turn ---

func TestBoundaryEmptyTranscriptionNeverStartsATurn(t *testing.T) {
	llm := &countingLLM{result: "reply"}
	tts := &MockTTSProvider{synthesizeResult: []byte{1}}
	player := newFakePlayer()
	tc, stt := newTestController(t, llm, tts, player, testConfig())
	events := collectEvents(tc)

	stt.say("   ", false)
	stt.say("...", false)

	time.Sleep(testConfig().TLLM + 40*time.Millisecond)

	expectNoEvent(t, events, UserMessage, 20*time.Millisecond)
	if tc.State() != StateListening {
		t.Fatalf("expected punctuation-only input to never leave Listening, got %q", tc.State())
	}
	if llm.callCount() != 0 {
		t.Fatalf("expected no LLM call from empty/punctuation-only input, got %d", llm.callCount())
	}
}

// --- optional diagnostics surface: latency instrumentation and audio export ---

// slowLLM answers after a fixed delay, so every latency stage of a turn is
// long enough to register at the diagnostics' millisecond resolution.
type slowLLM struct {
	result string
	delay  time.Duration
}

func (s *slowLLM) Complete(ctx context.Context, messages []Message) (string, error) {
	select {
	case <-time.After(s.delay):
		return s.result, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
func (s *slowLLM) Name() string { return "slowLLM" }

func TestTurnControllerLatencyDiagnosticsPopulateAfterACleanTurn(t *testing.T) {
	llm := &slowLLM{result: "hi there", delay: 5 * time.Millisecond}
	tts := &MockTTSProvider{synthesizeResult: []byte{1, 2, 3, 4}}
	player := newFakePlayer()
	tc, stt := newTestController(t, llm, tts, player, testConfig())
	events := collectEvents(tc)

	if got := tc.GetLatency(); got != 0 {
		t.Fatalf("expected GetLatency to be 0 before any turn, got %d", got)
	}

	tc.Write([]byte{1, 2, 3})
	stt.say("hello there", false)

	waitForEvent(t, events, SpeechStarted, time.Second)
	waitForEvent(t, events, SpeechEnded, time.Second)
	waitForState(t, tc, StateListening, time.Second)

	if got := tc.GetLatency(); got <= 0 {
		t.Fatalf("expected a positive GetLatency after a completed turn, got %d", got)
	}
	if got := tc.GetEndToEndLatency(); got <= 0 {
		t.Fatalf("expected a positive GetEndToEndLatency after a completed turn, got %d", got)
	}

	bd := tc.GetLatencyBreakdown()
	if bd.UserToLLM <= 0 {
		t.Fatalf("expected UserToLLM > 0, got %+v", bd)
	}
	if bd.BotStartLatency <= 0 {
		t.Fatalf("expected BotStartLatency > 0, got %+v", bd)
	}
}

func TestTurnControllerExportLastUserAudioReflectsCapturedChunks(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "hi there"}
	tts := &MockTTSProvider{synthesizeResult: []byte{1}}
	player := newFakePlayer()
	tc, stt := newTestController(t, llm, tts, player, testConfig())
	events := collectEvents(tc)

	tc.Write([]byte{5, 6, 7})
	stt.say("hello there", false)

	// Check before the turn fully completes: finishTurnNormally clears the
	// export buffer once the turn ends, to keep the next turn's export clean.
	waitForEvent(t, events, SpeechStarted, time.Second)

	raw, processed := tc.ExportLastUserAudio()
	want := []byte{5, 6, 7}
	if string(raw) != string(want) {
		t.Fatalf("expected raw export %v, got %v", want, raw)
	}
	if string(processed) != string(want) {
		t.Fatalf("expected processed export to equal raw with no echo suppressor, got %v", processed)
	}
}

// blockingSecondCallLLM answers its first Complete immediately and blocks
// every later call until its context is cancelled, simulating a slow model
// on the second turn.
type blockingSecondCallLLM struct {
	first string
	calls int32
}

func (b *blockingSecondCallLLM) Complete(ctx context.Context, messages []Message) (string, error) {
	if atomic.AddInt32(&b.calls, 1) == 1 {
		return b.first, nil
	}
	<-ctx.Done()
	return "", ctx.Err()
}
func (b *blockingSecondCallLLM) Name() string { return "blockingSecondCallLLM" }

// --- boundary case: an interrupt before the current turn's reply exists must
// not cache the previous turn's reply ---

func TestInterruptBeforeReplyNeverCachesPriorTurnsReply(t *testing.T) {
	llm := &blockingSecondCallLLM{first: "stale reply"}
	tts := &MockTTSProvider{synthesizeResult: []byte{1}}
	player := newFakePlayer()
	tc, stt := newTestController(t, llm, tts, player, testConfig())
	events := collectEvents(tc)

	stt.say("first turn", false)
	waitForEvent(t, events, SpeechEnded, time.Second)
	waitForState(t, tc, StateListening, time.Second)
	time.Sleep(20 * time.Millisecond) // let the post-turn recognition restart land

	stt.say("second turn", false)
	waitForState(t, tc, StateGenerating, time.Second)

	// The second turn's LLM call is still blocked: no reply text exists yet,
	// so this interrupt must leave the cache slot empty rather than seeding
	// it with the first turn's reply.
	stt.say("second turn plus extra words", false)
	waitForEvent(t, events, Interrupted, time.Second)

	if text, ok := tc.cache.take(time.Now()); ok {
		t.Fatalf("expected empty cache after interrupting a turn with no reply yet, got %q", text)
	}
}

// --- boundary case: a reply that lands after an interrupt-with-cache updates
// the slot while it is still live ---

func TestLateReplyUpdatesLiveCacheSlot(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "unused"}
	tts := &MockTTSProvider{synthesizeResult: []byte{1}}
	player := newFakePlayer()
	tc, _ := newTestController(t, llm, tts, player, testConfig())

	tc.cache.set("partial", time.Now())
	tc.post(inboxEvent{kind: ieReplyReady, text: "complete"})

	time.Sleep(50 * time.Millisecond) // let the run loop drain the inbox

	text, ok := tc.cache.take(time.Now())
	if !ok {
		t.Fatal("expected the cache slot to still be populated")
	}
	if text != "complete" {
		t.Fatalf("expected the late reply to supersede the partial text, got %q", text)
	}
}

// --- explicit cancel command lands back in Listening from either state ---

func TestCancelCommandReturnsToListeningFromGenerating(t *testing.T) {
	llm := &countingLLM{result: "reply"}
	tts := &countingTTS{result: []byte{1}, gate: make(chan struct{})}
	player := newFakePlayer()
	tc, stt := newTestController(t, llm, tts, player, testConfig())
	events := collectEvents(tc)

	stt.say("first turn", false)
	waitForState(t, tc, StateGenerating, time.Second)

	tc.Interrupt()

	waitForEvent(t, events, Interrupted, time.Second)
	waitForState(t, tc, StateListening, time.Second)
}
