package orchestrator

import (
	"context"
	"sync"
	"time"
)

// PlaybackReason is the terminal reason a play() future resolves with.
type PlaybackReason string

const (
	PlaybackCompleted       PlaybackReason = "completed"
	PlaybackStoppedByInterrupt PlaybackReason = "stopped_by_interrupt"
	PlaybackError           PlaybackReason = "error"
)

// AudioPlayer is the playback half of the Audio I/O Bridge contract
// consumed by the Response Pipeline: play() returns a future (channel) that
// resolves once, either naturally or because StopPlayback was called.
type AudioPlayer interface {
	Play(ctx context.Context, pcm []byte) <-chan PlaybackReason
	StopPlayback()
}

// PipelineSignals are the three signals the pipeline reports back to the
// controller, delivered as plain callbacks invoked from the pipeline's own
// goroutine — the Turn
// Controller's inbox is the only place that mutates turn state, so these
// callbacks must themselves just enqueue an inbox message, never touch
// controller state directly.
type PipelineSignals struct {
	ReplyReady  func(text string)
	PlaybackBeg func()
	PlaybackEnd func(reason PlaybackReason)
}

// ResponsePipeline runs the LLM -> TTS -> playback chain for one turn.
// Each stage is independently cancelable; Cancel aborts whichever stage is
// in flight within the controller's small cancel budget and invokes
// PlaybackEnd(stopped_by_interrupt) if playback had begun.
type ResponsePipeline struct {
	llm    LLMProvider
	tts    TTSProvider
	player AudioPlayer
	logger Logger

	cancelBudget time.Duration

	mu         sync.Mutex
	llmCancel  context.CancelFunc
	ttsCancel  context.CancelFunc
	playCancel context.CancelFunc
	replyText  string // last text sent to ReplyReady, kept for cache-on-interrupt
}

func NewResponsePipeline(llm LLMProvider, tts TTSProvider, player AudioPlayer, cancelBudget time.Duration, logger Logger) *ResponsePipeline {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &ResponsePipeline{llm: llm, tts: tts, player: player, cancelBudget: cancelBudget, logger: logger}
}

// LastReplyText returns whatever reply text has been produced so far (may be
// empty if the LLM call hasn't returned yet). Used by the controller to
// pre-seed the response cache before cancelling (the cache-before-cancel
// sequencing).
func (p *ResponsePipeline) LastReplyText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replyText
}

// ResetReplyText clears the held reply. The controller calls this before
// launching a new turn's Run so an interrupt early in that turn can never
// cache a reply left over from the turn before.
func (p *ResponsePipeline) ResetReplyText() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyText = ""
}

// Run executes the three stages in order, invoking sig's callbacks as each
// stage completes. Run blocks until the pipeline finishes or is cancelled; it
// is normally invoked from a dedicated goroutine owned by the controller.
func (p *ResponsePipeline) Run(ctx context.Context, history []Message, userText string, sig PipelineSignals) {
	llmCtx, llmCancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.llmCancel = llmCancel
	p.mu.Unlock()
	defer llmCancel()

	reply, err := p.llm.Complete(llmCtx, append(history, Message{Role: "user", Content: userText}))
	if err != nil {
		if llmCtx.Err() == nil {
			p.logger.Error("llm generation failed", "error", err)
			if sig.PlaybackEnd != nil {
				sig.PlaybackEnd(PlaybackError)
			}
		}
		return
	}

	p.mu.Lock()
	p.replyText = reply
	p.mu.Unlock()
	if sig.ReplyReady != nil {
		sig.ReplyReady(reply)
	}

	ttsCtx, ttsCancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.ttsCancel = ttsCancel
	p.mu.Unlock()
	defer ttsCancel()

	audio, err := p.tts.Synthesize(ttsCtx, reply, VoiceF1, LanguageEn)
	if err != nil {
		if ttsCtx.Err() == nil {
			p.logger.Error("tts synthesis failed", "error", err)
			if sig.PlaybackEnd != nil {
				sig.PlaybackEnd(PlaybackError)
			}
		}
		return
	}

	playCtx, playCancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.playCancel = playCancel
	p.mu.Unlock()
	defer playCancel()

	if sig.PlaybackBeg != nil {
		sig.PlaybackBeg()
	}

	resultCh := p.player.Play(playCtx, audio)
	select {
	case reason := <-resultCh:
		if sig.PlaybackEnd != nil {
			sig.PlaybackEnd(reason)
		}
	case <-playCtx.Done():
		if sig.PlaybackEnd != nil {
			sig.PlaybackEnd(PlaybackStoppedByInterrupt)
		}
	}
}

// RunFromText skips the LLM stage entirely and synthesizes+plays text
// directly. Used by the controller to serve a cached reply: the reply
// text survived a prior interruption, so only TTS and playback need to run
// again.
func (p *ResponsePipeline) RunFromText(ctx context.Context, text string, sig PipelineSignals) {
	p.mu.Lock()
	p.replyText = text
	p.mu.Unlock()
	if sig.ReplyReady != nil {
		sig.ReplyReady(text)
	}

	ttsCtx, ttsCancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.ttsCancel = ttsCancel
	p.mu.Unlock()
	defer ttsCancel()

	audio, err := p.tts.Synthesize(ttsCtx, text, VoiceF1, LanguageEn)
	if err != nil {
		if ttsCtx.Err() == nil {
			p.logger.Error("tts synthesis failed", "error", err)
			if sig.PlaybackEnd != nil {
				sig.PlaybackEnd(PlaybackError)
			}
		}
		return
	}

	playCtx, playCancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.playCancel = playCancel
	p.mu.Unlock()
	defer playCancel()

	if sig.PlaybackBeg != nil {
		sig.PlaybackBeg()
	}

	resultCh := p.player.Play(playCtx, audio)
	select {
	case reason := <-resultCh:
		if sig.PlaybackEnd != nil {
			sig.PlaybackEnd(reason)
		}
	case <-playCtx.Done():
		if sig.PlaybackEnd != nil {
			sig.PlaybackEnd(PlaybackStoppedByInterrupt)
		}
	}
}

// Cancel aborts whichever stage is currently in flight: it cancels the stage
// contexts, stops playback and calls the TTS provider's Abort, and does not
// otherwise wait for providers to acknowledge. cancelBudget is stored on the
// pipeline but not consulted here.
func (p *ResponsePipeline) Cancel() {
	p.mu.Lock()
	llmCancel, ttsCancel, playCancel := p.llmCancel, p.ttsCancel, p.playCancel
	p.mu.Unlock()

	if llmCancel != nil {
		llmCancel()
	}
	if ttsCancel != nil {
		ttsCancel()
	}
	if playCancel != nil {
		playCancel()
	}
	if p.player != nil {
		p.player.StopPlayback()
	}
	if p.tts != nil {
		if err := p.tts.Abort(); err != nil {
			p.logger.Warn("tts abort failed", "error", err)
		}
	}
}
