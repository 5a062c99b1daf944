package orchestrator

import (
	"sync"
	"time"
)

// cascadeStage identifies one of the three silence-timer stages, all
// anchored to the same last-transcription-event timestamp.
type cascadeStage int

const (
	stageLLM cascadeStage = iota
	stageTTS
	stagePlay
)

// cascadeFire is delivered to the owner's inbox when a stage elapses.
// Generation lets the receiver discard fires from a cascade that was reset
// or torn down after the timer was armed but before it fired.
type cascadeFire struct {
	stage      cascadeStage
	generation uint64
}

// timerCascade is the three-stage silence-timer structure described in the
// data model: t_llm, t_tts and t_play, all re-anchored together on every
// reset. Only stageLLM carries a semantically meaningful action; the
// other two stages exist as optional speculative-generation hooks and are
// still delivered so a caller may use them, but the Turn Controller ignores
// them by design (see design notes on why timers 2 and 3 are not independent
// triggers).
//
// timerCascade is safe for concurrent use: reset/stop may be called from any
// goroutine, and fires are delivered on a channel so the owner's single
// writer loop stays the only place that mutates turn state.
type timerCascade struct {
	mu         sync.Mutex
	durations  [3]time.Duration
	timers     [3]*time.Timer
	generation uint64
	armed      bool
	out        chan<- cascadeFire
}

func newTimerCascade(tllm, ttts, tplay time.Duration, out chan<- cascadeFire) *timerCascade {
	return &timerCascade{
		durations: [3]time.Duration{tllm, ttts, tplay},
		out:       out,
	}
}

// reset cancels any pending stage and re-anchors all three against now.
// Issuing two resets back-to-back with no intervening fire is equivalent to
// a single reset: the generation bump invalidates any timer that was
// already in flight, so a stale fire arriving after a second reset is
// dropped by the receiver.
func (c *timerCascade) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.generation++
	gen := c.generation
	c.armed = true
	for stage := cascadeStage(0); stage <= stagePlay; stage++ {
		st := stage
		c.timers[st] = time.AfterFunc(c.durations[st], func() {
			select {
			case c.out <- cascadeFire{stage: st, generation: gen}:
			default:
			}
		})
	}
}

// stop cancels all pending stages and disarms the cascade. Called on turn
// boundary, interrupt, or session close.
func (c *timerCascade) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.generation++
	c.armed = false
}

func (c *timerCascade) stopLocked() {
	for i, t := range c.timers {
		if t != nil {
			t.Stop()
		}
		c.timers[i] = nil
	}
}

// isArmed reports whether reset() has been called since the last stop(). It
// stays true after all three stages have fired; only stop() clears it. The
// controller calls reset() on every non-empty result and stop() on each turn
// boundary, interrupt and Close.
func (c *timerCascade) isArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// currentGeneration returns the generation set by the latest reset or stop,
// under the cascade's lock; the controller compares each fire against it to
// discard stale fires.
func (c *timerCascade) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}
