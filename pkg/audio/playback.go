package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/turnkeeper/pkg/orchestrator"
)

// playbackRingBytes bounds how much queued TTS audio the ring can hold; Play()
// never blocks, and audio past this bound is dropped. A single reply is rarely
// more than a few hundred KB of 16-bit PCM, so this leaves ample headroom.
const playbackRingBytes = 1 << 21

// playbackPath owns the producer side (Play, called from the Response
// Pipeline goroutine) and the consumer side (malgo's audio thread, via
// pull) of the playback ring.
type playbackPath struct {
	ring       *byteRing
	echoTap    func(chunk []byte)
	lastPlayed atomic.Int64 // unix nano of last non-silent output callback

	mu          sync.Mutex
	interrupted atomic.Bool
	draining    bool // true once the current buffer has been fully queued
}

func newPlaybackPath(echoTap func(chunk []byte)) *playbackPath {
	return &playbackPath{ring: newByteRing(playbackRingBytes), echoTap: echoTap}
}

// Play implements orchestrator.AudioPlayer. It queues pcm onto the ring
// immediately and resolves the returned channel once the ring drains
// naturally or StopPlayback is called; ctx cancellation is the caller's own
// escape hatch (the Response Pipeline also selects on ctx.Done()).
func (p *playbackPath) Play(ctx context.Context, pcm []byte) <-chan orchestrator.PlaybackReason {
	result := make(chan orchestrator.PlaybackReason, 1)

	p.ring.clear()
	p.interrupted.Store(false)
	p.mu.Lock()
	p.draining = false
	p.mu.Unlock()
	p.ring.push(pcm)
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	go func() {
		var once sync.Once
		send := func(reason orchestrator.PlaybackReason) {
			once.Do(func() { result <- reason })
		}

		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if p.interrupted.Load() {
					send(orchestrator.PlaybackStoppedByInterrupt)
					return
				}
				p.mu.Lock()
				done := p.draining && p.ring.len() == 0
				p.mu.Unlock()
				if done {
					send(orchestrator.PlaybackCompleted)
					return
				}
			}
		}
	}()

	return result
}

// StopPlayback implements orchestrator.AudioPlayer: it discards whatever is
// left queued and marks the in-flight Play call interrupted.
func (p *playbackPath) StopPlayback() {
	p.ring.clear()
	p.interrupted.Store(true)
}

// pull is called from the malgo audio-thread callback to fill pOutput. It
// zero-fills whatever the ring cannot supply.
func (p *playbackPath) pull(pOutput []byte) {
	n := p.ring.pop(pOutput)
	if n > 0 {
		p.lastPlayed.Store(time.Now().UnixNano())
		if p.echoTap != nil {
			played := make([]byte, n)
			copy(played, pOutput[:n])
			p.echoTap(played)
		}
	}
	for i := n; i < len(pOutput); i++ {
		pOutput[i] = 0
	}
}

// recentlyPlayed reports whether audio was output within the last d.
func (p *playbackPath) recentlyPlayed(d time.Duration) bool {
	last := p.lastPlayed.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < d
}
