package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/turnkeeper/pkg/orchestrator"
)

// remotePlayer implements orchestrator.AudioPlayer for a session whose
// speaker lives on the client side of the UI channel: instead of writing to a
// local device, it hands each TTS buffer to the transport's outbound writer
// as one or more audio_chunk messages and estimates playback completion from
// the buffer's duration, since the client never reports one back.
type remotePlayer struct {
	sampleRate int
	bytesPerSample int
	send       func(chunk []byte)

	mu          sync.Mutex
	interrupted atomic.Bool
}

func newRemotePlayer(sampleRate, bytesPerSample int, send func(chunk []byte)) *remotePlayer {
	return &remotePlayer{sampleRate: sampleRate, bytesPerSample: bytesPerSample, send: send}
}

// Play implements orchestrator.AudioPlayer. It forwards pcm to the client
// immediately and resolves once the estimated playback duration elapses,
// unless StopPlayback or ctx cancellation arrives first.
func (p *remotePlayer) Play(ctx context.Context, pcm []byte) <-chan orchestrator.PlaybackReason {
	result := make(chan orchestrator.PlaybackReason, 1)
	p.interrupted.Store(false)

	frameBytes := p.bytesPerSample
	if frameBytes <= 0 {
		frameBytes = 2
	}
	samples := len(pcm) / frameBytes
	duration := time.Duration(0)
	if p.sampleRate > 0 {
		duration = time.Duration(samples) * time.Second / time.Duration(p.sampleRate)
	}

	p.send(pcm)

	go func() {
		var once sync.Once
		emit := func(reason orchestrator.PlaybackReason) {
			once.Do(func() { result <- reason })
		}

		timer := time.NewTimer(duration)
		defer timer.Stop()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				emit(orchestrator.PlaybackCompleted)
				return
			case <-ticker.C:
				if p.interrupted.Load() {
					emit(orchestrator.PlaybackStoppedByInterrupt)
					return
				}
			}
		}
	}()

	return result
}

// StopPlayback implements orchestrator.AudioPlayer: there's no buffered audio
// to discard client-side from here, so this only flips the interrupted flag
// the in-flight Play loop polls.
func (p *remotePlayer) StopPlayback() {
	p.interrupted.Store(true)
}

var _ orchestrator.AudioPlayer = (*remotePlayer)(nil)
