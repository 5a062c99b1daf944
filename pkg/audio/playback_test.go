package audio

import (
	"context"
	"testing"
	"time"

	"github.com/lokutor-ai/turnkeeper/pkg/orchestrator"
)

func TestPlaybackPathCompletesWhenDrained(t *testing.T) {
	var tapped [][]byte
	p := newPlaybackPath(func(chunk []byte) { tapped = append(tapped, chunk) })

	pcm := []byte{1, 2, 3, 4, 5, 6}
	result := p.Play(context.Background(), pcm)

	// Drain the ring the way the malgo output callback would, in small
	// pulls, as if frameCount chunked the buffer.
	out := make([]byte, 2)
	for i := 0; i < 3; i++ {
		p.pull(out)
	}

	select {
	case reason := <-result:
		if reason != orchestrator.PlaybackCompleted {
			t.Fatalf("expected PlaybackCompleted, got %v", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not resolve in time")
	}

	if len(tapped) == 0 {
		t.Fatal("expected echoTap to receive played audio")
	}
}

func TestPlaybackPathStopInterrupts(t *testing.T) {
	p := newPlaybackPath(nil)

	pcm := make([]byte, 4096)
	result := p.Play(context.Background(), pcm)
	p.StopPlayback()

	select {
	case reason := <-result:
		if reason != orchestrator.PlaybackStoppedByInterrupt {
			t.Fatalf("expected PlaybackStoppedByInterrupt, got %v", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not resolve in time")
	}
}

func TestPlaybackPathPullZeroFillsPastRingContents(t *testing.T) {
	p := newPlaybackPath(nil)
	p.ring.push([]byte{9, 9})

	out := make([]byte, 5)
	p.pull(out)

	want := []byte{9, 9, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, out)
		}
	}
}
