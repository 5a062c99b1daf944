// Package audio implements the orchestrator's audio I/O bridge: a full-duplex malgo
// device whose capture and playback paths are each a lock-free ring buffer,
// decoupling the audio callback (which must never block or allocate beyond
// a fixed copy) from the Recognition Adapter and Response Pipeline that
// consume/produce the actual PCM.
package audio

import (
	"context"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/lokutor-ai/turnkeeper/pkg/orchestrator"
)

// CaptureHandler receives one captured PCM chunk plus the diagnostic VAD
// event for it, if a VADProvider was configured. event is nil when no VAD is
// wired in. The VAD reading is diagnostic only — it must never be used to
// drive turn-taking.
type CaptureHandler func(chunk []byte, event *orchestrator.VADEvent)

// Bridge is a full-duplex malgo device wrapped in the orchestrator.AudioPlayer
// contract plus a capture tap. Self-echo is handled by two independent
// layers: whatever OS-level echo cancellation the platform's malgo backend
// applies by default (the device config below requests no voice-processing or
// AEC mode itself), and the software
// correlation-based EchoSuppressor the caller wires between Bridge and the
// Recognition Adapter (the secondary, defense-in-depth layer, fed via the
// playback path's echoTap).
type Bridge struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	capture  *capturePath
	playback *playbackPath
}

// NewBridge opens the default duplex audio device at cfg.SampleRate. vad and
// echoTap are both optional (nil disables the respective diagnostic/defense
// layer).
func NewBridge(cfg orchestrator.Config, vad orchestrator.VADProvider, echoTap func(chunk []byte), onCapture CaptureHandler) (*Bridge, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, &orchestrator.AudioDeviceError{Cause: err}
	}

	b := &Bridge{
		mctx:     mctx,
		capture:  newCapturePath(vad, onCapture),
		playback: newPlaybackPath(echoTap),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: b.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return nil, &orchestrator.AudioDeviceError{Cause: err}
	}
	b.device = device

	b.capture.start()

	if err := device.Start(); err != nil {
		b.capture.close()
		device.Uninit()
		mctx.Uninit()
		return nil, &orchestrator.AudioDeviceError{Cause: err}
	}

	return b, nil
}

// onSamples is malgo's audio-thread callback: it only pushes/pulls ring
// buffers, never runs VAD, echo suppression, or user callbacks directly.
func (b *Bridge) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if pInput != nil {
		b.capture.feed(pInput)
	}
	if pOutput != nil {
		b.playback.pull(pOutput)
	}
}

// Play implements orchestrator.AudioPlayer.
func (b *Bridge) Play(ctx context.Context, pcm []byte) <-chan orchestrator.PlaybackReason {
	return b.playback.Play(ctx, pcm)
}

// StopPlayback implements orchestrator.AudioPlayer.
func (b *Bridge) StopPlayback() {
	b.playback.StopPlayback()
}

// RecentlyPlayed reports whether audio was played within the last d — useful
// for a caller layering its own extra self-interruption heuristic on top of
// the EchoSuppressor, though the Turn Controller itself does not need one.
func (b *Bridge) RecentlyPlayed(d time.Duration) bool {
	return b.playback.recentlyPlayed(d)
}

// Close releases the device, context, and capture goroutine.
func (b *Bridge) Close() error {
	b.capture.close()
	if b.device != nil {
		b.device.Uninit()
	}
	if b.mctx != nil {
		return b.mctx.Uninit()
	}
	return nil
}

var _ orchestrator.AudioPlayer = (*Bridge)(nil)
