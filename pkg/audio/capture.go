package audio

import (
	"sync"

	"github.com/lokutor-ai/turnkeeper/pkg/orchestrator"
)

// captureRingBytes sizes the capture ring generously: at 48kHz/16-bit mono
// this holds several seconds, far more than the drain goroutine should ever
// need to catch up on.
const captureRingBytes = 1 << 20

// capturePath owns the producer side (malgo's audio thread, via onSamples)
// and the consumer side (a dedicated goroutine) of the capture ring, so the
// audio callback's push() is always a fixed, allocation-free, non-blocking
// operation regardless of how slowly onCapture runs.
type capturePath struct {
	ring      *byteRing
	vad       orchestrator.VADProvider
	onCapture CaptureHandler

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func newCapturePath(vad orchestrator.VADProvider, onCapture CaptureHandler) *capturePath {
	return &capturePath{
		ring:      newByteRing(captureRingBytes),
		vad:       vad,
		onCapture: onCapture,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// feed is called from the malgo audio-thread callback. It must not block or
// allocate beyond the copy itself.
func (c *capturePath) feed(pInput []byte) {
	if len(pInput) == 0 {
		return
	}
	c.ring.push(pInput)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// start launches the drain goroutine that hands ring contents to onCapture
// off the audio thread.
func (c *capturePath) start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		scratch := make([]byte, 4096)
		for {
			select {
			case <-c.stop:
				c.drainOnce(scratch)
				return
			case <-c.wake:
				c.drainOnce(scratch)
			}
		}
	}()
}

func (c *capturePath) drainOnce(scratch []byte) {
	for {
		n := c.ring.pop(scratch)
		if n == 0 {
			return
		}
		chunk := make([]byte, n)
		copy(chunk, scratch[:n])

		var event *orchestrator.VADEvent
		if c.vad != nil {
			if ev, err := c.vad.Process(chunk); err == nil {
				event = ev
			}
		}
		if c.onCapture != nil {
			c.onCapture(chunk, event)
		}
	}
}

func (c *capturePath) close() {
	close(c.stop)
	c.wg.Wait()
}
