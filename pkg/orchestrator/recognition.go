package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ResultHandler receives progressive transcription results. text is the full
// transcription since the current recognition session started, never a
// delta. err is non-nil only for transient ASR errors that do not
// tear down the adapter; a fatal authorization error is instead returned
// from Start.
type ResultHandler func(text string, isFinal bool, err error)

// RecognitionAdapter wraps a StreamingSTTProvider. It owns the
// generation counter that makes restart() race-safe: after restart()
// returns, no further callback tagged with a stale generation reaches the
// caller's ResultHandler, satisfying the key property the Turn Controller
// relies on.
type RecognitionAdapter struct {
	provider StreamingSTTProvider
	logger   Logger
	echo     *EchoSuppressor
	flushDelay time.Duration

	mu         sync.Mutex
	cancel     context.CancelFunc
	sttChan    chan<- []byte
	generation uint64
	handler    ResultHandler
	lang       Language

	lastUserAudio []byte
}

// NewRecognitionAdapter constructs an adapter around provider. echo may be
// nil to disable the software echo-suppression fallback (e.g. when the
// audio bridge's own OS-level VPIO is trusted exclusively).
func NewRecognitionAdapter(provider StreamingSTTProvider, echo *EchoSuppressor, flushDelay time.Duration, logger Logger) *RecognitionAdapter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RecognitionAdapter{
		provider:   provider,
		logger:     logger,
		echo:       echo,
		flushDelay: flushDelay,
	}
}

// Start begins a new recognition session for locale, delivering results to
// handler. A RecognitionAuthError returned here is fatal — the session
// cannot start.
func (r *RecognitionAdapter) Start(ctx context.Context, locale Language, handler ResultHandler) error {
	r.mu.Lock()
	r.handler = handler
	r.lang = locale
	r.mu.Unlock()
	return r.attach(ctx)
}

func (r *RecognitionAdapter) attach(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.generation++
	myGen := r.generation
	r.mu.Unlock()

	sttChan, err := r.provider.StreamTranscribe(sessCtx, r.lang, func(transcript string, isFinal bool) error {
		r.mu.Lock()
		stale := myGen != r.generation
		handler := r.handler
		r.mu.Unlock()
		if stale || handler == nil {
			return nil
		}
		handler(transcript, isFinal, nil)
		return nil
	})
	if err != nil {
		cancel()
		if isAuthError(err) {
			return &RecognitionAuthError{Cause: err}
		}
		r.mu.Lock()
		handler := r.handler
		r.mu.Unlock()
		if handler != nil {
			handler("", false, &RecognitionTransientError{Cause: err})
		}
		return fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}

	r.mu.Lock()
	r.cancel = cancel
	r.sttChan = sttChan
	r.mu.Unlock()
	return nil
}

// Write forwards a captured PCM chunk to the active recognition session,
// first running it through the echo suppressor (if configured) so TTS
// feedback is not transcribed as user speech.
func (r *RecognitionAdapter) Write(chunk []byte) {
	r.mu.Lock()
	r.lastUserAudio = append(r.lastUserAudio, chunk...)
	r.mu.Unlock()

	if r.echo != nil {
		chunk = r.echo.RemoveEchoRealtime(chunk)
	}
	r.mu.Lock()
	sttChan := r.sttChan
	r.mu.Unlock()
	if sttChan == nil {
		return
	}
	select {
	case sttChan <- chunk:
	default:
	}
}

// ExportLastUserAudio returns a copy of the raw audio captured since the
// buffer was last cleared, along with a copy run through the echo
// suppressor's offline correlation pass (identical to raw if no suppressor
// is configured). Useful for dumping a turn's capture to disk when
// diagnosing a misrecognition. Returns (nil, nil) if nothing has been
// captured yet.
func (r *RecognitionAdapter) ExportLastUserAudio() (raw []byte, processed []byte) {
	r.mu.Lock()
	if len(r.lastUserAudio) == 0 {
		r.mu.Unlock()
		return nil, nil
	}
	raw = make([]byte, len(r.lastUserAudio))
	copy(raw, r.lastUserAudio)
	r.mu.Unlock()

	if r.echo != nil {
		return raw, r.echo.PostProcess(raw)
	}
	return raw, raw
}

// Echo returns the software echo-suppression layer under this adapter's
// capture path, or nil if none is configured. The playback side feeds played
// audio into it via RecordPlayedAudio so the correlation pass has a
// reference signal.
func (r *RecognitionAdapter) Echo() *EchoSuppressor {
	return r.echo
}

// ClearLastUserAudio discards the accumulated capture buffer. The Turn
// Controller calls this once a turn has ended so ExportLastUserAudio never
// mixes audio across turns.
func (r *RecognitionAdapter) ClearLastUserAudio() {
	r.mu.Lock()
	r.lastUserAudio = nil
	r.mu.Unlock()
}

// Restart forcibly ends the current recognition session and starts a fresh
// one, flushing the capture tap for flushDelay so buffered frames from the
// old session cannot leak into the new one. After Restart returns, any
// callback still in flight from the old session is guaranteed stale and is
// dropped before reaching the handler (the generation bump in attach already
// happened by the time Restart returns).
func (r *RecognitionAdapter) Restart(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.sttChan = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if r.flushDelay > 0 {
		time.Sleep(r.flushDelay)
	}

	return r.attach(ctx)
}

// Stop permanently ends recognition for this session.
func (r *RecognitionAdapter) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.sttChan = nil
	r.generation++ // invalidate any in-flight callback permanently
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "auth") && strings.Contains(msg, "denied")
}
