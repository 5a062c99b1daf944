package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	ErrLLMFailed = errors.New("language model generation failed")

	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	ErrNilProvider = errors.New("required provider is nil")

	ErrContextCancelled = errors.New("operation cancelled by context")
)

// AudioDeviceError reports that the microphone/speaker could not be opened
// (unavailable or permission denied). Fatal: the session cannot start.
type AudioDeviceError struct {
	Cause error
}

func (e *AudioDeviceError) Error() string { return fmt.Sprintf("audio device error: %v", e.Cause) }
func (e *AudioDeviceError) Unwrap() error { return e.Cause }

// RecognitionAuthError reports that the speech recognizer denied
// authorization. Fatal: the session cannot start.
type RecognitionAuthError struct {
	Cause error
}

func (e *RecognitionAuthError) Error() string {
	return fmt.Sprintf("recognition authorization denied: %v", e.Cause)
}
func (e *RecognitionAuthError) Unwrap() error { return e.Cause }

// RecognitionTransientError reports a mid-session ASR dropout. The controller
// restarts the adapter once; a second failure within the retry window is
// escalated to RecognitionFatalError.
type RecognitionTransientError struct {
	Cause error
}

func (e *RecognitionTransientError) Error() string {
	return fmt.Sprintf("recognition transient error: %v", e.Cause)
}
func (e *RecognitionTransientError) Unwrap() error { return e.Cause }

// RecognitionFatalError reports that recognition could not be recovered after
// a transient error retry. Fatal: the session is closed.
type RecognitionFatalError struct {
	Cause error
}

func (e *RecognitionFatalError) Error() string {
	return fmt.Sprintf("recognition fatal error: %v", e.Cause)
}
func (e *RecognitionFatalError) Unwrap() error { return e.Cause }

// PipelineError wraps any LLM or TTS failure surfaced by the Response
// Pipeline. The controller emits the user's message anyway, flags the turn,
// and returns to Listening without retrying.
type PipelineError struct {
	Stage string // which pipeline stage failed, e.g. "response"
	Cause error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error (%s): %v", e.Stage, e.Cause)
}
func (e *PipelineError) Unwrap() error { return e.Cause }

// PlaybackTimeoutError reports that the pipeline never signaled
// playback_begin within the configured PlaybackReadyWait.
type PlaybackTimeoutError struct {
	Waited string
}

func (e *PlaybackTimeoutError) Error() string {
	return fmt.Sprintf("playback did not begin within %s", e.Waited)
}

// StateError reports an event arriving in a state where it has no defined
// handling. The event is logged and dropped; state is never mutated by it.
type StateError struct {
	State string
	Event string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("event %q has no handling in state %q", e.Event, e.State)
}
