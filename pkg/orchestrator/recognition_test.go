package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStreamingSTT is a StreamingSTTProvider whose session callback the test
// can drive directly via say(), mirroring how a real provider's websocket
// read-loop would invoke it.
type fakeStreamingSTT struct {
	startErr error

	mu           sync.Mutex
	onTranscript func(string, bool) error
	started      int
}

func (f *fakeStreamingSTT) Transcribe(ctx context.Context, audio []byte, lang Language) (string, error) {
	return "", nil
}

func (f *fakeStreamingSTT) Name() string { return "fakeStreamingSTT" }

func (f *fakeStreamingSTT) StreamTranscribe(ctx context.Context, lang Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	f.onTranscript = onTranscript
	f.started++
	f.mu.Unlock()
	return make(chan []byte, 16), nil
}

// say invokes whichever session callback is currently attached, exactly as a
// provider's read-loop would deliver a live transcript.
func (f *fakeStreamingSTT) say(text string, isFinal bool) {
	f.mu.Lock()
	h := f.onTranscript
	f.mu.Unlock()
	if h != nil {
		_ = h(text, isFinal)
	}
}

func (f *fakeStreamingSTT) callback() func(string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onTranscript
}

func TestRecognitionAdapterDeliversTranscripts(t *testing.T) {
	stt := &fakeStreamingSTT{}
	adapter := NewRecognitionAdapter(stt, nil, 0, nil)

	var mu sync.Mutex
	var got []string
	err := adapter.Start(context.Background(), LanguageEn, func(text string, isFinal bool, err error) {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	stt.say("hello", false)
	stt.say("hello world", true)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "hello" || got[1] != "hello world" {
		t.Fatalf("unexpected transcripts: %v", got)
	}
}

func TestRecognitionAdapterStartAuthErrorIsFatal(t *testing.T) {
	stt := &fakeStreamingSTT{startErr: errors.New("401 unauthorized: bad token")}
	adapter := NewRecognitionAdapter(stt, nil, 0, nil)

	err := adapter.Start(context.Background(), LanguageEn, func(string, bool, error) {})
	var authErr *RecognitionAuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected RecognitionAuthError, got %v (%T)", err, err)
	}
}

// TestRecognitionAdapterRestartDropsStaleCallbacks is the key race-safety
// property Restart promises: once it returns, any callback still in flight
// from the superseded session must never reach the handler, even if the old
// provider session's closure is invoked directly afterward.
func TestRecognitionAdapterRestartDropsStaleCallbacks(t *testing.T) {
	stt := &fakeStreamingSTT{}
	adapter := NewRecognitionAdapter(stt, nil, 0, nil)

	var mu sync.Mutex
	var got []string
	err := adapter.Start(context.Background(), LanguageEn, func(text string, isFinal bool, err error) {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	staleCallback := stt.callback()

	if err := adapter.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	// The old session's own provider-side closure, invoked after Restart
	// returns, must be discarded: its generation no longer matches.
	staleCallback("stale", true)
	stt.say("fresh", true)

	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("expected only the fresh transcript to be delivered, got %v", got)
	}
}

func TestRecognitionAdapterStopInvalidatesInFlightCallbacks(t *testing.T) {
	stt := &fakeStreamingSTT{}
	adapter := NewRecognitionAdapter(stt, nil, 0, nil)

	var mu sync.Mutex
	var got []string
	err := adapter.Start(context.Background(), LanguageEn, func(text string, isFinal bool, err error) {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	adapter.Stop()
	stt.say("after stop", true)

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Fatalf("expected no transcripts delivered after Stop, got %v", got)
	}
}

func TestRecognitionAdapterWriteIsNoOpBeforeStart(t *testing.T) {
	stt := &fakeStreamingSTT{}
	adapter := NewRecognitionAdapter(stt, nil, 0, nil)

	// Write before Start/attach has populated sttChan must not panic or block.
	adapter.Write([]byte{1, 2, 3})
}

func TestRecognitionAdapterExportLastUserAudioAccumulatesWrites(t *testing.T) {
	stt := &fakeStreamingSTT{}
	adapter := NewRecognitionAdapter(stt, nil, 0, nil)
	if err := adapter.Start(context.Background(), LanguageEn, func(string, bool, error) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	adapter.Write([]byte{1, 2})
	adapter.Write([]byte{3, 4})

	raw, processed := adapter.ExportLastUserAudio()
	want := []byte{1, 2, 3, 4}
	if string(raw) != string(want) {
		t.Fatalf("expected raw %v, got %v", want, raw)
	}
	if string(processed) != string(want) {
		t.Fatalf("expected processed to equal raw with no echo suppressor configured, got %v", processed)
	}
}

func TestRecognitionAdapterExportLastUserAudioEmptyBeforeAnyWrite(t *testing.T) {
	stt := &fakeStreamingSTT{}
	adapter := NewRecognitionAdapter(stt, nil, 0, nil)

	raw, processed := adapter.ExportLastUserAudio()
	if raw != nil || processed != nil {
		t.Fatalf("expected nil, nil before any Write, got %v, %v", raw, processed)
	}
}

func TestRecognitionAdapterClearLastUserAudioEmptiesBuffer(t *testing.T) {
	stt := &fakeStreamingSTT{}
	adapter := NewRecognitionAdapter(stt, nil, 0, nil)
	if err := adapter.Start(context.Background(), LanguageEn, func(string, bool, error) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	adapter.Write([]byte{9, 9})
	adapter.ClearLastUserAudio()

	raw, _ := adapter.ExportLastUserAudio()
	if raw != nil {
		t.Fatalf("expected nil after ClearLastUserAudio, got %v", raw)
	}
}
