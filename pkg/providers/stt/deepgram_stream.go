package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/turnkeeper/pkg/orchestrator"
)

// deepgramStreamResult mirrors the subset of Deepgram's live-transcription
// message we care about: the running transcript for the current utterance
// and whether the engine considers it final.
type deepgramStreamResult struct {
	IsFinal bool `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// StreamTranscribe implements orchestrator.StreamingSTTProvider over
// Deepgram's live-transcription websocket endpoint. interim_results=true gives
// the word-by-word cadence the Recognition Adapter's contract requires, and
// Deepgram's endpointing is switched off — Deepgram's batch /listen endpoint
// used by Transcribe cannot deliver this on its own.
func (s *DeepgramSTT) StreamTranscribe(ctx context.Context, lang orchestrator.Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error) {
	u, err := url.Parse("wss://api.deepgram.com/v1/listen")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model", "nova-2")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("endpointing", "false") // end-of-turn is the controller's job, not the ASR's
	if lang != "" {
		q.Set("language", string(lang))
	}
	u.RawQuery = q.Encode()

	header := make(map[string][]string)
	header["Authorization"] = []string{"Token " + s.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("deepgram stream connect: %w", err)
	}

	audioIn := make(chan []byte, 64)
	var transcript string

	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-audioIn:
				if !ok {
					_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					return
				}
				if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		for {
			_, payload, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var result deepgramStreamResult
			if err := json.Unmarshal(payload, &result); err != nil {
				continue
			}
			if len(result.Channel.Alternatives) == 0 {
				continue
			}
			alt := result.Channel.Alternatives[0].Transcript
			if alt == "" {
				continue
			}
			// Deepgram delivers per-utterance deltas; the adapter contract
			// needs the full transcript since session start, so we
			// accumulate finalized segments and append the current partial.
			if result.IsFinal {
				transcript = joinTranscript(transcript, alt)
				_ = onTranscript(transcript, true)
			} else {
				_ = onTranscript(joinTranscript(transcript, alt), false)
			}
		}
	}()

	return audioIn, nil
}

func joinTranscript(base, next string) string {
	if base == "" {
		return next
	}
	return base + " " + next
}

var _ orchestrator.StreamingSTTProvider = (*DeepgramSTT)(nil)
