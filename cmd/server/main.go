// Command server hosts the UI channel over WebSocket: a headless,
// full-duplex-over-the-wire counterpart to cmd/agent's local mic/speaker
// demo, for clients that stream capture and playback themselves.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/lokutor-ai/turnkeeper/pkg/orchestrator"
	"github.com/lokutor-ai/turnkeeper/pkg/transport"

	llmProvider "github.com/lokutor-ai/turnkeeper/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/turnkeeper/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/turnkeeper/pkg/providers/tts"
)

// uiListener starts srv's WebSocket handler as the sole route on its own
// listener, bound to wsPort — a distinct port from the HTTP status listener,
// since the UI channel is a dedicated socket, not a path on a shared
// general-purpose mux.
func uiListener(wsPort string, srv *transport.Server) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.ServeHTTP)
	return &http.Server{Addr: ":" + wsPort, Handler: mux}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	httpPort := flag.String("http-port", envOr("PORT", "8080"), "HTTP status/health listen port")
	wsPort := flag.String("ws-port", envOr("WS_PORT", "8081"), "WebSocket (UI channel) listen port, distinct from http-port")
	skipDB := flag.Bool("skip-db", os.Getenv("SKIP_DB") == "true", "skip the per-turn conversation log (without it, turns are logged, not stored)")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flag.Parse()

	logger := orchestrator.NewSlogLogger(*logLevel)

	groqKey := os.Getenv("GROQ_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	if deepgramKey == "" {
		log.Fatal("Error: DEEPGRAM_API_KEY must be set (cmd/server requires a StreamingSTTProvider)")
	}
	if lokutorKey == "" {
		log.Fatal("Error: LOKUTOR_API_KEY must be set")
	}

	stt := sttProvider.NewDeepgramSTT(deepgramKey)

	var llm orchestrator.LLMProvider
	if anthropicKey != "" {
		llm = llmProvider.NewAnthropicLLM(anthropicKey, "claude-3-5-sonnet-20241022")
	} else if groqKey != "" {
		llm = llmProvider.NewGroqLLM(groqKey, "llama-3.3-70b-versatile")
	} else {
		log.Fatal("Error: set ANTHROPIC_API_KEY or GROQ_API_KEY")
	}

	tts := ttsProvider.NewLokutorTTS(lokutorKey)

	cfg := orchestrator.DefaultConfig()
	cfg.SampleRate = 16000 // wire format: PCM16, 16kHz, mono, little-endian

	var turnLog orchestrator.TurnLogWriter = &orchestrator.NoOpTurnLog{}
	if !*skipDB {
		turnLog = &orchestrator.LoggerTurnLog{Logger: logger}
	}

	orch := orchestrator.NewWithLogger(stt, llm, tts, nil, cfg, logger)
	srv := transport.NewServer(orch, cfg, logger, turnLog)

	statusMux := http.NewServeMux()
	statusMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok sessions=%d\n", srv.ActiveSessions())
	})
	statusAddr := ":" + *httpPort

	ws := uiListener(*wsPort, srv)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("status server listening", "addr", statusAddr)
		errCh <- http.ListenAndServe(statusAddr, statusMux)
	}()
	go func() {
		logger.Info("websocket server listening", "addr", ws.Addr)
		errCh <- ws.ListenAndServe()
	}()

	log.Fatal(<-errCh)
}
