package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lokutor-ai/turnkeeper/pkg/audio"
	"github.com/lokutor-ai/turnkeeper/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/turnkeeper/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/turnkeeper/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/turnkeeper/pkg/providers/tts"
)

const SampleRate = 16000

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	llmProviderName := os.Getenv("LLM_PROVIDER")
	if llmProviderName == "" {
		llmProviderName = "groq"
	}

	lang := orchestrator.Language(os.Getenv("AGENT_LANGUAGE"))
	if lang == "" {
		lang = orchestrator.LanguageEs
	}

	if lokutorKey == "" {
		log.Fatal("Error: LOKUTOR_API_KEY must be set.")
	}
	if deepgramKey == "" {
		log.Fatal("Error: DEEPGRAM_API_KEY must be set (the live mic demo needs a StreamingSTTProvider).")
	}
	stt := sttProvider.NewDeepgramSTT(deepgramKey)

	var llm orchestrator.LLMProvider
	switch llmProviderName {
	case "openai":
		if openaiKey == "" {
			log.Fatal("Error: OPENAI_API_KEY must be set for openai LLM")
		}
		llm = llmProvider.NewOpenAILLM(openaiKey, "gpt-4o")
	case "anthropic":
		if anthropicKey == "" {
			log.Fatal("Error: ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		llm = llmProvider.NewAnthropicLLM(anthropicKey, "claude-3-5-sonnet-20241022")
	case "google":
		if googleKey == "" {
			log.Fatal("Error: GOOGLE_API_KEY must be set for google LLM")
		}
		llm = llmProvider.NewGoogleLLM(googleKey, "gemini-1.5-flash")
	case "ollama":
		host := os.Getenv("OLLAMA_HOST")
		if host == "" {
			host = "http://localhost:11434"
		}
		model := os.Getenv("OLLAMA_MODEL")
		if model == "" {
			model = "llama3.2"
		}
		ollama, err := llmProvider.NewOllamaLLM(host, model)
		if err != nil {
			log.Fatal(err)
		}
		llm = ollama
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			log.Fatal("Error: GROQ_API_KEY must be set for groq LLM")
		}
		llm = llmProvider.NewGroqLLM(groqKey, "llama-3.3-70b-versatile")
	}

	tts := ttsProvider.NewLokutorTTS(lokutorKey)

	systemPrompt := "You are a helpful and concise voice assistant. Use short sentences suitable for speech."
	if lang == orchestrator.LanguageEs {
		systemPrompt = "Eres un asistente de voz útil y conciso. Usa frases cortas adecuadas para el habla."
	}

	logger := orchestrator.NewSlogLogger(os.Getenv("LOG_LEVEL"))

	// AGENT_MODE=text runs a non-streaming text REPL through Conversation
	// instead of the live mic/speaker path — useful for exercising the LLM
	// and TTS providers without an audio device (e.g. over SSH, or in CI).
	if os.Getenv("AGENT_MODE") == "text" {
		runTextChat(stt, llm, tts, lang, systemPrompt)
		return
	}

	fmt.Printf("Configured: STT=deepgram (streaming) | LLM=%s | TTS=Lokutor\n", llmProviderName)
	fmt.Printf("Sample Rate: %dHz | Language: %s\n", SampleRate, lang)
	fmt.Println("Voice Agent Started! Listening to microphone...")
	fmt.Println("Press Ctrl+C to exit")

	config := orchestrator.DefaultConfig()
	config.Language = lang
	config.SampleRate = SampleRate

	orch := orchestrator.NewWithLogger(stt, llm, tts, nil, config, logger)

	session := orch.NewSessionWithDefaults("user_123")
	orch.SetSystemPrompt(session, systemPrompt)

	turnLog := &orchestrator.LoggerTurnLog{Logger: logger}

	var bridge *audio.Bridge
	var tc *orchestrator.TurnController

	onCapture := func(chunk []byte, _ *orchestrator.VADEvent) {
		if tc != nil {
			tc.Write(chunk)
		}
	}

	// The suppressor instance lives inside the controller's recognition path.
	// NewBridge starts the device before tc is assigned below, so both
	// callbacks skip their work until tc is set.
	echoTap := func(chunk []byte) {
		if tc != nil {
			if es := tc.EchoSuppressor(); es != nil {
				es.RecordPlayedAudio(chunk)
			}
		}
	}

	var err error
	bridge, err = audio.NewBridge(config, nil, echoTap, onCapture)
	if err != nil {
		log.Fatal(err)
	}
	defer bridge.Close()

	tc, err = orch.NewTurnController(orchestrator.NewSessionID(), session, bridge, turnLog)
	if err != nil {
		log.Fatal(err)
	}
	defer tc.Close()

	go func() {
		for event := range tc.Events() {
			switch event.Type {
			case orchestrator.TranscriptionUpdate:
				fmt.Printf("\r\033[K📝 [ASR] %s\n", event.Data.(string))
			case orchestrator.UserMessage:
				fmt.Printf("\r\033[K🎤 [USER] %s\n", event.Data.(string))
			case orchestrator.AIResponse:
				fmt.Printf("\r\033[K🧠 [LLM] %s\n", event.Data.(string))
			case orchestrator.SpeechStarted:
				fmt.Printf("\r\033[K🔊 [TTS] Speaking...\n")
			case orchestrator.SpeechEnded:
				fmt.Printf("\r\033[K🔇 [TTS] Done.\n")
			case orchestrator.Interrupted:
				fmt.Printf("\r\033[K🛑 [INTERRUPTED] User started talking.\n")
			case orchestrator.StateChanged:
				fmt.Printf("\r\033[K[STATE] %v\n", event.Data)
			case orchestrator.ErrorEvent:
				fmt.Printf("\r\033[K❌ [ERROR] %v\n", event.Data)
			}
		}
	}()

	if err := tc.Start(lang); err != nil {
		log.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Printf("\nShutting down...\n")
}

// runTextChat drives Conversation's non-streaming text path from stdin: one
// line in, one reply out, skipping the audio bridge, recognition, and turn
// controller entirely since there is no audio involved. It exists alongside
// the live voice path above as its batch counterpart.
func runTextChat(stt orchestrator.STTProvider, llm orchestrator.LLMProvider, tts orchestrator.TTSProvider, lang orchestrator.Language, systemPrompt string) {
	config := orchestrator.DefaultConfig()
	config.Language = lang

	conv := orchestrator.NewConversationWithConfig(stt, llm, tts, config)
	conv.SetSystemPrompt(systemPrompt)

	fmt.Println("Text chat mode. Type a message and press Enter; Ctrl+D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply, err := conv.TextOnly(context.Background(), line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("%s\n", reply)
	}
	fmt.Println("\nShutting down...")
}
