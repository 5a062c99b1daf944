package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/lokutor-ai/turnkeeper/pkg/orchestrator"
)

// OllamaLLM talks to a local or remote Ollama server. As with the hosted
// providers, messages (including history) are supplied by the caller per
// call, since the Response Pipeline itself owns the per-session context.
type OllamaLLM struct {
	client *api.Client
	model  string
}

// NewOllamaLLM dials host (e.g. "http://localhost:11434") and targets model
// (e.g. "llama3.2"). The http.Client is tuned for low-latency repeated calls
// to a local daemon.
func NewOllamaLLM(host, model string) (*OllamaLLM, error) {
	host = strings.TrimSuffix(host, "/")
	parsed, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}

	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &OllamaLLM{
		client: api.NewClient(parsed, httpClient),
		model:  model,
	}, nil
}

func (l *OllamaLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	apiMessages := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		apiMessages = append(apiMessages, api.Message{Role: m.Role, Content: m.Content})
	}

	stream := false
	var response api.ChatResponse
	err := l.client.Chat(ctx, &api.ChatRequest{
		Model:    l.model,
		Messages: apiMessages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": 0.7,
			"num_predict": 150,
			"num_ctx":     1024,
		},
	}, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat request failed: %w", err)
	}

	return strings.TrimSpace(response.Message.Content), nil
}

func (l *OllamaLLM) Name() string {
	return "ollama-llm"
}

// HealthCheck verifies the Ollama server is reachable.
func (l *OllamaLLM) HealthCheck(ctx context.Context) error {
	if err := l.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("cannot reach ollama: %w", err)
	}
	return nil
}
