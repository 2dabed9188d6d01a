package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultOllamaURL = "http://localhost:11434"
	ollamaTimeout    = 120 * time.Second
)

// Ollama answers fallback queries with a locally running Ollama model.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewOllama creates a client for model served at baseURL.
func NewOllama(baseURL, model string, logger *zap.Logger) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: ollamaTimeout},
		logger:     logger,
	}
}

// IsRunning reports whether the Ollama server answers on its tags endpoint.
func (o *Ollama) IsRunning(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Answer sends req to /api/chat with JSON output requested. Token usage is
// the sum of prompt and completion eval counts.
func (o *Ollama) Answer(ctx context.Context, req Request) (Answer, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    o.model,
		Messages: buildMessages(req),
		Stream:   false,
		Format:   "json",
		Options:  map[string]any{"temperature": 0.2},
	})
	if err != nil {
		return Answer{}, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Answer{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return Answer{}, fmt.Errorf("ollama chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Answer{}, fmt.Errorf("ollama chat: status %d: %s", resp.StatusCode, string(respBody))
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Answer{}, fmt.Errorf("decoding ollama response: %w", err)
	}
	tokens := out.PromptEvalCount + out.EvalCount
	o.logger.Debug("fallback: ollama answered",
		zap.String("model", o.model),
		zap.Int64("tokens", tokens),
		zap.Duration("elapsed", time.Since(start)),
	)
	return parseReply(out.Message.Content, tokens), nil
}
