package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	// maxDescriptions caps how much of the pattern store goes into a prompt.
	maxDescriptions = 50
	// unstructuredConfidence is reported when the model ignores the JSON format.
	unstructuredConfidence = 0.5
)

const systemPrompt = `You answer analytic questions about business data.
The following precomputed analyses exist; suggest the closest ones when relevant:
%s
Reply with a JSON object: {"message": string, "suggestions": [string], "confidence": number between 0 and 1}.`

// Client is an OpenAI-compatible chat completions client.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for model at baseURL. An empty baseURL means
// OpenRouter.
func NewClient(apiKey, baseURL, model string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
}

// Answer asks the model about req.Query, retrying on HTTP 429 with
// exponential backoff.
func (c *Client) Answer(ctx context.Context, req Request) (Answer, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return Answer{}, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.doChat(ctx, body)
		if err == nil {
			return parseAnswer(resp), nil
		}
		if !isRateLimit(err) {
			return Answer{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			c.logger.Debug("fallback: rate limited, backing off", zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return Answer{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return Answer{}, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) buildRequest(req Request) chatRequest {
	return chatRequest{
		Model:          c.model,
		Messages:       buildMessages(req),
		Temperature:    0.2,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
}

// buildMessages renders the system prompt with the known analyses and the
// role-tagged user query.
func buildMessages(req Request) []chatMessage {
	descs := req.Descriptions
	if len(descs) > maxDescriptions {
		descs = descs[:maxDescriptions]
	}
	var list strings.Builder
	for _, d := range descs {
		list.WriteString("- ")
		list.WriteString(d)
		list.WriteByte('\n')
	}
	user := req.Query
	if req.Role != "" {
		user = fmt.Sprintf("[%s] %s", req.Role, req.Query)
	}
	return []chatMessage{
		{Role: "system", Content: fmt.Sprintf(systemPrompt, list.String())},
		{Role: "user", Content: user},
	}
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *Client) doChat(ctx context.Context, body []byte) (chatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return chatResponse{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Title", "qroute")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return chatResponse{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return chatResponse{}, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return chatResponse{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return chatResponse{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Choices) == 0 {
		return chatResponse{}, errors.New("response has no choices")
	}
	return out, nil
}

func parseAnswer(resp chatResponse) Answer {
	return parseReply(resp.Choices[0].Message.Content, resp.Usage.TotalTokens)
}

// parseReply reads the model's JSON reply. Plain-text replies are kept as
// the message with a neutral confidence.
func parseReply(raw string, tokens int64) Answer {
	content := strings.TrimSpace(raw)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```"), "```")

	ans := Answer{TokensUsed: tokens}
	var reply modelReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &reply); err != nil || reply.Message == "" {
		ans.Message = raw
		ans.Confidence = unstructuredConfidence
		return ans
	}
	ans.Message = reply.Message
	ans.Suggestions = reply.Suggestions
	ans.Confidence = math.Max(0, math.Min(1, reply.Confidence))
	return ans
}
