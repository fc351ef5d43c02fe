package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/relayforge/reasonflow/internal/engerr"
	"github.com/relayforge/reasonflow/internal/httpclient"
)

// OpenAIConfig configures OpenAICompatClient. BaseURL defaults to OpenAI's
// own host; any OpenAI-compatible gateway (DeepSeek, Kimi, a local proxy)
// works by overriding it, matching spec.md section 6's MODEL_BASE_URL.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAICompatClient talks to any OpenAI-compatible /chat/completions
// endpoint. It is the one concrete Model this engine ships — swappable,
// not load-bearing: anything satisfying Model works in its place.
type OpenAICompatClient struct {
	cfg OpenAIConfig
	hc  *httpclient.Client
}

// NewOpenAICompatClient builds a client, defaulting BaseURL and Timeout.
func NewOpenAICompatClient(cfg OpenAIConfig) *OpenAICompatClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAICompatClient{
		cfg: cfg,
		hc: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(3),
		),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model           string        `json:"model"`
	Messages        []chatMessage `json:"messages"`
	Temperature     float64       `json:"temperature,omitempty"`
	MaxTokens       int           `json:"max_tokens,omitempty"`
	Stream          bool          `json:"stream,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func toChatMessages(messages []Message) []chatMessage {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func (c *OpenAICompatClient) buildRequest(ctx context.Context, messages []Message, opts Options, stream bool) (*http.Request, error) {
	model := opts.Model
	if model == "" {
		model = c.cfg.Model
	}
	body := chatRequest{
		Model:           model,
		Messages:        toChatMessages(messages),
		Temperature:     opts.Temperature,
		MaxTokens:       opts.MaxTokens,
		Stream:          stream,
		ReasoningEffort: opts.ReasoningEffort,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, engerr.Wrap(engerr.KindTransport, "llm.buildRequest", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, engerr.Wrap(engerr.KindTransport, "llm.buildRequest", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	return req, nil
}

// Generate issues a non-streaming chat completion request.
func (c *OpenAICompatClient) Generate(ctx context.Context, messages []Message, opts ...Option) (Response, error) {
	o := resolveOptions(opts)
	req, err := c.buildRequest(ctx, messages, o, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, engerr.Wrap(engerr.KindTransport, "llm.Generate", err)
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, engerr.Wrap(engerr.KindParse, "llm.Generate", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := "request failed"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, engerr.Wrap(engerr.KindTransport, "llm.Generate", fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
	if len(parsed.Choices) == 0 {
		return nil, engerr.Wrap(engerr.KindParse, "llm.Generate", fmt.Errorf("empty choices in response"))
	}
	return TextResponse{Content: parsed.Choices[0].Message.Content}, nil
}

type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// GenerateStream issues a streaming chat completion request and emits text
// deltas as server-sent "data: {...}" lines arrive, terminating on
// "data: [DONE]" or end of stream.
func (c *OpenAICompatClient) GenerateStream(ctx context.Context, messages []Message, opts ...Option) (<-chan StreamChunk, error) {
	o := resolveOptions(opts)
	req, err := c.buildRequest(ctx, messages, o, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, engerr.Wrap(engerr.KindTransport, "llm.GenerateStream", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, engerr.Wrap(engerr.KindTransport, "llm.GenerateStream", fmt.Errorf("status %d", resp.StatusCode))
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				out <- StreamChunk{Err: ctx.Err()}
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				out <- StreamChunk{Done: true}
				return
			}

			var delta streamDelta
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				continue
			}
			for _, choice := range delta.Choices {
				if choice.Delta.Content != "" {
					out <- StreamChunk{Text: choice.Delta.Content}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: engerr.Wrap(engerr.KindTransport, "llm.GenerateStream", err)}
		}
	}()
	return out, nil
}

var _ Model = (*OpenAICompatClient)(nil)
