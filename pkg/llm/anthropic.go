package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/joss/kado/internal/apperr"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	// DefaultAnthropicModel is used when neither the provider nor the call
	// names a model.
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
)

// HTTPClient is the subset of *http.Client the providers use.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Anthropic talks to the Messages API.
type Anthropic struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    HTTPClient
	policy    apperr.Policy
}

// AnthropicOption configures an Anthropic provider.
type AnthropicOption func(*Anthropic)

func WithBaseURL(u string) AnthropicOption {
	return func(a *Anthropic) {
		if u != "" {
			a.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithModel(m string) AnthropicOption {
	return func(a *Anthropic) {
		if m != "" {
			a.model = m
		}
	}
}

func WithMaxTokens(n int) AnthropicOption {
	return func(a *Anthropic) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

func WithHTTPClient(c HTTPClient) AnthropicOption {
	return func(a *Anthropic) { a.client = c }
}

// WithRetry replaces the retry policy applied to Complete and to opening a
// stream.
func WithRetry(p apperr.Policy) AnthropicOption {
	return func(a *Anthropic) { a.policy = p }
}

// NewAnthropic creates a provider. An empty key falls back to
// ANTHROPIC_API_KEY.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *Anthropic {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	a := &Anthropic{
		apiKey:    apiKey,
		baseURL:   anthropicBaseURL,
		model:     DefaultAnthropicModel,
		maxTokens: defaultMaxTokens,
		client:    &http.Client{},
		policy:    apperr.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u anthropicUsage) usage() Usage {
	return Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

type anthropicResponse struct {
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

func (a *Anthropic) buildRequest(messages []Message, opts Options, stream bool) anthropicRequest {
	req := anthropicRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Stream:      stream,
		Temperature: opts.Temperature,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}

	var system []string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleTool:
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    "user",
				Content: []contentPart{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}},
			})
		case RoleAssistant:
			var parts []contentPart
			if m.Content != "" {
				parts = append(parts, contentPart{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := map[string]any{}
				_ = json.Unmarshal([]byte(tc.Arguments), &input)
				parts = append(parts, contentPart{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: parts})
		default:
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    "user",
				Content: []contentPart{{Type: "text", Text: m.Content}},
			})
		}
	}
	req.System = strings.Join(system, "\n\n")

	for _, t := range opts.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return req
}

// post sends body and returns the response on HTTP 200. Transport failures
// and 429/5xx gateway statuses are infrastructure errors and retried.
func (a *Anthropic) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	if a.apiKey == "" {
		return nil, apperr.Validation("anthropic", "no API key configured (set ANTHROPIC_API_KEY)")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return apperr.Retry(ctx, a.policy, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)

		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, apperr.Infrastructure("anthropic", err)
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		herr := fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable,
			http.StatusGatewayTimeout, 529:
			return nil, apperr.Infrastructure("anthropic", herr)
		}
		return nil, apperr.Wrap(apperr.KindExecution, "anthropic", herr)
	})
}

func (a *Anthropic) Complete(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	resp, err := a.post(ctx, a.buildRequest(messages, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var data anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, apperr.Wrap(apperr.KindExecution, "anthropic", fmt.Errorf("decode response: %w", err))
	}

	out := &Response{FinishReason: data.StopReason, Usage: data.Usage.usage()}
	if out.FinishReason == "" {
		out.FinishReason = "end_turn"
	}
	var b strings.Builder
	for _, block := range data.Content {
		switch block.Type {
		case "text":
			b.WriteString(block.Text)
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			if block.Input == nil {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: string(args)})
		}
	}
	out.Content = b.String()
	return out, nil
}

type streamEvent struct {
	Type         string          `json:"type"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *Anthropic) Stream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	resp, err := a.post(ctx, a.buildRequest(messages, opts, true))
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 64)
	go streamResponse(ctx, resp.Body, ch)
	return ch, nil
}

// streamResponse parses server-sent events into chunks and finishes with
// exactly one Done chunk. Readers must drain the channel or cancel ctx.
func streamResponse(ctx context.Context, body io.ReadCloser, ch chan<- StreamChunk) {
	defer close(ch)
	defer body.Close()

	send := func(c StreamChunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	finish := func(c StreamChunk) {
		c.Done = true
		select {
		case ch <- c:
		case <-ctx.Done():
		}
	}

	var usage Usage
	var toolID, toolName string
	var toolInput bytes.Buffer

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			finish(StreamChunk{Usage: &usage})
			return
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				toolID, toolName = ev.ContentBlock.ID, ev.ContentBlock.Name
				toolInput.Reset()
			}
		case "content_block_delta":
			var delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			}
			_ = json.Unmarshal(ev.Delta, &delta)
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !send(StreamChunk{Content: delta.Text}) {
					finish(StreamChunk{Err: ctx.Err()})
					return
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if toolID != "" {
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				if !send(StreamChunk{ToolCall: &ToolCall{ID: toolID, Name: toolName, Arguments: args}}) {
					finish(StreamChunk{Err: ctx.Err()})
					return
				}
				toolID, toolName = "", ""
			}
		case "message_delta":
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			finish(StreamChunk{Usage: &usage})
			return
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Type + ": " + ev.Error.Message
			}
			finish(StreamChunk{Err: apperr.New(apperr.KindInfrastructure, "anthropic", msg)})
			return
		}
	}

	err := scanner.Err()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil {
		err = apperr.New(apperr.KindInfrastructure, "anthropic", "stream ended without message_stop")
	}
	finish(StreamChunk{Err: err})
}

var _ Provider = (*Anthropic)(nil)
