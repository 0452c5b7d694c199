package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joss/kado/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() apperr.Policy {
	p := apperr.DefaultPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	return p
}

func TestScriptedRepliesInOrder(t *testing.T) {
	s := NewScripted("first", "second")
	ctx := context.Background()

	r1, err := s.Complete(ctx, []Message{User("hi")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "first", r1.Content)
	assert.Positive(t, r1.Usage.TotalTokens)

	r2, err := s.Complete(ctx, []Message{User("again")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "second", r2.Content)

	_, err = s.Complete(ctx, nil, Options{})
	assert.ErrorIs(t, err, ErrScriptExhausted)
	assert.Len(t, s.Calls(), 3)
	assert.Equal(t, "again", s.Calls()[1].Messages[0].Content)
}

func TestScriptedErrorAndDelay(t *testing.T) {
	boom := errors.New("boom")
	s := NewScripted().AddError(boom)
	_, err := s.Complete(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, boom)

	slow := NewScripted("late").WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = slow.Complete(ctx, nil, Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScriptedStreamCollect(t *testing.T) {
	s := NewScripted().Add(func(context.Context, []Message, Options) (*Response, error) {
		return &Response{Content: "hello big world", ToolCalls: []ToolCall{{ID: "1", Name: "file_read", Arguments: `{"path":"a"}`}}}, nil
	})
	ch, err := s.Stream(context.Background(), []Message{User("x")}, Options{})
	require.NoError(t, err)

	resp, err := Collect(ch)
	require.NoError(t, err)
	assert.Equal(t, "hello big world", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "tool_use", resp.FinishReason)
}

func TestCollectIncomplete(t *testing.T) {
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Content: "part"}
	close(ch)
	resp, err := Collect(ch)
	assert.ErrorIs(t, err, ErrStreamIncomplete)
	assert.Equal(t, "part", resp.Content)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewScripted())
	r.Register(NewAnthropic("k"))
	assert.Equal(t, []string{"anthropic", "scripted"}, r.Names())

	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be terse", req.System)
		assert.Equal(t, "m-1", req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "user", req.Messages[1].Role)
			assert.Equal(t, "tool_result", req.Messages[1].Content[0].Type)
		}
		assert.Len(t, req.Tools, 1)

		_, _ = w.Write([]byte(`{
			"content":[{"type":"text","text":"Done."},{"type":"tool_use","id":"tu_1","name":"file_read","input":{"path":"a.go"}}],
			"stop_reason":"tool_use",
			"usage":{"input_tokens":10,"output_tokens":5}
		}`))
	}))
	defer srv.Close()

	a := NewAnthropic("test-key", WithBaseURL(srv.URL+"/"), WithModel("m-1"))
	resp, err := a.Complete(context.Background(), []Message{
		System("be terse"),
		User("read a.go"),
		{Role: RoleTool, ToolCallID: "tu_0", Content: "ok"},
	}, Options{Tools: []ToolSpec{{Name: "file_read", Description: "read"}}})
	require.NoError(t, err)

	assert.Equal(t, "Done.", resp.Content)
	assert.Equal(t, "tool_use", resp.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, resp.Usage)
	require.Len(t, resp.ToolCalls, 1)
	assert.JSONEq(t, `{"path":"a.go"}`, resp.ToolCalls[0].Arguments)
}

func TestAnthropicRetriesOverload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	}))
	defer srv.Close()

	a := NewAnthropic("k", WithBaseURL(srv.URL), WithRetry(fastRetry()))
	resp, err := a.Complete(context.Background(), []Message{User("x")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAnthropicClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewAnthropic("k", WithBaseURL(srv.URL), WithRetry(fastRetry()))
	_, err := a.Complete(context.Background(), []Message{User("x")}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.EqualValues(t, 1, calls.Load())
}

func TestAnthropicMissingKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropic("").Complete(context.Background(), nil, Options{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestAnthropicStream(t *testing.T) {
	sse := `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":7,"output_tokens":0}}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}

data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"grep_search"}}

data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"pattern\":"}}

data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"TODO\"}"}}

data: {"type":"content_block_stop","index":1}

data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}

data: {"type":"message_stop"}

`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sse))
	}))
	defer srv.Close()

	ch, err := NewAnthropic("k", WithBaseURL(srv.URL)).Stream(context.Background(), []Message{User("x")}, Options{})
	require.NoError(t, err)
	resp, err := Collect(ch)
	require.NoError(t, err)

	assert.Equal(t, "Hello world", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "grep_search", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"pattern":"TODO"}`, resp.ToolCalls[0].Arguments)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestAnthropicStreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n"))
	}))
	defer srv.Close()

	ch, err := NewAnthropic("k", WithBaseURL(srv.URL)).Stream(context.Background(), []Message{User("x")}, Options{})
	require.NoError(t, err)
	resp, err := Collect(ch)
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, "Hi", resp.Content)
}
