package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrahq/orchestra/bus"
)

// recordingModel captures every request so tests can inspect the corrective
// messages the caller appends between attempts.
type recordingModel struct {
	*MockModel
	requests []Request
}

func (r *recordingModel) Generate(ctx context.Context, req Request) (<-chan Frame, <-chan error) {
	r.requests = append(r.requests, req)
	return r.MockModel.Generate(ctx, req)
}

func fastOpts(o *CallerOptions) {
	o.RetryBaseWait = 0
	o.Timeout = 5 * time.Second
}

func TestCallSuccess(t *testing.T) {
	m := NewMockModel("test").Script(Message{Content: "hello"})
	b := bus.NewBus()
	defer b.Close()
	sub := b.Subscribe(16)

	c := NewCaller(m, b, "run", "flow", fastOpts)
	msg, err := c.Call(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Stream:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)

	chunk := <-sub.C
	assert.Equal(t, bus.EventLLMChunk, chunk.Type)
	payload := chunk.Payload.(bus.LLMChunkPayload)
	assert.Equal(t, "content", payload.Kind)
	assert.Equal(t, "hello", payload.Content)

	resp := <-sub.C
	assert.Equal(t, bus.EventLLMResponse, resp.Type)
	assert.Equal(t, "hello", resp.Payload.(bus.LLMResponsePayload).Content)
}

func TestCallRetriesEmptyResponse(t *testing.T) {
	inner := NewMockModel("test").
		Script(Message{}).
		Script(Message{Content: "recovered"})
	m := &recordingModel{MockModel: inner}

	c := NewCaller(m, nil, "run", "flow", fastOpts)
	msg, err := c.Call(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", msg.Content)

	require.Len(t, m.requests, 2)
	second := m.requests[1].Messages
	require.Len(t, second, 3, "empty assistant turn plus corrective user message")
	assert.Equal(t, RoleAssistant, second[1].Role)
	assert.Equal(t, RoleUser, second[2].Role)
	assert.Contains(t, second[2].Content, "empty response")
}

func TestCallEmptyAfterAllAttempts(t *testing.T) {
	m := NewMockModel("test").Script(Message{}).Script(Message{}).Script(Message{})

	c := NewCaller(m, nil, "run", "flow", fastOpts)
	_, err := c.Call(context.Background(), Request{})

	var emptyErr *EmptyResponseError
	require.ErrorAs(t, err, &emptyErr)
	assert.Equal(t, 3, emptyErr.Attempts)
}

func TestCallFinalAttemptNudgeEscalates(t *testing.T) {
	inner := NewMockModel("test").Script(Message{}).Script(Message{}).Script(Message{Content: "ok"})
	m := &recordingModel{MockModel: inner}

	c := NewCaller(m, nil, "run", "flow", fastOpts)
	_, err := c.Call(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	require.Len(t, m.requests, 3)
	last := m.requests[2].Messages
	assert.Contains(t, last[len(last)-1].Content, "final attempt")
}

func TestCallReasoningOnlyIsNotEmpty(t *testing.T) {
	m := NewMockModel("test").Script(Message{ReasoningContent: "thinking it through"})

	c := NewCaller(m, nil, "run", "flow", fastOpts)
	msg, err := c.Call(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "thinking it through", msg.ReasoningContent)
}

func TestCallRetriesPseudoToolCall(t *testing.T) {
	inner := NewMockModel("test").
		Script(Message{Content: "<tool_call>finish_flow()</tool_call>"}).
		Script(Message{ToolCalls: []ToolCall{{ID: "c1", Name: "finish_flow", Arguments: "{}"}}})
	m := &recordingModel{MockModel: inner}

	c := NewCaller(m, nil, "run", "flow", fastOpts)
	msg, err := c.Call(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 1)

	require.Len(t, m.requests, 2)
	second := m.requests[1].Messages
	assert.Contains(t, second[len(second)-1].Content, "structured tool calling")
}

func TestCallRetriesTransportError(t *testing.T) {
	m := NewMockModel("test").
		ScriptError(errors.New("connection reset")).
		Script(Message{Content: "ok"})

	c := NewCaller(m, nil, "run", "flow", fastOpts)
	msg, err := c.Call(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
}

func TestCallTransportErrorExhausted(t *testing.T) {
	m := NewMockModel("test").
		ScriptError(errors.New("connection reset")).
		ScriptError(errors.New("connection reset")).
		ScriptError(errors.New("connection reset"))

	c := NewCaller(m, nil, "run", "flow", fastOpts)
	_, err := c.Call(context.Background(), Request{})
	assert.ErrorContains(t, err, "connection reset")
}

// usageModel reports fixed token usage on its final frame.
type usageModel struct{}

func (usageModel) Generate(ctx context.Context, req Request) (<-chan Frame, <-chan error) {
	frameCh := make(chan Frame, 1)
	errCh := make(chan error, 1)
	frameCh <- Frame{
		Kind:    FrameDone,
		Message: &Message{Role: RoleAssistant, Content: "counted"},
		Usage:   &TokenUsage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19},
	}
	close(frameCh)
	close(errCh)
	return frameCh, errCh
}

func (usageModel) Info() Info { return Info{Name: "usage", Provider: "mock"} }

func TestCallPublishesTokenUsage(t *testing.T) {
	b := bus.NewBus()
	defer b.Close()
	sub := b.Subscribe(16)

	c := NewCaller(usageModel{}, b, "run", "flow", fastOpts)
	_, err := c.Call(context.Background(), Request{})
	require.NoError(t, err)

	resp := <-sub.C
	require.Equal(t, bus.EventLLMResponse, resp.Type)
	payload := resp.Payload.(bus.LLMResponsePayload)
	assert.Equal(t, 12, payload.PromptTokens)
	assert.Equal(t, 7, payload.CompletionTokens)
	assert.Equal(t, 19, payload.TotalTokens)

	assert.Equal(t, TokenUsage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19}, c.Usage())
}

func TestCallCancellation(t *testing.T) {
	m := NewMockModel("test").Script(Message{Content: "never seen"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCaller(m, nil, "run", "flow", fastOpts)
	_, err := c.Call(ctx, Request{})
	assert.ErrorIs(t, err, ErrCancelled)
}
