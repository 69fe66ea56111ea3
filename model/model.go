package model

import (
	"context"
	"fmt"
	"strings"
)

// Role values used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall represents a function call request surfaced by a model provider.
// Unified across vendors so downstream logic does not need per-provider branching.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string of arguments
}

// Message is one chat turn in normalized form. ReasoningContent carries
// provider-specific thinking output when present; it never round-trips back
// to the provider.
type Message struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID and Name are set on role=tool messages carrying a tool result.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Request captures the normalized model input produced by flows.
type Request struct {
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Stream   bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FrameKind tags a streaming frame.
type FrameKind string

// Frame kinds emitted during a streaming generation.
const (
	FrameContentDelta   FrameKind = "content_delta"
	FrameReasoningDelta FrameKind = "reasoning_delta"
	FrameToolCallDelta  FrameKind = "tool_call_delta"
	FrameDone           FrameKind = "done"
)

// Frame is a (partial or final) chunk emitted by a streaming model. Delta
// carries the incremental text for delta kinds; Message is set only on the
// terminal FrameDone frame and holds the fully aggregated assistant message.
type Frame struct {
	Kind         FrameKind   `json:"kind"`
	Delta        string      `json:"delta,omitempty"`
	ToolCall     *ToolCall   `json:"tool_call,omitempty"` // partially aggregated call for FrameToolCallDelta
	Message      *Message    `json:"message,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by the caller to drive generation.
// Implementations stream frames on the returned channel and close it when the
// generation completes; a terminal transport error is sent on the error channel.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Frame, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// IsEmpty reports whether the message carries no content, no tool calls and
// no reasoning. Reasoning-only messages are NOT empty.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == "" &&
		len(m.ToolCalls) == 0 &&
		strings.TrimSpace(m.ReasoningContent) == ""
}

// FirstToolCall returns the first tool call of the message, or nil.
func (m Message) FirstToolCall() *ToolCall {
	if len(m.ToolCalls) == 0 {
		return nil
	}
	tc := m.ToolCalls[0]
	return &tc
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Responses are consumed in registration order; each Script entry produces
// one full generation (optional reasoning and content deltas followed by the
// aggregated Done frame).
type MockModel struct {
	info    Info
	scripts []Message
	errs    []error
	cursor  int
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info: Info{Name: name, Provider: "mock", SupportsTools: true},
	}
}

// Script appends a canned assistant message returned by the next Generate call.
func (m *MockModel) Script(msg Message) *MockModel {
	m.scripts = append(m.scripts, msg)
	m.errs = append(m.errs, nil)
	return m
}

// ScriptError appends a transport error returned by the next Generate call.
func (m *MockModel) ScriptError(err error) *MockModel {
	m.scripts = append(m.scripts, Message{})
	m.errs = append(m.errs, err)
	return m
}

// Generate implements Model; emits optional streaming chunks then the final frame.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Frame, <-chan error) {
	frameCh := make(chan Frame, 16)
	errCh := make(chan error, 1)

	var msg Message
	var scriptedErr error
	if m.cursor < len(m.scripts) {
		msg = m.scripts[m.cursor]
		scriptedErr = m.errs[m.cursor]
		m.cursor++
	} else {
		msg = Message{Role: RoleAssistant, Content: fmt.Sprintf("Mock response %d", m.cursor)}
		m.cursor++
	}

	go func() {
		defer close(frameCh)
		defer close(errCh)

		if scriptedErr != nil {
			errCh <- scriptedErr
			return
		}
		if req.Stream {
			if msg.ReasoningContent != "" {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case frameCh <- Frame{Kind: FrameReasoningDelta, Delta: msg.ReasoningContent}:
				}
			}
			if msg.Content != "" {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case frameCh <- Frame{Kind: FrameContentDelta, Delta: msg.Content}:
				}
			}
		}
		final := msg
		final.Role = RoleAssistant
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case frameCh <- Frame{Kind: FrameDone, Message: &final, FinishReason: "stop"}:
		}
	}()
	return frameCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
