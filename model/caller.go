package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrahq/orchestra/bus"
	"github.com/orchestrahq/orchestra/logging"
)

// TimeoutError reports a model call that exceeded its per-call deadline.
type TimeoutError struct {
	Timeout time.Duration
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("llm call timed out after %s", e.Timeout)
}

// EmptyResponseError reports a generation whose content, tool calls and
// reasoning were all empty across every attempt. Reasoning-only responses
// never produce this error.
type EmptyResponseError struct {
	Attempts int
}

// Error implements error.
func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("model returned an empty response after %d attempt(s)", e.Attempts)
}

// ErrCancelled marks a generation aborted by run cancellation.
var ErrCancelled = errors.New("generation cancelled")

// CallerOptions tune the retry loop.
type CallerOptions struct {
	// Timeout bounds one attempt including all streaming reads. Zero
	// disables the per-call deadline.
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// RetryBaseWait scales the linear backoff: attempt n waits (n+1) times
	// this before retrying.
	RetryBaseWait time.Duration

	Logger logging.Logger
}

// Caller drives a Model through a retrying, timeout-bounded, cancellation
// aware call and publishes streaming frames on the run's event bus. One
// Caller serves one flow; the usage counters aggregate across calls.
type Caller struct {
	model  Model
	bus    *bus.Bus
	runID  string
	flowID string
	opts   CallerOptions
	logger logging.Logger

	mu    sync.Mutex
	usage TokenUsage
}

// NewCaller creates a caller for one flow.
func NewCaller(m Model, b *bus.Bus, runID, flowID string, optFns ...func(o *CallerOptions)) *Caller {
	opts := CallerOptions{
		Timeout:       120 * time.Second,
		MaxRetries:    2,
		RetryBaseWait: 3 * time.Second,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Caller{
		model:  m,
		bus:    b,
		runID:  runID,
		flowID: flowID,
		opts:   opts,
		logger: opts.Logger,
	}
}

// Usage returns the tokens consumed by this caller so far.
func (c *Caller) Usage() TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Call runs the generation with retries. Transport errors, timeouts, empty
// responses and pseudo tool calls emitted as text all retry with linear
// backoff; empty-response retries append escalating corrective messages so
// the model sees why it is being asked again. Cancellation aborts
// immediately with ErrCancelled.
func (c *Caller) Call(ctx context.Context, req Request) (Message, error) {
	attempts := c.opts.MaxRetries + 1
	working := append([]Message(nil), req.Messages...)
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return Message{}, ErrCancelled
		}
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return Message{}, ErrCancelled
			}
		}

		attemptReq := req
		attemptReq.Messages = working
		msg, usage, err := c.attempt(ctx, attemptReq)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return Message{}, ErrCancelled
			}
			lastErr = err
			c.logger.Warn("llm attempt failed", "attempt", attempt, "error", err)
			continue
		}

		if msg.IsEmpty() {
			lastErr = &EmptyResponseError{Attempts: attempt + 1}
			c.logger.Warn("llm returned empty response", "attempt", attempt)
			working = appendCorrective(working, msg, emptyResponseNudge(attempt, attempts))
			continue
		}

		if hasPseudoToolCall(msg) {
			lastErr = fmt.Errorf("model emitted a tool call as text")
			c.logger.Warn("llm emitted pseudo tool call in content", "attempt", attempt)
			working = appendCorrective(working, msg, pseudoToolCallNudge)
			continue
		}

		c.publishResponse(msg, usage)
		return msg, nil
	}
	return Message{}, lastErr
}

// attempt runs one generation with its own stream id and deadline. The
// returned usage is this attempt's alone; the cumulative counter is updated
// as a side effect.
func (c *Caller) attempt(ctx context.Context, req Request) (Message, TokenUsage, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if c.opts.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	streamID := uuid.NewString()
	start := time.Now()
	frames, errCh := c.model.Generate(attemptCtx, req)

	var final *Message
	var usage TokenUsage
	for frame := range frames {
		c.publishChunk(streamID, frame)
		if frame.Kind == FrameDone {
			if frame.Message != nil {
				final = frame.Message
			}
			if frame.Usage != nil {
				usage = *frame.Usage
				c.addUsage(usage)
			}
		}
	}
	if err := <-errCh; err != nil {
		if ctx.Err() != nil {
			return Message{}, usage, ErrCancelled
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			return Message{}, usage, &TimeoutError{Timeout: c.opts.Timeout}
		}
		return Message{}, usage, err
	}
	if ctx.Err() != nil {
		return Message{}, usage, ErrCancelled
	}
	if attemptCtx.Err() == context.DeadlineExceeded {
		return Message{}, usage, &TimeoutError{Timeout: c.opts.Timeout}
	}
	if final == nil {
		return Message{}, usage, fmt.Errorf("model closed the stream without a final message")
	}
	c.logger.Debug("llm call complete",
		"model", c.model.Info().Name, "duration", time.Since(start), "tool_calls", len(final.ToolCalls))
	return *final, usage, nil
}

func (c *Caller) backoff(ctx context.Context, attempt int) error {
	wait := c.opts.RetryBaseWait * time.Duration(attempt)
	if wait <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (c *Caller) addUsage(u TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.PromptTokens += u.PromptTokens
	c.usage.CompletionTokens += u.CompletionTokens
	c.usage.TotalTokens += u.TotalTokens
}

func (c *Caller) publishChunk(streamID string, frame Frame) {
	if c.bus == nil {
		return
	}
	payload := bus.LLMChunkPayload{StreamID: streamID, ModelID: c.model.Info().Name}
	switch frame.Kind {
	case FrameContentDelta:
		payload.Kind = "content"
		payload.Content = frame.Delta
	case FrameReasoningDelta:
		payload.Kind = "reasoning_content"
		payload.Content = frame.Delta
	case FrameToolCallDelta:
		if frame.ToolCall == nil {
			return
		}
		payload.Kind = "tool_args"
		payload.Content = frame.ToolCall.Arguments
	default:
		return
	}
	c.bus.Publish(bus.New(c.runID, c.flowID, bus.EventLLMChunk, payload))
}

func (c *Caller) publishResponse(msg Message, usage TokenUsage) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.New(c.runID, c.flowID, bus.EventLLMResponse, bus.LLMResponsePayload{
		Content:          msg.Content,
		ReasoningContent: msg.ReasoningContent,
		ToolCallCount:    len(msg.ToolCalls),
		ModelID:          c.model.Info().Name,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}))
}

// hasPseudoToolCall detects a tool invocation the model wrote out as text
// instead of a structured call.
func hasPseudoToolCall(msg Message) bool {
	if len(msg.ToolCalls) > 0 {
		return false
	}
	return strings.Contains(msg.Content, "<tool_call>") || strings.Contains(msg.Content, "<tool_code>")
}

// appendCorrective extends the working conversation with the (possibly empty)
// assistant message and a corrective user message for the next attempt.
func appendCorrective(working []Message, assistant Message, nudge string) []Message {
	assistant.Role = RoleAssistant
	return append(working, assistant, Message{Role: RoleUser, Content: nudge})
}

const pseudoToolCallNudge = "Your last response wrote a tool call out as plain text instead of " +
	"invoking it. Use the structured tool calling interface to call tools; do not emit " +
	"<tool_call> or <tool_code> tags in your message content."

func emptyResponseNudge(attempt, attempts int) string {
	switch {
	case attempt == 0:
		return "You just made an empty response with no content and no tool call. " +
			"Respond again with either substantive content or a tool call."
	case attempt+2 >= attempts:
		return "This is your final attempt. Your previous responses were empty. " +
			"You must now respond with substantive content or a tool call, or this turn fails."
	default:
		return "You must ensure that you make a tool call or provide content in your response. " +
			"Empty responses cannot be processed."
	}
}
