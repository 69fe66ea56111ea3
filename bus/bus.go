// Package bus implements the per-run broadcast event bus. Publishers are the
// run's flows and tools; subscribers are external consumers (frontends, the
// CLI, tests). Subscribers receive events strictly in publish order through
// bounded buffers; a subscriber that cannot keep up is closed with reason
// slow_consumer so it can never block a publisher.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType tags an event record.
type EventType string

// Event types published during a run.
const (
	EventLLMChunk          EventType = "llm_chunk"
	EventLLMResponse       EventType = "llm_response"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventWorkModulesUpdate EventType = "work_modules_update"
	EventDispatchStart     EventType = "dispatch_start"
	EventDispatchComplete  EventType = "dispatch_complete"
	EventFlowEnd           EventType = "flow_end"
	EventRunEnd            EventType = "run_end"
)

// CloseReason explains why a subscription was terminated.
type CloseReason string

// Subscription close reasons.
const (
	CloseBusShutdown  CloseReason = "bus_shutdown"
	CloseSlowConsumer CloseReason = "slow_consumer"
	CloseUnsubscribed CloseReason = "unsubscribed"
)

// Event is one tagged record on the stream. Payload is a JSON-serializable
// value specific to the event type.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	FlowID    string    `json:"flow_id,omitempty"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// New constructs an event bound to a run and flow.
func New(runID, flowID string, typ EventType, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		FlowID:    flowID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Subscription is one consumer's bounded view of the stream. Read events
// from C; after C is closed, Reason reports why.
type Subscription struct {
	C chan Event

	mu     sync.Mutex
	closed bool
	reason CloseReason
}

// Reason returns the close reason, or "" while the subscription is live.
func (s *Subscription) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscription) close(reason CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.C)
}

// Bus is a per-run broadcast channel. The zero value is not usable; use New.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an open bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: map[*Subscription]struct{}{}}
}

// Subscribe registers a consumer with the given buffer size (minimum 1).
// Subscribing to a closed bus returns an already-closed subscription.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{C: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close(CloseBusShutdown)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close(CloseUnsubscribed)
}

// Publish delivers the event to every live subscriber without blocking. A
// subscriber whose buffer is full is dropped with reason slow_consumer. The
// bus lock is held for the duration of delivery, which serializes publishers
// and guarantees a single total order across all subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
			delete(b.subs, sub)
			sub.close(CloseSlowConsumer)
		}
	}
}

// Close shuts the bus down, closing all subscriptions. Further publishes
// are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.close(CloseBusShutdown)
	}
	b.subs = map[*Subscription]struct{}{}
}

// LLMChunkPayload is the payload of an EventLLMChunk event.
type LLMChunkPayload struct {
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"` // content, reasoning_content, tool_name, tool_args
	Content  string `json:"content"`
	ModelID  string `json:"model_id,omitempty"`
}

// LLMResponsePayload is the payload of an EventLLMResponse event. The token
// counts are per call; zero when the provider reported no usage.
type LLMResponsePayload struct {
	StreamID         string `json:"stream_id"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	ToolCallCount    int    `json:"tool_call_count"`
	ModelID          string `json:"model_id,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	TotalTokens      int    `json:"total_tokens,omitempty"`
}

// ToolCallPayload is the payload of an EventToolCall event.
type ToolCallPayload struct {
	CallID    string `json:"call_id"`
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
}

// ToolResultPayload is the payload of an EventToolResult event.
type ToolResultPayload struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// FlowEndPayload is the payload of an EventFlowEnd event.
type FlowEndPayload struct {
	AgentProfile string `json:"agent_profile"`
	Outcome      string `json:"outcome"` // success, error, cancelled
	Error        string `json:"error,omitempty"`
}

// DispatchStartPayload is the payload of an EventDispatchStart event.
type DispatchStartPayload struct {
	DispatchID string   `json:"dispatch_id"`
	ModuleIDs  []string `json:"module_ids"`
}

// DispatchCompletePayload is the payload of an EventDispatchComplete event.
type DispatchCompletePayload struct {
	DispatchID string            `json:"dispatch_id"`
	Outcomes   map[string]string `json:"outcomes"` // module id -> outcome
}

// RunEndPayload is the payload of an EventRunEnd event.
type RunEndPayload struct {
	Outcome string `json:"outcome"` // success, error, cancelled
	Error   string `json:"error,omitempty"`
}
