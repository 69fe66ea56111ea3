package state

import (
	"sync"

	"github.com/orchestrahq/orchestra/model"
)

// ConsumptionPolicy controls whether an inbox item survives being rendered
// into a prompt.
type ConsumptionPolicy string

// Inbox consumption policies.
const (
	ConsumeOnRead ConsumptionPolicy = "consume_on_read"
	Persistent    ConsumptionPolicy = "persistent"
)

// InboxItem is a queued piece of synthetic context injected into the next
// turn's prompt. IngestorID names the formatter used to render the payload.
type InboxItem struct {
	Source     string            `json:"source"`
	Payload    any               `json:"payload"`
	IngestorID string            `json:"ingestor_id"`
	Policy     ConsumptionPolicy `json:"consumption_policy"`
	Params     map[string]any    `json:"params,omitempty"`
}

// FlowState holds the per-agent, per-run mutable state: the conversation,
// the inbox, observer counters and the tool call the agent just emitted.
// A FlowState is only ever mutated from its own flow goroutine; the accessor
// locking exists for cross-flow reads (dispatch inheritance, state dumps).
type FlowState struct {
	mu            sync.RWMutex
	messages      []model.Message
	inbox         []InboxItem
	currentAction *model.ToolCall

	// Flags is the counter tree addressed by observers as "state.flags.*".
	Flags *Tree
}

// NewFlowState creates an empty flow state.
func NewFlowState() *FlowState {
	return &FlowState{Flags: NewTree()}
}

// Messages returns a copy of the message history.
func (f *FlowState) Messages() []model.Message {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]model.Message, len(f.messages))
	copy(out, f.messages)
	return out
}

// MessageCount returns the number of recorded messages.
func (f *FlowState) MessageCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.messages)
}

// AppendMessage records a chat turn.
func (f *FlowState) AppendMessage(msg model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

// CurrentAction returns the tool call emitted on the current turn, or nil.
func (f *FlowState) CurrentAction() *model.ToolCall {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.currentAction
}

// SetCurrentAction records (or clears, with nil) the turn's tool call.
func (f *FlowState) SetCurrentAction(tc *model.ToolCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentAction = tc
}

// PushInbox enqueues an item for the next turn.
func (f *FlowState) PushInbox(item InboxItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, item)
}

// DrainInbox returns all queued items and removes those whose policy is
// consume_on_read. Persistent items remain queued for subsequent turns.
func (f *FlowState) DrainInbox() []InboxItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]InboxItem, len(f.inbox))
	copy(out, f.inbox)
	var kept []InboxItem
	for _, it := range f.inbox {
		if it.Policy == Persistent {
			kept = append(kept, it)
		}
	}
	f.inbox = kept
	return out
}

// InboxLen returns the number of queued inbox items.
func (f *FlowState) InboxLen() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.inbox)
}

// Lookup implements View over the flow state, exposing the canonical paths
// "messages", "inbox", "current_action" and "flags.*" to condition rules.
func (f *FlowState) Lookup(path string) (any, bool) {
	first, rest, _ := cut(path)
	switch first {
	case "flags":
		if rest == "" {
			return f.Flags.Snapshot(), true
		}
		return f.Flags.Lookup(rest)
	case "messages":
		f.mu.RLock()
		defer f.mu.RUnlock()
		return Resolve(messagesAsAny(f.messages), rest)
	case "inbox":
		f.mu.RLock()
		defer f.mu.RUnlock()
		items := make([]any, len(f.inbox))
		for i, it := range f.inbox {
			items[i] = map[string]any{"source": it.Source, "ingestor_id": it.IngestorID}
		}
		return Resolve(items, rest)
	case "current_action":
		f.mu.RLock()
		defer f.mu.RUnlock()
		if f.currentAction == nil {
			return nil, false
		}
		return Resolve(map[string]any{
			"id":        f.currentAction.ID,
			"name":      f.currentAction.Name,
			"arguments": f.currentAction.Arguments,
		}, rest)
	default:
		return nil, false
	}
}

func messagesAsAny(msgs []model.Message) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		mm := map[string]any{"role": m.Role, "content": m.Content}
		if m.ReasoningContent != "" {
			mm["reasoning_content"] = m.ReasoningContent
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]any, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				calls[j] = map[string]any{"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments}
			}
			mm["tool_calls"] = calls
		}
		out[i] = mm
	}
	return out
}

func cut(path string) (first, rest string, found bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:], true
		}
	}
	return path, "", false
}
