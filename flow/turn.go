package flow

import (
	"context"
	"errors"
	"strings"

	"github.com/orchestrahq/orchestra/bus"
	"github.com/orchestrahq/orchestra/expr"
	"github.com/orchestrahq/orchestra/model"
	"github.com/orchestrahq/orchestra/profile"
	"github.com/orchestrahq/orchestra/state"
	"github.com/orchestrahq/orchestra/tool"
)

// decision is the turn engine's verdict: end the flow with result, or take
// another turn.
type decision struct {
	end    bool
	result Result
}

func endWith(outcome Outcome, errMsg string) decision {
	return decision{end: true, result: Result{Outcome: outcome, ErrorMessage: errMsg}}
}

// runTurn executes one full turn: pre-turn observers, prompt assembly, the
// LLM call, tool execution, post-turn observers and the flow decider. An
// observer's end_agent_turn skips the LLM but post-turn observers still run
// so counters stay coherent.
func (f *Flow) runTurn(ctx context.Context) decision {
	f.fstate.SetCurrentAction(nil)

	var pendingEnd *Result
	if r := f.runObservers(f.profile.PreTurnObservers); r != nil {
		pendingEnd = r
	} else {
		if r := f.llmAndTool(ctx); r != nil {
			if r.Outcome == OutcomeCancelled {
				return decision{end: true, result: *r}
			}
			pendingEnd = r
		}
	}

	if r := f.runObservers(f.profile.PostTurnObservers); r != nil && pendingEnd == nil {
		pendingEnd = r
	}
	if pendingEnd != nil {
		return decision{end: true, result: *pendingEnd}
	}

	// A tool may have settled the flow (submission, finish_flow).
	if outcome := f.toolCtx.FlowOutcome(); outcome != nil {
		switch outcome.Status {
		case "error":
			return endWith(OutcomeError, outcome.ErrorMessage)
		default:
			return endWith(OutcomeSuccess, "")
		}
	}

	// A tool not flagged EndsTurn leaves the agent in control: the flow takes
	// the next turn directly, without consulting the decider. Ends-turn tools
	// (and turns with no tool call) always go through the decider.
	if action := f.fstate.CurrentAction(); action != nil {
		if def := f.tools.Get(action.Name); def != nil && !def.EndsTurn {
			return decision{}
		}
	}

	return f.decide()
}

// llmAndTool runs steps 2-5 of the turn: prompt, LLM call, message recording
// and tool execution. A non-nil result is terminal for the turn: cancelled
// propagates immediately, error results come from malformed profile
// expressions. LLM failures after retries are not terminal here; they are
// recorded in state.flags for the observers and decider to act on.
func (f *Flow) llmAndTool(ctx context.Context) *Result {
	visible := f.tools.VisibleFor(f.profile.ToolAccessPolicy)
	contributed := f.toolCtx.DrainContributedContext()

	msgs, err := f.assembler.Build(f.profile, f.view, f.fstate, visible, contributed)
	if err != nil {
		f.logger.Error("prompt assembly failed", "flow_id", f.id, "error", err)
		return &Result{Outcome: OutcomeError, ErrorMessage: err.Error()}
	}

	msg, err := f.caller.Call(ctx, model.Request{
		Messages: msgs,
		Tools:    tool.ModelDefinitions(visible),
		Stream:   true,
	})
	if err != nil {
		if errors.Is(err, model.ErrCancelled) {
			return &Result{Outcome: OutcomeCancelled}
		}
		f.recordLLMError(err)
		return nil
	}
	f.fstate.Flags.Delete("last_llm_error")
	f.fstate.Flags.Delete("last_llm_error_kind")

	f.fstate.AppendMessage(msg)
	action := msg.FirstToolCall()
	f.fstate.SetCurrentAction(action)
	if action == nil {
		return nil
	}

	f.executeTool(ctx, *action)
	return nil
}

func (f *Flow) recordLLMError(err error) {
	kind := "transport"
	var emptyErr *model.EmptyResponseError
	var timeoutErr *model.TimeoutError
	switch {
	case errors.As(err, &emptyErr):
		kind = "empty_response"
	case errors.As(err, &timeoutErr):
		kind = "timeout"
	}
	f.logger.Warn("llm call failed", "flow_id", f.id, "kind", kind, "error", err)
	f.fstate.Flags.Set("last_llm_error", err.Error())
	f.fstate.Flags.Set("last_llm_error_kind", kind)
	f.fstate.Flags.Increment("llm_error_count", 1)
}

func (f *Flow) executeTool(ctx context.Context, call model.ToolCall) {
	if f.bus != nil {
		f.bus.Publish(bus.New(f.runID, f.id, bus.EventToolCall, bus.ToolCallPayload{
			CallID:    call.ID,
			Tool:      call.Name,
			Arguments: call.Arguments,
		}))
	}

	f.toolCtx.Context = ctx
	result := f.tools.Invoke(f.toolCtx, call.Name, call.Arguments)
	f.logger.Debug("tool executed", "flow_id", f.id, "tool", call.Name, "ok", result.OK)

	f.fstate.AppendMessage(model.Message{
		Role:       model.RoleTool,
		Content:    result.Content(),
		ToolCallID: call.ID,
		Name:       call.Name,
	})

	if f.bus != nil {
		f.bus.Publish(bus.New(f.runID, f.id, bus.EventToolResult, bus.ToolResultPayload{
			CallID: call.ID,
			Tool:   call.Name,
			OK:     result.OK,
			Error:  result.ErrorMessage,
		}))
	}
}

// runObservers evaluates {condition, action} rules in order. A non-nil
// result means an end_agent_turn action fired (or an expression was
// malformed, which is fatal for the flow).
func (f *Flow) runObservers(observers []profile.Observer) *Result {
	for _, obs := range observers {
		if obs.Condition != "" {
			ok, err := expr.Evaluate(obs.Condition, f.view)
			if err != nil {
				f.logger.Error("observer condition malformed", "observer", obs.ID, "error", err)
				return &Result{Outcome: OutcomeError, ErrorMessage: err.Error()}
			}
			if !ok {
				continue
			}
		}
		if r := f.applyAction(obs.Action, obs.ID); r != nil {
			return r
		}
	}
	return nil
}

// applyAction executes one observer/decider action. A non-nil result is a
// terminal end_agent_turn.
func (f *Flow) applyAction(action profile.Action, sourceID string) *Result {
	switch action.Type {
	case profile.ActionAddToInbox:
		if action.Item != nil {
			f.fstate.PushInbox(f.buildInboxItem(*action.Item, sourceID))
		}
	case profile.ActionUpdateState:
		for _, upd := range action.Updates {
			f.applyUpdate(upd)
		}
	case profile.ActionEndAgentTurn:
		outcome := OutcomeSuccess
		if action.Outcome == "error" {
			outcome = OutcomeError
		}
		return &Result{Outcome: outcome, ErrorMessage: action.ErrorMessage}
	case profile.ActionLoopWithInboxItem:
		f.fstate.PushInbox(f.buildInboxItem(profile.InboxSpec{ContentKey: action.ContentKey}, sourceID))
	default:
		f.logger.Warn("unknown action type ignored", "type", action.Type, "source", sourceID)
	}
	return nil
}

func (f *Flow) buildInboxItem(spec profile.InboxSpec, sourceID string) state.InboxItem {
	source := spec.Source
	if source == "" {
		source = sourceID
	}
	policy := state.ConsumeOnRead
	if spec.ConsumptionPolicy == string(state.Persistent) {
		policy = state.Persistent
	}
	var payload any
	if spec.ContentKey != "" {
		payload = map[string]any{"content_key": spec.ContentKey}
	} else {
		payload = spec.Content
	}
	ingestorID := spec.IngestorID
	if ingestorID == "" {
		ingestorID = "templated_content"
	}
	return state.InboxItem{
		Source:     source,
		Payload:    payload,
		IngestorID: ingestorID,
		Policy:     policy,
		Params:     spec.Params,
	}
}

// applyUpdate routes an update_state mutation to the tree owning the path.
// Writable roots are the flow's own flags and the team's shared context;
// anything else is ignored with a warning.
func (f *Flow) applyUpdate(upd profile.StateUpdate) {
	var tree *state.Tree
	var rest string
	switch {
	case strings.HasPrefix(upd.Path, "state.flags."):
		tree = f.fstate.Flags
		rest = strings.TrimPrefix(upd.Path, "state.flags.")
	case strings.HasPrefix(upd.Path, "team.shared_context."):
		tree = f.team.SharedContext()
		rest = strings.TrimPrefix(upd.Path, "team.shared_context.")
	default:
		f.logger.Warn("update_state path not writable", "path", upd.Path)
		return
	}
	switch upd.Op {
	case "set":
		tree.Set(rest, upd.Value)
	case "increment":
		delta := 1.0
		if n, ok := state.AsNumber(upd.Value); ok {
			delta = n
		}
		tree.Increment(rest, delta)
	case "append":
		tree.Append(rest, upd.Value)
	default:
		f.logger.Warn("unknown update_state op", "op", upd.Op, "path", upd.Path)
	}
}

// decide runs the flow decider: the first rule whose condition matches picks
// the next action. Profiles must carry a catch-all rule; a decider that
// produces no decision is a profile bug and fails the flow.
func (f *Flow) decide() decision {
	for _, rule := range f.profile.FlowDecider {
		ok := true
		if rule.Condition != "" {
			var err error
			ok, err = expr.Evaluate(rule.Condition, f.view)
			if err != nil {
				f.logger.Error("decider condition malformed", "rule", rule.ID, "error", err)
				return endWith(OutcomeError, err.Error())
			}
		}
		if !ok {
			continue
		}
		switch rule.Action.Type {
		case profile.ActionContinueWithTool:
			return decision{}
		case profile.ActionLoopWithInboxItem:
			f.fstate.PushInbox(f.buildInboxItem(profile.InboxSpec{ContentKey: rule.Action.ContentKey}, rule.ID))
			return decision{}
		case profile.ActionEndAgentTurn:
			outcome := OutcomeSuccess
			if rule.Action.Outcome == "error" {
				outcome = OutcomeError
			}
			return endWith(outcome, rule.Action.ErrorMessage)
		default:
			f.logger.Warn("unknown decider action, continuing", "rule", rule.ID, "type", rule.Action.Type)
			return decision{}
		}
	}
	return endWith(OutcomeError, "flow decider produced no decision")
}
