// Package flow executes agents. A Flow owns one agent's sequential turn
// loop: pre-turn observers, prompt assembly, the LLM call, tool execution,
// post-turn observers and the flow decider that picks the next action. Flows
// never share mutable state except through team state and the event bus.
package flow

import (
	"context"

	"github.com/google/uuid"

	"github.com/orchestrahq/orchestra/bus"
	"github.com/orchestrahq/orchestra/ingest"
	"github.com/orchestrahq/orchestra/logging"
	"github.com/orchestrahq/orchestra/model"
	"github.com/orchestrahq/orchestra/profile"
	"github.com/orchestrahq/orchestra/prompt"
	"github.com/orchestrahq/orchestra/state"
	"github.com/orchestrahq/orchestra/team"
	"github.com/orchestrahq/orchestra/tool"
)

// Outcome is a flow's terminal result kind.
type Outcome string

// Flow outcomes.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is the terminal state of a finished flow.
type Result struct {
	Outcome      Outcome
	ErrorMessage string
	// Findings carries the submission an Associate made through its submit
	// tool, when any.
	Findings string
}

// Config wires a flow's collaborators. Model and Tools are shared read-only
// across flows; everything stateful is per flow.
type Config struct {
	RunID   string
	FlowID  string
	Profile *profile.Profile
	Model   model.Model
	Tools   *tool.Registry
	Ingest  *ingest.Registry
	Team    *team.State
	Bus     *bus.Bus
	Logger  logging.Logger

	// Dispatcher is set for profiles allowed to dispatch child flows.
	Dispatcher tool.Dispatcher

	MaxTurns int

	// CallerOpts tune the flow's LLM caller (timeout, retries, backoff).
	CallerOpts []func(o *model.CallerOptions)
}

// Flow drives one agent through successive turns until a terminal outcome.
type Flow struct {
	id      string
	runID   string
	profile *profile.Profile
	fstate  *state.FlowState
	team    *team.State
	view    *state.MultiView
	bus     *bus.Bus
	logger  logging.Logger

	tools     *tool.Registry
	toolCtx   *tool.Context
	caller    *model.Caller
	assembler *prompt.Assembler

	maxTurns int
	turn     int
}

// New constructs a flow. The state view mounts team state under "team" and
// flow state under "state", the two roots profile conditions address.
func New(cfg Config) *Flow {
	id := cfg.FlowID
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	fstate := state.NewFlowState()

	view := state.NewMultiView()
	view.Mount("team", cfg.Team)
	view.Mount("state", fstate)

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 64
	}

	f := &Flow{
		id:        id,
		runID:     cfg.RunID,
		profile:   cfg.Profile,
		fstate:    fstate,
		team:      cfg.Team,
		view:      view,
		bus:       cfg.Bus,
		logger:    logger,
		tools:     cfg.Tools,
		assembler: prompt.NewAssembler(cfg.Ingest),
		maxTurns:  maxTurns,
	}
	f.caller = model.NewCaller(cfg.Model, cfg.Bus, cfg.RunID, id, cfg.CallerOpts...)
	f.toolCtx = &tool.Context{
		RunID:        cfg.RunID,
		FlowID:       id,
		AgentProfile: cfg.Profile.Name,
		Team:         cfg.Team,
		Flow:         fstate,
		View:         view,
		Bus:          cfg.Bus,
		Logger:       logger,
		Dispatcher:   cfg.Dispatcher,
	}
	return f
}

// ID returns the flow id.
func (f *Flow) ID() string { return f.id }

// State returns the flow's mutable state.
func (f *Flow) State() *state.FlowState { return f.fstate }

// ToolContext returns the per-flow tool handle.
func (f *Flow) ToolContext() *tool.Context { return f.toolCtx }

// Usage returns the tokens this flow has consumed.
func (f *Flow) Usage() model.TokenUsage { return f.caller.Usage() }

// PushInbox enqueues synthetic context for the flow's next turn.
func (f *Flow) PushInbox(item state.InboxItem) { f.fstate.PushInbox(item) }

// AppendMessage seeds the conversation, typically with the initial user turn.
func (f *Flow) AppendMessage(msg model.Message) { f.fstate.AppendMessage(msg) }

// Run executes turns until the decider yields a terminal outcome, the turn
// cap trips or the context is cancelled. The terminal result is published as
// a FlowEnd event and returned.
func (f *Flow) Run(ctx context.Context) Result {
	var result Result
	for {
		if ctx.Err() != nil {
			result = Result{Outcome: OutcomeCancelled}
			break
		}
		if f.turn >= f.maxTurns {
			result = Result{Outcome: OutcomeError, ErrorMessage: "max_turns_exceeded"}
			break
		}
		f.turn++
		dec := f.runTurn(ctx)
		if dec.end {
			result = dec.result
			break
		}
	}
	if outcome := f.toolCtx.FlowOutcome(); outcome != nil {
		result.Findings = outcome.Findings
	}
	f.publishEnd(result)
	return result
}

func (f *Flow) publishEnd(result Result) {
	f.logger.Info("flow finished",
		"flow_id", f.id, "profile", f.profile.Name, "turns", f.turn, "outcome", string(result.Outcome))
	if f.bus == nil {
		return
	}
	f.bus.Publish(bus.New(f.runID, f.id, bus.EventFlowEnd, bus.FlowEndPayload{
		AgentProfile: f.profile.Name,
		Outcome:      string(result.Outcome),
		Error:        result.ErrorMessage,
	}))
}
