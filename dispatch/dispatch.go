// Package dispatch spawns child Associate flows for work modules and
// aggregates their deliverables. A dispatch batch is validated atomically,
// runs its children in parallel under a bounded semaphore and the run's
// cancel token, and transitions every module to pending_review with either a
// summary deliverable or an error deliverable.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/orchestrahq/orchestra/bus"
	"github.com/orchestrahq/orchestra/flow"
	"github.com/orchestrahq/orchestra/ingest"
	"github.com/orchestrahq/orchestra/logging"
	"github.com/orchestrahq/orchestra/model"
	"github.com/orchestrahq/orchestra/profile"
	"github.com/orchestrahq/orchestra/state"
	"github.com/orchestrahq/orchestra/team"
	"github.com/orchestrahq/orchestra/tool"
)

// ValidationError rejects a whole dispatch call. Items maps the offending
// module id (or batch position) to the reason; no state changed.
type ValidationError struct {
	Items map[string]string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("dispatch rejected: %d invalid assignment(s)", len(e.Items))
}

// Options configure a dispatcher.
type Options struct {
	MaxConcurrent    int
	MaxTurnsPerChild int
	Logger           logging.Logger
	CallerOpts       []func(o *model.CallerOptions)

	// CallerOptsFor resolves caller options per child profile, letting its
	// llm_config_ref override the run-wide timeout and retry counts. When
	// set it takes precedence over CallerOpts.
	CallerOptsFor func(p *profile.Profile) []func(o *model.CallerOptions)
}

// Dispatcher implements tool.Dispatcher over real child flows.
type Dispatcher struct {
	runID    string
	profiles *profile.Registry
	modelFor func(p *profile.Profile) model.Model
	tools    *tool.Registry
	ingest   *ingest.Registry
	team     *team.State
	bus      *bus.Bus
	opts     Options
	logger   logging.Logger

	sem *semaphore.Weighted

	mu    sync.Mutex
	flows map[string]*flow.Flow // flow id -> child flow
}

// New creates a dispatcher. modelFor resolves the model for a resolved child
// profile, typically through its llm_config_ref.
func New(
	runID string,
	profiles *profile.Registry,
	modelFor func(p *profile.Profile) model.Model,
	tools *tool.Registry,
	ing *ingest.Registry,
	teamState *team.State,
	b *bus.Bus,
	optFns ...func(o *Options),
) *Dispatcher {
	opts := Options{
		MaxConcurrent:    4,
		MaxTurnsPerChild: 64,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Dispatcher{
		runID:    runID,
		profiles: profiles,
		modelFor: modelFor,
		tools:    tools,
		ingest:   ing,
		team:     teamState,
		bus:      b,
		opts:     opts,
		logger:   opts.Logger,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		flows:    map[string]*flow.Flow{},
	}
}

// Flow returns a (possibly finished) child flow by id, for message
// inheritance and state dumps.
func (d *Dispatcher) Flow(id string) *flow.Flow {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flows[id]
}

// Flows returns all child flows spawned so far.
func (d *Dispatcher) Flows() []*flow.Flow {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*flow.Flow, 0, len(d.flows))
	for _, f := range d.flows {
		out = append(out, f)
	}
	return out
}

// Usage sums the tokens consumed by all child flows.
func (d *Dispatcher) Usage() model.TokenUsage {
	var total model.TokenUsage
	for _, f := range d.Flows() {
		u := f.Usage()
		total.PromptTokens += u.PromptTokens
		total.CompletionTokens += u.CompletionTokens
		total.TotalTokens += u.TotalTokens
	}
	return total
}

// Dispatch implements tool.Dispatcher. Validation is all-or-nothing: any
// invalid assignment rejects the whole batch with per-item errors and no
// state change. Valid batches run to completion (or cancellation) and every
// dispatched module ends in pending_review.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	tctx *tool.Context,
	assignments []tool.Assignment,
	sharedContext any,
) (map[string]string, error) {
	if err := d.validate(assignments); err != nil {
		return nil, err
	}

	dispatchID := uuid.NewString()
	moduleIDs := make([]string, len(assignments))
	for i, a := range assignments {
		moduleIDs[i] = a.ModuleIDToAssign
	}
	d.publish(tctx.FlowID, bus.EventDispatchStart, bus.DispatchStartPayload{
		DispatchID: dispatchID,
		ModuleIDs:  moduleIDs,
	})
	d.logger.Info("dispatch started", "dispatch_id", dispatchID, "modules", len(assignments))

	type childRun struct {
		assignment tool.Assignment
		child      *flow.Flow
		result     flow.Result
	}
	runs := make([]*childRun, len(assignments))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i, a := range assignments {
		child, err := d.buildChild(a, sharedContext)
		if err != nil {
			// Validation already resolved the profile; this is a wiring bug.
			runs[i] = &childRun{assignment: a, result: flow.Result{Outcome: flow.OutcomeError, ErrorMessage: err.Error()}}
			continue
		}
		if err := d.team.MarkInProgress(a.ModuleIDToAssign, a.AgentProfileLogicalName, a.AssignedRoleName, child.ID()); err != nil {
			runs[i] = &childRun{assignment: a, result: flow.Result{Outcome: flow.OutcomeError, ErrorMessage: err.Error()}}
			continue
		}
		cr := &childRun{assignment: a, child: child}
		runs[i] = cr

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				cr.result = flow.Result{Outcome: flow.OutcomeCancelled}
				mu.Unlock()
				return
			}
			defer d.sem.Release(1)
			res := cr.child.Run(ctx)
			mu.Lock()
			cr.result = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	outcomes := make(map[string]string, len(runs))
	for _, cr := range runs {
		moduleID := cr.assignment.ModuleIDToAssign
		outcomes[moduleID] = string(cr.result.Outcome)
		deliverable := d.deliverableFor(cr.assignment, cr.result)
		if err := d.team.CompleteDispatch(moduleID, deliverable); err != nil {
			d.logger.Error("deliverable commit failed", "module_id", moduleID, "error", err)
		}
	}

	d.publish(tctx.FlowID, bus.EventDispatchComplete, bus.DispatchCompletePayload{
		DispatchID: dispatchID,
		Outcomes:   outcomes,
	})
	d.publish(tctx.FlowID, bus.EventWorkModulesUpdate, d.team.Snapshot()["work_modules"])
	d.logger.Info("dispatch complete", "dispatch_id", dispatchID)
	return outcomes, nil
}

func (d *Dispatcher) deliverableFor(a tool.Assignment, res flow.Result) team.Deliverable {
	if res.Findings != "" {
		return team.Deliverable{Kind: "summary", Content: res.Findings, From: a.AgentProfileLogicalName}
	}
	msg := res.ErrorMessage
	if msg == "" {
		switch res.Outcome {
		case flow.OutcomeCancelled:
			msg = "child flow cancelled before submitting findings"
		default:
			msg = "child flow terminated without submitting findings"
		}
	}
	return team.Deliverable{Kind: "error", Content: msg, From: a.AgentProfileLogicalName}
}

// validate checks every assignment before any state changes. Duplicate
// module ids within one batch are invalid: the second dispatch would race
// the first.
func (d *Dispatcher) validate(assignments []tool.Assignment) error {
	items := map[string]string{}
	seen := map[string]bool{}
	for i, a := range assignments {
		key := a.ModuleIDToAssign
		if key == "" {
			items[fmt.Sprintf("assignment[%d]", i)] = "module_id_to_assign is required"
			continue
		}
		switch {
		case seen[key]:
			items[key] = "module listed more than once in this dispatch"
		case a.AgentProfileLogicalName == "":
			items[key] = "agent_profile_logical_name is required"
		case a.AssignedRoleName == "":
			items[key] = "assigned_role_name is required"
		case a.AssignmentSpecificInstructions == "":
			items[key] = "assignment_specific_instructions is required"
		case !d.team.Dispatchable(key):
			items[key] = "module not dispatchable"
		default:
			if _, err := d.profiles.Resolve(a.AgentProfileLogicalName); err != nil {
				items[key] = fmt.Sprintf("unknown profile %q", a.AgentProfileLogicalName)
			}
		}
		seen[key] = true
	}
	if len(items) > 0 {
		return &ValidationError{Items: items}
	}
	return nil
}

// buildChild constructs a child flow seeded with the assignment instructions
// as the opening user message and the shared/inherited context as persistent
// inbox items.
func (d *Dispatcher) buildChild(a tool.Assignment, sharedContext any) (*flow.Flow, error) {
	childProfile, err := d.profiles.Resolve(a.AgentProfileLogicalName)
	if err != nil {
		return nil, err
	}
	callerOpts := d.opts.CallerOpts
	if d.opts.CallerOptsFor != nil {
		callerOpts = d.opts.CallerOptsFor(childProfile)
	}
	child := flow.New(flow.Config{
		RunID:      d.runID,
		FlowID:     uuid.NewString(),
		Profile:    childProfile,
		Model:      d.modelFor(childProfile),
		Tools:      d.tools,
		Ingest:     d.ingest,
		Team:       d.team,
		Bus:        d.bus,
		Logger:     d.logger,
		MaxTurns:   d.opts.MaxTurnsPerChild,
		CallerOpts: callerOpts,
	})

	if sharedContext != nil {
		child.PushInbox(state.InboxItem{
			Source:     "shared_context",
			Payload:    sharedContext,
			IngestorID: ingest.MarkdownFormatter,
			Policy:     state.Persistent,
		})
	}
	for _, moduleID := range a.InheritDeliverablesFrom {
		m := d.team.Module(moduleID)
		if m == nil || len(m.Deliverables) == 0 {
			continue
		}
		payload := make([]any, 0, len(m.Deliverables))
		for _, del := range m.Deliverables {
			payload = append(payload, map[string]any{"kind": del.Kind, "content": del.Content, "from": del.From})
		}
		child.PushInbox(state.InboxItem{
			Source:     fmt.Sprintf("deliverables:%s", moduleID),
			Payload:    payload,
			IngestorID: ingest.MarkdownFormatter,
			Policy:     state.Persistent,
		})
	}
	for _, moduleID := range a.InheritMessagesFrom {
		m := d.team.Module(moduleID)
		if m == nil || m.MessagesRef == "" {
			continue
		}
		source := d.Flow(m.MessagesRef)
		if source == nil {
			continue
		}
		child.PushInbox(state.InboxItem{
			Source:     fmt.Sprintf("messages:%s", moduleID),
			Payload:    source.State().Messages(),
			IngestorID: ingest.JSONHistory,
			Policy:     state.Persistent,
		})
	}
	child.AppendMessage(model.Message{Role: model.RoleUser, Content: a.AssignmentSpecificInstructions})

	d.mu.Lock()
	d.flows[child.ID()] = child
	d.mu.Unlock()
	return child, nil
}

func (d *Dispatcher) publish(flowID string, typ bus.EventType, payload any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(bus.New(d.runID, flowID, typ, payload))
}
