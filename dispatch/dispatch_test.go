package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrahq/orchestra/bus"
	"github.com/orchestrahq/orchestra/ingest"
	"github.com/orchestrahq/orchestra/model"
	"github.com/orchestrahq/orchestra/profile"
	"github.com/orchestrahq/orchestra/team"
	"github.com/orchestrahq/orchestra/tool"
)

func fastCaller(o *model.CallerOptions) {
	o.RetryBaseWait = 0
}

func fastOpts(o *Options) {
	o.CallerOpts = []func(o *model.CallerOptions){fastCaller}
}

// submitTool mirrors the production submission tool: it records findings as
// the child's terminal result.
func submitTool() *tool.Definition {
	return &tool.Definition{
		Name:    "submit",
		Toolset: "testing",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"findings": map[string]any{"type": "string"}},
		},
		EndsTurn: true,
		Handler: func(tctx *tool.Context, args map[string]any) (any, error) {
			findings, _ := args["findings"].(string)
			tctx.SetFlowOutcome(tool.FlowOutcome{Status: "success", Findings: findings})
			return "submitted", nil
		},
	}
}

func associateProfile() *profile.Profile {
	return &profile.Profile{
		Name:             "Researcher",
		Type:             profile.KindAssociate,
		ToolAccessPolicy: profile.ToolAccessPolicy{AllowedToolsets: []string{"testing"}},
		FlowDecider: []profile.DeciderRule{
			{ID: "tool_pending", Condition: "v['state.current_action']",
				Action: profile.Action{Type: profile.ActionContinueWithTool}},
			{ID: "catch_all", Action: profile.Action{Type: profile.ActionEndAgentTurn, Outcome: "success"}},
		},
	}
}

func testProfiles(t *testing.T) *profile.Registry {
	t.Helper()
	reg := profile.NewRegistry()
	reg.Register(associateProfile())
	return reg
}

func testTools() *tool.Registry {
	reg := tool.NewRegistry()
	reg.Register(submitTool())
	return reg
}

// submittingModelFor yields a fresh scripted model per child that calls the
// submit tool once.
func submittingModelFor(findings string) func(p *profile.Profile) model.Model {
	return func(p *profile.Profile) model.Model {
		return model.NewMockModel("mock").Script(model.Message{
			ToolCalls: []model.ToolCall{{ID: "c1", Name: "submit", Arguments: `{"findings":"` + findings + `"}`}},
		})
	}
}

func TestDispatchSuccess(t *testing.T) {
	ts := team.NewState([]string{"Researcher"})
	m1 := ts.AddModule("research", "survey")
	m2 := ts.AddModule("write", "draft")

	b := bus.NewBus()
	defer b.Close()
	sub := b.Subscribe(256)

	d := New("run-1", testProfiles(t), submittingModelFor("module findings"),
		testTools(), ingest.NewRegistry(), ts, b, fastOpts)

	assignments := []tool.Assignment{
		{ModuleIDToAssign: m1.ModuleID, AgentProfileLogicalName: "Researcher",
			AssignedRoleName: "lead", AssignmentSpecificInstructions: "survey the field"},
		{ModuleIDToAssign: m2.ModuleID, AgentProfileLogicalName: "Researcher",
			AssignedRoleName: "writer", AssignmentSpecificInstructions: "draft the report"},
	}
	outcomes, err := d.Dispatch(context.Background(), &tool.Context{FlowID: "root"}, assignments, nil)
	require.NoError(t, err)

	t.Run("all children succeed", func(t *testing.T) {
		assert.Equal(t, map[string]string{m1.ModuleID: "success", m2.ModuleID: "success"}, outcomes)
	})

	t.Run("modules end pending_review with summary deliverables", func(t *testing.T) {
		for _, id := range []string{m1.ModuleID, m2.ModuleID} {
			m := ts.Module(id)
			require.NotNil(t, m)
			assert.Equal(t, team.StatusPendingReview, m.Status)
			require.Len(t, m.Deliverables, 1)
			assert.Equal(t, "summary", m.Deliverables[0].Kind)
			assert.Equal(t, "module findings", m.Deliverables[0].Content)
			assert.Equal(t, "Researcher", m.Deliverables[0].From)
			assert.NotEmpty(t, m.MessagesRef)
		}
	})

	t.Run("child flows are retained", func(t *testing.T) {
		assert.Len(t, d.Flows(), 2)
		ref := ts.Module(m1.ModuleID).MessagesRef
		child := d.Flow(ref)
		require.NotNil(t, child)
		msgs := child.State().Messages()
		require.NotEmpty(t, msgs)
		assert.Equal(t, "survey the field", msgs[0].Content)
	})

	t.Run("dispatch events published", func(t *testing.T) {
		b.Unsubscribe(sub)
		var types []bus.EventType
		for ev := range sub.C {
			types = append(types, ev.Type)
		}
		assert.Contains(t, types, bus.EventDispatchStart)
		assert.Contains(t, types, bus.EventDispatchComplete)
		assert.Contains(t, types, bus.EventWorkModulesUpdate)
	})
}

func TestDispatchValidation(t *testing.T) {
	newDispatcher := func(ts *team.State) *Dispatcher {
		return New("run-1", testProfiles(t), submittingModelFor("x"),
			testTools(), ingest.NewRegistry(), ts, nil, fastOpts)
	}
	valid := func(id string) tool.Assignment {
		return tool.Assignment{
			ModuleIDToAssign: id, AgentProfileLogicalName: "Researcher",
			AssignedRoleName: "lead", AssignmentSpecificInstructions: "work",
		}
	}

	t.Run("one bad assignment rejects the whole batch", func(t *testing.T) {
		ts := team.NewState([]string{"Researcher"})
		ok := ts.AddModule("good", "")
		bad := ts.AddModule("bad", "")

		a := valid(bad.ModuleID)
		a.AgentProfileLogicalName = "Ghost"
		_, err := newDispatcher(ts).Dispatch(context.Background(), &tool.Context{}, []tool.Assignment{
			valid(ok.ModuleID), a,
		}, nil)

		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Contains(t, vErr.Items[bad.ModuleID], `unknown profile "Ghost"`)

		// No state changed, not even for the valid assignment.
		assert.Equal(t, team.StatusPending, ts.Module(ok.ModuleID).Status)
		assert.Equal(t, team.StatusPending, ts.Module(bad.ModuleID).Status)
		assert.Empty(t, newDispatcher(ts).Flows())
	})

	t.Run("missing module id", func(t *testing.T) {
		ts := team.NewState(nil)
		_, err := newDispatcher(ts).Dispatch(context.Background(), &tool.Context{}, []tool.Assignment{
			{AgentProfileLogicalName: "Researcher", AssignmentSpecificInstructions: "work"},
		}, nil)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "module_id_to_assign is required", vErr.Items["assignment[0]"])
	})

	t.Run("missing role name", func(t *testing.T) {
		ts := team.NewState(nil)
		m := ts.AddModule("a", "")
		a := valid(m.ModuleID)
		a.AssignedRoleName = ""
		_, err := newDispatcher(ts).Dispatch(context.Background(), &tool.Context{}, []tool.Assignment{a}, nil)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "assigned_role_name is required", vErr.Items[m.ModuleID])
		assert.Equal(t, team.StatusPending, ts.Module(m.ModuleID).Status)
	})

	t.Run("missing instructions", func(t *testing.T) {
		ts := team.NewState(nil)
		m := ts.AddModule("a", "")
		a := valid(m.ModuleID)
		a.AssignmentSpecificInstructions = ""
		_, err := newDispatcher(ts).Dispatch(context.Background(), &tool.Context{}, []tool.Assignment{a}, nil)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "assignment_specific_instructions is required", vErr.Items[m.ModuleID])
	})

	t.Run("duplicate module in batch", func(t *testing.T) {
		ts := team.NewState(nil)
		m := ts.AddModule("a", "")
		_, err := newDispatcher(ts).Dispatch(context.Background(), &tool.Context{}, []tool.Assignment{
			valid(m.ModuleID), valid(m.ModuleID),
		}, nil)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "module listed more than once in this dispatch", vErr.Items[m.ModuleID])
	})

	t.Run("module not dispatchable", func(t *testing.T) {
		ts := team.NewState(nil)
		m := ts.AddModule("a", "")
		status := team.StatusCompleted
		require.NoError(t, ts.UpdateModule(m.ModuleID, team.ModulePatch{Status: &status}))

		_, err := newDispatcher(ts).Dispatch(context.Background(), &tool.Context{}, []tool.Assignment{valid(m.ModuleID)}, nil)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "module not dispatchable", vErr.Items[m.ModuleID])
	})
}

func TestDispatchChildWithoutFindings(t *testing.T) {
	ts := team.NewState([]string{"Researcher"})
	m := ts.AddModule("a", "")

	// The child answers in plain text and never submits.
	modelFor := func(p *profile.Profile) model.Model {
		return model.NewMockModel("mock").Script(model.Message{Content: "I looked into it."})
	}
	d := New("run-1", testProfiles(t), modelFor, testTools(), ingest.NewRegistry(), ts, nil, fastOpts)

	outcomes, err := d.Dispatch(context.Background(), &tool.Context{}, []tool.Assignment{{
		ModuleIDToAssign: m.ModuleID, AgentProfileLogicalName: "Researcher",
		AssignedRoleName: "lead", AssignmentSpecificInstructions: "work",
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", outcomes[m.ModuleID])

	got := ts.Module(m.ModuleID)
	assert.Equal(t, team.StatusPendingReview, got.Status)
	require.Len(t, got.Deliverables, 1)
	assert.Equal(t, "error", got.Deliverables[0].Kind)
	assert.Contains(t, got.Deliverables[0].Content, "without submitting findings")
}

// gaugeModel tracks how many generations run concurrently.
type gaugeModel struct {
	mu      *sync.Mutex
	current *int
	peak    *int
}

func (g gaugeModel) Generate(ctx context.Context, req model.Request) (<-chan model.Frame, <-chan error) {
	g.mu.Lock()
	*g.current++
	if *g.current > *g.peak {
		*g.peak = *g.current
	}
	g.mu.Unlock()

	frameCh := make(chan model.Frame, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(frameCh)
		defer close(errCh)
		time.Sleep(10 * time.Millisecond)
		g.mu.Lock()
		*g.current--
		g.mu.Unlock()
		frameCh <- model.Frame{Kind: model.FrameDone, Message: &model.Message{
			Role: model.RoleAssistant, Content: "done",
		}}
	}()
	return frameCh, errCh
}

func (g gaugeModel) Info() model.Info {
	return model.Info{Name: "gauge", Provider: "mock"}
}

func TestDispatchBoundedConcurrency(t *testing.T) {
	ts := team.NewState([]string{"Researcher"})
	var assignments []tool.Assignment
	for i := 0; i < 4; i++ {
		m := ts.AddModule("a", "")
		assignments = append(assignments, tool.Assignment{
			ModuleIDToAssign: m.ModuleID, AgentProfileLogicalName: "Researcher",
			AssignedRoleName: "worker", AssignmentSpecificInstructions: "work",
		})
	}

	var mu sync.Mutex
	var current, peak int
	gauge := gaugeModel{mu: &mu, current: &current, peak: &peak}

	d := New("run-1", testProfiles(t), func(p *profile.Profile) model.Model { return gauge },
		testTools(), ingest.NewRegistry(), ts, nil, fastOpts, func(o *Options) { o.MaxConcurrent = 2 })

	_, err := d.Dispatch(context.Background(), &tool.Context{}, assignments, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Positive(t, peak)
}

func TestDispatchSharedAndInheritedContext(t *testing.T) {
	ts := team.NewState([]string{"Researcher"})
	first := ts.AddModule("research", "")
	second := ts.AddModule("write", "")

	d := New("run-1", testProfiles(t), submittingModelFor("initial findings"),
		testTools(), ingest.NewRegistry(), ts, nil, fastOpts)

	_, err := d.Dispatch(context.Background(), &tool.Context{}, []tool.Assignment{{
		ModuleIDToAssign: first.ModuleID, AgentProfileLogicalName: "Researcher",
		AssignedRoleName: "lead", AssignmentSpecificInstructions: "research it",
	}}, nil)
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), &tool.Context{}, []tool.Assignment{{
		ModuleIDToAssign: second.ModuleID, AgentProfileLogicalName: "Researcher",
		AssignedRoleName: "writer", AssignmentSpecificInstructions: "write it up",
		InheritDeliverablesFrom:        []string{first.ModuleID},
		InheritMessagesFrom:            []string{first.ModuleID},
	}}, map[string]any{"topic": "orchestration"})
	require.NoError(t, err)

	ref := ts.Module(second.ModuleID).MessagesRef
	child := d.Flow(ref)
	require.NotNil(t, child)

	// Persistent context items survive every prompt build.
	assert.Equal(t, 3, child.State().InboxLen(), "shared context, deliverables and messages")
}
