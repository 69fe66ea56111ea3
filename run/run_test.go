package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/orchestrahq/orchestra/bus"
	"github.com/orchestrahq/orchestra/config"
	"github.com/orchestrahq/orchestra/flow"
	"github.com/orchestrahq/orchestra/model"
	"github.com/orchestrahq/orchestra/profile"
	"github.com/orchestrahq/orchestra/team"
	"github.com/orchestrahq/orchestra/tool/builtin"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.LLMRetryBaseWait = 0
	cfg.LLMCallTimeout = 5 * time.Second
	return cfg
}

func principalProfile() *profile.Profile {
	return &profile.Profile{
		Name: "Principal",
		Type: profile.KindPrincipal,
		ToolAccessPolicy: profile.ToolAccessPolicy{
			AllowedToolsets: []string{builtin.ToolsetPlanning, builtin.ToolsetReporting},
		},
		SystemPromptConstruction: profile.SystemPromptConstruction{SystemPromptSegments: []profile.Segment{
			{ID: "identity", Type: profile.SegmentStaticText, Order: 10, Content: "You coordinate the team."},
			{ID: "tools", Type: profile.SegmentToolDescription, Order: 90},
		}},
		FlowDecider: []profile.DeciderRule{
			{ID: "tool_pending", Condition: "v['state.current_action']",
				Action: profile.Action{Type: profile.ActionContinueWithTool}},
			{ID: "catch_all", Action: profile.Action{Type: profile.ActionEndAgentTurn,
				Outcome: "error", ErrorMessage: "principal stalled"}},
		},
	}
}

func researcherProfile() *profile.Profile {
	return &profile.Profile{
		Name: "Researcher",
		Type: profile.KindAssociate,
		ToolAccessPolicy: profile.ToolAccessPolicy{
			AllowedToolsets: []string{builtin.ToolsetSubmission},
		},
		FlowDecider: []profile.DeciderRule{
			{ID: "tool_pending", Condition: "v['state.current_action']",
				Action: profile.Action{Type: profile.ActionContinueWithTool}},
			{ID: "catch_all", Action: profile.Action{Type: profile.ActionEndAgentTurn, Outcome: "success"}},
		},
	}
}

func testRegistry() *profile.Registry {
	reg := profile.NewRegistry()
	reg.Register(principalProfile())
	reg.Register(researcherProfile())
	return reg
}

// stepModel produces one scripted assistant message per call; steps are
// closures so later turns can reference ids created by earlier ones.
type stepModel struct {
	mu     sync.Mutex
	steps  []func() model.Message
	cursor int
}

func (s *stepModel) Generate(ctx context.Context, req model.Request) (<-chan model.Frame, <-chan error) {
	s.mu.Lock()
	var msg model.Message
	if s.cursor < len(s.steps) {
		msg = s.steps[s.cursor]()
	} else {
		msg = model.Message{Content: "nothing left to do"}
	}
	s.cursor++
	s.mu.Unlock()

	frameCh := make(chan model.Frame, 1)
	errCh := make(chan error, 1)
	msg.Role = model.RoleAssistant
	frameCh <- model.Frame{Kind: model.FrameDone, Message: &msg}
	close(frameCh)
	close(errCh)
	return frameCh, errCh
}

func (s *stepModel) Info() model.Info {
	return model.Info{Name: "step", Provider: "mock", SupportsTools: true}
}

func toolCall(name, args string) model.Message {
	return model.Message{ToolCalls: []model.ToolCall{{ID: "c1", Name: name, Arguments: args}}}
}

func TestRunEndToEnd(t *testing.T) {
	var r *Run

	// The Principal plans one module, dispatches it, reports and finishes.
	principalModel := &stepModel{}
	principalModel.steps = []func() model.Message{
		func() model.Message {
			return toolCall("manage_work_modules",
				`{"actions":[{"type":"add","name":"research","description":"survey the field"}]}`)
		},
		func() model.Message {
			moduleID := r.Team().Modules()[0].ModuleID
			return toolCall("dispatch_submodules", fmt.Sprintf(
				`{"assignments":[{"module_id_to_assign":%q,"agent_profile_logical_name":"Researcher",`+
					`"assigned_role_name":"lead","assignment_specific_instructions":"survey the field"}]}`,
				moduleID))
		},
		func() model.Message {
			return toolCall("generate_markdown_report",
				`{"principal_final_synthesis":"# Report\n\nResearch findings attached."}`)
		},
		func() model.Message {
			return toolCall("finish_flow", `{}`)
		},
	}

	modelFor := func(p *profile.Profile) model.Model {
		if p.Type == profile.KindAssociate {
			return model.NewMockModel("mock").Script(toolCall("generate_message_summary",
				`{"current_associate_findings":"the field looks promising"}`))
		}
		return principalModel
	}

	var err error
	r, err = New(testRegistry(), "Principal", func(o *Options) {
		o.Config = fastConfig()
		o.ModelFor = modelFor
	})
	require.NoError(t, err)

	sub := r.Subscribe()
	require.NoError(t, r.Start(context.Background(), "research the field"))

	var events []bus.Event
	for ev := range sub.C {
		events = append(events, ev)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := r.Wait(ctx)
	require.NoError(t, err)

	t.Run("run succeeds", func(t *testing.T) {
		assert.Equal(t, flow.OutcomeSuccess, result.Outcome)
	})

	t.Run("report artifact stored", func(t *testing.T) {
		report, ok := r.Report()
		require.True(t, ok)
		assert.Contains(t, report, "# Report")
	})

	t.Run("module carries the associate's deliverable", func(t *testing.T) {
		modules := r.Team().Modules()
		require.Len(t, modules, 1)
		assert.Equal(t, team.StatusPendingReview, modules[0].Status)
		require.Len(t, modules[0].Deliverables, 1)
		assert.Equal(t, "summary", modules[0].Deliverables[0].Kind)
		assert.Equal(t, "the field looks promising", modules[0].Deliverables[0].Content)
	})

	t.Run("event stream covers the whole run", func(t *testing.T) {
		var types []bus.EventType
		for _, ev := range events {
			types = append(types, ev.Type)
		}
		assert.Contains(t, types, bus.EventToolCall)
		assert.Contains(t, types, bus.EventToolResult)
		assert.Contains(t, types, bus.EventWorkModulesUpdate)
		assert.Contains(t, types, bus.EventDispatchStart)
		assert.Contains(t, types, bus.EventDispatchComplete)
		assert.Contains(t, types, bus.EventFlowEnd)

		last := events[len(events)-1]
		require.Equal(t, bus.EventRunEnd, last.Type)
		assert.Equal(t, "success", last.Payload.(bus.RunEndPayload).Outcome)
	})
}

// blockingModel parks every generation until the context is cancelled.
type blockingModel struct{}

func (blockingModel) Generate(ctx context.Context, req model.Request) (<-chan model.Frame, <-chan error) {
	frameCh := make(chan model.Frame)
	errCh := make(chan error, 1)
	go func() {
		defer close(frameCh)
		defer close(errCh)
		<-ctx.Done()
		errCh <- ctx.Err()
	}()
	return frameCh, errCh
}

func (blockingModel) Info() model.Info {
	return model.Info{Name: "blocking", Provider: "mock"}
}

func TestRunCancellation(t *testing.T) {
	r, err := New(testRegistry(), "Principal", func(o *Options) {
		o.Config = fastConfig()
		o.ModelFor = func(p *profile.Profile) model.Model { return blockingModel{} }
	})
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background(), "never finishes"))
	r.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, flow.OutcomeCancelled, result.Outcome)
}

func TestRunStartTwice(t *testing.T) {
	r, err := New(testRegistry(), "Principal", func(o *Options) {
		o.Config = fastConfig()
		o.ModelFor = func(p *profile.Profile) model.Model {
			return model.NewMockModel("mock").Script(toolCall("finish_flow", `{}`))
		}
	})
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background(), "go"))
	assert.Error(t, r.Start(context.Background(), "go again"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = r.Wait(ctx)
	require.NoError(t, err)
}

func TestRunUnknownPrincipal(t *testing.T) {
	_, err := New(testRegistry(), "Ghost")
	var nf *profile.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRunStateDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.json")
	cfg := fastConfig()
	cfg.StateDumpEnabled = true
	cfg.StateDumpPath = path

	r, err := New(testRegistry(), "Principal", func(o *Options) {
		o.Config = cfg
		o.ModelFor = func(p *profile.Profile) model.Model {
			return model.NewMockModel("mock").Script(toolCall("finish_flow", `{}`))
		}
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background(), "go"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := r.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, flow.OutcomeSuccess, result.Outcome)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var dump map[string]any
	require.NoError(t, json.Unmarshal(data, &dump))
	assert.Equal(t, r.ID(), dump["run_id"])
	assert.Equal(t, "success", dump["outcome"])
	assert.Contains(t, dump, "team")
	assert.Contains(t, dump, "flows")
}

func TestCallerOptsPerProfile(t *testing.T) {
	reg := testRegistry()
	reg.RegisterLLMConfig("patient", profile.LLMConfig{TimeoutMS: 60000, MaxRetries: 4})
	p := principalProfile()
	p.LLMConfigRef = "patient"
	reg.Register(p)

	r, err := New(reg, "Principal", func(o *Options) { o.Config = fastConfig() })
	require.NoError(t, err)

	apply := func(p *profile.Profile) model.CallerOptions {
		var opts model.CallerOptions
		for _, fn := range r.callerOptsFor(p) {
			fn(&opts)
		}
		return opts
	}

	t.Run("profile llm config overrides the globals", func(t *testing.T) {
		opts := apply(r.principal)
		assert.Equal(t, 60*time.Second, opts.Timeout)
		assert.Equal(t, 4, opts.MaxRetries)
	})

	t.Run("profiles without a config keep the globals", func(t *testing.T) {
		researcher, err := reg.Resolve("Researcher")
		require.NoError(t, err)
		opts := apply(researcher)
		assert.Equal(t, fastConfig().LLMCallTimeout, opts.Timeout)
		assert.Equal(t, fastConfig().LLMMaxRetries, opts.MaxRetries)
	})
}

// failingModel always errors and counts its generations.
type failingModel struct {
	mu    sync.Mutex
	calls int
}

func (f *failingModel) Generate(ctx context.Context, req model.Request) (<-chan model.Frame, <-chan error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	frameCh := make(chan model.Frame)
	errCh := make(chan error, 1)
	errCh <- fmt.Errorf("upstream unavailable")
	close(frameCh)
	close(errCh)
	return frameCh, errCh
}

func (f *failingModel) Info() model.Info {
	return model.Info{Name: "failing", Provider: "mock"}
}

func TestRunUsesProfileRetryBudget(t *testing.T) {
	reg := testRegistry()
	reg.RegisterLLMConfig("persistent", profile.LLMConfig{MaxRetries: 4})
	p := principalProfile()
	p.LLMConfigRef = "persistent"
	reg.Register(p)

	cfg := fastConfig()
	cfg.LLMMaxRetries = 0

	fm := &failingModel{}
	r, err := New(reg, "Principal", func(o *Options) {
		o.Config = cfg
		o.ModelFor = func(p *profile.Profile) model.Model { return fm }
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background(), "go"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, flow.OutcomeError, result.Outcome)

	fm.mu.Lock()
	defer fm.mu.Unlock()
	assert.Equal(t, 5, fm.calls, "per-profile max_retries plus the first attempt")
}
