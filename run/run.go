// Package run hosts the top-level supervisor for one user request: team
// state, the event bus, the cancellation token, the Principal flow and the
// optional state dump written at termination.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrahq/orchestra/bus"
	"github.com/orchestrahq/orchestra/config"
	"github.com/orchestrahq/orchestra/dispatch"
	"github.com/orchestrahq/orchestra/flow"
	"github.com/orchestrahq/orchestra/ingest"
	"github.com/orchestrahq/orchestra/logging"
	"github.com/orchestrahq/orchestra/model"
	"github.com/orchestrahq/orchestra/model/openai"
	"github.com/orchestrahq/orchestra/profile"
	"github.com/orchestrahq/orchestra/team"
	"github.com/orchestrahq/orchestra/tool"
	"github.com/orchestrahq/orchestra/tool/builtin"
)

// Options configure a run beyond the recognized config keys.
type Options struct {
	Config config.Config
	Logger logging.Logger

	// ModelFor resolves the model for a resolved profile. The default builds
	// an OpenAI-compatible adapter from the profile's llm_config_ref. Tests
	// substitute scripted models here.
	ModelFor func(p *profile.Profile) model.Model
}

// Run owns one end-to-end execution for a user request.
type Run struct {
	id         string
	profiles   *profile.Registry
	principal  *profile.Profile
	teamState  *team.State
	eventBus   *bus.Bus
	tools      *tool.Registry
	ingestors  *ingest.Registry
	dispatcher *dispatch.Dispatcher
	rootFlow   *flow.Flow
	cfg        config.Config
	logger     logging.Logger
	modelFor   func(p *profile.Profile) model.Model

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
	result  flow.Result
}

// New prepares a run for the named Principal profile. Profile resolution
// failures (unknown profile, inheritance cycle) fail here, before anything
// starts.
func New(profiles *profile.Registry, principalName string, optFns ...func(o *Options)) (*Run, error) {
	opts := Options{
		Config: config.Default(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	principal, err := profiles.Resolve(principalName)
	if err != nil {
		return nil, err
	}

	// Resolve every registered profile up front: associates feed the team's
	// dispatch list, and a broken profile should fail the run before it starts.
	var associates []string
	for _, name := range profiles.Names() {
		p, err := profiles.Resolve(name)
		if err != nil {
			return nil, err
		}
		if p.Type == profile.KindAssociate {
			associates = append(associates, name)
		}
	}

	r := &Run{
		id:        uuid.NewString(),
		profiles:  profiles,
		principal: principal,
		teamState: team.NewState(associates),
		eventBus:  bus.NewBus(),
		tools:     tool.NewRegistry(),
		ingestors: ingest.NewRegistry(),
		cfg:       opts.Config,
		logger:    opts.Logger,
		modelFor:  opts.ModelFor,
		done:      make(chan struct{}),
	}
	if r.modelFor == nil {
		r.modelFor = r.defaultModelFor
	}
	builtin.RegisterAll(r.tools)

	r.dispatcher = dispatch.New(
		r.id, profiles, r.modelFor, r.tools, r.ingestors, r.teamState, r.eventBus,
		func(o *dispatch.Options) {
			o.MaxConcurrent = r.cfg.MaxConcurrentChildFlows
			o.MaxTurnsPerChild = r.cfg.MaxTurnsPerFlow
			o.Logger = r.logger
			o.CallerOptsFor = r.callerOptsFor
		},
	)
	return r, nil
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Team returns the run's team state.
func (r *Run) Team() *team.State { return r.teamState }

// Tools returns the run's tool registry for pre-start extension.
func (r *Run) Tools() *tool.Registry { return r.tools }

// Ingestors returns the run's ingestor registry for pre-start extension.
func (r *Run) Ingestors() *ingest.Registry { return r.ingestors }

// Subscribe attaches an event consumer with the configured buffer size.
func (r *Run) Subscribe() *bus.Subscription {
	return r.eventBus.Subscribe(r.cfg.EventBufferSize)
}

// Start launches the Principal flow with the user prompt as its first user
// message. It returns immediately; observe completion through Done/Wait and
// the event stream.
func (r *Run) Start(ctx context.Context, userPrompt string) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("run %s already started", r.id)
	}
	r.started = true

	var runCtx context.Context
	var cancel context.CancelFunc
	if r.cfg.RunWallClockTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.RunWallClockTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	r.cancel = cancel

	r.rootFlow = flow.New(flow.Config{
		RunID:      r.id,
		Profile:    r.principal,
		Model:      r.modelFor(r.principal),
		Tools:      r.tools,
		Ingest:     r.ingestors,
		Team:       r.teamState,
		Bus:        r.eventBus,
		Logger:     r.logger,
		Dispatcher: r.dispatcher,
		MaxTurns:   r.cfg.MaxTurnsPerFlow,
		CallerOpts: r.callerOptsFor(r.principal),
	})
	r.rootFlow.AppendMessage(model.Message{Role: model.RoleUser, Content: userPrompt})
	r.mu.Unlock()

	r.logger.Info("run started", "run_id", r.id, "principal", r.principal.Name)

	go func() {
		defer cancel()
		result := r.rootFlow.Run(runCtx)

		r.mu.Lock()
		r.result = result
		r.mu.Unlock()

		if r.cfg.StateDumpEnabled {
			if err := r.writeStateDump(result); err != nil {
				r.logger.Error("state dump failed", "run_id", r.id, "error", err)
			}
		}

		r.eventBus.Publish(bus.New(r.id, r.rootFlow.ID(), bus.EventRunEnd, bus.RunEndPayload{
			Outcome: string(result.Outcome),
			Error:   result.ErrorMessage,
		}))
		r.logger.Info("run finished", "run_id", r.id, "outcome", string(result.Outcome))
		close(r.done)
		r.eventBus.Close()
	}()
	return nil
}

// Cancel fires the run-wide cancel token. Flows stop at their next
// suspension point and in-flight LLM calls abort.
func (r *Run) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the run has terminated and RunEnd was published.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run terminates or ctx expires.
func (r *Run) Wait(ctx context.Context) (flow.Result, error) {
	select {
	case <-ctx.Done():
		return flow.Result{}, ctx.Err()
	case <-r.done:
		return r.Result(), nil
	}
}

// Result returns the Principal's terminal result once the run is done.
func (r *Run) Result() flow.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Report returns the final markdown report, when one was generated.
func (r *Run) Report() (string, bool) {
	r.mu.Lock()
	root := r.rootFlow
	r.mu.Unlock()
	if root == nil {
		return "", false
	}
	return root.ToolContext().Artifact(builtin.ReportArtifactName)
}

// TokenUsage returns the tokens consumed by the Principal and all child
// flows so far.
func (r *Run) TokenUsage() model.TokenUsage {
	total := r.dispatcher.Usage()
	r.mu.Lock()
	root := r.rootFlow
	r.mu.Unlock()
	if root != nil {
		u := root.Usage()
		total.PromptTokens += u.PromptTokens
		total.CompletionTokens += u.CompletionTokens
		total.TotalTokens += u.TotalTokens
	}
	return total
}

// callerOptsFor builds the caller options for one profile: the global config
// first, then the profile's llm_config_ref overrides where it sets a nonzero
// timeout_ms or max_retries.
func (r *Run) callerOptsFor(p *profile.Profile) []func(o *model.CallerOptions) {
	llmCfg, ok := r.profiles.LLMConfig(p.LLMConfigRef)
	return []func(o *model.CallerOptions){func(o *model.CallerOptions) {
		o.Timeout = r.cfg.LLMCallTimeout
		o.MaxRetries = r.cfg.LLMMaxRetries
		o.RetryBaseWait = r.cfg.LLMRetryBaseWait
		o.Logger = r.logger
		if !ok {
			return
		}
		if llmCfg.TimeoutMS > 0 {
			o.Timeout = time.Duration(llmCfg.TimeoutMS) * time.Millisecond
		}
		if llmCfg.MaxRetries > 0 {
			o.MaxRetries = llmCfg.MaxRetries
		}
	}}
}

// defaultModelFor builds an OpenAI-compatible adapter from the profile's
// llm_config_ref; with no configuration the SDK's environment defaults apply.
func (r *Run) defaultModelFor(p *profile.Profile) model.Model {
	cfg, ok := r.profiles.LLMConfig(p.LLMConfigRef)
	if !ok {
		return openai.NewModel()
	}
	return openai.NewModel(func(o *openai.Options) {
		if cfg.Model != "" {
			o.Model = cfg.Model
		}
		o.BaseURL = cfg.EndpointURL
		o.APIKey = cfg.APIKey
	})
}

// stateDump is the serialized terminal snapshot of a run.
type stateDump struct {
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Outcome   string         `json:"outcome"`
	Error     string         `json:"error,omitempty"`
	Team      map[string]any `json:"team"`
	Flows     map[string]any `json:"flows"`
}

func (r *Run) writeStateDump(result flow.Result) error {
	flows := map[string]any{
		r.rootFlow.ID(): map[string]any{
			"profile":  r.principal.Name,
			"messages": r.rootFlow.State().Messages(),
		},
	}
	for _, child := range r.dispatcher.Flows() {
		flows[child.ID()] = map[string]any{
			"messages": child.State().Messages(),
		}
	}
	dump := stateDump{
		RunID:     r.id,
		Timestamp: time.Now().UTC(),
		Outcome:   string(result.Outcome),
		Error:     result.ErrorMessage,
		Team:      r.teamState.Snapshot(),
		Flows:     flows,
	}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.cfg.StateDumpPath, data, 0o644)
}
