// Package profile loads declarative agent profiles from disk and resolves
// base_profile inheritance chains into immutable effective profiles.
//
// A profile document declares everything an agent needs beyond code: which
// tools it may call, how its system prompt is assembled, the observers that
// run around each turn and the flow decider that picks the next action.
// Unknown document keys are tolerated for forward compatibility.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Kind distinguishes planning agents from dispatched workers.
type Kind string

// Profile kinds.
const (
	KindPrincipal Kind = "principal"
	KindAssociate Kind = "associate"
)

// Segment is one ordered piece of the system prompt.
type Segment struct {
	ID              string         `yaml:"id"`
	Type            string         `yaml:"type"` // static_text, state_value, tool_description, tool_contributed_context
	Order           int            `yaml:"order"`
	Condition       string         `yaml:"condition,omitempty"`
	Content         string         `yaml:"content,omitempty"`
	Title           string         `yaml:"title,omitempty"`
	SourceStatePath string         `yaml:"source_state_path,omitempty"`
	IngestorID      string         `yaml:"ingestor_id,omitempty"`
	IngestorParams  map[string]any `yaml:"ingestor_params,omitempty"`
}

// Segment types.
const (
	SegmentStaticText             = "static_text"
	SegmentStateValue             = "state_value"
	SegmentToolDescription        = "tool_description"
	SegmentToolContributedContext = "tool_contributed_context"
)

// InboxSpec describes an inbox item an observer or decider rule enqueues.
// Exactly one of Content or ContentKey is set; ContentKey names an entry in
// the profile's text definitions.
type InboxSpec struct {
	Source            string         `yaml:"source,omitempty"`
	Content           string         `yaml:"content,omitempty"`
	ContentKey        string         `yaml:"content_key,omitempty"`
	IngestorID        string         `yaml:"ingestor_id,omitempty"`
	ConsumptionPolicy string         `yaml:"consumption_policy,omitempty"`
	Params            map[string]any `yaml:"params,omitempty"`
}

// StateUpdate is one mutation applied by an update_state action.
type StateUpdate struct {
	Op    string `yaml:"op"` // set, increment, append
	Path  string `yaml:"path"`
	Value any    `yaml:"value,omitempty"`
}

// Action is the tagged variant executed when an observer or decider rule
// fires. Type selects the variant; the remaining fields are per-variant
// payload.
type Action struct {
	Type         string        `yaml:"type"`
	Target       string        `yaml:"target,omitempty"` // add_to_inbox: self (default) or a state path owner
	Item         *InboxSpec    `yaml:"item,omitempty"`
	Updates      []StateUpdate `yaml:"updates,omitempty"`
	Outcome      string        `yaml:"outcome,omitempty"`
	ErrorMessage string        `yaml:"error_message,omitempty"`
	ContentKey   string        `yaml:"content_key,omitempty"` // loop_with_inbox_item
}

// Action types.
const (
	ActionAddToInbox        = "add_to_inbox"
	ActionUpdateState       = "update_state"
	ActionEndAgentTurn      = "end_agent_turn"
	ActionContinueWithTool  = "continue_with_tool"
	ActionLoopWithInboxItem = "loop_with_inbox_item"
)

// Observer is a declarative {condition, action} rule evaluated before or
// after a turn.
type Observer struct {
	ID        string `yaml:"id"`
	Condition string `yaml:"condition"`
	Action    Action `yaml:"action"`
}

// DeciderRule is one ordered flow-decider entry. The first rule whose
// condition matches determines the flow's next action.
type DeciderRule struct {
	ID        string `yaml:"id"`
	Condition string `yaml:"condition"`
	Action    Action `yaml:"action"`
}

// ToolAccessPolicy restricts the registry subset visible to an agent.
type ToolAccessPolicy struct {
	AllowedToolsets        []string `yaml:"allowed_toolsets"`
	AllowedIndividualTools []string `yaml:"allowed_individual_tools"`
}

// SystemPromptConstruction wraps the segment list to match the document
// layout.
type SystemPromptConstruction struct {
	SystemPromptSegments []Segment `yaml:"system_prompt_segments"`
}

// Profile is one declarative agent definition, raw as loaded or effective
// after resolution. Effective profiles are immutable for the run.
type Profile struct {
	Name                     string                   `yaml:"name"`
	Type                     Kind                     `yaml:"type"`
	BaseProfile              string                   `yaml:"base_profile,omitempty"`
	LLMConfigRef             string                   `yaml:"llm_config_ref,omitempty"`
	ToolAccessPolicy         ToolAccessPolicy         `yaml:"tool_access_policy"`
	SystemPromptConstruction SystemPromptConstruction `yaml:"system_prompt_construction"`
	TextDefinitions          map[string]string        `yaml:"text_definitions"`
	PreTurnObservers         []Observer               `yaml:"pre_turn_observers"`
	PostTurnObservers        []Observer               `yaml:"post_turn_observers"`
	FlowDecider              []DeciderRule            `yaml:"flow_decider"`
}

// Segments returns the system prompt segment list.
func (p *Profile) Segments() []Segment {
	return p.SystemPromptConstruction.SystemPromptSegments
}

// TextDefinition returns the named text fragment, or "" when undefined.
func (p *Profile) TextDefinition(key string) string {
	return p.TextDefinitions[key]
}

// LLMConfig is the transport configuration an llm_config_ref resolves to.
type LLMConfig struct {
	EndpointURL string `yaml:"endpoint_url"`
	Model       string `yaml:"model"`
	APIKey      string `yaml:"api_key"`
	TimeoutMS   int    `yaml:"timeout_ms,omitempty"`
	MaxRetries  int    `yaml:"max_retries,omitempty"`
}

// NotFoundError reports a reference to a profile that was never loaded.
type NotFoundError struct {
	Name string
}

// Error implements error.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("profile %q not found", e.Name)
}

// CycleError reports a base_profile chain that loops back on itself.
type CycleError struct {
	Chain []string
}

// Error implements error.
func (e *CycleError) Error() string {
	return fmt.Sprintf("profile inheritance cycle: %s", strings.Join(e.Chain, " -> "))
}

// Registry holds raw profiles keyed by name and memoizes resolution.
// It is populated at boot and read-only afterwards.
type Registry struct {
	mu       sync.Mutex
	raw      map[string]*Profile
	resolved map[string]*Profile
	llm      map[string]LLMConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		raw:      map[string]*Profile{},
		resolved: map[string]*Profile{},
		llm:      map[string]LLMConfig{},
	}
}

// Register adds a raw profile, replacing any previous one with the same name.
func (r *Registry) Register(p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw[p.Name] = p
	delete(r.resolved, p.Name)
}

// RegisterLLMConfig adds a named transport configuration.
func (r *Registry) RegisterLLMConfig(name string, cfg LLMConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = cfg
}

// LLMConfig resolves an llm_config_ref.
func (r *Registry) LLMConfig(name string) (LLMConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.llm[name]
	return cfg, ok
}

// Names returns the registered profile names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.raw))
	for name := range r.raw {
		out = append(out, name)
	}
	return out
}

// LoadAll reads every .yaml/.yml document in dir into the registry. A file
// named llm_configs.yaml holds the named transport configurations instead of
// a profile.
func LoadAll(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profile directory: %w", err)
	}
	reg := NewRegistry()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read profile %s: %w", path, err)
		}
		base := strings.TrimSuffix(entry.Name(), ext)
		if base == "llm_configs" {
			var configs map[string]LLMConfig
			if err := yaml.Unmarshal(data, &configs); err != nil {
				return nil, fmt.Errorf("parse llm configs %s: %w", path, err)
			}
			for name, cfg := range configs {
				reg.RegisterLLMConfig(name, cfg)
			}
			continue
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse profile %s: %w", path, err)
		}
		if p.Name == "" {
			p.Name = base
		}
		reg.Register(&p)
	}
	return reg, nil
}

// Resolve walks the base_profile chain for name and returns the effective
// profile: segments, observers and decider rules unioned by id with the
// child winning, text definitions child-wins by key, tool access unioned.
// Resolution is memoized; resolving the same name twice yields the same
// effective profile.
func (r *Registry) Resolve(name string) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(name, nil)
}

func (r *Registry) resolveLocked(name string, chain []string) (*Profile, error) {
	if p, ok := r.resolved[name]; ok {
		return p, nil
	}
	for _, seen := range chain {
		if seen == name {
			return nil, &CycleError{Chain: append(append([]string{}, chain...), name)}
		}
	}
	raw, ok := r.raw[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	if raw.BaseProfile == "" {
		eff := cloneProfile(raw)
		r.resolved[name] = eff
		return eff, nil
	}
	base, err := r.resolveLocked(raw.BaseProfile, append(chain, name))
	if err != nil {
		return nil, err
	}
	eff := merge(base, raw)
	r.resolved[name] = eff
	return eff, nil
}

// merge layers child over base. Parent entries keep their position; a child
// entry with a matching id replaces the parent's in place, unmatched child
// entries append in declaration order.
func merge(base, child *Profile) *Profile {
	eff := cloneProfile(base)
	eff.Name = child.Name
	eff.BaseProfile = ""
	if child.Type != "" {
		eff.Type = child.Type
	}
	if child.LLMConfigRef != "" {
		eff.LLMConfigRef = child.LLMConfigRef
	}
	eff.ToolAccessPolicy.AllowedToolsets = unionStrings(
		eff.ToolAccessPolicy.AllowedToolsets, child.ToolAccessPolicy.AllowedToolsets)
	eff.ToolAccessPolicy.AllowedIndividualTools = unionStrings(
		eff.ToolAccessPolicy.AllowedIndividualTools, child.ToolAccessPolicy.AllowedIndividualTools)

	eff.SystemPromptConstruction.SystemPromptSegments = mergeSegments(
		eff.SystemPromptConstruction.SystemPromptSegments, child.SystemPromptConstruction.SystemPromptSegments)
	eff.PreTurnObservers = mergeObservers(eff.PreTurnObservers, child.PreTurnObservers)
	eff.PostTurnObservers = mergeObservers(eff.PostTurnObservers, child.PostTurnObservers)
	eff.FlowDecider = mergeDecider(eff.FlowDecider, child.FlowDecider)

	if eff.TextDefinitions == nil {
		eff.TextDefinitions = map[string]string{}
	}
	for k, v := range child.TextDefinitions {
		eff.TextDefinitions[k] = v
	}
	return eff
}

func mergeSegments(base, child []Segment) []Segment {
	out := append([]Segment(nil), base...)
	for _, c := range child {
		replaced := false
		for i := range out {
			if out[i].ID == c.ID {
				out[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, c)
		}
	}
	return out
}

func mergeObservers(base, child []Observer) []Observer {
	out := append([]Observer(nil), base...)
	for _, c := range child {
		replaced := false
		for i := range out {
			if out[i].ID == c.ID {
				out[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, c)
		}
	}
	return out
}

func mergeDecider(base, child []DeciderRule) []DeciderRule {
	out := append([]DeciderRule(nil), base...)
	for _, c := range child {
		replaced := false
		for i := range out {
			if out[i].ID == c.ID {
				out[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, c)
		}
	}
	return out
}

func cloneProfile(p *Profile) *Profile {
	cp := *p
	cp.ToolAccessPolicy.AllowedToolsets = append([]string(nil), p.ToolAccessPolicy.AllowedToolsets...)
	cp.ToolAccessPolicy.AllowedIndividualTools = append([]string(nil), p.ToolAccessPolicy.AllowedIndividualTools...)
	cp.SystemPromptConstruction.SystemPromptSegments = append([]Segment(nil), p.SystemPromptConstruction.SystemPromptSegments...)
	cp.PreTurnObservers = append([]Observer(nil), p.PreTurnObservers...)
	cp.PostTurnObservers = append([]Observer(nil), p.PostTurnObservers...)
	cp.FlowDecider = append([]DeciderRule(nil), p.FlowDecider...)
	if p.TextDefinitions != nil {
		cp.TextDefinitions = make(map[string]string, len(p.TextDefinitions))
		for k, v := range p.TextDefinitions {
			cp.TextDefinitions[k] = v
		}
	}
	return &cp
}

func unionStrings(base, extra []string) []string {
	out := append([]string(nil), base...)
	for _, v := range extra {
		found := false
		for _, have := range out {
			if have == v {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	return out
}
