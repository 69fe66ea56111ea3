package tool

import (
	"context"
	"sync"

	"github.com/orchestrahq/orchestra/bus"
	"github.com/orchestrahq/orchestra/logging"
	"github.com/orchestrahq/orchestra/state"
	"github.com/orchestrahq/orchestra/team"
)

// Assignment is one dispatch target inside a dispatch_submodules call.
type Assignment struct {
	ModuleIDToAssign               string   `json:"module_id_to_assign"`
	AgentProfileLogicalName        string   `json:"agent_profile_logical_name"`
	AssignedRoleName               string   `json:"assigned_role_name"`
	AssignmentSpecificInstructions string   `json:"assignment_specific_instructions"`
	InheritDeliverablesFrom        []string `json:"inherit_deliverables_from,omitempty"`
	InheritMessagesFrom            []string `json:"inherit_messages_from,omitempty"`
}

// Dispatcher spawns child Associate flows for a validated assignment batch
// and blocks until all of them terminate. It returns the aggregated module
// id -> outcome map. The dispatch subsystem provides the implementation; the
// indirection keeps tools free of a dependency on flow execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, tctx *Context, assignments []Assignment, sharedContext any) (map[string]string, error)
}

// FlowOutcome is the terminal result a tool may set for its flow, e.g. an
// Associate submitting findings or finish_flow ending the Principal.
type FlowOutcome struct {
	Status       string // success, error
	Findings     string
	ErrorMessage string
}

// Context is the per-flow handle passed to tool handlers. It exposes the
// identifiers, shared team state and event bus a tool needs, plus the slots
// tools write into: contributed prompt context, artifacts and the flow
// outcome.
type Context struct {
	Context      context.Context
	RunID        string
	FlowID       string
	AgentProfile string

	Team   *team.State
	Flow   *state.FlowState
	View   state.View
	Bus    *bus.Bus
	Logger logging.Logger

	// Dispatcher is nil for flows whose profile cannot dispatch.
	Dispatcher Dispatcher

	mu          sync.Mutex
	contributed []string
	artifacts   map[string]string
	outcome     *FlowOutcome
}

// ContributeContext registers text for the next turn's
// tool_contributed_context prompt segment.
func (c *Context) ContributeContext(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contributed = append(c.contributed, text)
}

// DrainContributedContext returns and clears the contributed texts.
func (c *Context) DrainContributedContext() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.contributed
	c.contributed = nil
	return out
}

// SetArtifact stores a named artifact produced by a tool, such as the final
// markdown report.
func (c *Context) SetArtifact(name, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.artifacts == nil {
		c.artifacts = map[string]string{}
	}
	c.artifacts[name] = content
}

// Artifact returns a stored artifact.
func (c *Context) Artifact(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.artifacts[name]
	return v, ok
}

// Artifacts returns a copy of all stored artifacts.
func (c *Context) Artifacts() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.artifacts))
	for k, v := range c.artifacts {
		out[k] = v
	}
	return out
}

// SetFlowOutcome records the flow's terminal result. Calling it again
// replaces the previous value.
func (c *Context) SetFlowOutcome(o FlowOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcome = &o
}

// FlowOutcome returns the recorded terminal result, or nil.
func (c *Context) FlowOutcome() *FlowOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome == nil {
		return nil
	}
	cp := *c.outcome
	return &cp
}
