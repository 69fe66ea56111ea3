// Package tool implements the function calling subsystem that lets agents
// invoke structured capabilities with schema validated arguments, consistent
// error handling and prompt-ready metadata for LLM guidance.
//
// The registry is populated at boot and read-only afterwards. Tools declare a
// toolset tag and profiles restrict visibility through their tool access
// policy; the prompt-visible subset feeds both the system prompt and the
// chat-completion tools parameter.
package tool

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/orchestrahq/orchestra/internal/util"
	"github.com/orchestrahq/orchestra/model"
	"github.com/orchestrahq/orchestra/profile"
)

// Handler executes a tool call. Arguments arrive parsed from JSON and
// validated against the tool's schema. Returned errors surface to the agent
// as a structured error result, never as a panic.
type Handler func(tctx *Context, args map[string]any) (any, error)

// Definition describes one registered tool.
type Definition struct {
	// Name is the unique identifier, snake_case by convention.
	Name string

	// Description is provided to the LLM to guide tool selection.
	Description string

	// Toolset tags the tool for profile access policies.
	Toolset string

	// Parameters is the JSON schema for the arguments object.
	Parameters map[string]any

	// EndsTurn marks tools whose invocation ends the agent's turn.
	EndsTurn bool

	Handler Handler
}

// Result is the structured outcome of a tool invocation. Schema violations
// and handler failures are reported here with OK=false; they never escape as
// errors.
type Result struct {
	OK           bool   `json:"ok"`
	Payload      any    `json:"payload,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Content renders the result as the tool-message body for the conversation.
func (r Result) Content() string {
	if !r.OK {
		if r.Payload != nil {
			if data, err := json.Marshal(r.Payload); err == nil {
				return fmt.Sprintf("Error: %s\n%s", r.ErrorMessage, data)
			}
		}
		return fmt.Sprintf("Error: %s", r.ErrorMessage)
	}
	switch p := r.Payload.(type) {
	case string:
		return p
	case nil:
		return "ok"
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprintf("%v", p)
		}
		return string(data)
	}
}

// ValidationError is re-exported for callers inspecting schema failures.
type ValidationError = util.ValidationError

// Error categorizes a tool failure.
type Error struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error codes.
const (
	CodeUnknownTool   = "unknown_tool"
	CodeSchemaError   = "schema_error"
	CodeHandlerError  = "handler_error"
	CodeHandlerPanic  = "handler_panic"
	CodeMalformedArgs = "malformed_arguments"
)

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewError creates an Error with the given details.
func NewError(tool, message, code string) *Error {
	return &Error{Tool: tool, Message: message, Code: code}
}

// Registry holds the named tools available to a run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]*Definition{}}
}

// Register adds a tool, replacing any previous definition with the same name.
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// VisibleFor returns the tools permitted by the policy, sorted by name so
// prompt rendering is deterministic. A tool is visible when its toolset is
// allowed or its name is individually allowed.
func (r *Registry) VisibleFor(policy profile.ToolAccessPolicy) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Definition
	for _, def := range r.tools {
		if contains(policy.AllowedToolsets, def.Toolset) || contains(policy.AllowedIndividualTools, def.Name) {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ModelDefinitions converts a visible subset to the wire tool declarations.
func ModelDefinitions(defs []*Definition) []model.ToolDefinition {
	out := make([]model.ToolDefinition, len(defs))
	for i, def := range defs {
		out[i] = model.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		}
	}
	return out
}

// RenderPrompt renders tool descriptions for system prompt injection.
func RenderPrompt(defs []*Definition) string {
	if len(defs) == 0 {
		return "No tools are available."
	}
	var b []byte
	for i, def := range defs {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, fmt.Sprintf("### %s\n%s\n", def.Name, def.Description)...)
		if schema, err := json.Marshal(def.Parameters); err == nil {
			b = append(b, fmt.Sprintf("Parameters schema: %s\n", schema)...)
		}
	}
	return string(b)
}

// Invoke validates rawArgs against the tool's schema and dispatches to the
// handler. Streaming argument aggregation can leave the JSON slightly
// damaged, so decoding is lenient before it is fatal. Handler panics are
// recovered into error results.
func (r *Registry) Invoke(tctx *Context, name, rawArgs string) Result {
	def := r.Get(name)
	if def == nil {
		return Result{OK: false, ErrorMessage: NewError(name, "tool not registered", CodeUnknownTool).Error()}
	}

	args, err := DecodeArgs(rawArgs)
	if err != nil {
		return Result{OK: false, ErrorMessage: NewError(name, err.Error(), CodeMalformedArgs).Error()}
	}

	if err := util.ValidateParameters(args, def.Parameters); err != nil {
		return Result{OK: false, ErrorMessage: NewError(name, err.Error(), CodeSchemaError).Error()}
	}

	payload, err := callRecovered(def, tctx, args)
	if err != nil {
		// A failing handler may still return a structured payload, e.g. the
		// per-item errors of a rejected dispatch.
		return Result{OK: false, Payload: payload, ErrorMessage: err.Error()}
	}
	return Result{OK: true, Payload: payload}
}

func callRecovered(def *Definition, tctx *Context, args map[string]any) (payload any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = NewError(def.Name, fmt.Sprintf("panic: %v", rec), CodeHandlerPanic)
		}
	}()
	payload, err = def.Handler(tctx, args)
	if err != nil {
		if _, ok := err.(*Error); !ok {
			err = NewError(def.Name, err.Error(), CodeHandlerError)
		}
	}
	return payload, err
}

func contains(list []string, v string) bool {
	for _, have := range list {
		if have == v {
			return true
		}
	}
	return false
}
