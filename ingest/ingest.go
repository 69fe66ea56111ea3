// Package ingest renders state values and inbox payloads as prompt text.
// An ingestor is a named formatter; profiles reference ingestors by id from
// state_value segments and inbox items. The registry is populated at boot
// and read-only afterwards.
package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/orchestrahq/orchestra/expr"
	"github.com/orchestrahq/orchestra/state"
)

// Func formats a payload for prompt injection. view exposes run state for
// template interpolation; params carries per-reference options.
type Func func(payload any, view state.View, params map[string]any) string

// Built-in ingestor ids.
const (
	TemplatedContent    = "templated_content"
	GenericMessage      = "generic_message"
	ToolResult          = "tool_result"
	MarkdownFormatter   = "markdown_formatter"
	WorkModules         = "work_modules"
	AvailableAssociates = "available_associates"
	JSONHistory         = "json_history"
	TaggedContent       = "tagged_content"
	DispatchResult      = "dispatch_result"
)

// Registry maps ingestor ids to formatters.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry creates a registry with the built-in ingestors installed.
func NewRegistry() *Registry {
	r := &Registry{funcs: map[string]Func{}}
	r.Register(TemplatedContent, templatedContent)
	r.Register(GenericMessage, genericMessage)
	r.Register(ToolResult, toolResult)
	r.Register(MarkdownFormatter, markdownFormatter)
	r.Register(WorkModules, workModules)
	r.Register(AvailableAssociates, availableAssociates)
	r.Register(JSONHistory, jsonHistory)
	r.Register(TaggedContent, taggedContent)
	r.Register(DispatchResult, dispatchResult)
	return r
}

// Register installs or replaces a formatter.
func (r *Registry) Register(id string, fn Func) {
	r.funcs[id] = fn
}

// Render formats payload with the named ingestor. An unknown or empty id
// falls back to the markdown formatter so a misconfigured profile degrades
// to readable output instead of failing the turn.
func (r *Registry) Render(id string, payload any, view state.View, params map[string]any) string {
	fn, ok := r.funcs[id]
	if !ok {
		fn = markdownFormatter
	}
	return fn(payload, view, params)
}

func templatedContent(payload any, view state.View, _ map[string]any) string {
	text, ok := payload.(string)
	if !ok {
		text = state.Stringify(payload)
	}
	return expr.RenderTemplate(text, view)
}

func genericMessage(payload any, _ state.View, _ map[string]any) string {
	return state.Stringify(payload)
}

func toolResult(payload any, _ state.View, _ map[string]any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return state.Stringify(payload)
	}
	name, _ := m["tool"].(string)
	status := "ok"
	if okFlag, has := m["ok"].(bool); has && !okFlag {
		status = "error"
	}
	content := state.Stringify(m["content"])
	if name == "" {
		return content
	}
	return fmt.Sprintf("Tool %s (%s):\n%s", name, status, content)
}

// markdownFormatter renders nested maps and lists as markdown, maps as
// heading/bullet structure and scalars inline. Map keys render in sorted
// order for deterministic prompts.
func markdownFormatter(payload any, _ state.View, _ map[string]any) string {
	var b strings.Builder
	writeMarkdown(&b, payload, 0)
	return strings.TrimRight(b.String(), "\n")
}

func writeMarkdown(b *strings.Builder, v any, depth int) {
	indent := strings.Repeat("  ", depth)
	switch vv := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := vv[k]
			switch child.(type) {
			case map[string]any, []any:
				fmt.Fprintf(b, "%s- **%s**:\n", indent, k)
				writeMarkdown(b, child, depth+1)
			default:
				fmt.Fprintf(b, "%s- **%s**: %s\n", indent, k, state.Stringify(child))
			}
		}
	case []any:
		for _, item := range vv {
			switch item.(type) {
			case map[string]any, []any:
				fmt.Fprintf(b, "%s-\n", indent)
				writeMarkdown(b, item, depth+1)
			default:
				fmt.Fprintf(b, "%s- %s\n", indent, state.Stringify(item))
			}
		}
	default:
		fmt.Fprintf(b, "%s%s\n", indent, state.Stringify(v))
	}
}

// workModules renders the work-module map in module-id order with status and
// deliverable counts, the projection the Principal plans against.
func workModules(payload any, _ state.View, _ map[string]any) string {
	modules, ok := payload.(map[string]any)
	if !ok || len(modules) == 0 {
		return "No work modules defined yet."
	}
	ids := make([]string, 0, len(modules))
	for id := range modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		m, ok := modules[id].(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s [%s] %s: %s\n",
			id, state.Stringify(m["status"]), state.Stringify(m["name"]), state.Stringify(m["description"]))
		if assigned, ok := m["assigned_profile_name"].(string); ok && assigned != "" {
			fmt.Fprintf(&b, "  assigned to: %s (%s)\n", assigned, state.Stringify(m["assigned_role_name"]))
		}
		if ds, ok := m["deliverables"].([]any); ok {
			for _, d := range ds {
				dm, ok := d.(map[string]any)
				if !ok {
					continue
				}
				fmt.Fprintf(&b, "  deliverable (%s): %s\n", state.Stringify(dm["kind"]), state.Stringify(dm["content"]))
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func availableAssociates(payload any, _ state.View, _ map[string]any) string {
	list, ok := payload.([]any)
	if !ok || len(list) == 0 {
		return "No associate profiles available."
	}
	var b strings.Builder
	for _, item := range list {
		fmt.Fprintf(&b, "- %s\n", state.Stringify(item))
	}
	return strings.TrimRight(b.String(), "\n")
}

func jsonHistory(payload any, _ state.View, _ map[string]any) string {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return state.Stringify(payload)
	}
	return string(data)
}

// taggedContent wraps the rendered payload in <tag>...</tag> markers; the tag
// name comes from params["tag"] and defaults to "context".
func taggedContent(payload any, view state.View, params map[string]any) string {
	tag := "context"
	if t, ok := params["tag"].(string); ok && t != "" {
		tag = t
	}
	inner := markdownFormatter(payload, view, nil)
	return fmt.Sprintf("<%s>\n%s\n</%s>", tag, inner, tag)
}

func dispatchResult(payload any, _ state.View, _ map[string]any) string {
	outcomes, ok := payload.(map[string]any)
	if !ok {
		return state.Stringify(payload)
	}
	ids := make([]string, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteString("Dispatch outcomes:\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "- %s: %s\n", id, state.Stringify(outcomes[id]))
	}
	return strings.TrimRight(b.String(), "\n")
}
