// Package builtin registers the planning, dispatch, submission and reporting
// tools every run carries. Profiles still gate visibility per agent through
// their tool access policy.
package builtin

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orchestrahq/orchestra/bus"
	"github.com/orchestrahq/orchestra/dispatch"
	"github.com/orchestrahq/orchestra/team"
	"github.com/orchestrahq/orchestra/tool"
)

// Toolset tags.
const (
	ToolsetPlanning   = "planning"
	ToolsetSubmission = "submission"
	ToolsetReporting  = "reporting"
)

// ReportArtifactName is the artifact key the markdown report is stored under.
const ReportArtifactName = "report.md"

// RegisterAll installs every built-in tool into the registry.
func RegisterAll(reg *tool.Registry) {
	reg.Register(ManageWorkModules())
	reg.Register(DispatchSubmodules())
	reg.Register(GenerateMessageSummary())
	reg.Register(GenerateMarkdownReport())
	reg.Register(FinishFlow())
}

// ManageWorkModules returns the plan management tool. The call is atomic
// over team state; individual actions may fail without aborting the rest,
// and every action reports its own result.
func ManageWorkModules() *tool.Definition {
	return &tool.Definition{
		Name: "manage_work_modules",
		Description: "Create, update or delete work modules in the shared plan. " +
			"Each action is one of add {name, description}, " +
			"update {module_id, name?, description?, status?} or delete {module_id}. " +
			"Deleting deprecates the module; it stays visible for historical reference.",
		Toolset: ToolsetPlanning,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"actions": map[string]any{
					"type":        "array",
					"description": "Ordered list of plan actions to apply.",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"type":        map[string]any{"type": "string", "enum": []string{"add", "update", "delete"}},
							"name":        map[string]any{"type": "string"},
							"description": map[string]any{"type": "string"},
							"module_id":   map[string]any{"type": "string"},
							"status":      map[string]any{"type": "string"},
						},
						"required": []string{"type"},
					},
				},
			},
			"required": []string{"actions"},
		},
		Handler: manageWorkModules,
	}
}

func manageWorkModules(tctx *tool.Context, args map[string]any) (any, error) {
	rawActions, _ := args["actions"].([]any)
	if len(rawActions) == 0 {
		return nil, tool.NewError("manage_work_modules", "actions must be a non-empty array", tool.CodeSchemaError)
	}

	// The whole batch commits under one acquisition of the team lock, so a
	// concurrently running flow never sees a half-applied plan.
	results := make([]map[string]any, len(rawActions))
	var actions []team.PlanAction
	for i, raw := range rawActions {
		action, ok := raw.(map[string]any)
		if !ok {
			results[i] = actionError(i, "action must be an object")
			continue
		}
		actions = append(actions, parsePlanAction(i, action))
	}
	for _, r := range tctx.Team.ApplyPlan(actions) {
		results[r.Index] = planResultToMap(r)
	}

	if tctx.Bus != nil {
		tctx.Bus.Publish(bus.New(tctx.RunID, tctx.FlowID, bus.EventWorkModulesUpdate,
			tctx.Team.Snapshot()["work_modules"]))
	}
	return map[string]any{"results": results}, nil
}

func parsePlanAction(index int, action map[string]any) team.PlanAction {
	out := team.PlanAction{Index: index}
	out.Type, _ = action["type"].(string)
	out.ModuleID, _ = action["module_id"].(string)
	out.Name, _ = action["name"].(string)
	out.Description, _ = action["description"].(string)
	if name, ok := action["name"].(string); ok {
		out.Patch.Name = &name
	}
	if description, ok := action["description"].(string); ok {
		out.Patch.Description = &description
	}
	if status, ok := action["status"].(string); ok {
		s := team.Status(status)
		out.Patch.Status = &s
	}
	return out
}

func planResultToMap(r team.PlanResult) map[string]any {
	if !r.OK {
		return actionError(r.Index, r.Err)
	}
	m := map[string]any{"index": r.Index, "ok": true, "module_id": r.ModuleID}
	if r.Status != "" {
		m["status"] = string(r.Status)
	}
	return m
}

func actionError(index int, msg string) map[string]any {
	return map[string]any{"index": index, "ok": false, "error": msg}
}

// DispatchSubmodules returns the dispatch tool. It ends the caller's turn:
// the dispatcher blocks until every child flow terminates, and the caller's
// next turn reviews the aggregated outcomes.
func DispatchSubmodules() *tool.Definition {
	return &tool.Definition{
		Name: "dispatch_submodules",
		Description: "Dispatch pending work modules to associate agents that run in parallel. " +
			"Each assignment names a module, an associate profile, a role and specific instructions, " +
			"and may inherit deliverables or full message histories from other modules. " +
			"The call blocks until all children finish and returns module id -> outcome.",
		Toolset:  ToolsetPlanning,
		EndsTurn: true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"assignments": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"module_id_to_assign":              map[string]any{"type": "string"},
							"agent_profile_logical_name":       map[string]any{"type": "string"},
							"assigned_role_name":               map[string]any{"type": "string"},
							"assignment_specific_instructions": map[string]any{"type": "string"},
							"inherit_deliverables_from":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"inherit_messages_from":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						},
						"required": []string{"module_id_to_assign", "agent_profile_logical_name", "assigned_role_name", "assignment_specific_instructions"},
					},
				},
				"shared_context_for_all_assignments": map[string]any{
					"type":        "object",
					"description": "Optional context injected into every child flow.",
				},
			},
			"required": []string{"assignments"},
		},
		Handler: dispatchSubmodules,
	}
}

func dispatchSubmodules(tctx *tool.Context, args map[string]any) (any, error) {
	if tctx.Dispatcher == nil {
		return nil, tool.NewError("dispatch_submodules", "this agent cannot dispatch", tool.CodeHandlerError)
	}

	rawAssignments, _ := args["assignments"].([]any)
	if len(rawAssignments) == 0 {
		return nil, tool.NewError("dispatch_submodules", "assignments must be a non-empty array", tool.CodeSchemaError)
	}
	assignments := make([]tool.Assignment, len(rawAssignments))
	for i, raw := range rawAssignments {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, tool.NewError("dispatch_submodules", fmt.Sprintf("assignment %d is malformed", i), tool.CodeSchemaError)
		}
		if err := json.Unmarshal(data, &assignments[i]); err != nil {
			return nil, tool.NewError("dispatch_submodules", fmt.Sprintf("assignment %d is malformed: %v", i, err), tool.CodeSchemaError)
		}
	}
	sharedContext := args["shared_context_for_all_assignments"]

	outcomes, err := tctx.Dispatcher.Dispatch(tctx.Context, tctx, assignments, sharedContext)
	if err != nil {
		var vErr *dispatch.ValidationError
		if errors.As(err, &vErr) {
			return map[string]any{"rejected": true, "errors": vErr.Items}, err
		}
		return nil, err
	}
	return map[string]any{"outcomes": outcomes}, nil
}

// GenerateMessageSummary returns the Associate submission tool. Calling it
// records the findings as the flow's terminal result and ends the flow with
// success; calling it again replaces the previous findings.
func GenerateMessageSummary() *tool.Definition {
	return &tool.Definition{
		Name: "generate_message_summary",
		Description: "Submit your findings for the work module you were assigned. " +
			"This ends your flow successfully; the findings become the module's deliverable.",
		Toolset:  ToolsetSubmission,
		EndsTurn: true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"current_associate_findings": map[string]any{
					"type":        "string",
					"description": "The complete findings to deliver.",
				},
			},
			"required": []string{"current_associate_findings"},
		},
		Handler: func(tctx *tool.Context, args map[string]any) (any, error) {
			findings, _ := args["current_associate_findings"].(string)
			if findings == "" {
				return nil, tool.NewError("generate_message_summary", "findings must not be empty", tool.CodeSchemaError)
			}
			tctx.SetFlowOutcome(tool.FlowOutcome{Status: "success", Findings: findings})
			return "findings recorded", nil
		},
	}
}

// GenerateMarkdownReport returns the report tool. The synthesis is stored as
// a run artifact; the flow continues so the agent can finish explicitly.
func GenerateMarkdownReport() *tool.Definition {
	return &tool.Definition{
		Name: "generate_markdown_report",
		Description: "Store the final markdown synthesis of all deliverables as the run's report artifact. " +
			"Call finish_flow afterwards to end the run.",
		Toolset: ToolsetReporting,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"principal_final_synthesis": map[string]any{
					"type":        "string",
					"description": "The complete report in markdown.",
				},
			},
			"required": []string{"principal_final_synthesis"},
		},
		Handler: func(tctx *tool.Context, args map[string]any) (any, error) {
			synthesis, _ := args["principal_final_synthesis"].(string)
			if synthesis == "" {
				return nil, tool.NewError("generate_markdown_report", "synthesis must not be empty", tool.CodeSchemaError)
			}
			tctx.SetArtifact(ReportArtifactName, synthesis)
			return "report stored", nil
		},
	}
}

// FinishFlow returns the explicit terminal tool.
func FinishFlow() *tool.Definition {
	return &tool.Definition{
		Name:        "finish_flow",
		Description: "End this flow successfully. Call when all work is complete.",
		Toolset:     ToolsetReporting,
		EndsTurn:    true,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(tctx *tool.Context, _ map[string]any) (any, error) {
			tctx.SetFlowOutcome(tool.FlowOutcome{Status: "success"})
			return "flow finished", nil
		},
	}
}
