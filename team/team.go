// Package team holds the process-local state shared by all flows within one
// run: the work-module plan, the set of dispatchable Associate profiles and
// the free-form shared context. All mutation happens under a single team lock
// held for the duration of one tool invocation; there is no nested locking.
package team

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrahq/orchestra/state"
)

// Status is the lifecycle state of a work module.
type Status string

// Work-module statuses. A module holds exactly one status at any instant.
const (
	StatusPending       Status = "pending"
	StatusInProgress    Status = "in_progress"
	StatusPendingReview Status = "pending_review"
	StatusCompleted     Status = "completed"
	StatusDeprecated    Status = "deprecated"
)

// ValidStatus reports whether s is a recognized status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPendingReview, StatusCompleted, StatusDeprecated:
		return true
	}
	return false
}

// Deliverable is an Associate's submitted findings attached to a work module.
// Kind is "summary" for a generate_message_summary payload and "error" for a
// terminal child-flow failure recorded in its place.
type Deliverable struct {
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	From      string    `json:"from,omitempty"` // profile name of the submitting Associate
	Timestamp time.Time `json:"timestamp"`
}

// WorkModule is one unit of delegated work tracked in team state.
type WorkModule struct {
	ModuleID            string        `json:"module_id"`
	Name                string        `json:"name"`
	Description         string        `json:"description"`
	Status              Status        `json:"status"`
	AssignedProfileName string        `json:"assigned_profile_name,omitempty"`
	AssignedRoleName    string        `json:"assigned_role_name,omitempty"`
	Deliverables        []Deliverable `json:"deliverables,omitempty"`
	// MessagesRef is the flow id of the child whose full message history
	// produced the deliverables. Back-references are ids resolved through
	// the run, never pointers.
	MessagesRef string `json:"messages_ref,omitempty"`
}

func (m *WorkModule) clone() *WorkModule {
	cp := *m
	cp.Deliverables = append([]Deliverable(nil), m.Deliverables...)
	return &cp
}

// State is the shared team tree for one run.
type State struct {
	mu      sync.Mutex
	order   []string
	modules map[string]*WorkModule

	profiles []string // available Associate profile names for dispatch

	shared *state.Tree // team.shared_context
}

// NewState creates an empty team state offering the given Associate profiles.
func NewState(associateProfiles []string) *State {
	return &State{
		modules:  map[string]*WorkModule{},
		profiles: append([]string(nil), associateProfiles...),
		shared:   state.NewTree(),
	}
}

// SharedContext returns the free-form cross-flow tree.
func (s *State) SharedContext() *state.Tree { return s.shared }

// AssociateProfiles returns the dispatchable profile names.
func (s *State) AssociateProfiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.profiles...)
}

// Module returns a copy of the module, or nil when unknown.
func (s *State) Module(id string) *WorkModule {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok {
		return nil
	}
	return m.clone()
}

// Modules returns copies of all modules in creation order.
func (s *State) Modules() []*WorkModule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*WorkModule, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.modules[id].clone())
	}
	return out
}

// AddModule creates a pending module with a fresh wm_ id.
func (s *State) AddModule(name, description string) *WorkModule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addModuleLocked(name, description)
}

func (s *State) addModuleLocked(name, description string) *WorkModule {
	id := "wm_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	m := &WorkModule{ModuleID: id, Name: name, Description: description, Status: StatusPending}
	s.modules[id] = m
	s.order = append(s.order, id)
	return m.clone()
}

// ModulePatch carries optional field updates for UpdateModule.
type ModulePatch struct {
	Name        *string
	Description *string
	Status      *Status
}

// UpdateModule applies a patch. Completed modules accept no mutation other
// than deprecation.
func (s *State) UpdateModule(id string, patch ModulePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateModuleLocked(id, patch)
}

func (s *State) updateModuleLocked(id string, patch ModulePatch) error {
	m, ok := s.modules[id]
	if !ok {
		return fmt.Errorf("work module %s not found", id)
	}
	if m.Status == StatusCompleted {
		if patch.Status == nil || *patch.Status != StatusDeprecated || patch.Name != nil || patch.Description != nil {
			return fmt.Errorf("work module %s is completed and can only be deprecated", id)
		}
	}
	if patch.Status != nil && !ValidStatus(*patch.Status) {
		return fmt.Errorf("invalid status %q for work module %s", *patch.Status, id)
	}
	if patch.Name != nil {
		m.Name = *patch.Name
	}
	if patch.Description != nil {
		m.Description = *patch.Description
	}
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	return nil
}

// DeleteModule soft-deletes by transitioning to deprecated so historical
// references stay valid.
func (s *State) DeleteModule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteModuleLocked(id)
}

func (s *State) deleteModuleLocked(id string) error {
	m, ok := s.modules[id]
	if !ok {
		return fmt.Errorf("work module %s not found", id)
	}
	m.Status = StatusDeprecated
	return nil
}

// PlanAction is one entry of a plan-management batch. Index is the action's
// position in the original batch, echoed back in its result.
type PlanAction struct {
	Index       int
	Type        string // add, update, delete
	Name        string
	Description string
	ModuleID    string
	Patch       ModulePatch
}

// PlanResult reports one plan action's outcome.
type PlanResult struct {
	Index    int
	OK       bool
	ModuleID string
	Status   Status
	Err      string
}

// ApplyPlan applies a whole plan-management batch under a single acquisition
// of the team lock, so no concurrent flow can observe or interleave with a
// partially applied batch. Individual actions may still fail without
// aborting the rest; each reports its own result.
func (s *State) ApplyPlan(actions []PlanAction) []PlanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlanResult, 0, len(actions))
	for _, a := range actions {
		out = append(out, s.applyPlanActionLocked(a))
	}
	return out
}

func (s *State) applyPlanActionLocked(a PlanAction) PlanResult {
	switch a.Type {
	case "add":
		if a.Name == "" {
			return PlanResult{Index: a.Index, Err: "add requires a name"}
		}
		m := s.addModuleLocked(a.Name, a.Description)
		return PlanResult{Index: a.Index, OK: true, ModuleID: m.ModuleID, Status: m.Status}
	case "update":
		if a.ModuleID == "" {
			return PlanResult{Index: a.Index, Err: "update requires module_id"}
		}
		if err := s.updateModuleLocked(a.ModuleID, a.Patch); err != nil {
			return PlanResult{Index: a.Index, Err: err.Error()}
		}
		return PlanResult{Index: a.Index, OK: true, ModuleID: a.ModuleID}
	case "delete":
		if a.ModuleID == "" {
			return PlanResult{Index: a.Index, Err: "delete requires module_id"}
		}
		if err := s.deleteModuleLocked(a.ModuleID); err != nil {
			return PlanResult{Index: a.Index, Err: err.Error()}
		}
		return PlanResult{Index: a.Index, OK: true, ModuleID: a.ModuleID, Status: StatusDeprecated}
	default:
		return PlanResult{Index: a.Index, Err: fmt.Sprintf("unknown action type %q", a.Type)}
	}
}

// Dispatchable reports whether the module may be assigned to an Associate.
func (s *State) Dispatchable(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	return ok && (m.Status == StatusPending || m.Status == StatusPendingReview)
}

// MarkInProgress transitions a dispatchable module to in_progress and records
// the assignment. It fails when the module is not pending/pending_review so a
// double dispatch cannot race past validation.
func (s *State) MarkInProgress(id, profileName, roleName, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok {
		return fmt.Errorf("work module %s not found", id)
	}
	if m.Status != StatusPending && m.Status != StatusPendingReview {
		return fmt.Errorf("work module %s not dispatchable in status %s", id, m.Status)
	}
	m.Status = StatusInProgress
	m.AssignedProfileName = profileName
	m.AssignedRoleName = roleName
	m.MessagesRef = flowID
	return nil
}

// CompleteDispatch appends the deliverable produced by a finished child flow
// and transitions the module to pending_review for the Principal to assess.
func (s *State) CompleteDispatch(id string, d Deliverable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok {
		return fmt.Errorf("work module %s not found", id)
	}
	d.Timestamp = time.Now().UTC()
	m.Deliverables = append(m.Deliverables, d)
	m.Status = StatusPendingReview
	return nil
}

// Snapshot renders the team state as a plain value tree for serialization
// and for the "team.*" state view.
func (s *State) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"work_modules":               s.modulesAsAnyLocked(),
		"profiles_list_instance_ids": append([]any{}, toAnySlice(s.profiles)...),
		"shared_context":             s.shared.Snapshot(),
	}
}

// Lookup implements state.View over the canonical team paths.
func (s *State) Lookup(path string) (any, bool) {
	first, rest, _ := strings.Cut(path, ".")
	switch first {
	case "":
		return s.Snapshot(), true
	case "work_modules":
		s.mu.Lock()
		modules := s.modulesAsAnyLocked()
		s.mu.Unlock()
		return state.Resolve(modules, rest)
	case "profiles_list_instance_ids":
		s.mu.Lock()
		profiles := toAnySlice(s.profiles)
		s.mu.Unlock()
		return state.Resolve(profiles, rest)
	case "shared_context":
		if rest == "" {
			return s.shared.Snapshot(), true
		}
		return s.shared.Lookup(rest)
	default:
		return nil, false
	}
}

func (s *State) modulesAsAnyLocked() map[string]any {
	out := make(map[string]any, len(s.order))
	for _, id := range s.order {
		m := s.modules[id]
		mm := map[string]any{
			"module_id":   m.ModuleID,
			"name":        m.Name,
			"description": m.Description,
			"status":      string(m.Status),
		}
		if m.AssignedProfileName != "" {
			mm["assigned_profile_name"] = m.AssignedProfileName
			mm["assigned_role_name"] = m.AssignedRoleName
		}
		if len(m.Deliverables) > 0 {
			ds := make([]any, len(m.Deliverables))
			for i, d := range m.Deliverables {
				ds[i] = map[string]any{"kind": d.Kind, "content": d.Content, "from": d.From}
			}
			mm["deliverables"] = ds
		}
		out[id] = mm
	}
	return out
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
