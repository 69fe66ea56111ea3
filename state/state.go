// Package state implements the typed value tree shared by flows within a run.
// Values are addressed by dotted paths ("flags.consecutive_no_tool_call_count");
// lookups of missing paths resolve to an explicit absent value rather than an
// error so declarative profile rules never observe exceptions.
package state

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Kind classifies a resolved value.
type Kind int

// Value kinds recognized by the path resolver and condition evaluator.
const (
	KindAbsent Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// KindOf classifies an arbitrary decoded value.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindAbsent
	case string:
		return KindString
	case bool:
		return KindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return KindNumber
	case []any:
		return KindList
	case map[string]any:
		return KindMap
	default:
		return KindMap
	}
}

// Truthy reports the boolean interpretation of a value: absent, empty
// strings/lists/maps, zero numbers and false are all falsey.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// AsNumber coerces a value to float64 when possible.
func AsNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Stringify renders a value for template interpolation. Absent values render
// as the empty string.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		// Drop the trailing .0 for whole numbers so counters read naturally.
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// View is a read-only lookup over run state. The second return is false when
// the path does not resolve.
type View interface {
	Lookup(path string) (any, bool)
}

// Resolve walks a decoded value tree along a dotted path. List elements are
// addressed by numeric segments.
func Resolve(root any, path string) (any, bool) {
	if path == "" {
		return root, root != nil
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Tree is a mutable, thread-safe value tree. All mutation goes through typed
// operations so observers can express set/increment/append without reflection.
type Tree struct {
	mu   sync.RWMutex
	root map[string]any
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{root: map[string]any{}}
}

// Lookup implements View.
func (t *Tree) Lookup(path string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Resolve(t.root, path)
}

// Set writes a value at path, creating intermediate maps.
func (t *Tree) Set(path string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, leaf := t.ensureParent(path)
	parent[leaf] = value
}

// Increment adds delta to the numeric value at path, treating absent as zero.
func (t *Tree) Increment(path string, delta float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, leaf := t.ensureParent(path)
	cur, _ := AsNumber(parent[leaf])
	next := cur + delta
	parent[leaf] = next
	return next
}

// Append appends value to the list at path, creating the list if absent.
func (t *Tree) Append(path string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, leaf := t.ensureParent(path)
	list, _ := parent[leaf].([]any)
	parent[leaf] = append(list, value)
}

// Delete removes the value at path if present.
func (t *Tree) Delete(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := strings.Split(path, ".")
	cur := t.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

// Snapshot returns a deep copy of the tree suitable for serialization.
func (t *Tree) Snapshot() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return deepCopyMap(t.root)
}

func (t *Tree) ensureParent(path string) (map[string]any, string) {
	segs := strings.Split(path, ".")
	cur := t.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return cur, segs[len(segs)-1]
}

func deepCopyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepCopyMap(x)
	case []any:
		cp := make([]any, len(x))
		for i, e := range x {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return x
	}
}

// MultiView routes path prefixes to underlying views, e.g. "state." to the
// flow's private tree and "team." to the shared team tree.
type MultiView struct {
	views map[string]View
}

// NewMultiView creates a prefix router over named views.
func NewMultiView() *MultiView {
	return &MultiView{views: map[string]View{}}
}

// Mount registers a view under a top-level prefix (without trailing dot).
func (m *MultiView) Mount(prefix string, v View) *MultiView {
	m.views[prefix] = v
	return m
}

// Lookup implements View by stripping the first path segment and delegating.
func (m *MultiView) Lookup(path string) (any, bool) {
	prefix, rest, found := strings.Cut(path, ".")
	v, ok := m.views[prefix]
	if !ok {
		return nil, false
	}
	if !found {
		if t, ok := v.(*Tree); ok {
			return t.Snapshot(), true
		}
		return v.Lookup("")
	}
	return v.Lookup(rest)
}
