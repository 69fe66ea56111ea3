package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	root := map[string]any{
		"flags": map[string]any{"count": 2.0},
		"items": []any{"a", map[string]any{"name": "b"}},
	}

	t.Run("nested map path", func(t *testing.T) {
		v, ok := Resolve(root, "flags.count")
		require.True(t, ok)
		assert.Equal(t, 2.0, v)
	})

	t.Run("list index path", func(t *testing.T) {
		v, ok := Resolve(root, "items.1.name")
		require.True(t, ok)
		assert.Equal(t, "b", v)
	})

	t.Run("absent path", func(t *testing.T) {
		_, ok := Resolve(root, "flags.missing")
		assert.False(t, ok)
	})

	t.Run("index out of range", func(t *testing.T) {
		_, ok := Resolve(root, "items.5")
		assert.False(t, ok)
	})

	t.Run("empty path returns root", func(t *testing.T) {
		v, ok := Resolve(root, "")
		require.True(t, ok)
		assert.Equal(t, root, v)
	})
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy([]any{}))
	assert.False(t, Truthy(map[string]any{}))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(1.0))
	assert.True(t, Truthy([]any{1}))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "3", Stringify(3.0))
	assert.Equal(t, "3.5", Stringify(3.5))
	assert.Equal(t, "hello", Stringify("hello"))
	assert.Equal(t, "true", Stringify(true))
}

func TestTree(t *testing.T) {
	t.Run("set and lookup", func(t *testing.T) {
		tree := NewTree()
		tree.Set("a.b.c", "deep")
		v, ok := tree.Lookup("a.b.c")
		require.True(t, ok)
		assert.Equal(t, "deep", v)
	})

	t.Run("increment treats absent as zero", func(t *testing.T) {
		tree := NewTree()
		assert.Equal(t, 1.0, tree.Increment("count", 1))
		assert.Equal(t, 3.0, tree.Increment("count", 2))
	})

	t.Run("append creates the list", func(t *testing.T) {
		tree := NewTree()
		tree.Append("log", "first")
		tree.Append("log", "second")
		v, ok := tree.Lookup("log")
		require.True(t, ok)
		assert.Equal(t, []any{"first", "second"}, v)
	})

	t.Run("delete", func(t *testing.T) {
		tree := NewTree()
		tree.Set("a.b", 1)
		tree.Delete("a.b")
		_, ok := tree.Lookup("a.b")
		assert.False(t, ok)
	})

	t.Run("snapshot is a deep copy", func(t *testing.T) {
		tree := NewTree()
		tree.Set("a.b", "v")
		snap := tree.Snapshot()
		snap["a"].(map[string]any)["b"] = "mutated"
		v, _ := tree.Lookup("a.b")
		assert.Equal(t, "v", v)
	})
}

func TestMultiView(t *testing.T) {
	teamTree := NewTree()
	teamTree.Set("shared_context.topic", "T")
	flowTree := NewTree()
	flowTree.Set("flags.count", 1.0)

	view := NewMultiView().Mount("team", teamTree).Mount("state", flowTree)

	v, ok := view.Lookup("team.shared_context.topic")
	require.True(t, ok)
	assert.Equal(t, "T", v)

	v, ok = view.Lookup("state.flags.count")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = view.Lookup("other.path")
	assert.False(t, ok)
}
