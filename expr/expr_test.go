package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrahq/orchestra/state"
)

func testView() state.View {
	tree := state.NewTree()
	tree.Set("state.flags.count", 3.0)
	tree.Set("state.flags.zero", 0.0)
	tree.Set("state.name", "principal")
	tree.Set("team.work_modules", map[string]any{"wm_1": map[string]any{"status": "pending"}})
	return tree
}

func TestEvaluate(t *testing.T) {
	view := testView()

	cases := []struct {
		cond string
		want bool
	}{
		{`True`, true},
		{`False`, false},
		{`None`, false},
		{`v['state.flags.count']`, true},
		{`v['state.flags.zero']`, false},
		{`v['state.flags.missing']`, false},
		{`v['state.flags.count'] > 2`, true},
		{`v['state.flags.count'] >= 3`, true},
		{`v['state.flags.count'] < 3`, false},
		{`v['state.flags.count'] == 3`, true},
		{`v['state.flags.count'] != 3`, false},
		{`v['state.name'] == 'principal'`, true},
		{`v['state.name'] == "associate"`, false},
		{`v['state.flags.missing'] == None`, true},
		{`not v['state.flags.zero']`, true},
		{`v['state.flags.count'] > 1 and v['state.name'] == 'principal'`, true},
		{`v['state.flags.zero'] or v['state.flags.count']`, true},
		{`(v['state.flags.zero'] or False) and True`, false},
		{`v['team.work_modules']`, true},
		{`'abc' < 'abd'`, true},
	}
	for _, tc := range cases {
		t.Run(tc.cond, func(t *testing.T) {
			got, err := Evaluate(tc.cond, view)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateMalformed(t *testing.T) {
	view := testView()
	for _, cond := range []string{
		`v[`,
		`v['state.flags.count'`,
		`v['state.flags.count'] >`,
		`1 ==`,
		`'unterminated`,
		`bogus`,
		`v['a'] == 1 extra`,
	} {
		t.Run(cond, func(t *testing.T) {
			_, err := Evaluate(cond, view)
			var evalErr *EvaluatorError
			require.ErrorAs(t, err, &evalErr)
			assert.Equal(t, cond, evalErr.Expression)
		})
	}
}

func TestEvaluateIsPure(t *testing.T) {
	view := testView()
	expr, err := Parse(`v['state.flags.count'] >= 3 and not v['state.flags.zero']`)
	require.NoError(t, err)
	first := expr.Eval(view)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, expr.Eval(view))
	}
}

func TestRenderTemplate(t *testing.T) {
	view := testView()

	t.Run("substitutes resolved values", func(t *testing.T) {
		got := RenderTemplate("count={{ state.flags.count }} name={{state.name}}", view)
		assert.Equal(t, "count=3 name=principal", got)
	})

	t.Run("absent paths render empty", func(t *testing.T) {
		got := RenderTemplate("x={{ state.flags.missing }}!", view)
		assert.Equal(t, "x=!", got)
	})

	t.Run("text without markers passes through", func(t *testing.T) {
		assert.Equal(t, "plain text", RenderTemplate("plain text", view))
	})
}
