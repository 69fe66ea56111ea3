package orchestra

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrahq/orchestra/bus"
	"github.com/orchestrahq/orchestra/config"
	"github.com/orchestrahq/orchestra/flow"
	"github.com/orchestrahq/orchestra/model"
	"github.com/orchestrahq/orchestra/profile"
)

const principalDoc = `
name: Principal
type: principal
llm_config_ref: default
tool_access_policy:
  allowed_toolsets: [reporting]
system_prompt_construction:
  system_prompt_segments:
    - id: identity
      type: static_text
      order: 10
      content: "You finish quickly."
    - id: tools
      type: tool_description
      order: 90
flow_decider:
  - id: tool_pending
    condition: "v['state.current_action']"
    action:
      type: continue_with_tool
  - id: catch_all
    action:
      type: end_agent_turn
      outcome: success
`

const llmConfigsDoc = `
default:
  endpoint_url: http://localhost:9999/v1
  model: test-model
  api_key: test-key
`

func writeProfiles(t *testing.T) *profile.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "principal.yaml"), []byte(principalDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llm_configs.yaml"), []byte(llmConfigsDoc), 0o644))

	reg, err := LoadProfiles(dir)
	require.NoError(t, err)
	return reg
}

func TestRunSync(t *testing.T) {
	reg := writeProfiles(t)

	cfg := config.Default()
	cfg.LLMRetryBaseWait = 0

	o := New(reg, func(opts *Options) {
		opts.Config = cfg
		opts.ModelFor = func(p *profile.Profile) model.Model {
			return model.NewMockModel("mock").Script(model.Message{
				ToolCalls: []model.ToolCall{{ID: "c1", Name: "finish_flow", Arguments: "{}"}},
			})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, events, result, err := o.RunSync(ctx, "Principal", "wrap it up")
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.Equal(t, flow.OutcomeSuccess, result.Outcome)

	var types []bus.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, bus.EventToolCall)
	assert.Contains(t, types, bus.EventFlowEnd)
	assert.Contains(t, types, bus.EventRunEnd)
}

func TestStartRunUnknownPrincipal(t *testing.T) {
	o := New(writeProfiles(t))
	_, err := o.StartRun(context.Background(), "Ghost", "hi")
	var nf *profile.NotFoundError
	assert.ErrorAs(t, err, &nf)
}
