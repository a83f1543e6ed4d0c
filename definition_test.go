package fluxgraph

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxgraph/pkg/api"
)

const orderYAML = `
id: order
name: Order fulfilment
entry: start
timeout: 10m
retry:
  max_retries: 2
  initial_delay: 1s
  backoff_multiplier: 2
nodes:
  - id: start
    type: trigger
  - id: check
    type: condition
    config:
      expression: total > 100
  - id: approve
    type: wait_signal
    timeout: 30s
    config:
      signal: approved
  - id: ship
    type: noop
    config:
      output:
        shipped: true
edges:
  - {from: start, to: check}
  - {from: check, to: approve, condition: "true"}
  - {from: check, to: ship, condition: "false"}
  - {from: approve, to: ship}
`

func TestParseDefinition_YAML(t *testing.T) {
	def, err := ParseDefinition([]byte(orderYAML))
	require.NoError(t, err)

	assert.Equal(t, "order", def.ID)
	assert.Equal(t, "start", def.Entry)
	assert.Equal(t, 10*time.Minute, def.Timeout)
	require.NotNil(t, def.Retry)
	assert.Equal(t, time.Second, def.Retry.InitialDelay)
	require.Len(t, def.Nodes, 4)

	approve, ok := def.Node("approve")
	require.True(t, ok)
	assert.Equal(t, api.NodeWaitSignal, approve.Type)
	assert.Equal(t, 30*time.Second, approve.Timeout)
	assert.Equal(t, "approved", approve.Config["signal"])
	assert.Len(t, def.Outgoing("check"), 2)
}

func TestParseDefinition_JSON(t *testing.T) {
	def, err := ParseDefinition([]byte(`{
		"id": "ping",
		"entry": "start",
		"nodes": [{"id": "start", "type": "trigger"}, {"id": "end", "type": "noop"}],
		"edges": [{"from": "start", "to": "end"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "ping", def.ID)
	assert.Len(t, def.Edges, 1)
}

func TestParseDefinition_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":         "  \n",
		"unknown field": "id: x\nentry: a\nnodes: [{id: a, type: trigger}]\nbogus: 1\n",
		"missing entry": "id: x\nnodes: [{id: a, type: trigger}]\n",
		"bad edge":      "id: x\nentry: a\nnodes: [{id: a, type: trigger}]\nedges: [{from: a, to: b}]\n",
		"not yaml":      "id: [",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(src))
			assert.Error(t, err)
		})
	}
}

func TestLoadDefinitionReader(t *testing.T) {
	def, err := LoadDefinitionReader(strings.NewReader(orderYAML))
	require.NoError(t, err)
	assert.Equal(t, "Order fulfilment", def.Name)
}

func TestRegisterFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "order.yaml"), []byte(orderYAML), 0o600))

	eng := quietEngine()
	defs, err := RegisterFiles(ctx, eng, filepath.Join(dir, "*.yaml"))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, 1, defs[0].Version)

	// Small orders skip approval.
	exec, err := Start(ctx, eng, "order", map[string]any{"total": 20})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, true, exec.State.ExecutionData["shipped"])

	big, err := Start(ctx, eng, "order", map[string]any{"total": 200})
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingSignal, big.Status)
	assert.Equal(t, "approved", big.State.WaitingSignal)

	_, err = RegisterFiles(ctx, eng, filepath.Join(dir, "*.json"))
	require.Error(t, err)

	_, err = LoadDefinitionFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
