package definitions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ronappleton/growth-orchestrator/internal/store"
	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

const loopDoc = `
type: nightly_loop
name: Nightly loop
max_retries: 2
steps:
  - id: pause
    action: wait
    delay_ms: 100
  - id: post
    action: generate_content_a
    critical: true
  - id: back
    action: goto
    params:
      next_step: post
      infinite_allowed: false
      max_iterations: 3
`

func TestBuiltinsMatchSchema(t *testing.T) {
	for _, def := range Builtin() {
		t.Run(def.Type, func(t *testing.T) {
			data, err := yaml.Marshal(def)
			require.NoError(t, err)
			parsed, err := Parse(data)
			require.NoError(t, err)
			assert.Equal(t, len(def.Steps), len(parsed.Steps))
			for _, s := range def.Steps {
				if s.Action == workflow.ActionGoto {
					assert.GreaterOrEqual(t, def.StepIndex(s.Params.NextStepID), 0, "goto target %s resolves", s.Params.NextStepID)
				}
			}
		})
	}
}

func TestParse(t *testing.T) {
	def, err := Parse([]byte(loopDoc))
	require.NoError(t, err)
	assert.Equal(t, "nightly_loop", def.Type)
	assert.Equal(t, 2, def.MaxRetries)
	require.Len(t, def.Steps, 3)
	assert.Equal(t, int64(100), def.Steps[0].DelayMs)
	assert.True(t, def.Steps[1].Critical)
	assert.Equal(t, "post", def.Steps[2].Params.NextStepID)
	assert.False(t, def.Steps[2].Params.LoopsUnbounded())
	assert.Equal(t, 3, def.Steps[2].Params.MaxIterations)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no steps", "type: empty\nsteps: []\n"},
		{"unknown action", "type: bad\nsteps:\n  - id: a\n    action: teleport\n"},
		{"negative delay", "type: bad\nsteps:\n  - id: a\n    action: wait\n    delay_ms: -5\n"},
		{"unknown field", "type: bad\nretries: 3\nsteps:\n  - id: a\n    action: wait\n"},
		{"duplicate ids", "type: bad\nsteps:\n  - id: a\n    action: wait\n  - id: a\n    action: wait\n"},
		{"not yaml", "type: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loop.yaml"), []byte(loopDoc), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "nightly_loop", defs[0].Type)

	defs, err = LoadDir(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Empty(t, defs)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("type: x\nsteps: []\n"), 0o600))
	defs, err = LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yml")
	assert.Len(t, defs, 1)
}

func TestSeedOverridesBuiltins(t *testing.T) {
	dir := t.TempDir()
	override := `
type: account_growth
name: Short growth
steps:
  - id: only
    action: wait
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "growth.yaml"), []byte(override), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loop.yaml"), []byte(loopDoc), 0o600))

	gw := store.NewMemoryStore(clockwork.NewFakeClock())
	n, err := Seed(context.Background(), gw, dir, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	growth, err := gw.GetDefinition(context.Background(), "account_growth")
	require.NoError(t, err)
	assert.Equal(t, "Short growth", growth.Name)
	require.Len(t, growth.Steps, 1)

	_, err = gw.GetDefinition(context.Background(), "continuous_engagement")
	require.NoError(t, err)
}
