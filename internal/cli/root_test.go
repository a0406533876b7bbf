package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

func run(t *testing.T, r Runner, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(r)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeIsDefault(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "bare", args: nil, want: "config.yaml"},
		{name: "explicit", args: []string{"serve", "--config", "prod.yaml"}, want: "prod.yaml"},
		{name: "root flag", args: []string{"--config", "dev.yaml"}, want: "dev.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			_, err := run(t, Runner{Serve: func(path string) error {
				got = path
				return nil
			}}, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecoverPrintsCount(t *testing.T) {
	out, err := run(t, Runner{Recover: func(_ context.Context, path string) (int, error) {
		assert.Equal(t, "x.yaml", path)
		return 4, nil
	}}, "recover", "--config", "x.yaml")
	require.NoError(t, err)
	assert.Equal(t, "recovered 4 workflow(s)\n", out)

	_, err = run(t, Runner{Recover: func(context.Context, string) (int, error) {
		return 0, errors.New("db down")
	}}, "recover")
	assert.EqualError(t, err, "db down")
}

func TestDefinitionsValidate(t *testing.T) {
	dir := t.TempDir()
	good := `
type: short
name: Short
steps:
  - id: settle
    action: wait
    delay_ms: 1000
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "short.yaml"), []byte(good), 0o600))

	out, err := run(t, Runner{}, "definitions", "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "ok  short (1 steps)")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("type: broken\nsteps: []\n"), 0o600))
	_, err = run(t, Runner{}, "definitions", "validate", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")

	_, err = run(t, Runner{}, "definitions", "validate")
	assert.Error(t, err)
}

type fakeCampaigns struct {
	calls []string
	data  map[string]any
}

func (f *fakeCampaigns) record(op, accountID string, status workflow.Status) (*workflow.Instance, error) {
	f.calls = append(f.calls, op+" "+accountID)
	if accountID == "nobody" {
		return nil, workflow.ErrNotActive
	}
	return &workflow.Instance{ID: "wfi-1", AccountID: accountID, Status: status}, nil
}

func (f *fakeCampaigns) Start(_ context.Context, accountID string, data map[string]any, workflowType string) (*workflow.Instance, error) {
	f.data = data
	return f.record("start:"+workflowType, accountID, workflow.StatusActive)
}

func (f *fakeCampaigns) Stop(_ context.Context, accountID string) (*workflow.Instance, error) {
	return f.record("stop", accountID, workflow.StatusStopped)
}

func (f *fakeCampaigns) Pause(_ context.Context, accountID string) (*workflow.Instance, error) {
	return f.record("pause", accountID, workflow.StatusPaused)
}

func (f *fakeCampaigns) Resume(_ context.Context, accountID string) (*workflow.Instance, error) {
	return f.record("resume", accountID, workflow.StatusActive)
}

func TestWorkflowCommands(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCall string
		wantOut  string
	}{
		{name: "start", args: []string{"start", "acct-1", "drip", "--data", "niche=coffee"}, wantCall: "start:drip acct-1", wantOut: "acct-1\twfi-1\tactive\n"},
		{name: "stop", args: []string{"stop", "acct-1"}, wantCall: "stop acct-1", wantOut: "acct-1\twfi-1\tstopped\n"},
		{name: "pause", args: []string{"pause", "acct-1"}, wantCall: "pause acct-1", wantOut: "acct-1\twfi-1\tpaused\n"},
		{name: "resume", args: []string{"resume", "acct-1"}, wantCall: "resume acct-1", wantOut: "acct-1\twfi-1\tactive\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeCampaigns{}
			var configPath string
			r := Runner{Control: func(ctx context.Context, path string, fn func(context.Context, Campaigns) error) error {
				configPath = path
				return fn(ctx, fake)
			}}
			out, err := run(t, r, append(tt.args, "--config", "ops.yaml")...)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOut, out)
			assert.Equal(t, []string{tt.wantCall}, fake.calls)
			assert.Equal(t, "ops.yaml", configPath)
		})
	}

	fake := &fakeCampaigns{}
	r := Runner{Control: func(ctx context.Context, _ string, fn func(context.Context, Campaigns) error) error {
		return fn(ctx, fake)
	}}
	_, err := run(t, r, "start", "acct-2", "drip", "--data", "niche=tea,region=eu")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"niche": "tea", "region": "eu"}, fake.data)

	_, err = run(t, r, "stop", "nobody")
	assert.ErrorIs(t, err, workflow.ErrNotActive)

	_, err = run(t, r, "stop")
	assert.Error(t, err)
}
