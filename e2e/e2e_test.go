//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/fieldsync/testutil"
)

var binaryPath string

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "fieldsync-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "fieldsync")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = testutil.FindModuleRoot("..")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// device is one fieldsync configuration: its own queue, actor and config.
type device struct {
	cfgPath string
}

func newDevice(t *testing.T, actor, listen, extra string) *device {
	t.Helper()

	path, err := testutil.WriteConfig(t.TempDir(), actor, listen, extra)
	require.NoError(t, err)

	return &device{cfgPath: path}
}

func (d *device) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, binaryPath, append([]string{"--config", d.cfgPath}, args...)...)
	cmd.Env = append(os.Environ(), "FIELDSYNC_SERVER_URL=", "FIELDSYNC_DB=", "FIELDSYNC_TOKEN=")

	return cmd
}

func (d *device) run(t *testing.T, args ...string) string {
	t.Helper()

	var stdout, stderr bytes.Buffer

	cmd := d.command(t.Context(), args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("fieldsync %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout.String(), stderr.String())
	}

	return stdout.String()
}

// startServer runs 'fieldsync serve' for d until the test ends.
func startServer(t *testing.T, d *device, listen string) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	var logs bytes.Buffer

	cmd := d.command(ctx, "serve")
	cmd.Stderr = &logs
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 10 * time.Second

	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		cancel()
		_ = cmd.Wait()

		if t.Failed() {
			t.Logf("server log:\n%s", logs.String())
		}
	})

	require.NoError(t, testutil.WaitHealthy(t.Context(), "http://"+listen, 15*time.Second))
}

func TestE2E_TwoDevicesConflict(t *testing.T) {
	listen, err := testutil.FreeAddr()
	require.NoError(t, err)

	policy := "\n[conflicts.policy]\ntask_assignment = \"manual\"\n"

	hq := newDevice(t, "hq", listen, policy)
	medic := newDevice(t, "medic-7", listen, policy)

	startServer(t, hq, listen)

	hq.run(t, "enqueue", "task", "t-1", "create", `{"assignee":"team-a","title":"Evacuate block C"}`)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(hq.run(t, "sync", "--json")), &first))
	assert.InDelta(t, 1.0, first["synced"], 0)

	// The medic edits offline, then hq reassigns after the medic's edit.
	medic.run(t, "enqueue", "task", "t-1", "update", `{"assignee":"team-b","title":"Evacuate block C"}`)
	time.Sleep(20 * time.Millisecond)
	hq.run(t, "enqueue", "task", "t-1", "update", `{"assignee":"team-c","title":"Evacuate block C"}`)
	hq.run(t, "sync")

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(medic.run(t, "sync", "--json")), &second))
	assert.InDelta(t, 1.0, second["manual"], 0)

	var queued []map[string]any
	require.NoError(t, json.Unmarshal([]byte(hq.run(t, "conflicts", "--json")), &queued))
	require.Len(t, queued, 1)

	id, ok := queued[0]["id"].(string)
	require.True(t, ok)

	hq.run(t, "resolve", id, "--keep-local", "--by", "duty-officer")

	history := hq.run(t, "history")
	assert.Contains(t, history, "duty-officer")
	assert.Contains(t, history, "MANUAL")

	status := medic.run(t, "status")
	assert.Contains(t, status, "reachable")
	assert.True(t, strings.Contains(status, "Awaiting manual review on server: 0"), status)
}
