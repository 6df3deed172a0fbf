package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "iap.yaml")

	contents := fmt.Sprintf(`
store:
  backend: sqlite
  sqlite:
    path: %s
log:
  level: warn
catalog:
  - sku: sku.orange
    type: consumable
    quantity: 1
    price: "0.99"
  - sku: sku.premium
    type: entitlement
    price: "9.99"
`, filepath.Join(dir, "iap.db"))

	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func execute(t *testing.T, configPath string, args ...string) (string, error) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}

	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))

	err := cmd.Execute()
	return stdout.String(), err
}

func executeJSON(t *testing.T, configPath string, args ...string) (Response, error) {
	out, err := execute(t, configPath, append([]string{"--format", "json"}, args...)...)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp, err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"begin", "respond", "fulfilled", "mark-fulfilled", "reconcile", "consume", "sku", "requests"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestReconcileFlow(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := execute(t, configPath, "begin", "R1", "sku.orange")
	require.NoError(t, err)
	assert.Contains(t, out, "R1\tsku.orange\tSENT")

	out, err = execute(t, configPath, "respond", "R1", "sku.orange", "TOK1")
	require.NoError(t, err)
	assert.Contains(t, out, "R1\tsku.orange\tRECEIVED\tTOK1")

	out, err = execute(t, configPath, "fulfilled", "TOK1")
	require.NoError(t, err)
	assert.Equal(t, "TOK1 not fulfilled\n", out)

	resp, err := executeJSON(t, configPath, "reconcile", "user42")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	data := resp.Data.(map[string]any)
	assert.Equal(t, "user42", data["user_id"])
	assert.Equal(t, true, data["user_changed"])
	fulfilled := data["fulfilled"].([]any)
	require.Len(t, fulfilled, 1)
	assert.Equal(t, "TOK1", fulfilled[0].(map[string]any)["purchase_token"])
	assert.Equal(t, []any{"user_changed user42", "purchase_succeeded sku.orange"}, data["events"])

	out, err = execute(t, configPath, "fulfilled", "TOK1")
	require.NoError(t, err)
	assert.Equal(t, "TOK1 fulfilled\n", out)

	// Nothing left for a second sweep.
	out, err = execute(t, configPath, "reconcile", "user42")
	require.NoError(t, err)
	assert.Equal(t, "user user42: 0 fulfilled\n", out)

	out, err = execute(t, configPath, "sku", "sku.orange")
	require.NoError(t, err)
	assert.Equal(t, "sku.orange owned=1 consumed=0\n", out)

	out, err = execute(t, configPath, "requests")
	require.NoError(t, err)
	assert.Equal(t, "R1\tsku.orange\tFULFILLED\tTOK1\n", out)
}

func TestReconcileReportsEveryEvent(t *testing.T) {
	ctx := context.Background()
	configPath := writeTestConfig(t)

	const count = 300

	e, err := openEnv(ctx, &RootOptions{ConfigPath: configPath}, io.Discard)
	require.NoError(t, err)
	for i := 0; i < count; i++ {
		requestID := fmt.Sprintf("R%03d", i)
		require.NoError(t, e.tracker.BeginPurchase(ctx, requestID, "sku.orange"))
		_, err := e.tracker.RecordResponse(ctx, requestID, "sku.orange", "TOK"+requestID)
		require.NoError(t, err)
	}
	e.Close()

	resp, err := executeJSON(t, configPath, "reconcile", "user42")
	require.NoError(t, err)

	data := resp.Data.(map[string]any)
	require.Len(t, data["fulfilled"].([]any), count)

	events := data["events"].([]any)
	require.Len(t, events, count+1)
	assert.Equal(t, "user_changed user42", events[0])
	for _, described := range events[1:] {
		assert.Equal(t, "purchase_succeeded sku.orange", described)
	}
}

func TestConsume(t *testing.T) {
	configPath := writeTestConfig(t)

	_, err := execute(t, configPath, "begin", "R1", "sku.orange")
	require.NoError(t, err)
	_, err = execute(t, configPath, "respond", "R1", "sku.orange", "TOK1")
	require.NoError(t, err)
	_, err = execute(t, configPath, "reconcile", "user42")
	require.NoError(t, err)

	resp, err := executeJSON(t, configPath, "consume", "sku.orange", "5")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeInvalid, resp.Error.Code)

	out, err := execute(t, configPath, "consume", "sku.orange", "1")
	require.NoError(t, err)
	assert.Equal(t, "sku.orange owned=0 consumed=1\n", out)

	_, err = execute(t, configPath, "consume", "sku.orange", "many")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestErrors(t *testing.T) {
	configPath := writeTestConfig(t)

	resp, err := executeJSON(t, configPath, "respond", "R999", "sku.orange", "TOK9")
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)

	out, err := execute(t, configPath, "requests")
	require.NoError(t, err)
	assert.Equal(t, "no purchase requests\n", out)

	_, err = execute(t, configPath, "begin", "R1", "sku.orange")
	require.NoError(t, err)
	resp, err = executeJSON(t, configPath, "begin", "R1", "sku.orange")
	require.Error(t, err)
	assert.Equal(t, ErrCodeConflict, resp.Error.Code)

	resp, err = executeJSON(t, configPath, "sku", "sku.premium")
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)

	out, err = execute(t, configPath, "mark-fulfilled", "TOK5")
	require.NoError(t, err)
	assert.Equal(t, "TOK5 fulfilled\n", out)
	_, err = execute(t, configPath, "mark-fulfilled", "TOK5")
	require.NoError(t, err)

	_, err = execute(t, configPath, "--format", "yaml", "requests")
	require.Error(t, err)

	_, err = execute(t, filepath.Join(t.TempDir(), "missing.yaml"), "requests")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
