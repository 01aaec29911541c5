package scriptworker

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	busp "github.com/cuemby/oet/internal/bus"
	"github.com/cuemby/oet/internal/supervisor"
	"github.com/cuemby/oet/internal/types"
)

func writeMessages(t *testing.T, msgs ...supervisor.WorkMessage) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range msgs {
		require.NoError(t, enc.Encode(m))
	}
	return &buf
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestGoToStarlarkRoundTripsCommonShapes(t *testing.T) {
	cases := map[string]any{
		`"hello"`:        "hello",
		`42`:             int64(42),
		`3.5`:            3.5,
		`true`:           true,
		`null`:           nil,
		`[1,2,3]`:        []any{int64(1), int64(2), int64(3)},
		`{"a":1,"b":"x"}`: map[string]any{"a": int64(1), "b": "x"},
	}
	for raw, want := range cases {
		sv, err := jsonToStarlark(json.RawMessage(raw))
		require.NoError(t, err)
		got, err := starlarkToGo(sv)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRunLoadsScriptAndInvokesFunction(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "script.star")
	require.NoError(t, os.WriteFile(scriptPath, []byte(`
def main(x):
    return x + 1
`), 0o644))

	b := busp.New("worker-test")
	var results []map[string]any
	b.Subscribe("procedure.function.result", func(ev busp.Event) {
		results = append(results, ev.Payload.(map[string]any))
	})

	w := New(1, b)

	loadMsg := supervisor.WorkMessage{
		Kind:    supervisor.MessageKindLoad,
		Payload: mustPayload(t, types.ExecutableScript{Kind: types.ScriptKindFilesystem, Path: scriptPath}),
	}
	runMsg := supervisor.WorkMessage{
		Kind: supervisor.MessageKindRun,
		Payload: mustPayload(t, types.StartCmd{
			Pid:    1,
			FnName: "main",
			Args:   types.ProcedureInput{Args: []json.RawMessage{json.RawMessage(`41`)}},
			Force:  true,
		}),
	}
	shutdownMsg := supervisor.WorkMessage{Kind: supervisor.MessageKindShutdown}

	stream := writeMessages(t, loadMsg, runMsg, shutdownMsg)

	done := make(chan error, 1)
	go func() { done <- w.Run(stream) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not finish processing messages in time")
	}

	assert.Equal(t, types.StateStopped, w.State())
	require.Len(t, results, 1)
	assert.Equal(t, "main", results[0]["fn_name"])
}

func TestHandleRunRejectedWhileLoading(t *testing.T) {
	b := busp.New("worker-test")
	w := New(2, b)
	w.state = types.StateLoading

	err := w.handleRun(mustPayload(t, types.StartCmd{FnName: "main"}))
	require.Error(t, err)
}

func TestStarlarkBuiltinsAreReachableFromScript(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "script.star")
	require.NoError(t, os.WriteFile(scriptPath, []byte(`
def announce():
    publish("user.script.announce", {"ok": True})
`), 0o644))

	b := busp.New("worker-test")
	var seen bool
	b.Subscribe("user.script.announce", func(ev busp.Event) { seen = true })

	w := New(3, b)
	thread := &starlark.Thread{Name: "test"}
	globals, err := starlark.ExecFile(thread, scriptPath, nil, w.predeclared())
	require.NoError(t, err)

	fn := globals["announce"].(*starlark.Function)
	_, err = starlark.Call(thread, fn, nil, nil)
	require.NoError(t, err)
	assert.True(t, seen)
}
