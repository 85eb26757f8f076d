package toolkit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunToolUnknownNameReturnsErrorEnvelope(t *testing.T) {
	r := New()
	res := r.RunTool(ToolContext{}, "nope", json.RawMessage(`{}`))
	require.Equal(t, "tool_error", res.Type)
	require.Equal(t, "args_validation", res.Error.Code)
}

func TestRunToolValidationFailureReturnsErrorEnvelope(t *testing.T) {
	r := New()
	r.Register(ReadFileTool())
	res := r.RunTool(ToolContext{WorkspaceRoot: t.TempDir()}, "read_file", json.RawMessage(`{"path":123}`))
	require.Equal(t, "tool_error", res.Type)
	require.Equal(t, "args_validation", res.Error.Code)
}

func TestRunToolPanicIsCapturedAsExecutionFailed(t *testing.T) {
	r := New()
	r.Register(Tool{
		Name: "boom",
		Run: func(tc ToolContext, args json.RawMessage) (Result, error) {
			panic("kaboom")
		},
	})
	res := r.RunTool(ToolContext{}, "boom", json.RawMessage(`{}`))
	require.Equal(t, "tool_error", res.Type)
	require.Equal(t, "execution_failed", res.Error.Code)
}

func TestListToolsPreservesRegistrationOrder(t *testing.T) {
	r := New()
	RegisterDefaults(r)
	names := make([]string, 0)
	for _, tl := range r.ListTools() {
		names = append(names, tl.Name)
	}
	require.Equal(t, []string{"read_file", "write_file", "delete_file", "replace_file", "set_dialog_title"}, names)
}

func TestUnregisterThenLookupMisses(t *testing.T) {
	r := New()
	r.Register(ReadFileTool())
	require.True(t, r.HasTool("read_file"))
	r.Unregister("read_file")
	require.False(t, r.HasTool("read_file"))
}

func TestResultMarshalJSONFlattensData(t *testing.T) {
	res := Result{Type: "read_file_result", Data: map[string]any{"path": "a.txt"}}
	b, err := json.Marshal(res)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, "read_file_result", out["type"])
	require.Equal(t, "a.txt", out["path"])
}

func TestSetDialogTitleIsEphemeral(t *testing.T) {
	r := New()
	r.Register(SetDialogTitleTool())
	tl, ok := r.Lookup("set_dialog_title")
	require.True(t, ok)
	require.True(t, tl.Ephemeral)
}
