package toolkit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"agentsmithy/internal/events"

	"github.com/stretchr/testify/require"
)

type fakeVersioning struct {
	staged      []string
	deleted     []string
	checkpoints []string // "sessionName: message" per CreateCheckpoint call
	txActive    bool
}

func (f *fakeVersioning) StartEdit(paths []string) error { f.txActive = true; return nil }
func (f *fakeVersioning) AbortEdit() error                { f.txActive = false; return nil }
func (f *fakeVersioning) FinalizeEdit()                    { f.txActive = false }

func (f *fakeVersioning) StageFile(path string) error         { f.staged = append(f.staged, path); return nil }
func (f *fakeVersioning) StageFileDeletion(path string) error { f.deleted = append(f.deleted, path); return nil }

func (f *fakeVersioning) CreateCheckpoint(sessionName, message string) (string, error) {
	id := fmt.Sprintf("cp%d", len(f.checkpoints)+1)
	f.checkpoints = append(f.checkpoints, sessionName+": "+message)
	return id, nil
}

func TestWriteThenReadFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	ver := &fakeVersioning{}
	var emitted []events.Event
	tc := ToolContext{
		WorkspaceRoot: root,
		Versioning:    ver,
		SessionName:   "dialog-42",
		SSESink:       func(e events.Event) { emitted = append(emitted, e) },
	}

	r := New()
	RegisterDefaults(r)

	res := r.RunTool(tc, "write_file", json.RawMessage(`{"path":"sub/a.txt","content":"hello"}`))
	require.Equal(t, "write_file_result", res.Type)
	require.Equal(t, []string{"sub/a.txt"}, ver.staged)
	require.Len(t, emitted, 1)
	require.Equal(t, events.TypeFileEdit, emitted[0].Type)
	require.Equal(t, []string{"dialog-42: write_file: sub/a.txt"}, ver.checkpoints)
	require.NotEmpty(t, res.Data["checkpoint"])

	res = r.RunTool(tc, "read_file", json.RawMessage(`{"path":"sub/a.txt"}`))
	require.Equal(t, "read_file_result", res.Type)
	require.Equal(t, "hello", res.Data["content"])
}

func TestReadFileRejectsPathEscape(t *testing.T) {
	root := t.TempDir()
	tc := ToolContext{WorkspaceRoot: root}
	r := New()
	r.Register(ReadFileTool())

	res := r.RunTool(tc, "read_file", json.RawMessage(`{"path":"../outside.txt"}`))
	require.Equal(t, "tool_error", res.Type)
	require.Equal(t, "args_validation", res.Error.Code)
}

func TestDeleteFileStagesDeletion(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	ver := &fakeVersioning{}
	tc := ToolContext{WorkspaceRoot: root, Versioning: ver}

	r := New()
	r.Register(DeleteFileTool())
	res := r.RunTool(tc, "delete_file", json.RawMessage(`{"path":"a.txt"}`))
	require.Equal(t, "delete_file_result", res.Type)
	require.Equal(t, []string{"a.txt"}, ver.deleted)
	require.Empty(t, ver.checkpoints, "delete_file must not checkpoint on its own")
	_, err := os.Stat(filepath.Join(root, "a.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestReplaceFileReplacesFirstOccurrence(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("foo bar foo"), 0o644))
	ver := &fakeVersioning{}
	tc := ToolContext{WorkspaceRoot: root, Versioning: ver, SessionName: "dialog-42"}

	r := New()
	r.Register(ReplaceFileTool())
	res := r.RunTool(tc, "replace_file", json.RawMessage(`{"path":"a.txt","find":"foo","with":"baz"}`))
	require.Equal(t, "replace_file_result", res.Type)
	require.Equal(t, []string{"dialog-42: replace_file: a.txt"}, ver.checkpoints)

	content, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "baz bar foo", string(content))
}

func TestReplaceFileMissingFindReturnsError(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("foo"), 0o644))
	tc := ToolContext{WorkspaceRoot: root}

	r := New()
	r.Register(ReplaceFileTool())
	res := r.RunTool(tc, "replace_file", json.RawMessage(`{"path":"a.txt","find":"nope","with":"x"}`))
	require.Equal(t, "tool_error", res.Type)
}
