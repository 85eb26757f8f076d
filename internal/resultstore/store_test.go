package resultstore

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.sqlite")
	s, err := Open(context.Background(), path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Dispose()
		_ = s.Close()
	})
	return s
}

func TestStoreResultRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	args := json.RawMessage(`{"path":"a.py"}`)
	result := json.RawMessage(`{"content":"print('hi')"}`)

	summary, err := s.StoreResult(ctx, "d1", "t1", "read_file", args, result, func(tool string, a, r json.RawMessage) string {
		return "read a.py"
	})
	require.NoError(t, err)
	require.Equal(t, "read a.py", summary)

	rec, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "d1", rec.DialogID)
	require.Equal(t, "read_file", rec.ToolName)
	require.JSONEq(t, string(args), string(rec.Args))
	require.JSONEq(t, string(result), string(rec.Result))
	require.Equal(t, "read a.py", rec.Summary)
	require.Equal(t, int64(len(result)), rec.SizeBytes)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreErrorRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreError(ctx, "d1", "t2", "write_file", json.RawMessage(`{}`), "permission denied"))

	rec, err := s.Get(ctx, "t2")
	require.NoError(t, err)
	require.Equal(t, "permission denied", rec.Error)
}

func TestTruncatedPreviewShortUnchanged(t *testing.T) {
	short := []byte("hello world")
	require.Equal(t, "hello world", TruncatedPreview(short))
}

func TestTruncatedPreviewBoundsLargeInput(t *testing.T) {
	large := bytes.Repeat([]byte("x"), previewBound*4)
	preview := TruncatedPreview(large)
	require.Less(t, len(preview), len(large))
	require.True(t, strings.Contains(preview, "[truncated]"))
}
