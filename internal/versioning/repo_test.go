package versioning

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) (*Repo, string) {
	t.Helper()
	project := t.TempDir()
	state := t.TempDir()
	r, err := Open(context.Background(), project, state, zerolog.Nop())
	require.NoError(t, err)
	return r, project
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// TestApproveCycle exercises scenario S1: approve fast-forwards main and
// resetting after a further edit restores the approved content.
func TestApproveCycle(t *testing.T) {
	r, project := newTestRepo(t)

	writeFile(t, project, "a.py", "v1")
	require.NoError(t, r.StageFile("a.py"))
	_, err := r.CreateCheckpoint("session_1", "write v1")
	require.NoError(t, err)

	approved, commitsApproved, err := r.ApproveAll("session_1", "session_2", "approve v1")
	require.NoError(t, err)
	require.NotEmpty(t, approved)
	require.Equal(t, 1, commitsApproved)

	main, err := r.MainHead()
	require.NoError(t, err)
	require.Equal(t, approved, main)

	writeFile(t, project, "a.py", "v2")
	require.NoError(t, r.StageFile("a.py"))
	_, err = r.CreateCheckpoint("session_2", "write v2")
	require.NoError(t, err)

	preReset, err := r.ResetToApproved("session_2", "session_3")
	require.NoError(t, err)
	require.Empty(t, preReset)

	restored, err := r.RestoreCheckpoint(main)
	require.NoError(t, err)
	require.Contains(t, restored, "a.py")

	content, err := os.ReadFile(filepath.Join(project, "a.py"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(content))
}

// TestRestoreDeletesAgentFilesPreservesUserFiles exercises scenario S2.
func TestRestoreDeletesAgentFilesPreservesUserFiles(t *testing.T) {
	r, project := newTestRepo(t)

	cp1, err := r.CreateCheckpoint("session_1", "CP1: empty")
	require.NoError(t, err)

	writeFile(t, project, "agent.py", "agent wrote this")
	require.NoError(t, r.StageFile("agent.py"))
	_, err = r.CreateCheckpoint("session_1", "agent writes agent.py")
	require.NoError(t, err)

	// User writes a file outside the tool/staging path entirely.
	writeFile(t, project, "user.txt", "user content")

	writeFile(t, project, "agent2.py", "more agent work")
	require.NoError(t, r.StageFile("agent2.py"))
	_, err = r.CreateCheckpoint("session_1", "CP2: agent writes agent2.py")
	require.NoError(t, err)

	_, err = r.RestoreCheckpoint(cp1.CommitID)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(project, "agent.py"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(project, "agent2.py"))
	require.True(t, os.IsNotExist(err))

	content, err := os.ReadFile(filepath.Join(project, "user.txt"))
	require.NoError(t, err)
	require.Equal(t, "user content", string(content))
}

// TestSessionStatusWithStagedChanges exercises scenario S5.
func TestSessionStatusWithStagedChanges(t *testing.T) {
	r, project := newTestRepo(t)

	writeFile(t, project, "x.txt", "a\n")
	require.NoError(t, r.StageFile("x.txt"))
	_, err := r.CreateCheckpoint("session_1", "baseline")
	require.NoError(t, err)
	_, _, err = r.ApproveAll("session_1", "session_2", "approve baseline")
	require.NoError(t, err)

	writeFile(t, project, "x.txt", "b\n")
	require.NoError(t, r.StageFile("x.txt"))

	dirty, err := r.HasStagedChanges("session_2")
	require.NoError(t, err)
	require.True(t, dirty)

	staged, err := r.GetStagedFiles("session_2")
	require.NoError(t, err)
	require.Len(t, staged, 1)
	require.Equal(t, StatusModified, staged[0].Status)

	diffs, err := r.GetStagedDiff("session_2", true)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.Equal(t, "x.txt", diffs[0].Path)
	require.Equal(t, 1, diffs[0].Additions)
	require.Equal(t, 1, diffs[0].Deletions)
	require.NotNil(t, diffs[0].Diff)
}

func TestIdenticalContentYieldsSameBlobHash(t *testing.T) {
	r, project := newTestRepo(t)

	writeFile(t, project, "a.txt", "same content")
	require.NoError(t, r.StageFile("a.txt"))
	first := r.staging["a.txt"]

	writeFile(t, project, "b.txt", "same content")
	require.NoError(t, r.StageFile("b.txt"))
	second := r.staging["b.txt"]

	require.Equal(t, first, second)
}
