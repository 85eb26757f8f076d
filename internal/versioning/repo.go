// Package versioning implements the versioning engine (C4): a content-
// addressed snapshot store over a project workspace, scoped per dialog. It
// is built directly on go-git's plumbing object model and filesystem
// storage (blobs/trees/commits, refs/heads/*) rather than shelling out to
// the git CLI, since the object store here lives under the dialog's own
// state directory and never touches the user's own version control.
package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a checkpoint or ref cannot be resolved.
var ErrNotFound = errors.New("versioning: not found")

const (
	RefMain = plumbing.ReferenceName("refs/heads/main")
)

func sessionRef(name string) plumbing.ReferenceName {
	return plumbing.ReferenceName("refs/heads/" + name)
}

// StagedStatus classifies a staged file relative to the session head tree.
type StagedStatus string

const (
	StatusAdded    StagedStatus = "added"
	StatusModified StagedStatus = "modified"
	StatusDeleted  StagedStatus = "deleted"
)

const stagingDeletedMarker = ""

// Repo is a per-dialog versioning repository. ProjectRoot is the user's
// workspace the repo mirrors; StateDir is the dialog's own directory, under
// which the object database, refs, staging area, and tracked-paths set
// live — never inside ProjectRoot.
type Repo struct {
	mu sync.Mutex

	ProjectRoot string
	StateDir    string

	storage *filesystem.Storage
	log     zerolog.Logger

	staging map[string]plumbing.Hash // plumbing.ZeroHash value means stage_file_deletion
	tracked map[string]struct{}

	// preImages holds the pre-transaction content of paths passed to
	// StartEdit, for best-effort rollback via AbortEdit.
	preImages map[string][]byte
	txActive  bool
}

// Open creates or attaches to the repo under stateDir/repo, loading any
// persisted staging area and tracked-paths set.
func Open(ctx context.Context, projectRoot, stateDir string, log zerolog.Logger) (*Repo, error) {
	repoDir := filepath.Join(stateDir, "repo")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return nil, fmt.Errorf("versioning: mkdir repo dir: %w", err)
	}
	fs := osfs.New(repoDir)
	storage := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())

	r := &Repo{
		ProjectRoot: projectRoot,
		StateDir:    stateDir,
		storage:     storage,
		log:         log.With().Str("component", "versioning").Logger(),
		staging:     map[string]plumbing.Hash{},
		tracked:     map[string]struct{}{},
	}
	if err := r.loadStaging(); err != nil {
		return nil, err
	}
	if err := r.loadTracked(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repo) stagingPath() string { return filepath.Join(r.StateDir, "repo", "staging.json") }
func (r *Repo) trackedPath() string { return filepath.Join(r.StateDir, "repo", "tracked.json") }

type stagingEntry struct {
	Path    string `json:"path"`
	Hash    string `json:"hash"`
	Deleted bool   `json:"deleted"`
}

func (r *Repo) loadStaging() error {
	data, err := os.ReadFile(r.stagingPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("versioning: read staging: %w", err)
	}
	var entries []stagingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("versioning: parse staging: %w", err)
	}
	for _, e := range entries {
		if e.Deleted {
			r.staging[e.Path] = plumbing.ZeroHash
		} else {
			r.staging[e.Path] = plumbing.NewHash(e.Hash)
		}
	}
	return nil
}

func (r *Repo) persistStaging() error {
	entries := make([]stagingEntry, 0, len(r.staging))
	for p, h := range r.staging {
		if h.IsZero() {
			entries = append(entries, stagingEntry{Path: p, Deleted: true})
			continue
		}
		entries = append(entries, stagingEntry{Path: p, Hash: h.String()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(r.stagingPath(), data)
}

func (r *Repo) loadTracked() error {
	data, err := os.ReadFile(r.trackedPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("versioning: read tracked: %w", err)
	}
	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		return fmt.Errorf("versioning: parse tracked: %w", err)
	}
	for _, p := range paths {
		r.tracked[p] = struct{}{}
	}
	return nil
}

func (r *Repo) persistTracked() error {
	paths := make([]string, 0, len(r.tracked))
	for p := range r.tracked {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	data, err := json.MarshalIndent(paths, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(r.trackedPath(), data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// normalizePath converts p to forward-slash, project-root-relative form.
func normalizePath(p string) string {
	return strings.ReplaceAll(path.Clean(filepath.ToSlash(p)), "\\", "/")
}

func (r *Repo) abs(relPath string) string {
	return filepath.Join(r.ProjectRoot, filepath.FromSlash(relPath))
}
