package versioning

import (
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
)

// Checkpoint is one commit on a session's branch.
type Checkpoint struct {
	CommitID  string
	Message   string
	Timestamp int64
}

var defaultAuthor = Signature{Name: "agentsmithy", Email: "agent@localhost"}

func (r *Repo) headHash(sessionName string) (plumbing.Hash, error) {
	ref, err := r.storage.Reference(sessionRef(sessionName))
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return plumbing.ZeroHash, nil
		}
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// autoStageKnown scans every path already known to sessionName's head tree
// and stages it if its on-disk content changed, per the checkpoint
// algorithm's "stage any changed files since the last checkpoint for files
// already known to the repo" step. Files explicitly staged via StageFile or
// StageFileDeletion are left as-is.
func (r *Repo) autoStageKnown(sessionName string) error {
	head, err := r.sessionTreeEntries(sessionName)
	if err != nil {
		return err
	}
	for path, entry := range head {
		if _, alreadyStaged := r.staging[path]; alreadyStaged {
			continue
		}
		content, err := os.ReadFile(r.abs(path))
		if err != nil {
			if os.IsNotExist(err) {
				continue // deletion must be explicit via StageFileDeletion
			}
			return fmt.Errorf("versioning: auto-stage read %s: %w", path, err)
		}
		hash, err := putBlob(r.storage, content)
		if err != nil {
			return err
		}
		if hash != entry.Hash {
			r.staging[path] = hash
		}
	}
	return nil
}

// CreateCheckpoint commits the current staging (after auto-staging changed
// known files) on top of sessionName's head, advances the session ref, and
// records every written path in the tracked-paths set.
func (r *Repo) CreateCheckpoint(sessionName, message string) (Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.autoStageKnown(sessionName); err != nil {
		return Checkpoint{}, err
	}

	head, err := r.sessionTreeEntries(sessionName)
	if err != nil {
		return Checkpoint{}, err
	}
	flat := map[string]plumbing.Hash{}
	for path, e := range head {
		flat[path] = e.Hash
	}
	var written []string
	for path, h := range r.staging {
		if h.IsZero() {
			delete(flat, path)
			continue
		}
		flat[path] = h
		written = append(written, path)
	}

	treeHash, err := buildTreeFromFlat(r.storage, flat)
	if err != nil {
		return Checkpoint{}, err
	}

	parentHash, err := r.headHash(sessionName)
	if err != nil {
		return Checkpoint{}, err
	}
	var parents []plumbing.Hash
	if !parentHash.IsZero() {
		parents = []plumbing.Hash{parentHash}
	}

	now := time.Now().UTC()
	author := defaultAuthor
	author.Unix = now.Unix()
	commitHash, err := putCommit(r.storage, treeHash, parents, message, author)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("versioning: create_checkpoint: %w", err)
	}

	if err := r.storage.SetReference(plumbing.NewHashReference(sessionRef(sessionName), commitHash)); err != nil {
		return Checkpoint{}, fmt.Errorf("versioning: advance session ref: %w", err)
	}

	for _, p := range written {
		r.tracked[p] = struct{}{}
	}
	if err := r.persistTracked(); err != nil {
		return Checkpoint{}, err
	}

	r.staging = map[string]plumbing.Hash{}
	if err := r.persistStaging(); err != nil {
		return Checkpoint{}, err
	}

	return Checkpoint{CommitID: commitHash.String(), Message: message, Timestamp: now.Unix()}, nil
}

// ListCheckpoints returns commits on sessionName's branch, chronologically.
func (r *Repo) ListCheckpoints(sessionName string) ([]Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.headHash(sessionName)
	if err != nil {
		return nil, err
	}
	var out []Checkpoint
	for h := head; !h.IsZero(); {
		cd, err := getCommit(r.storage, h)
		if err != nil {
			return nil, err
		}
		out = append(out, Checkpoint{CommitID: h.String(), Message: cd.Message, Timestamp: cd.Timestamp})
		if len(cd.Parents) == 0 {
			break
		}
		h = cd.Parents[0]
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RestoreCheckpoint materializes commitID's tree on disk. Files present in
// the target tree are overwritten (idempotent). Files absent from the
// target tree but present in the tracked-paths set are deleted; files
// outside tracked-paths are left untouched. Returns the list of paths
// written or deleted (best-effort: write/delete failures are skipped).
func (r *Repo) RestoreCheckpoint(commitID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := plumbing.NewHash(commitID)
	cd, err := getCommit(r.storage, target)
	if err != nil {
		return nil, fmt.Errorf("versioning: restore_checkpoint: %w", err)
	}
	targetFlat, err := flattenTree(r.storage, cd.Tree, "")
	if err != nil {
		return nil, err
	}

	var restored []string
	for path, entry := range targetFlat {
		content, err := getBlob(r.storage, entry.Hash)
		if err != nil {
			r.log.Warn().Str("path", path).Err(err).Msg("restore: skip unreadable blob")
			continue
		}
		abs := r.abs(path)
		if err := os.MkdirAll(parentDir(abs), 0o755); err != nil {
			r.log.Warn().Str("path", path).Err(err).Msg("restore: skip mkdir failure")
			continue
		}
		if err := os.WriteFile(abs, content, 0o644); err != nil {
			r.log.Warn().Str("path", path).Err(err).Msg("restore: skip write failure")
			continue
		}
		restored = append(restored, path)
	}

	for path := range r.tracked {
		if _, inTarget := targetFlat[path]; inTarget {
			continue
		}
		if err := os.Remove(r.abs(path)); err != nil && !os.IsNotExist(err) {
			r.log.Warn().Str("path", path).Err(err).Msg("restore: skip delete failure")
			continue
		}
		restored = append(restored, path)
	}

	return restored, nil
}

func parentDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[:i]
		}
	}
	return "."
}
