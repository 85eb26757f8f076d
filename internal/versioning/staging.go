package versioning

import (
	"fmt"
	"os"

	"github.com/go-git/go-git/v5/plumbing"
)

// StartEdit begins a best-effort transaction: the current on-disk content of
// paths is captured so AbortEdit can restore it. Transactions are advisory —
// FinalizeEdit simply discards the captured pre-images.
func (r *Repo) StartEdit(paths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.preImages = map[string][]byte{}
	for _, p := range paths {
		rel := normalizePath(p)
		content, err := os.ReadFile(r.abs(rel))
		if err != nil {
			if os.IsNotExist(err) {
				continue // file didn't exist before the edit; nothing to roll back to
			}
			return fmt.Errorf("versioning: start_edit read %s: %w", rel, err)
		}
		r.preImages[rel] = content
	}
	r.txActive = true
	return nil
}

// AbortEdit restores every path captured by StartEdit from its pre-image.
func (r *Repo) AbortEdit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for rel, content := range r.preImages {
		if err := os.WriteFile(r.abs(rel), content, 0o644); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("versioning: abort_edit restore %s: %w", rel, err)
		}
	}
	r.preImages = nil
	r.txActive = false
	return firstErr
}

// FinalizeEdit discards the rollback snapshot captured by StartEdit.
func (r *Repo) FinalizeEdit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preImages = nil
	r.txActive = false
}

// StageFile hashes path's current on-disk bytes, writes a blob, and updates
// staging.
func (r *Repo) StageFile(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel := normalizePath(path)
	content, err := os.ReadFile(r.abs(rel))
	if err != nil {
		return fmt.Errorf("versioning: stage_file %s: %w", rel, err)
	}
	hash, err := putBlob(r.storage, content)
	if err != nil {
		return fmt.Errorf("versioning: stage_file %s: %w", rel, err)
	}
	r.staging[rel] = hash
	return r.persistStaging()
}

// StageFileDeletion records an explicit deletion in staging.
func (r *Repo) StageFileDeletion(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel := normalizePath(path)
	r.staging[rel] = plumbing.ZeroHash
	return r.persistStaging()
}

// ClearStaging resets staging to match the current session head tree.
func (r *Repo) ClearStaging() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.staging = map[string]plumbing.Hash{}
	return r.persistStaging()
}

// sessionTreeEntries returns the flat path->TreeEntry map recorded in the
// session ref's commit tree, or an empty map if the ref is unset.
func (r *Repo) sessionTreeEntries(sessionName string) (map[string]TreeEntry, error) {
	ref, err := r.storage.Reference(sessionRef(sessionName))
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return map[string]TreeEntry{}, nil
		}
		return nil, err
	}
	cd, err := getCommit(r.storage, ref.Hash())
	if err != nil {
		return nil, err
	}
	return flattenTree(r.storage, cd.Tree, "")
}

// HasStagedChanges reports whether staging differs from the session head's
// tree.
func (r *Repo) HasStagedChanges(sessionName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.staging) == 0 {
		return false, nil
	}
	head, err := r.sessionTreeEntries(sessionName)
	if err != nil {
		return false, err
	}
	for path, h := range r.staging {
		existing, ok := head[path]
		if h.IsZero() {
			if ok {
				return true, nil // staged deletion of a tracked file
			}
			continue
		}
		if !ok || existing.Hash != h {
			return true, nil
		}
	}
	return false, nil
}

// StagedFile describes one entry returned by GetStagedFiles.
type StagedFile struct {
	Path   string
	Status StagedStatus
}

// GetStagedFiles lists staged changes relative to sessionName's head tree.
func (r *Repo) GetStagedFiles(sessionName string) ([]StagedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.sessionTreeEntries(sessionName)
	if err != nil {
		return nil, err
	}
	var out []StagedFile
	for path, h := range r.staging {
		existing, existed := head[path]
		switch {
		case h.IsZero():
			if existed {
				out = append(out, StagedFile{Path: path, Status: StatusDeleted})
			}
		case !existed:
			out = append(out, StagedFile{Path: path, Status: StatusAdded})
		case existing.Hash != h:
			out = append(out, StagedFile{Path: path, Status: StatusModified})
		}
	}
	return out, nil
}
