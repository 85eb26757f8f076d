package versioning

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

// ApproveAll fast-forwards main to sessionName's head (creating a final
// checkpoint first if staging is dirty), allocates nextSessionName pointing
// at the newly approved commit, and clears the tracked-paths set since the
// approval boundary has shifted. commitsApproved counts the commits
// fast-forwarded past main's previous position.
func (r *Repo) ApproveAll(sessionName, nextSessionName string, message string) (approvedCommit string, commitsApproved int, err error) {
	if dirty, herr := r.HasStagedChanges(sessionName); herr != nil {
		return "", 0, herr
	} else if dirty {
		if message == "" {
			message = "Approve: final checkpoint"
		}
		if _, cerr := r.CreateCheckpoint(sessionName, message); cerr != nil {
			return "", 0, cerr
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sessionHead, err := r.headHash(sessionName)
	if err != nil {
		return "", 0, err
	}
	var mainHead plumbing.Hash
	mainRefObj, err := r.storage.Reference(RefMain)
	switch err {
	case nil:
		mainHead = mainRefObj.Hash()
	case plumbing.ErrReferenceNotFound:
		mainHead = plumbing.ZeroHash
	default:
		return "", 0, err
	}

	count := 0
	for h := sessionHead; !h.IsZero() && h != mainHead; {
		count++
		cd, cerr := getCommit(r.storage, h)
		if cerr != nil {
			return "", 0, cerr
		}
		if len(cd.Parents) == 0 {
			h = plumbing.ZeroHash
			break
		}
		h = cd.Parents[0]
	}

	if err := r.storage.SetReference(plumbing.NewHashReference(RefMain, sessionHead)); err != nil {
		return "", 0, fmt.Errorf("versioning: approve_all fast-forward main: %w", err)
	}
	if err := r.storage.SetReference(plumbing.NewHashReference(sessionRef(nextSessionName), sessionHead)); err != nil {
		return "", 0, fmt.Errorf("versioning: approve_all allocate next session: %w", err)
	}

	r.tracked = map[string]struct{}{}
	if err := r.persistTracked(); err != nil {
		return "", 0, err
	}

	return sessionHead.String(), count, nil
}

// ResetToApproved abandons the current session. If there are uncommitted or
// staged changes, an auto-save checkpoint is created on the abandoned
// session first and its id returned in preResetCheckpoint. nextSessionName
// is allocated active, pointing at main. The caller must invoke
// RestoreCheckpoint against main's commit id afterward to materialize files
// on disk.
func (r *Repo) ResetToApproved(sessionName, nextSessionName string) (preResetCheckpoint string, err error) {
	dirty, err := r.HasStagedChanges(sessionName)
	if err != nil {
		return "", err
	}
	if dirty {
		cp, cerr := r.CreateCheckpoint(sessionName, "Auto-save before reset")
		if cerr != nil {
			return "", cerr
		}
		preResetCheckpoint = cp.CommitID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	mainRefObj, err := r.storage.Reference(RefMain)
	var mainHead plumbing.Hash
	switch err {
	case nil:
		mainHead = mainRefObj.Hash()
	case plumbing.ErrReferenceNotFound:
		mainHead = plumbing.ZeroHash
	default:
		return "", err
	}

	if err := r.storage.SetReference(plumbing.NewHashReference(sessionRef(nextSessionName), mainHead)); err != nil {
		return "", fmt.Errorf("versioning: reset_to_approved allocate next session: %w", err)
	}
	return preResetCheckpoint, nil
}

// MainHead returns main's current commit id, or "" if unset.
func (r *Repo) MainHead() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, err := r.storage.Reference(RefMain)
	if err == plumbing.ErrReferenceNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}
