// Package dialogs implements the dialog-index projection and per-dialog
// resource lifecycle described in spec §6's persistent-state layout:
// dialogs/index.json as a derived projection, rewritten whenever dialog
// metadata changes (not on every appended message),
// dialogs/<dialog_id>/{journal.sqlite,repo/} per non-reserved dialog, and
// the reserved "inspector" dialog's shared dialogs/journal.sqlite excluded
// from the index entirely. Grounded on versioning.Repo's own
// temp-write-then-rename idiom for the one piece of this package that is
// itself a hand-maintained JSON file.
package dialogs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// DialogMeta is the Dialog entity's index-visible projection (spec §3).
type DialogMeta struct {
	ID                string  `json:"id"`
	Title             *string `json:"title,omitempty"`
	CreatedAt         int64   `json:"created_at"`
	UpdatedAt         int64   `json:"updated_at"`
	ActiveSession     string  `json:"active_session,omitempty"`
	LastApprovedAt    *int64  `json:"last_approved_at,omitempty"`
	InitialCheckpoint *string `json:"initial_checkpoint,omitempty"`
}

// indexFile is the on-disk shape of dialogs/index.json.
type indexFile struct {
	CurrentDialogID *string      `json:"current_dialog_id,omitempty"`
	Dialogs         []DialogMeta `json:"dialogs"`
}

// index is the in-memory, mutex-guarded projection backing the Manager.
// It is flushed to disk after every mutation; spec §7 treats a write
// failure here as a persistence glitch that must never abort the call
// that triggered it.
type index struct {
	mu   sync.Mutex
	path string
	data indexFile
}

func loadIndex(path string) (*index, error) {
	idx := &index{path: path}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return idx, nil
	}
	if err := json.Unmarshal(raw, &idx.data); err != nil {
		return nil, err
	}
	return idx, nil
}

func (ix *index) save() error {
	raw, err := json.MarshalIndent(ix.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ix.path), 0o755); err != nil {
		return err
	}
	tmp := ix.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, ix.path)
}

func (ix *index) list() (current *string, dialogs []DialogMeta) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]DialogMeta, len(ix.data.Dialogs))
	copy(out, ix.data.Dialogs)
	return ix.data.CurrentDialogID, out
}

func (ix *index) get(id string) (DialogMeta, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, d := range ix.data.Dialogs {
		if d.ID == id {
			return d, true
		}
	}
	return DialogMeta{}, false
}

// upsert writes or replaces meta's row, then persists. Callers already hold
// no external lock; index serializes on its own mutex.
func (ix *index) upsert(meta DialogMeta) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i, d := range ix.data.Dialogs {
		if d.ID == meta.ID {
			ix.data.Dialogs[i] = meta
			return ix.save()
		}
	}
	ix.data.Dialogs = append(ix.data.Dialogs, meta)
	return ix.save()
}

func (ix *index) remove(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := ix.data.Dialogs[:0]
	for _, d := range ix.data.Dialogs {
		if d.ID != id {
			out = append(out, d)
		}
	}
	ix.data.Dialogs = out
	if ix.data.CurrentDialogID != nil && *ix.data.CurrentDialogID == id {
		ix.data.CurrentDialogID = nil
	}
	return ix.save()
}

func (ix *index) setCurrent(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	v := id
	ix.data.CurrentDialogID = &v
	return ix.save()
}

func (ix *index) current() *string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.data.CurrentDialogID
}
