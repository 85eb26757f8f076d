package versioning

import (
	"strings"
	"unicode/utf8"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffEntry is one path's change between two committed trees.
type DiffEntry struct {
	Path       string
	Status     StagedStatus
	Additions  int
	Deletions  int
	Diff       *string // nil for binary files or when includeDiff is false
}

// resolveTree accepts either a ref name ("main", "session_2") or a raw
// commit id and returns its tree hash.
func (r *Repo) resolveTree(ref string) (plumbing.Hash, error) {
	name := ref
	if name == "main" {
		name = string(RefMain)
	} else if !strings.Contains(name, "/") && looksLikeSessionName(name) {
		name = string(sessionRef(name))
	}

	if strings.HasPrefix(name, "refs/") {
		refObj, err := r.storage.Reference(plumbing.ReferenceName(name))
		if err == plumbing.ErrReferenceNotFound {
			return plumbing.ZeroHash, ErrNotFound
		}
		if err != nil {
			return plumbing.ZeroHash, err
		}
		cd, err := getCommit(r.storage, refObj.Hash())
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return cd.Tree, nil
	}

	h := plumbing.NewHash(ref)
	cd, err := getCommit(r.storage, h)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return cd.Tree, nil
}

func looksLikeSessionName(s string) bool {
	return strings.HasPrefix(s, "session_")
}

// GetTreeDiff compares the committed trees reachable from refA and refB.
func (r *Repo) GetTreeDiff(refA, refB string, includeDiff bool) ([]DiffEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	treeA, err := r.resolveTree(refA)
	if err != nil {
		return nil, err
	}
	treeB, err := r.resolveTree(refB)
	if err != nil {
		return nil, err
	}

	flatA, err := flattenTree(r.storage, treeA, "")
	if err != nil {
		return nil, err
	}
	flatB, err := flattenTree(r.storage, treeB, "")
	if err != nil {
		return nil, err
	}

	paths := map[string]struct{}{}
	for p := range flatA {
		paths[p] = struct{}{}
	}
	for p := range flatB {
		paths[p] = struct{}{}
	}

	var out []DiffEntry
	for p := range paths {
		ea, inA := flatA[p]
		eb, inB := flatB[p]
		switch {
		case inA && !inB:
			out = append(out, r.diffEntry(p, StatusDeleted, &ea, nil, includeDiff))
		case !inA && inB:
			out = append(out, r.diffEntry(p, StatusAdded, nil, &eb, includeDiff))
		case ea.Hash != eb.Hash:
			out = append(out, r.diffEntry(p, StatusModified, &ea, &eb, includeDiff))
		}
	}
	return out, nil
}

// GetStagedDiff compares the staging area against sessionName's head tree,
// the same status classification GetStagedFiles uses but carrying line
// counts and diff text, so a session-status endpoint can report uncommitted
// changes without requiring a checkpoint first (spec §8 scenario S5).
func (r *Repo) GetStagedDiff(sessionName string, includeDiff bool) ([]DiffEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.sessionTreeEntries(sessionName)
	if err != nil {
		return nil, err
	}

	var out []DiffEntry
	for path, h := range r.staging {
		existing, existed := head[path]
		switch {
		case h.IsZero():
			if existed {
				out = append(out, r.diffEntry(path, StatusDeleted, &existing, nil, includeDiff))
			}
		case !existed:
			eb := TreeEntry{Hash: h}
			out = append(out, r.diffEntry(path, StatusAdded, nil, &eb, includeDiff))
		case existing.Hash != h:
			eb := TreeEntry{Hash: h}
			out = append(out, r.diffEntry(path, StatusModified, &existing, &eb, includeDiff))
		}
	}
	return out, nil
}

func (r *Repo) diffEntry(path string, status StagedStatus, ea, eb *TreeEntry, includeDiff bool) DiffEntry {
	var before, after []byte
	if ea != nil {
		before, _ = getBlob(r.storage, ea.Hash)
	}
	if eb != nil {
		after, _ = getBlob(r.storage, eb.Hash)
	}

	if !utf8.Valid(before) || !utf8.Valid(after) {
		return DiffEntry{Path: path, Status: status, Additions: 0, Deletions: 0}
	}

	additions, deletions, diffText := lineDiff(string(before), string(after))
	entry := DiffEntry{Path: path, Status: status, Additions: additions, Deletions: deletions}
	if includeDiff {
		entry.Diff = &diffText
	}
	return entry
}

// lineDiff computes a line-oriented unified diff between before and after,
// using diffmatchpatch's line-mode idiom (map each distinct line to a rune,
// diff at the rune level, then expand back to lines).
func lineDiff(before, after string) (additions, deletions int, diffText string) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var sb strings.Builder
	for _, d := range diffs {
		text := d.Text
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			deletions += strings.Count(text, "\n")
			if !strings.HasSuffix(text, "\n") && text != "" {
				deletions++
			}
			writePrefixedLines(&sb, "-", text)
		case diffmatchpatch.DiffInsert:
			additions += strings.Count(text, "\n")
			if !strings.HasSuffix(text, "\n") && text != "" {
				additions++
			}
			writePrefixedLines(&sb, "+", text)
		case diffmatchpatch.DiffEqual:
			writePrefixedLines(&sb, " ", text)
		}
	}
	return additions, deletions, sb.String()
}

func writePrefixedLines(sb *strings.Builder, prefix, text string) {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	for _, l := range lines {
		if l == "" && len(lines) == 1 {
			continue
		}
		sb.WriteString(prefix)
		sb.WriteString(l)
		sb.WriteString("\n")
	}
}
