package versioning

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Mode mirrors the subset of git file modes the versioning engine cares
// about: plain files and the directory entries that make up a Tree.
type Mode uint32

const (
	ModeFile Mode = 0o100644
	ModeDir  Mode = 0o040000
)

// TreeEntry is one child of a Tree object.
type TreeEntry struct {
	Name string
	Mode Mode
	Hash plumbing.Hash
}

// putBlob writes content as a git-compatible blob object and returns its hash.
func putBlob(store storer.EncodedObjectStorer, content []byte) (plumbing.Hash, error) {
	obj := &plumbing.MemoryObject{}
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("versioning: blob writer: %w", err)
	}
	if _, err := w.Write(content); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("versioning: write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return store.SetEncodedObject(obj)
}

// getBlob reads back a blob's content.
func getBlob(store storer.EncodedObjectStorer, h plumbing.Hash) ([]byte, error) {
	obj, err := store.EncodedObject(plumbing.BlobObject, h)
	if err != nil {
		return nil, fmt.Errorf("versioning: read blob %s: %w", h, err)
	}
	r, err := obj.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// treeSortKey matches git's tree-entry ordering: directory names sort as if
// they carried a trailing slash, so a directory "foo" sorts after a file
// "foo.txt" ('.' < '/'), while a file "foo" sorts before both.
func treeSortKey(e TreeEntry) string {
	if e.Mode == ModeDir {
		return e.Name + "/"
	}
	return e.Name
}

// putTree canonically encodes entries (sorted per treeSortKey) as a git tree
// object and returns its hash.
func putTree(store storer.EncodedObjectStorer, entries []TreeEntry) (plumbing.Hash, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return treeSortKey(sorted[i]) < treeSortKey(sorted[j]) })

	buf := new(bytes.Buffer)
	for _, e := range sorted {
		fmt.Fprintf(buf, "%o %s\x00", e.Mode, e.Name)
		buf.Write(e.Hash[:])
	}

	obj := &plumbing.MemoryObject{}
	obj.SetType(plumbing.TreeObject)
	obj.SetSize(int64(buf.Len()))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return store.SetEncodedObject(obj)
}

// getTree decodes a tree object back into its entries.
func getTree(store storer.EncodedObjectStorer, h plumbing.Hash) ([]TreeEntry, error) {
	obj, err := store.EncodedObject(plumbing.TreeObject, h)
	if err != nil {
		return nil, fmt.Errorf("versioning: read tree %s: %w", h, err)
	}
	r, err := obj.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	raw := new(bytes.Buffer)
	if _, err := raw.ReadFrom(r); err != nil {
		return nil, err
	}

	data := raw.Bytes()
	var entries []TreeEntry
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("versioning: malformed tree entry in %s", h)
		}
		modeStr := string(data[:sp])
		mode, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("versioning: malformed tree mode %q: %w", modeStr, err)
		}
		data = data[sp+1:]

		nul := bytes.IndexByte(data, 0)
		if nul < 0 {
			return nil, fmt.Errorf("versioning: malformed tree entry name in %s", h)
		}
		name := string(data[:nul])
		data = data[nul+1:]

		if len(data) < 20 {
			return nil, fmt.Errorf("versioning: truncated tree hash in %s", h)
		}
		var eh plumbing.Hash
		copy(eh[:], data[:20])
		data = data[20:]

		entries = append(entries, TreeEntry{Name: name, Mode: Mode(mode), Hash: eh})
	}
	return entries, nil
}

// Signature is a commit author/committer line.
type Signature struct {
	Name  string
	Email string
	Unix  int64
}

func (s Signature) encode() string {
	return fmt.Sprintf("%s <%s> %d +0000", s.Name, s.Email, s.Unix)
}

// CommitData is the decoded form of a commit object.
type CommitData struct {
	Tree      plumbing.Hash
	Parents   []plumbing.Hash
	Message   string
	Author    Signature
	Timestamp int64
}

func putCommit(store storer.EncodedObjectStorer, tree plumbing.Hash, parents []plumbing.Hash, message string, author Signature) (plumbing.Hash, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", tree)
	for _, p := range parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", author.encode())
	fmt.Fprintf(&buf, "committer %s\n", author.encode())
	buf.WriteByte('\n')
	buf.WriteString(message)

	obj := &plumbing.MemoryObject{}
	obj.SetType(plumbing.CommitObject)
	obj.SetSize(int64(buf.Len()))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return store.SetEncodedObject(obj)
}

func getCommit(store storer.EncodedObjectStorer, h plumbing.Hash) (CommitData, error) {
	obj, err := store.EncodedObject(plumbing.CommitObject, h)
	if err != nil {
		return CommitData{}, fmt.Errorf("versioning: read commit %s: %w", h, err)
	}
	r, err := obj.Reader()
	if err != nil {
		return CommitData{}, err
	}
	defer r.Close()
	raw := new(bytes.Buffer)
	if _, err := raw.ReadFrom(r); err != nil {
		return CommitData{}, err
	}

	lines := strings.Split(raw.String(), "\n")
	var cd CommitData
	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}
		switch {
		case strings.HasPrefix(line, "tree "):
			cd.Tree = plumbing.NewHash(strings.TrimPrefix(line, "tree "))
		case strings.HasPrefix(line, "parent "):
			cd.Parents = append(cd.Parents, plumbing.NewHash(strings.TrimPrefix(line, "parent ")))
		case strings.HasPrefix(line, "author "):
			cd.Author, cd.Timestamp = parseSignature(strings.TrimPrefix(line, "author "))
		}
	}
	cd.Message = strings.Join(lines[i:], "\n")
	return cd, nil
}

func parseSignature(s string) (Signature, int64) {
	// "<name> <<email>> <unix> <tz>"
	open := strings.LastIndex(s, "<")
	close := strings.LastIndex(s, ">")
	if open < 0 || close < 0 || close < open {
		return Signature{}, 0
	}
	name := strings.TrimSpace(s[:open])
	email := s[open+1 : close]
	rest := strings.Fields(s[close+1:])
	var unix int64
	if len(rest) > 0 {
		unix, _ = strconv.ParseInt(rest[0], 10, 64)
	}
	return Signature{Name: name, Email: email, Unix: unix}, unix
}
