package versioning

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// flattenTree walks a tree object recursively and returns a flat map of
// normalized forward-slash path -> TreeEntry (blobs only).
func flattenTree(store storer.EncodedObjectStorer, h plumbing.Hash, prefix string) (map[string]TreeEntry, error) {
	out := map[string]TreeEntry{}
	if h.IsZero() {
		return out, nil
	}
	entries, err := getTree(store, h)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		full := e.Name
		if prefix != "" {
			full = prefix + "/" + e.Name
		}
		if e.Mode == ModeDir {
			sub, err := flattenTree(store, e.Hash, full)
			if err != nil {
				return nil, err
			}
			for k, v := range sub {
				out[k] = v
			}
			continue
		}
		out[full] = TreeEntry{Name: full, Mode: e.Mode, Hash: e.Hash}
	}
	return out, nil
}

// buildTreeFromFlat constructs the (possibly nested) tree object graph for a
// flat path -> blob hash map and returns the root tree's hash.
func buildTreeFromFlat(store storer.EncodedObjectStorer, flat map[string]plumbing.Hash) (plumbing.Hash, error) {
	type node struct {
		blob     *plumbing.Hash
		children map[string]*node
	}
	root := &node{children: map[string]*node{}}

	for path, hash := range flat {
		parts := strings.Split(path, "/")
		cur := root
		for i, part := range parts {
			if i == len(parts)-1 {
				if cur.children[part] == nil {
					cur.children[part] = &node{}
				}
				h := hash
				cur.children[part].blob = &h
				continue
			}
			if cur.children[part] == nil {
				cur.children[part] = &node{children: map[string]*node{}}
			}
			cur = cur.children[part]
		}
	}

	var encode func(n *node) (plumbing.Hash, error)
	encode = func(n *node) (plumbing.Hash, error) {
		var entries []TreeEntry
		for name, child := range n.children {
			if child.blob != nil {
				entries = append(entries, TreeEntry{Name: name, Mode: ModeFile, Hash: *child.blob})
				continue
			}
			h, err := encode(child)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			entries = append(entries, TreeEntry{Name: name, Mode: ModeDir, Hash: h})
		}
		return putTree(store, entries)
	}

	h, err := encode(root)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("versioning: build tree: %w", err)
	}
	return h, nil
}
