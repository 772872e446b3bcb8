// Copyright 2020 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package tree builds and navigates Git tree objects on top of an object
// store: reading/writing whole trees, walking one recursively, resolving a
// single path within one, and folding a staging-area index into the
// nested-tree shape a commit needs.
package tree

import (
	"io/ioutil"
	"strings"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/giterr"
	"vaultscm.dev/git/object"
	"vaultscm.dev/git/objstore"
)

// ObjectStore is the subset of an object store this package needs: reading
// objects back out by name, and persisting newly-built tree objects.
type ObjectStore interface {
	Open(id githash.SHA1) (*objstore.Reader, error)
	Write(typ object.Type, payload []byte) (githash.SHA1, error)
}

// ReadTree loads and parses the tree object named id.
func ReadTree(s ObjectStore, id githash.SHA1) (object.Tree, error) {
	r, err := s.Open(id)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if r.Type != object.TypeTree {
		return nil, giterr.New(giterr.InvalidInput, "read tree %v: object is a %s, not a tree", id, r.Type)
	}
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, giterr.Wrap(err, "read tree %v", id)
	}
	t, err := object.ParseTree(data)
	if err != nil {
		return nil, giterr.New(giterr.Corrupt, "read tree %v: %v", id, err)
	}
	return t, nil
}

// WriteTree sorts a copy of t, serializes it, and persists it as a tree
// object, returning its name.
func WriteTree(s ObjectStore, t object.Tree) (githash.SHA1, error) {
	sorted := append(object.Tree(nil), t...)
	if err := sorted.Sort(); err != nil {
		return githash.SHA1{}, giterr.New(giterr.InvalidInput, "write tree: %v", err)
	}
	data, err := sorted.MarshalBinary()
	if err != nil {
		return githash.SHA1{}, giterr.New(giterr.InvalidInput, "write tree: %v", err)
	}
	return s.Write(object.TypeTree, data)
}

// Entry is one non-tree (blob or gitlink) node yielded by a Walker, with
// its full repo-relative path.
type Entry struct {
	Path     string
	Mode     object.Mode
	ObjectID githash.SHA1
}

// frame is one level of a Walker's depth-first stack: a loaded tree, the
// cursor into it, and the path prefix its entries hang off of.
type frame struct {
	tree   object.Tree
	cursor int
	prefix string
}

// Walker yields every non-tree entry reachable from a root tree,
// depth-first, with each entry's full repo-relative path.
type Walker struct {
	s     ObjectStore
	stack []frame
	cur   Entry
	err   error
}

// NewWalker loads root and returns a Walker positioned before its first
// entry. Call Next to advance.
func NewWalker(s ObjectStore, root githash.SHA1) (*Walker, error) {
	t, err := ReadTree(s, root)
	if err != nil {
		return nil, err
	}
	return &Walker{s: s, stack: []frame{{tree: t}}}, nil
}

// Next advances to the next non-tree entry, loading and pushing any tree
// entries it passes through along the way. It returns false once the walk
// is exhausted or an error occurs; call Err to distinguish the two.
func (w *Walker) Next() bool {
	for len(w.stack) > 0 {
		top := &w.stack[len(w.stack)-1]
		if top.cursor >= len(top.tree) {
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}
		ent := top.tree[top.cursor]
		top.cursor++
		path := ent.Name
		if top.prefix != "" {
			path = top.prefix + "/" + ent.Name
		}
		if ent.Mode.IsDir() {
			sub, err := ReadTree(w.s, ent.ObjectID)
			if err != nil {
				w.err = err
				return false
			}
			w.stack = append(w.stack, frame{tree: sub, prefix: path})
			continue
		}
		w.cur = Entry{Path: path, Mode: ent.Mode, ObjectID: ent.ObjectID}
		return true
	}
	return false
}

// Entry returns the entry Next most recently advanced to.
func (w *Walker) Entry() Entry { return w.cur }

// Err returns the error, if any, that stopped the walk early.
func (w *Walker) Err() error { return w.err }

// EntryFromTree navigates path segment by segment from root and returns
// the object name and mode of the blob it names. It fails with NotFound if
// any segment is absent or an intermediate segment is not a directory, and
// with InvalidInput if the full path names a directory rather than a leaf.
func EntryFromTree(s ObjectStore, root githash.SHA1, path string) (githash.SHA1, object.Mode, error) {
	if path == "" {
		return githash.SHA1{}, 0, giterr.New(giterr.InvalidInput, "entry from tree: empty path")
	}
	segments := strings.Split(path, "/")
	curID := root
	for i, seg := range segments {
		t, err := ReadTree(s, curID)
		if err != nil {
			return githash.SHA1{}, 0, err
		}
		ent := t.Search(seg)
		if ent == nil {
			return githash.SHA1{}, 0, giterr.New(giterr.NotFound, "entry %q: no such file in tree", path)
		}
		if i == len(segments)-1 {
			if ent.Mode.IsDir() {
				return githash.SHA1{}, 0, giterr.New(giterr.InvalidInput, "entry %q: is a directory", path)
			}
			return ent.ObjectID, ent.Mode, nil
		}
		if !ent.Mode.IsDir() {
			return githash.SHA1{}, 0, giterr.New(giterr.NotFound, "entry %q: %q is not a directory", path, seg)
		}
		curID = ent.ObjectID
	}
	return githash.SHA1{}, 0, giterr.New(giterr.NotFound, "entry %q: no such file in tree", path)
}
