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

package tree

import (
	"strings"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/gitindex"
	"vaultscm.dev/git/object"
)

// IndexToTree folds a staging-area index into the nested-tree shape a
// commit needs: a transient tree keyed by directory component, written out
// bottom-up so each subdirectory becomes a tree-mode entry in its parent.
func IndexToTree(s ObjectStore, idx *gitindex.Index) (githash.SHA1, error) {
	root := newNestedTree()
	for _, e := range idx.Entries {
		dir, name := splitParent(e.Path)
		node := root
		if dir != "" {
			for _, component := range strings.Split(dir, "/") {
				node = node.child(component)
			}
		}
		node.leaves = append(node.leaves, &object.TreeEntry{
			Name:     name,
			Mode:     object.Mode(e.Mode),
			ObjectID: e.ObjectID,
		})
	}
	return root.write(s)
}

func splitParent(path string) (dir, name string) {
	i := strings.LastIndexByte(path, '/')
	if i == -1 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// nestedTree is a transient, in-memory directory: files staged directly at
// this level plus named subdirectories, each itself a nestedTree.
type nestedTree struct {
	children map[string]*nestedTree
	leaves   []*object.TreeEntry
}

func newNestedTree() *nestedTree {
	return &nestedTree{children: make(map[string]*nestedTree)}
}

func (n *nestedTree) child(name string) *nestedTree {
	c, ok := n.children[name]
	if !ok {
		c = newNestedTree()
		n.children[name] = c
	}
	return c
}

// write recursively writes n's subdirectories bottom-up, then this level's
// own tree object, and returns its name.
func (n *nestedTree) write(s ObjectStore) (githash.SHA1, error) {
	t := append(object.Tree(nil), n.leaves...)
	for name, child := range n.children {
		id, err := child.write(s)
		if err != nil {
			return githash.SHA1{}, err
		}
		t = append(t, &object.TreeEntry{Name: name, Mode: object.ModeDir, ObjectID: id})
	}
	return WriteTree(s, t)
}
