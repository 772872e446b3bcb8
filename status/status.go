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

// Package status computes the three-way diff between a HEAD tree, a staging
// index, and the working tree it describes.
package status

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/gitindex"
	"vaultscm.dev/git/giterr"
	"vaultscm.dev/git/object"
	"vaultscm.dev/git/tree"
)

// Code classifies the relationship of a single path to one pair of the
// three trees status compares.
type Code int

const (
	// Removed means the path is in the index but missing from the working tree.
	Removed Code = iota + 1
	// Modified means the working tree's content or mode differs from the index.
	Modified
	// Untracked means the path exists in the working tree but not the index.
	Untracked
	// StagedRemoved means the path is in the HEAD tree but not the index.
	StagedRemoved
	// StagedModified means the path is in both the HEAD tree and the index
	// but its hash differs.
	StagedModified
	// StagedAdded means the path is in the index but not the HEAD tree.
	StagedAdded
)

// String returns the lowercase, underscore-separated name of the
// status code, e.g. "staged_modified".
func (c Code) String() string {
	switch c {
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	case Untracked:
		return "untracked"
	case StagedRemoved:
		return "staged_removed"
	case StagedModified:
		return "staged_modified"
	case StagedAdded:
		return "staged_added"
	default:
		return "unknown"
	}
}

// Entry is one row of a status listing.
type Entry struct {
	Path string
	Code Code
	// ObjectID is the relevant blob's hash: the index's for Removed, the
	// newly-computed working-tree hash for Modified, the index's for
	// StagedModified/StagedAdded, the HEAD tree's for StagedRemoved, and the
	// zero value for Untracked (the working file is never hashed for it).
	ObjectID githash.SHA1
}

// Compute returns the full status listing for the working tree at root,
// given its staging index and the tree of its HEAD commit. Pass the zero
// githash.SHA1 for headTree on an unborn branch; every index entry is then
// reported StagedAdded. The result is sorted by path; a path can appear more
// than once if, for instance, it is both staged and further modified in the
// working tree.
func Compute(root string, idx *gitindex.Index, s tree.ObjectStore, headTree githash.SHA1) ([]Entry, error) {
	var entries []Entry

	worktree, err := diffWorktree(root, idx)
	if err != nil {
		return nil, err
	}
	entries = append(entries, worktree...)

	untracked, err := diffUntracked(root, idx)
	if err != nil {
		return nil, err
	}
	entries = append(entries, untracked...)

	staged, err := diffStaged(s, headTree, idx)
	if err != nil {
		return nil, err
	}
	entries = append(entries, staged...)

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// diffWorktree compares each index entry to the file it names, using a
// stat-only fast path before falling back to hashing the content.
func diffWorktree(root string, idx *gitindex.Index) ([]Entry, error) {
	var out []Entry
	for i := range idx.Entries {
		e := &idx.Entries[i]
		abs := filepath.Join(root, e.Path)
		var st unix.Stat_t
		if err := unix.Lstat(abs, &st); err != nil {
			if os.IsNotExist(err) {
				out = append(out, Entry{Path: e.Path, Code: Removed, ObjectID: e.ObjectID})
				continue
			}
			return nil, giterr.Wrap(err, "status: stat %s", e.Path)
		}
		mode := modeFromStat(&st)
		if statUnchanged(&st, mode, e) {
			continue
		}
		id, err := hashWorktreeFile(abs, &st, mode)
		if err != nil {
			return nil, err
		}
		if id != e.ObjectID || mode != e.Mode {
			out = append(out, Entry{Path: e.Path, Code: Modified, ObjectID: id})
		}
	}
	return out, nil
}

func statUnchanged(st *unix.Stat_t, mode uint32, e *gitindex.Entry) bool {
	return uint32(st.Ctim.Sec) == e.CtimeSec &&
		uint32(st.Ctim.Nsec) == e.CtimeNano &&
		uint32(st.Mtim.Sec) == e.MtimeSec &&
		uint32(st.Mtim.Nsec) == e.MtimeNano &&
		uint32(st.Dev) == e.Dev &&
		uint32(st.Ino) == e.Ino &&
		mode == e.Mode &&
		uint32(st.Size) == e.Size
}

func modeFromStat(st *unix.Stat_t) uint32 {
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFLNK:
		return gitindex.ModeSymlink
	case unix.S_IFDIR:
		return gitindex.ModeTree
	default:
		if st.Mode&0o111 != 0 {
			return gitindex.ModeExecutable
		}
		return gitindex.ModeRegular
	}
}

func hashWorktreeFile(abs string, st *unix.Stat_t, mode uint32) (githash.SHA1, error) {
	if mode == gitindex.ModeSymlink {
		target, err := os.Readlink(abs)
		if err != nil {
			return githash.SHA1{}, giterr.Wrap(err, "status: readlink %s", abs)
		}
		return object.BlobSum(strings.NewReader(target), int64(len(target)))
	}
	f, err := os.Open(abs)
	if err != nil {
		return githash.SHA1{}, giterr.Wrap(err, "status: open %s", abs)
	}
	defer f.Close()
	return object.BlobSum(f, st.Size)
}

// diffUntracked enumerates every working-tree file absent from the index,
// skipping any path with a .git component.
func diffUntracked(root string, idx *gitindex.Index) ([]Entry, error) {
	tracked := make(map[string]bool, len(idx.Entries))
	for _, e := range idx.Entries {
		tracked[e.Path] = true
	}

	var out []Entry
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		children, err := ioutil.ReadDir(dir)
		if err != nil {
			return giterr.Wrap(err, "status: read dir %s", rel)
		}
		for _, c := range children {
			name := c.Name()
			if name == ".git" {
				continue
			}
			relPath := name
			if rel != "" {
				relPath = rel + "/" + name
			}
			if c.IsDir() {
				if err := walk(filepath.Join(dir, name), relPath); err != nil {
					return err
				}
				continue
			}
			if !tracked[relPath] {
				out = append(out, Entry{Path: relPath, Code: Untracked})
			}
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// diffStaged compares the HEAD tree to the index, path by path.
func diffStaged(s tree.ObjectStore, headTree githash.SHA1, idx *gitindex.Index) ([]Entry, error) {
	headPaths := make(map[string]githash.SHA1)
	if headTree != (githash.SHA1{}) {
		w, err := tree.NewWalker(s, headTree)
		if err != nil {
			return nil, err
		}
		for w.Next() {
			ent := w.Entry()
			headPaths[ent.Path] = ent.ObjectID
		}
		if err := w.Err(); err != nil {
			return nil, err
		}
	}

	indexPaths := make(map[string]githash.SHA1, len(idx.Entries))
	for _, e := range idx.Entries {
		indexPaths[e.Path] = e.ObjectID
	}

	seen := make(map[string]bool, len(headPaths)+len(indexPaths))
	var out []Entry
	for path, headID := range headPaths {
		seen[path] = true
		indexID, inIndex := indexPaths[path]
		switch {
		case !inIndex:
			out = append(out, Entry{Path: path, Code: StagedRemoved, ObjectID: headID})
		case indexID != headID:
			out = append(out, Entry{Path: path, Code: StagedModified, ObjectID: indexID})
		}
	}
	for path, indexID := range indexPaths {
		if seen[path] {
			continue
		}
		out = append(out, Entry{Path: path, Code: StagedAdded, ObjectID: indexID})
	}
	return out, nil
}
