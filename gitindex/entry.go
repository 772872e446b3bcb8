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

// Package gitindex reads and writes the binary staging-area index file
// ("DIRC"), the record of what would be committed next.
package gitindex

import (
	"sort"
	"strings"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/giterr"
)

// Git mode constants. These pack the object-type nibble (bits 12-15 of
// IndexEntry.mode) together with permission bits (0-8) the way Git's own
// tooling writes them, rather than exposing the two halves separately.
const (
	ModeGitlink    = 0o160000
	ModeSymlink    = 0o120000
	ModeTree       = 0o040000
	ModeRegular    = 0o100644
	ModeExecutable = 0o100755
)

// maxNameLength is the largest value the 12-bit name_length flag field can
// hold; longer paths are still stored and NUL-terminated as usual, only the
// flag itself saturates.
const maxNameLength = 0xFFF

// Entry is one record of the staging-area index: a path's cached stat
// metadata, its blob or tree object name, and its staging flags.
type Entry struct {
	CtimeSec, CtimeNano uint32
	MtimeSec, MtimeNano uint32
	Dev, Ino            uint32
	Mode                uint32
	UID, GID            uint32
	Size                uint32
	ObjectID            githash.SHA1

	// Stage is the merge stage (0-3). Stage 0 means "no conflict".
	Stage uint8

	AssumeValid  bool
	IntentToAdd  bool
	SkipWorktree bool

	// Path is relative to the repository root and uses POSIX separators.
	Path string
}

// extended reports whether this entry needs a version-3 extended flags
// word to round-trip.
func (e *Entry) extended() bool {
	return e.IntentToAdd || e.SkipWorktree
}

// Index is the in-memory form of the DIRC staging file.
type Index struct {
	// Version is the on-disk format version (2 or 3). Zero behaves as 2
	// on Write, automatically upgraded to 3 if any entry carries extended
	// flags.
	Version int

	// Entries is kept in lexicographic order of Path; use Add and Remove
	// rather than appending directly so that invariant holds.
	Entries []Entry
}

func (idx *Index) find(path string) int {
	return sort.Search(len(idx.Entries), func(i int) bool {
		return idx.Entries[i].Path >= path
	})
}

// Add inserts entry into the index in sorted position, replacing any
// existing entry with the same path. Entries whose path has a ".git"
// component, at the root or any intermediate directory, are rejected
// silently: Git's own staging area refuses to let a repository reference
// itself this way, and we follow suit.
func (idx *Index) Add(entry Entry) {
	if hasDotGitComponent(entry.Path) {
		return
	}
	i := idx.find(entry.Path)
	if i < len(idx.Entries) && idx.Entries[i].Path == entry.Path {
		idx.Entries[i] = entry
		return
	}
	idx.Entries = append(idx.Entries, Entry{})
	copy(idx.Entries[i+1:], idx.Entries[i:])
	idx.Entries[i] = entry
}

// Remove deletes the entry with the given path, returning a NotFound error
// if no such entry exists.
func (idx *Index) Remove(path string) error {
	i := idx.find(path)
	if i >= len(idx.Entries) || idx.Entries[i].Path != path {
		return giterr.New(giterr.NotFound, "remove %s: not in index", path)
	}
	idx.Entries = append(idx.Entries[:i], idx.Entries[i+1:]...)
	return nil
}

func hasDotGitComponent(path string) bool {
	for _, part := range strings.Split(path, "/") {
		if part == ".git" {
			return true
		}
	}
	return false
}
