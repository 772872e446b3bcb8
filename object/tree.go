// Copyright 2020 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"vaultscm.dev/git/githash"
)

// Tree is the flat list of entries making up one directory level of
// the tree. The zero value is an empty directory.
//
// Every exported method that walks a Tree assumes entries are already
// in path order with no duplicate names; call Sort to establish that
// invariant on a tree built by hand.
type Tree []*TreeEntry

// ParseTree decodes src as a serialized tree object.
func ParseTree(src []byte) (Tree, error) {
	var tree Tree
	err := tree.UnmarshalBinary(src)
	return tree, err
}

// UnmarshalBinary decodes src, replacing tree's contents. The decoded
// entries are always in path order: a tree that fails this check
// (corrupt input, or entries out of order) is rejected rather than
// silently accepted and re-sorted.
func (tree *Tree) UnmarshalBinary(src []byte) error {
	*tree = nil
	for len(src) > 0 {
		ent, rest, err := decodeTreeEntry(src)
		if err != nil {
			return fmt.Errorf("parse git tree: %w", err)
		}
		*tree = append(*tree, ent)
		n := len(*tree)
		if n > 1 && !tree.Less(n-2, n-1) {
			return fmt.Errorf("parse git tree: not sorted")
		}
		if tree.lastEntryRepeats() {
			return fmt.Errorf("parse git tree: found duplicate %q", ent.Name)
		}
		src = rest
	}
	return nil
}

// MarshalBinary encodes the tree into the wire format. It fails if
// the entries are not already sorted.
func (tree Tree) MarshalBinary() ([]byte, error) {
	var out []byte
	for i, ent := range tree {
		if i > 0 && !tree.Less(i-1, i) {
			return nil, fmt.Errorf("marshal git tree: not sorted")
		}
		encoded, err := ent.encode(out)
		if err != nil {
			return nil, fmt.Errorf("marshal git tree: %w", err)
		}
		out = encoded
	}
	return out, nil
}

// String renders the tree in a debugging format, one entry per line.
func (tree Tree) String() string {
	lines := make([]string, len(tree))
	for i, ent := range tree {
		lines[i] = ent.String()
	}
	return strings.Join(lines, "\n")
}

// SHA1 computes the digest this tree would be stored under. It panics
// if the tree is unsorted or has duplicate entries.
func (tree Tree) SHA1() githash.SHA1 {
	buf, err := tree.MarshalBinary()
	if err != nil {
		panic(err)
	}
	h := sha1.New()
	h.Write(AppendPrefix(nil, TypeTree, int64(len(buf))))
	h.Write(buf)
	var digest githash.SHA1
	h.Sum(digest[:0])
	return digest
}

// Search looks up the entry named name, returning nil if there isn't
// one. Results are unspecified if the tree isn't sorted.
func (tree Tree) Search(name string) *TreeEntry {
	i, ok := tree.boundedSearch(name, false)
	if !ok && i+1 < len(tree) {
		// name might be a directory; "a" sorts before "a/", so
		// restrict the retry to the tail past the plain-file
		// insertion point.
		tree = tree[i+1:]
		i, ok = tree.boundedSearch(name, true)
	}
	if !ok {
		return nil
	}
	return tree[i]
}

func (tree Tree) boundedSearch(name string, isDir bool) (i int, ok bool) {
	i = sort.Search(len(tree), func(i int) bool {
		return !pathLess(tree[i].Name, tree[i].Mode.IsDir(), name, isDir)
	})
	return i, i < len(tree) && tree[i].Name == name
}

// Len implements sort.Interface.
func (tree Tree) Len() int { return len(tree) }

// Less implements sort.Interface, ordering entries the way Git walks
// a directory: lexicographically, except a directory name is treated
// as if it had a trailing slash.
func (tree Tree) Less(i, j int) bool {
	return pathLess(tree[i].Name, tree[i].Mode.IsDir(), tree[j].Name, tree[j].Mode.IsDir())
}

// Swap implements sort.Interface.
func (tree Tree) Swap(i, j int) { tree[i], tree[j] = tree[j], tree[i] }

// Sort orders the tree in place and reports a duplicate-name error if
// one exists after sorting.
func (tree Tree) Sort() error {
	sort.Sort(tree)
	for i := range tree {
		if tree[:i+1].lastEntryRepeats() {
			return fmt.Errorf("sort git tree: found duplicate %q", tree[i].Name)
		}
	}
	return nil
}

// lastEntryRepeats reports whether the final entry's name also
// appears earlier in the (sorted) tree.
func (tree Tree) lastEntryRepeats() bool {
	if len(tree) < 2 {
		return false
	}
	last := tree[len(tree)-1]
	if tree[len(tree)-2].Name == last.Name {
		return true
	}
	// A directory entry "d" can still collide with an earlier
	// non-directory "d" even though "d" < "d/" separates them in
	// sort order, so a directory needs the fuller scan.
	if !last.Mode.IsDir() {
		return false
	}
	_, found := tree[:len(tree)-2].boundedSearch(last.Name, false)
	return found
}

// TreeEntry is a single named entry (file, subdirectory, symlink, or
// submodule reference) within a Tree.
type TreeEntry struct {
	Name     string
	Mode     Mode
	ObjectID githash.SHA1
}

func decodeTreeEntry(src []byte) (ent *TreeEntry, rest []byte, err error) {
	modeEnd := bytes.IndexByte(src, ' ')
	if modeEnd == -1 {
		return nil, src, fmt.Errorf("entry: mode: %w", io.ErrUnexpectedEOF)
	}
	mode, err := strconv.ParseUint(string(src[:modeEnd]), 8, 32)
	if err != nil {
		return nil, src, fmt.Errorf("entry: mode: %w", err)
	}
	ent = &TreeEntry{Mode: Mode(mode)}

	nameStart := modeEnd + 1
	nameLen := bytes.IndexByte(src[nameStart:], 0)
	if nameLen == -1 {
		return nil, src, fmt.Errorf("entry: name: %w", io.ErrUnexpectedEOF)
	}
	nameEnd := nameStart + nameLen
	ent.Name = string(src[nameStart:nameEnd])

	idStart := nameEnd + 1
	idEnd := idStart + len(ent.ObjectID)
	if idEnd > len(src) {
		return nil, src, fmt.Errorf("entry: object ID: %w", io.ErrUnexpectedEOF)
	}
	copy(ent.ObjectID[:], src[idStart:idEnd])
	return ent, src[idEnd:], nil
}

// encode appends the wire encoding of one entry to dst.
func (ent *TreeEntry) encode(dst []byte) ([]byte, error) {
	if strings.IndexByte(ent.Name, 0) >= 0 {
		return dst, fmt.Errorf("%q contains NUL", ent.Name)
	}
	dst = strconv.AppendUint(dst, uint64(ent.Mode), 8)
	dst = append(dst, ' ')
	dst = append(dst, ent.Name...)
	dst = append(dst, 0)
	return append(dst, ent.ObjectID[:]...), nil
}

// pathLess implements Git's directory-walk ordering: plain
// lexicographic comparison, except that a directory's name is
// compared as though it ended with an extra "/". See the comment
// above check_name_hash in git's fsck.c for the rationale: it keeps
// "foo" and "foo.c" from interleaving with the contents of "foo/".
func pathLess(name1 string, isDir1 bool, name2 string, isDir2 bool) bool {
	common := len(name1)
	if len(name2) < common {
		common = len(name2)
	}
	if s1, s2 := name1[:common], name2[:common]; s1 != s2 {
		return s1 < s2
	}

	n1, c1 := len(name1), byte(0)
	if common < n1 {
		c1 = name1[common]
	} else if isDir1 {
		c1, n1 = '/', n1+1
	}
	n2, c2 := len(name2), byte(0)
	if common < n2 {
		c2 = name2[common]
	} else if isDir2 {
		c2, n2 = '/', n2+1
	}

	if n1 > common && n2 > common && c1 != c2 {
		return c1 < c2
	}
	return n1 < n2
}

// String renders one entry in a debugging format resembling `git
// ls-tree`'s plain output.
func (ent *TreeEntry) String() string {
	var sb strings.Builder
	sb.WriteString(ent.Mode.String())
	sb.WriteByte(' ')
	sb.WriteString(ent.Name)
	sb.WriteByte(' ')
	sb.Write(appendHex(nil, ent.ObjectID[:]))
	return sb.String()
}

// Mode is a tree entry's file mode: a narrow subset of the POSIX
// st_mode bits Git actually records (see fs.FileMode for the richer
// general-purpose analogue).
type Mode uint32

// The mode values Git writes into tree entries.
const (
	ModePlain      Mode = 0o100644 // non-executable file
	ModeExecutable Mode = 0o100755
	ModeDir        Mode = 0o040000
	ModeSymlink    Mode = 0o120000
	ModeGitlink    Mode = 0o160000 // submodule reference

	// ModePlainGroupWritable is an alternate encoding of a plain file
	// that older Git versions sometimes wrote.
	ModePlainGroupWritable Mode = 0o100664
)

const (
	modeTypeMask    Mode = 0o170000 // S_IFMT
	modeRegularFile Mode = 0o100000 // S_IFREG
)

// IsRegular reports whether m describes an ordinary file.
func (m Mode) IsRegular() bool {
	return m&modeTypeMask == modeRegularFile
}

// IsDir reports whether m describes a subdirectory.
func (m Mode) IsDir() bool {
	return m&modeTypeMask == ModeDir
}

// String renders m as zero-padded octal, matching how Git prints
// modes in tree listings.
func (m Mode) String() string {
	return fmt.Sprintf("%06o", uint32(m))
}

// Format implements fmt.Formatter so %x/%X act on the numeric value
// while %s/%q/%v fall back to String.
func (m Mode) Format(f fmt.State, verb rune) {
	if verb == 'v' && f.Flag('#') {
		fmt.Fprintf(f, "object.Mode(%O)", uint32(m))
		return
	}

	var spec strings.Builder
	spec.WriteByte('%')
	for _, flag := range "+-# 0" {
		if f.Flag(int(flag)) {
			spec.WriteRune(flag)
		}
	}
	if width, ok := f.Width(); ok {
		fmt.Fprintf(&spec, "%d", width)
	}
	if prec, ok := f.Precision(); ok {
		fmt.Fprintf(&spec, ".%d", prec)
	}
	spec.WriteRune(verb)
	switch verb {
	case 's', 'q', 'v':
		fmt.Fprintf(f, spec.String(), m.String())
	default:
		fmt.Fprintf(f, spec.String(), uint32(m))
	}
}

// FileMode translates m into the closest fs.FileMode, reporting false
// for mode bits with no filesystem analogue. A gitlink carries both
// ModeDir and ModeSymlink since it is neither a plain directory nor a
// plain symlink but shares traits of both.
func (m Mode) FileMode() (f fs.FileMode, ok bool) {
	perm := fs.FileMode(m & 0o000777)
	switch m & modeTypeMask {
	case modeRegularFile:
		return perm, true
	case ModeDir:
		return fs.ModeDir | perm, true
	case ModeSymlink:
		return fs.ModeSymlink | perm, true
	case ModeGitlink:
		return fs.ModeDir | fs.ModeSymlink | perm, true
	default:
		return 0, false
	}
}
