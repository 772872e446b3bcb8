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
	"encoding"
	"fmt"
	"io/fs"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"vaultscm.dev/git/githash"
)

var (
	_ encoding.BinaryUnmarshaler = new(Tree)
	_ encoding.BinaryMarshaler   = Tree(nil)
)

func digestOf(b byte) githash.SHA1 {
	var h githash.SHA1
	for i := range h {
		h[i] = b
	}
	return h
}

func TestTreeMarshalUnmarshalRoundTrip(t *testing.T) {
	cases := map[string]Tree{
		"empty": {},
		"singleFile": {
			{Name: "settings.json", Mode: ModePlain, ObjectID: digestOf(0x11)},
		},
		"flatList": {
			{Name: ".gitignore", Mode: ModePlain, ObjectID: digestOf(0x01)},
			{Name: "go.mod", Mode: ModePlain, ObjectID: digestOf(0x02)},
			{Name: "main.go", Mode: ModePlain, ObjectID: digestOf(0x03)},
		},
		"withSubdirectory": {
			{Name: ".gitignore", Mode: ModePlain, ObjectID: digestOf(0x01)},
			{Name: "cmd", Mode: ModeDir, ObjectID: digestOf(0x04)},
			{Name: "go.mod", Mode: ModePlain, ObjectID: digestOf(0x02)},
			{Name: "main.go", Mode: ModePlain, ObjectID: digestOf(0x03)},
		},
	}
	for name, tree := range cases {
		t.Run(name, func(t *testing.T) {
			encoded, err := tree.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}
			var got Tree
			if err := got.UnmarshalBinary(encoded); err != nil {
				t.Fatalf("UnmarshalBinary: %v", err)
			}
			if diff := cmp.Diff(tree, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("round-trip (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTreeSortOrdersDirectoriesAfterPlainPrefixMatches(t *testing.T) {
	// "foo" (a directory) must sort after "foo.txt" but before "foo0",
	// since '.' < '/' < '0', matching Git's rule that a
	// directory name is compared as though suffixed with "/".
	tree := Tree{
		{Name: "foo.txt", Mode: ModePlain, ObjectID: digestOf(0x01)},
		{Name: "foo", Mode: ModeDir, ObjectID: digestOf(0x02)},
		{Name: "foo0", Mode: ModePlain, ObjectID: digestOf(0x03)},
	}
	if err := tree.Sort(); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	var order []string
	for _, ent := range tree {
		order = append(order, ent.Name)
	}
	want := []string{"foo.txt", "foo", "foo0"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("sort order (-want +got):\n%s", diff)
	}
}

func TestTreeSortRejectsDuplicates(t *testing.T) {
	tree := Tree{
		{Name: "a", Mode: ModePlain, ObjectID: digestOf(0x01)},
		{Name: "a", Mode: ModePlain, ObjectID: digestOf(0x02)},
	}
	if err := tree.Sort(); err == nil {
		t.Error("Sort of tree with duplicate names succeeded; want error")
	}
}

func TestTreeUnmarshalBinaryRejectsUnsorted(t *testing.T) {
	unsorted := Tree{
		{Name: "z", Mode: ModePlain, ObjectID: digestOf(0x01)},
		{Name: "a", Mode: ModePlain, ObjectID: digestOf(0x02)},
	}
	encoded := make([]byte, 0)
	for _, ent := range unsorted {
		var err error
		encoded, err = ent.encode(encoded)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	var got Tree
	if err := got.UnmarshalBinary(encoded); err == nil {
		t.Error("UnmarshalBinary of out-of-order entries succeeded; want error")
	}
}

func TestTreeSearch(t *testing.T) {
	tree := Tree{
		{Name: "Makefile", Mode: ModePlain, ObjectID: digestOf(0x01)},
		{Name: "cmd", Mode: ModeDir, ObjectID: digestOf(0x02)},
		{Name: "cmd.go", Mode: ModePlain, ObjectID: digestOf(0x03)},
		{Name: "go.mod", Mode: ModePlain, ObjectID: digestOf(0x04)},
	}
	if err := tree.Sort(); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	for _, name := range []string{"Makefile", "cmd", "cmd.go", "go.mod"} {
		ent := tree.Search(name)
		if ent == nil {
			t.Errorf("Search(%q) = nil; want an entry", name)
			continue
		}
		if ent.Name != name {
			t.Errorf("Search(%q).Name = %q", name, ent.Name)
		}
	}
	if ent := tree.Search("missing"); ent != nil {
		t.Errorf("Search(%q) = %v; want nil", "missing", ent)
	}
}

func TestTreeSHA1IsStableUnderReencoding(t *testing.T) {
	tree := Tree{
		{Name: "a", Mode: ModePlain, ObjectID: digestOf(0x01)},
		{Name: "b", Mode: ModePlain, ObjectID: digestOf(0x02)},
	}
	first := tree.SHA1()
	encoded, err := tree.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var reparsed Tree
	if err := reparsed.UnmarshalBinary(encoded); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if second := reparsed.SHA1(); first != second {
		t.Errorf("SHA1() changed across a marshal/unmarshal cycle: %v != %v", first, second)
	}
}

func TestTreeSHA1KnownEmptyTree(t *testing.T) {
	// The empty tree's digest is a Git constant independent of
	// repository content; any implementation that hashes
	// "tree 0\x00" must reproduce it.
	want, err := githash.ParseSHA1("4b825dc642cb6eb9a060e54bf8d69288fbee4904")
	if err != nil {
		t.Fatal(err)
	}
	if got := (Tree{}).SHA1(); got != want {
		t.Errorf("Tree{}.SHA1() = %v; want %v", got, want)
	}
}

func TestMode(t *testing.T) {
	tests := []struct {
		name       string
		mode       Mode
		isRegular  bool
		isDir      bool
		fileMode   fs.FileMode
		fileModeOK bool
		text       string
		octal      string
		hexVal     string
	}{
		{name: "Zero", mode: 0, text: "000000", octal: "0", hexVal: "0"},
		{
			name: "Plain", mode: ModePlain, isRegular: true,
			fileMode: 0o644, fileModeOK: true,
			text: "100644", octal: "100644", hexVal: "81a4",
		},
		{
			name: "PlainGroupWritable", mode: ModePlainGroupWritable, isRegular: true,
			fileMode: 0o664, fileModeOK: true,
			text: "100664", octal: "100664", hexVal: "81b4",
		},
		{
			name: "Executable", mode: ModeExecutable, isRegular: true,
			fileMode: 0o755, fileModeOK: true,
			text: "100755", octal: "100755", hexVal: "81ed",
		},
		{
			name: "Dir", mode: ModeDir, isDir: true,
			fileMode: fs.ModeDir, fileModeOK: true,
			text: "040000", octal: "40000", hexVal: "4000",
		},
		{
			name: "Symlink", mode: ModeSymlink,
			fileMode: fs.ModeSymlink, fileModeOK: true,
			text: "120000", octal: "120000", hexVal: "a000",
		},
		{
			name: "Gitlink", mode: ModeGitlink,
			fileMode: fs.ModeDir | fs.ModeSymlink, fileModeOK: true,
			text: "160000", octal: "160000", hexVal: "e000",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.mode.IsRegular(); got != test.isRegular {
				t.Errorf("IsRegular() = %t; want %t", got, test.isRegular)
			}
			if got := test.mode.IsDir(); got != test.isDir {
				t.Errorf("IsDir() = %t; want %t", got, test.isDir)
			}
			if got, ok := test.mode.FileMode(); got != test.fileMode || ok != test.fileModeOK {
				t.Errorf("FileMode() = %v, %t; want %v, %t", got, ok, test.fileMode, test.fileModeOK)
			}
			if got := test.mode.String(); got != test.text {
				t.Errorf("String() = %q; want %q", got, test.text)
			}
			if got := fmt.Sprintf("%s", test.mode); got != test.text {
				t.Errorf(`fmt.Sprintf("%%s") = %q; want %q`, got, test.text)
			}
			if got := fmt.Sprintf("%v", test.mode); got != test.text {
				t.Errorf(`fmt.Sprintf("%%v") = %q; want %q`, got, test.text)
			}
			if got := fmt.Sprintf("%o", test.mode); got != test.octal {
				t.Errorf(`fmt.Sprintf("%%o") = %q; want %q`, got, test.octal)
			}
			if got := fmt.Sprintf("%x", test.mode); got != test.hexVal {
				t.Errorf(`fmt.Sprintf("%%x") = %q; want %q`, got, test.hexVal)
			}
		})
	}
}
