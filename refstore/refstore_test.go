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

package refstore

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/giterr"
)

func sha1For(t *testing.T, s string) githash.SHA1 {
	t.Helper()
	var h githash.SHA1
	copy(h[:], s)
	return h
}

func TestUpdateAndReadDirect(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	want := sha1For(t, "deadbeef")

	if err := s.Update("main", HashTarget(want)); err != nil {
		t.Fatal("Update:", err)
	}
	r, err := s.Read("main")
	if err != nil {
		t.Fatal("Read:", err)
	}
	if r.Symbolic {
		t.Fatal("Read reported symbolic for a direct ref")
	}
	if r.Hash != want {
		t.Errorf("Hash = %v; want %v", r.Hash, want)
	}
}

func TestUpdateSymbolicAndResolve(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	want := sha1For(t, "cafef00d")

	if err := s.Update("refs/heads/main", HashTarget(want)); err != nil {
		t.Fatal("Update(main):", err)
	}
	target, ok := SymbolicTarget("main")
	if !ok {
		t.Fatal("SymbolicTarget(main) not ok")
	}
	if err := s.Update("HEAD", target); err != nil {
		t.Fatal("Update(HEAD):", err)
	}

	head, err := s.Read("HEAD")
	if err != nil {
		t.Fatal("Read(HEAD):", err)
	}
	if !head.Symbolic || head.Target != githash.BranchRef("main") {
		t.Errorf("Read(HEAD) = %+v; want symbolic to refs/heads/main", head)
	}

	got, err := s.Resolve("HEAD")
	if err != nil {
		t.Fatal("Resolve(HEAD):", err)
	}
	if got != want {
		t.Errorf("Resolve(HEAD) = %v; want %v", got, want)
	}
}

func TestResolveDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	a, ok := SymbolicTarget("refs/heads/b")
	if !ok {
		t.Fatal("SymbolicTarget(b) not ok")
	}
	b, ok := SymbolicTarget("refs/heads/a")
	if !ok {
		t.Fatal("SymbolicTarget(a) not ok")
	}
	if err := s.Update("refs/heads/a", a); err != nil {
		t.Fatal(err)
	}
	if err := s.Update("refs/heads/b", b); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Resolve("refs/heads/a"); !errors.Is(err, giterr.DepthExceeded) {
		t.Errorf("Resolve(cyclic) error = %v; want giterr.DepthExceeded", err)
	}
}

// chainRefName builds the i'th ref name in a symbolic chain used to
// probe the exact boundary of the default depth limit.
func chainRefName(i int) string {
	return "refs/heads/chain/" + strconv.Itoa(i)
}

// buildSymbolicChain links n refs in a row, the last one pointing
// directly at want, and returns the name of the first ref in the
// chain (the one a caller should Resolve).
func buildSymbolicChain(t *testing.T, s *Store, n int, want githash.SHA1) string {
	t.Helper()
	for i := 0; i < n; i++ {
		name := chainRefName(i)
		var target Target
		if i == n-1 {
			target = HashTarget(want)
		} else {
			var ok bool
			target, ok = SymbolicTarget(chainRefName(i + 1))
			if !ok {
				t.Fatalf("SymbolicTarget(%s) not ok", chainRefName(i+1))
			}
		}
		if err := s.Update(name, target); err != nil {
			t.Fatalf("Update(%s): %v", name, err)
		}
	}
	return chainRefName(0)
}

func TestResolveSymbolicChainDepthBoundary(t *testing.T) {
	want := sha1For(t, "chainedhash")

	t.Run("exactlyAtLimitSucceeds", func(t *testing.T) {
		dir := t.TempDir()
		s := New(dir, nil)
		// 9 symbolic hops plus a final direct ref is exactly the 10
		// reads Resolve's default depth allows.
		first := buildSymbolicChain(t, s, 10, want)
		got, err := s.Resolve(first)
		if err != nil {
			t.Fatalf("Resolve at the depth boundary: %v", err)
		}
		if got != want {
			t.Errorf("Resolve = %v; want %v", got, want)
		}
	})

	t.Run("oneHopPastLimitFails", func(t *testing.T) {
		dir := t.TempDir()
		s := New(dir, nil)
		// One additional symbolic hop pushes the chain past the
		// default depth and must be rejected rather than followed.
		first := buildSymbolicChain(t, s, 11, want)
		if _, err := s.Resolve(first); !errors.Is(err, giterr.DepthExceeded) {
			t.Errorf("Resolve past the depth boundary error = %v; want giterr.DepthExceeded", err)
		}
	})
}

func TestReadMissing(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	if _, err := s.Read("refs/heads/missing"); !errors.Is(err, giterr.NotFound) {
		t.Errorf("Read(missing) error = %v; want giterr.NotFound", err)
	}
}

func TestListHeadsAndAll(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	h1 := sha1For(t, "1")
	h2 := sha1For(t, "2")
	if err := s.Update("refs/heads/feature/x", HashTarget(h1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Update("refs/heads/main", HashTarget(h1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Update("refs/tags/v1", HashTarget(h2)); err != nil {
		t.Fatal(err)
	}

	heads, err := s.ListHeads()
	if err != nil {
		t.Fatal("ListHeads:", err)
	}
	wantHeads := []githash.Ref{"refs/heads/feature/x", "refs/heads/main"}
	if len(heads) != len(wantHeads) {
		t.Fatalf("ListHeads = %v; want %v", heads, wantHeads)
	}
	for i := range wantHeads {
		if heads[i] != wantHeads[i] {
			t.Errorf("ListHeads[%d] = %q; want %q", i, heads[i], wantHeads[i])
		}
	}

	all, err := s.ListAll()
	if err != nil {
		t.Fatal("ListAll:", err)
	}
	if len(all) != 3 {
		t.Errorf("ListAll = %v; want 3 entries", all)
	}
}

func TestReadRejectsCorruptDirectHash(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	path := filepath.Join(dir, "refs", "heads", "bad")
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not a hash\n"), 0o666); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read("refs/heads/bad"); !errors.Is(err, giterr.Corrupt) {
		t.Errorf("Read(garbage) error = %v; want giterr.Corrupt", err)
	}
}
