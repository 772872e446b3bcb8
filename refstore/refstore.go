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

// Package refstore reads and writes the loose reference files under a Git
// directory: HEAD, refs/heads/*, refs/tags/*, and friends.
package refstore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/giterr"
)

const (
	symbolicPrefix          = "ref: "
	defaultMaxSymbolicDepth = 10
)

// Store reads and writes the loose ref files under a Git directory (the
// ".git" directory, not the working tree).
type Store struct {
	dir      string
	maxDepth int
}

// Options holds optional parameters for New.
type Options struct {
	// MaxSymbolicDepth bounds how many hops Resolve will follow through a
	// chain of symbolic refs before reporting DepthExceeded. Zero means
	// defaultMaxSymbolicDepth.
	MaxSymbolicDepth int
}

func (opts *Options) maxSymbolicDepth() int {
	if opts == nil || opts.MaxSymbolicDepth == 0 {
		return defaultMaxSymbolicDepth
	}
	return opts.MaxSymbolicDepth
}

// New returns a Store rooted at gitDir. opts may be nil to accept defaults.
func New(gitDir string, opts *Options) *Store {
	return &Store{dir: gitDir, maxDepth: opts.maxSymbolicDepth()}
}

// Ref is the parsed content of one ref file: either a direct object hash
// or a symbolic pointer to another ref name.
type Ref struct {
	Symbolic bool
	Target   githash.Ref
	Hash     githash.SHA1
}

func (s *Store) path(ref githash.Ref) string {
	return filepath.Join(s.dir, filepath.FromSlash(string(ref)))
}

// Read reads and classifies the ref file for name, expanding short names
// ("main" -> "refs/heads/main") first.
func (s *Store) Read(name string) (Ref, error) {
	ref, ok := githash.ExpandRef(name)
	if !ok {
		return Ref{}, giterr.New(giterr.InvalidRef, "read ref %q", name)
	}
	return s.readExpanded(ref)
}

func (s *Store) readExpanded(ref githash.Ref) (Ref, error) {
	data, err := ioutil.ReadFile(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return Ref{}, giterr.New(giterr.NotFound, "read ref %s", ref)
		}
		return Ref{}, giterr.Wrap(err, "read ref %s", ref)
	}
	line := strings.TrimRight(string(data), "\n")
	if strings.HasPrefix(line, symbolicPrefix) {
		target := strings.TrimSpace(line[len(symbolicPrefix):])
		expanded, ok := githash.ExpandRef(target)
		if !ok {
			return Ref{}, giterr.New(giterr.Corrupt, "read ref %s: invalid symbolic target %q", ref, target)
		}
		return Ref{Symbolic: true, Target: expanded}, nil
	}
	hash, err := githash.ParseSHA1(line)
	if err != nil {
		return Ref{}, giterr.New(giterr.Corrupt, "read ref %s: %v", ref, err)
	}
	return Ref{Hash: hash}, nil
}

// Resolve follows name's symbolic chain up to a fixed depth, to break
// cycles, and returns the final object hash.
func (s *Store) Resolve(name string) (githash.SHA1, error) {
	ref, ok := githash.ExpandRef(name)
	if !ok {
		return githash.SHA1{}, giterr.New(giterr.InvalidRef, "resolve ref %q", name)
	}
	for depth := 0; depth < s.maxDepth; depth++ {
		r, err := s.readExpanded(ref)
		if err != nil {
			return githash.SHA1{}, err
		}
		if !r.Symbolic {
			return r.Hash, nil
		}
		ref = r.Target
	}
	return githash.SHA1{}, giterr.New(giterr.DepthExceeded, "resolve ref %q: symbolic chain too deep", name)
}

// Target is what Update points a ref at.
type Target struct {
	symbolic bool
	ref      githash.Ref
	hash     githash.SHA1
}

// HashTarget returns a Target that points directly at an object.
func HashTarget(h githash.SHA1) Target {
	return Target{hash: h}
}

// SymbolicTarget returns a Target that points at another ref name,
// expanding short names first. ok is false if name cannot be expanded.
func SymbolicTarget(name string) (t Target, ok bool) {
	ref, ok := githash.ExpandRef(name)
	if !ok {
		return Target{}, false
	}
	return Target{symbolic: true, ref: ref}, true
}

// Update atomically rewrites name's ref file to point at target.
func (s *Store) Update(name string, target Target) error {
	ref, ok := githash.ExpandRef(name)
	if !ok {
		return giterr.New(giterr.InvalidRef, "update ref %q", name)
	}
	var line string
	if target.symbolic {
		line = symbolicPrefix + string(target.ref) + "\n"
	} else {
		line = target.hash.String() + "\n"
	}

	dst := s.path(ref)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return giterr.Wrap(err, "update ref %s", ref)
	}
	tmp, err := ioutil.TempFile(dir, "ref")
	if err != nil {
		return giterr.Wrap(err, "update ref %s", ref)
	}
	tmpName := tmp.Name()
	wrote := false
	defer func() {
		if !wrote {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()
	if _, err := tmp.WriteString(line); err != nil {
		return giterr.Wrap(err, "update ref %s", ref)
	}
	if err := tmp.Close(); err != nil {
		return giterr.Wrap(err, "update ref %s", ref)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return giterr.Wrap(err, "update ref %s", ref)
	}
	wrote = true
	return nil
}

// ListHeads returns the sorted names of every ref under refs/heads.
func (s *Store) ListHeads() ([]githash.Ref, error) {
	return s.listDir("refs/heads")
}

// ListAll returns the sorted names of every ref under refs.
func (s *Store) ListAll() ([]githash.Ref, error) {
	return s.listDir("refs")
}

func (s *Store) listDir(prefix string) ([]githash.Ref, error) {
	base := filepath.Join(s.dir, filepath.FromSlash(prefix))
	var refs []githash.Ref
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		refs = append(refs, githash.Ref(filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, giterr.Wrap(err, "list refs %s", prefix)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs, nil
}
