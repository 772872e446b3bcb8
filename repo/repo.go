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

// Package repo wires the object store, staging index, ref store, pack
// readers, tree builder, and status differ into a single programmatic
// interface over one Git repository's on-disk state.
package repo

import (
	"bufio"
	"crypto/sha1"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/gitindex"
	"vaultscm.dev/git/giterr"
	"vaultscm.dev/git/object"
	"vaultscm.dev/git/objstore"
	"vaultscm.dev/git/packfile"
	"vaultscm.dev/git/refstore"
	"vaultscm.dev/git/status"
	"vaultscm.dev/git/tree"
)

// DefaultBranch is the branch HEAD is pointed at by Init.
const DefaultBranch = "main"

// Repository is a facade over one repository's on-disk storage: the object
// store (loose and packed), the binary staging index, the ref namespace,
// and the tree/status algorithms built on top of them.
type Repository struct {
	gitDir    string
	workTree  string // "" for a bare repository
	store     *objstore.Store
	refs      *refstore.Store
	indexPath string
}

// config collects the values an Option can set. Compression level and
// depth limits have no on-disk config file of their own here, so they
// default sensibly and are only overridden programmatically via
// functional options.
type config struct {
	compressionLevel int
	maxDeltaDepth    int
	maxRefDepth      int
}

// Option configures a Repository constructed by Open or Init.
type Option func(*config)

// WithCompressionLevel sets the zlib compression level used for newly
// written loose objects. The default is zlibcodec.DefaultLevel.
func WithCompressionLevel(level int) Option {
	return func(c *config) { c.compressionLevel = level }
}

// WithMaxDeltaDepth bounds how many bases a pack delta chain may walk
// through while resolving a packed object, past which reads fail with
// giterr.DepthExceeded. The default is 50.
func WithMaxDeltaDepth(depth int) Option {
	return func(c *config) { c.maxDeltaDepth = depth }
}

// WithMaxRefDepth bounds how many hops ResolveRef will follow through a
// chain of symbolic refs, past which it fails with giterr.DepthExceeded.
// The default is 10.
func WithMaxRefDepth(depth int) Option {
	return func(c *config) { c.maxRefDepth = depth }
}

// Open returns a facade over an existing repository. gitDir is the
// repository's metadata directory (a ".git" directory for a non-bare
// repository, or the repository root itself for a bare one); workTree is
// the directory its tracked files live under, or "" for a bare repository.
func Open(gitDir, workTree string, opts ...Option) *Repository {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return &Repository{
		gitDir:   gitDir,
		workTree: workTree,
		store: objstore.New(gitDir, &objstore.Options{
			CompressionLevel: c.compressionLevel,
			MaxDeltaDepth:    c.maxDeltaDepth,
		}),
		refs:      refstore.New(gitDir, &refstore.Options{MaxSymbolicDepth: c.maxRefDepth}),
		indexPath: filepath.Join(gitDir, "index"),
	}
}

// Init creates a new repository. If bare is false, dir is the working tree
// and the repository metadata is created at dir/.git; if bare is true, dir
// itself becomes the metadata directory and Open's workTree is "".
func Init(dir string, bare bool, opts ...Option) (*Repository, error) {
	gitDir := dir
	workTree := dir
	if !bare {
		gitDir = filepath.Join(dir, ".git")
	} else {
		workTree = ""
	}
	for _, sub := range []string{"objects/pack", "refs/heads", "refs/tags"} {
		if err := os.MkdirAll(filepath.Join(gitDir, sub), 0o777); err != nil {
			return nil, giterr.Wrap(err, "init repo %s", dir)
		}
	}
	r := Open(gitDir, workTree, opts...)
	// DefaultBranch is a bare name with no "/", so it always expands.
	target, _ := refstore.SymbolicTarget(DefaultBranch)
	if err := r.refs.Update(githash.Head.String(), target); err != nil {
		return nil, giterr.Wrap(err, "init repo %s", dir)
	}
	return r, nil
}

// GitDir returns the repository's metadata directory.
func (r *Repository) GitDir() string { return r.gitDir }

// WorkTree returns the repository's working tree directory, or "" if it is
// bare.
func (r *Repository) WorkTree() string { return r.workTree }

// HashObject computes the object ID that payload would be stored under as
// typ, without writing anything.
func (r *Repository) HashObject(typ object.Type, payload []byte) githash.SHA1 {
	h := sha1.New()
	h.Write(object.AppendPrefix(nil, typ, int64(len(payload))))
	h.Write(payload)
	var sum githash.SHA1
	h.Sum(sum[:0])
	return sum
}

// WriteObject persists payload as a loose object of type typ and returns
// its object ID.
func (r *Repository) WriteObject(typ object.Type, payload []byte) (githash.SHA1, error) {
	return r.store.Write(typ, payload)
}

// ReadObject opens the object named id, checking loose storage, then every
// pack, then resolving delta chains as needed. The caller must Close the
// returned reader.
func (r *Repository) ReadObject(id githash.SHA1) (*objstore.Reader, error) {
	return r.store.Open(id)
}

// ReadIndex reads the repository's staging index. A repository with no
// index file yet (a fresh Init) reads as an empty index rather than an
// error.
func (r *Repository) ReadIndex() (*gitindex.Index, error) {
	idx, err := gitindex.ReadFile(r.indexPath)
	if err != nil {
		if errors.Is(err, giterr.NotFound) {
			return new(gitindex.Index), nil
		}
		return nil, err
	}
	return idx, nil
}

// WriteIndex atomically rewrites the repository's staging index.
func (r *Repository) WriteIndex(idx *gitindex.Index) error {
	return idx.WriteFile(r.indexPath)
}

// AddPath stages the single working-tree file or symlink at relPath into
// idx, writing its content as a blob. It does not itself rewrite the index
// file; call WriteIndex to persist the change.
func (r *Repository) AddPath(idx *gitindex.Index, relPath string) error {
	if r.workTree == "" {
		return giterr.New(giterr.InvalidInput, "add path %s: repository is bare", relPath)
	}
	return idx.AddPath(r.workTree, relPath, r.store)
}

// RemovePath unstages relPath from idx. It does not itself rewrite the
// index file; call WriteIndex to persist the change.
func (r *Repository) RemovePath(idx *gitindex.Index, relPath string) error {
	return idx.Remove(relPath)
}

// WriteTree persists t as a tree object and returns its object ID.
func (r *Repository) WriteTree(t object.Tree) (githash.SHA1, error) {
	return tree.WriteTree(r.store, t)
}

// IndexToTree folds idx's flat entries into a nested tree object graph and
// returns the root tree's object ID.
func (r *Repository) IndexToTree(idx *gitindex.Index) (githash.SHA1, error) {
	return tree.IndexToTree(r.store, idx)
}

// ReadTree loads and parses the tree object named id.
func (r *Repository) ReadTree(id githash.SHA1) (object.Tree, error) {
	return tree.ReadTree(r.store, id)
}

// WalkTree returns a depth-first iterator over every non-tree entry
// reachable from the tree named root.
func (r *Repository) WalkTree(root githash.SHA1) (*tree.Walker, error) {
	return tree.NewWalker(r.store, root)
}

// ReadCommit reads and parses the commit object named id.
func (r *Repository) ReadCommit(id githash.SHA1) (*object.Commit, error) {
	rd, err := r.store.Open(id)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	if rd.Type != object.TypeCommit {
		return nil, giterr.New(giterr.InvalidInput, "read commit %v: object is a %s, not a commit", id, rd.Type)
	}
	data, err := ioutil.ReadAll(rd)
	if err != nil {
		return nil, giterr.Wrap(err, "read commit %v", id)
	}
	c, err := object.ParseCommit(data)
	if err != nil {
		return nil, giterr.New(giterr.Corrupt, "read commit %v: %v", id, err)
	}
	return c, nil
}

// WriteCommit serializes c and persists it as a commit object, returning
// its object ID.
func (r *Repository) WriteCommit(c *object.Commit) (githash.SHA1, error) {
	data, err := c.MarshalBinary()
	if err != nil {
		return githash.SHA1{}, giterr.New(giterr.InvalidInput, "write commit: %v", err)
	}
	return r.store.Write(object.TypeCommit, data)
}

// ReadTag reads and parses the annotated tag object named id.
func (r *Repository) ReadTag(id githash.SHA1) (*object.Tag, error) {
	rd, err := r.store.Open(id)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	if rd.Type != object.TypeTag {
		return nil, giterr.New(giterr.InvalidInput, "read tag %v: object is a %s, not a tag", id, rd.Type)
	}
	data, err := ioutil.ReadAll(rd)
	if err != nil {
		return nil, giterr.Wrap(err, "read tag %v", id)
	}
	t, err := object.ParseTag(data)
	if err != nil {
		return nil, giterr.New(giterr.Corrupt, "read tag %v: %v", id, err)
	}
	return t, nil
}

// ResolveRef follows name (after short-name expansion, and through any
// symbolic chain) to the object ID it ultimately names.
func (r *Repository) ResolveRef(name string) (githash.SHA1, error) {
	return r.refs.Resolve(name)
}

// UpdateRef points name directly at a hash, or symbolically at another ref;
// build target with refstore.HashTarget or refstore.SymbolicTarget.
func (r *Repository) UpdateRef(name string, target refstore.Target) error {
	return r.refs.Update(name, target)
}

// ListRefs returns every ref in the repository's namespace, sorted by name.
func (r *Repository) ListRefs() ([]githash.Ref, error) {
	return r.refs.ListAll()
}

// Status computes the three-way diff between the repository's HEAD tree,
// its staging index, and its working tree. It fails with InvalidInput on a
// bare repository, which has no working tree to compare against.
func (r *Repository) Status(idx *gitindex.Index) ([]status.Entry, error) {
	if r.workTree == "" {
		return nil, giterr.New(giterr.InvalidInput, "status: repository is bare")
	}
	var headTree githash.SHA1
	headCommitID, err := r.refs.Resolve(githash.Head.String())
	if err != nil && !errors.Is(err, giterr.NotFound) {
		return nil, err
	}
	if err == nil {
		c, err := r.ReadCommit(headCommitID)
		if err != nil {
			return nil, err
		}
		headTree = c.Tree
	}
	return status.Compute(r.workTree, idx, r.store, headTree)
}

// OpenPack opens the packfile reader for the pack with the given base name
// (e.g. "pack-<40 hex>", without a ".pack" suffix).
func (r *Repository) OpenPack(name string) (*packfile.Reader, *os.File, error) {
	f, err := os.Open(filepath.Join(r.packDir(), name+".pack"))
	if err != nil {
		return nil, nil, giterr.Wrap(err, "open pack %s", name)
	}
	return packfile.NewReader(bufio.NewReader(f)), f, nil
}

// OpenPackIndex reads the pack index for the pack with the given base name.
func (r *Repository) OpenPackIndex(name string) (*packfile.Index, error) {
	f, err := os.Open(filepath.Join(r.packDir(), name+".idx"))
	if err != nil {
		return nil, giterr.Wrap(err, "open pack index %s", name)
	}
	defer f.Close()
	idx, err := packfile.ReadIndex(f)
	if err != nil {
		return nil, giterr.Wrap(err, "open pack index %s", name)
	}
	return idx, nil
}

// SearchPacks looks for id in every pack index under objects/pack, in
// directory order, returning the base name of the first pack that
// contains it and its offset within that pack. ok is false if no pack
// has it.
func (r *Repository) SearchPacks(id githash.SHA1) (name string, offset int64, ok bool, err error) {
	entries, err := ioutil.ReadDir(r.packDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, false, nil
		}
		return "", 0, false, giterr.Wrap(err, "search packs")
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".idx") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".idx")
		idx, err := r.OpenPackIndex(base)
		if err != nil {
			return "", 0, false, err
		}
		if off, ok := idx.Find(id); ok {
			return base, off, true, nil
		}
	}
	return "", 0, false, nil
}

func (r *Repository) packDir() string {
	return filepath.Join(r.gitDir, "objects", "pack")
}
