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

// Package objstore implements the content-addressed object store: loose
// zlib-compressed files under objects/<xx>/<rest>, the packed object search
// across objects/pack/*.idx, and the unified reader that transparently
// resolves ofs/ref deltas across both, possibly hopping between packs and
// loose storage to find a delta's base.
package objstore

import (
	"io"
	"path/filepath"
	"sync"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/object"
)

// Store is a content-addressed object store rooted at a Git directory (the
// ".git" directory, not the working tree).
type Store struct {
	dir      string // <git>/objects
	level    int
	maxDepth int

	mu         sync.Mutex
	packs      []*openPack
	packsReady bool
}

// Options holds optional parameters for New.
type Options struct {
	// CompressionLevel is the zlib compression level used for newly
	// written loose objects. Zero means zlibcodec.DefaultLevel.
	CompressionLevel int

	// MaxDeltaDepth bounds how many bases a pack delta chain may walk
	// through while resolving a packed object. Zero means
	// packfile's own default (see packfile.UndeltifyOptions.MaxDepth).
	MaxDeltaDepth int
}

func (opts *Options) compressionLevel() int {
	if opts == nil || opts.CompressionLevel == 0 {
		return defaultCompressionLevel
	}
	return opts.CompressionLevel
}

func (opts *Options) maxDeltaDepth() int {
	if opts == nil {
		return 0
	}
	return opts.MaxDeltaDepth
}

// New returns a Store that reads and writes loose objects and searches
// packs under gitDir's "objects" subdirectory. opts may be nil to accept
// defaults.
func New(gitDir string, opts *Options) *Store {
	return &Store{
		dir:      filepath.Join(gitDir, "objects"),
		level:    opts.compressionLevel(),
		maxDepth: opts.maxDeltaDepth(),
	}
}

// Reader is an open object: its resolved type and size, and a stream of its
// decompressed payload. Callers must Close it once done, even on error
// paths that still returned a non-nil Reader.
type Reader struct {
	object.Prefix
	io.Reader
	closer io.Closer
}

// Close releases any file handles and decompressor state the Reader holds.
// The embedded stream and the recorded closer sometimes name the same
// underlying value (a loose object's reader closes its own file); Close
// only closes each distinct value once.
func (r *Reader) Close() error {
	var firstErr error
	closed := make(map[io.Closer]bool, 2)
	tryClose := func(c io.Closer) {
		if c == nil || closed[c] {
			return
		}
		closed[c] = true
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if streamCloser, ok := r.Reader.(io.Closer); ok {
		tryClose(streamCloser)
	}
	tryClose(r.closer)
	return firstErr
}

// HashFile computes the object ID that writing path's contents as a blob
// would produce, without actually storing anything.
func HashFile(path string) (githash.SHA1, error) {
	return hashFile(path)
}
