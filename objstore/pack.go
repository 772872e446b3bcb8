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

package objstore

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/giterr"
	"vaultscm.dev/git/object"
	"vaultscm.dev/git/packfile"
)

// openPack is a loaded pack index paired with the path of its packfile.
// The packfile itself is opened lazily, once per Open call that needs it:
// unlike the index, its contents are too large to hold in memory.
type openPack struct {
	packPath string
	idx      *packfile.Index
}

func (s *Store) packDir() string {
	return filepath.Join(s.dir, "pack")
}

// loadPacks scans objects/pack for *.idx files and reads each one into
// memory, replacing the Store's cached pack list.
func (s *Store) loadPacks() error {
	entries, err := ioutil.ReadDir(s.packDir())
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.packs = nil
			s.packsReady = true
			s.mu.Unlock()
			return nil
		}
		return giterr.Wrap(err, "scan packs")
	}
	packs := make([]*openPack, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".idx") {
			continue
		}
		base := strings.TrimSuffix(name, ".idx")
		idxPath := filepath.Join(s.packDir(), name)
		f, err := os.Open(idxPath)
		if err != nil {
			return giterr.Wrap(err, "open pack index %s", name)
		}
		idx, err := packfile.ReadIndex(f)
		f.Close()
		if err != nil {
			return giterr.Wrap(err, "read pack index %s", name)
		}
		packs = append(packs, &openPack{
			packPath: filepath.Join(s.packDir(), base+".pack"),
			idx:      idx,
		})
	}
	s.mu.Lock()
	s.packs = packs
	s.packsReady = true
	s.mu.Unlock()
	return nil
}

func (s *Store) cachedPacks() []*openPack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packs
}

func (s *Store) packsLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packsReady
}

// searchPacks scans the Store's packs for id, reloading the pack list once
// if the first pass misses (a new pack may have landed since the list was
// last loaded). Order among packs containing duplicate objects is
// unspecified, matching spec behavior for searchPacks.
func (s *Store) searchPacks(id githash.SHA1) (*openPack, int64, error) {
	if !s.packsLoaded() {
		if err := s.loadPacks(); err != nil {
			return nil, 0, err
		}
	}
	for attempt := 0; attempt < 2; attempt++ {
		for _, p := range s.cachedPacks() {
			if offset, ok := p.idx.Find(id); ok {
				return p, offset, nil
			}
		}
		if attempt == 0 {
			if err := s.loadPacks(); err != nil {
				return nil, 0, err
			}
		}
	}
	return nil, 0, giterr.New(giterr.NotFound, "object %v", id)
}

// openPacked finds id in some pack and undeltifies it, following ofs-delta
// and ref-delta chains. A ref-delta base not present in the same pack's
// index is resolved by hopping to resolveBase, which in turn calls Open,
// so a chain may cross from one pack into another pack or into loose
// storage.
func (s *Store) openPacked(id githash.SHA1) (*Reader, error) {
	p, offset, err := s.searchPacks(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p.packPath)
	if err != nil {
		return nil, giterr.Wrap(err, "open pack %s", p.packPath)
	}
	brs := packfile.NewBufferedReadSeeker(f)
	u := new(packfile.Undeltifier)
	prefix, r, err := u.Undeltify(brs, offset, &packfile.UndeltifyOptions{
		Index:       p.idx,
		ResolveBase: s.resolveBase,
		MaxDepth:    s.maxDepth,
	})
	if err != nil {
		f.Close()
		return nil, giterr.Wrap(asCorrupt(err), "read object %v from pack %s", id, p.packPath)
	}
	return &Reader{Prefix: prefix, Reader: r, closer: f}, nil
}

// resolveBase is the packfile.UndeltifyOptions.ResolveBase callback wired
// into every Undeltify call this Store makes: a ref-delta base absent from
// the pack currently being read is looked up the same way any other object
// is, so it may resolve to loose storage or to a different pack entirely.
func (s *Store) resolveBase(id githash.SHA1) (object.Prefix, []byte, error) {
	r, err := s.Open(id)
	if err != nil {
		return object.Prefix{}, nil, err
	}
	defer r.Close()
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return object.Prefix{}, nil, giterr.Wrap(err, "resolve delta base %v", id)
	}
	return r.Prefix, data, nil
}

// Open looks up id, dispatching first to loose storage, then to the
// packs under objects/pack, resolving any delta chain along the way.
func (s *Store) Open(id githash.SHA1) (*Reader, error) {
	prefix, rc, err := s.readLoose(id)
	if err == nil {
		return &Reader{Prefix: prefix, Reader: rc, closer: rc}, nil
	}
	if !errors.Is(err, giterr.NotFound) {
		return nil, err
	}
	return s.openPacked(id)
}
