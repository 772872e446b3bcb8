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

package gitindex

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/giterr"
	"vaultscm.dev/git/object"
)

// BlobWriter is the subset of an object store that AddTree needs: a way to
// persist file and symlink-target contents as blob objects while it builds
// the corresponding index entries.
type BlobWriter interface {
	Write(typ object.Type, payload []byte) (githash.SHA1, error)
}

// AddTree recursively walks the whole directory tree under root and calls
// Add for every regular file and symlink found, skipping
// any ".git" directory entirely rather than visiting it and having Add
// reject each entry one at a time.
func (idx *Index) AddTree(root string, bw BlobWriter) error {
	return idx.addTreeDir(root, "", bw)
}

// AddPath hashes and stages the single file or symlink at root/relPath,
// writing its content as a blob via bw. It is the single-path counterpart
// to AddTree, for an add-path operation that shouldn't have to rewalk the
// whole working tree.
func (idx *Index) AddPath(root, relPath string, bw BlobWriter) error {
	absPath := filepath.Join(root, relPath)
	var st unix.Stat_t
	if err := unix.Lstat(absPath, &st); err != nil {
		return giterr.Wrap(err, "add path: stat %s", relPath)
	}
	return idx.addFile(root, relPath, &st, bw)
}

func (idx *Index) addTreeDir(root, relDir string, bw BlobWriter) error {
	absDir := filepath.Join(root, relDir)
	entries, err := ioutil.ReadDir(absDir)
	if err != nil {
		return giterr.Wrap(err, "add tree: read dir %s", relDir)
	}
	for _, e := range entries {
		name := e.Name()
		if name == ".git" {
			continue
		}
		relPath := name
		if relDir != "" {
			relPath = relDir + "/" + name
		}
		absPath := filepath.Join(root, relPath)

		var st unix.Stat_t
		if err := unix.Lstat(absPath, &st); err != nil {
			return giterr.Wrap(err, "add tree: stat %s", relPath)
		}
		if st.Mode&unix.S_IFMT == unix.S_IFDIR {
			if err := idx.addTreeDir(root, relPath, bw); err != nil {
				return err
			}
			continue
		}
		if err := idx.addFile(root, relPath, &st, bw); err != nil {
			return err
		}
	}
	return nil
}

// addFile stages the single non-directory path relPath, whose lstat result
// is st, as a blob plus index entry. Special files (devices, sockets, etc.)
// have no representation in a tree object and are silently skipped.
func (idx *Index) addFile(root, relPath string, st *unix.Stat_t, bw BlobWriter) error {
	absPath := filepath.Join(root, relPath)
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFLNK:
		target, err := os.Readlink(absPath)
		if err != nil {
			return giterr.Wrap(err, "add path: readlink %s", relPath)
		}
		id, err := bw.Write(object.TypeBlob, []byte(target))
		if err != nil {
			return giterr.Wrap(err, "add path: write blob %s", relPath)
		}
		idx.Add(entryFromStat(relPath, ModeSymlink, st, id, len(target)))
	case unix.S_IFREG:
		data, err := ioutil.ReadFile(absPath)
		if err != nil {
			return giterr.Wrap(err, "add path: read %s", relPath)
		}
		id, err := bw.Write(object.TypeBlob, data)
		if err != nil {
			return giterr.Wrap(err, "add path: write blob %s", relPath)
		}
		mode := uint32(ModeRegular)
		if st.Mode&0o111 != 0 {
			mode = ModeExecutable
		}
		idx.Add(entryFromStat(relPath, mode, st, id, len(data)))
	}
	return nil
}

func entryFromStat(path string, mode uint32, st *unix.Stat_t, id githash.SHA1, size int) Entry {
	return Entry{
		CtimeSec:  uint32(st.Ctim.Sec),
		CtimeNano: uint32(st.Ctim.Nsec),
		MtimeSec:  uint32(st.Mtim.Sec),
		MtimeNano: uint32(st.Mtim.Nsec),
		Dev:       uint32(st.Dev),
		Ino:       uint32(st.Ino),
		Mode:      mode,
		UID:       st.Uid,
		GID:       st.Gid,
		Size:      uint32(size),
		ObjectID:  id,
		Path:      path,
	}
}
