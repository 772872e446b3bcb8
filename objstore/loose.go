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
	"bufio"
	"bytes"
	"crypto/sha1"
	"errors"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/giterr"
	"vaultscm.dev/git/object"
	"vaultscm.dev/git/zlibcodec"
)

const defaultCompressionLevel = zlibcodec.DefaultLevel

// loosePath returns the path of the loose object file for id, following
// Git's two-level hex fan-out (objects/<xx>/<rest38>).
func (s *Store) loosePath(id githash.SHA1) string {
	hexID := id.String()
	return filepath.Join(s.dir, hexID[:2], hexID[2:])
}

// Write computes the object ID of (typ, payload), writes it as a
// zlib-compressed loose object if not already present, and returns its ID.
// Rewriting an existing object is permitted: it always produces the same
// bytes, so Write skips the write rather than redoing it.
func (s *Store) Write(typ object.Type, payload []byte) (githash.SHA1, error) {
	if !typ.IsValid() {
		return githash.SHA1{}, giterr.New(giterr.Unsupported, "write object: unknown type %q", typ)
	}
	prefix := object.AppendPrefix(nil, typ, int64(len(payload)))
	h := sha1.New()
	h.Write(prefix)
	h.Write(payload)
	var id githash.SHA1
	h.Sum(id[:0])

	dst := s.loosePath(id)
	if _, err := os.Stat(dst); err == nil {
		return id, nil
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return githash.SHA1{}, giterr.Wrap(err, "write %s object %v", typ, id)
	}
	tmp, err := ioutil.TempFile(dir, "obj")
	if err != nil {
		return githash.SHA1{}, giterr.Wrap(err, "write %s object %v", typ, id)
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()
	zw, err := zlibcodec.NewWriterLevel(tmp, s.level)
	if err != nil {
		return githash.SHA1{}, giterr.Wrap(err, "write %s object %v", typ, id)
	}
	if _, err := zw.Write(prefix); err != nil {
		return githash.SHA1{}, giterr.Wrap(err, "write %s object %v", typ, id)
	}
	if _, err := zw.Write(payload); err != nil {
		return githash.SHA1{}, giterr.Wrap(err, "write %s object %v", typ, id)
	}
	if err := zw.Close(); err != nil {
		return githash.SHA1{}, giterr.Wrap(err, "write %s object %v", typ, id)
	}
	if err := tmp.Close(); err != nil {
		return githash.SHA1{}, giterr.Wrap(err, "write %s object %v", typ, id)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return githash.SHA1{}, giterr.Wrap(err, "write %s object %v", typ, id)
	}
	ok = true
	return id, nil
}

// readLoose opens id's loose object file, if any, and returns its parsed
// prefix and a stream positioned at the start of its payload.
func (s *Store) readLoose(id githash.SHA1) (object.Prefix, io.ReadCloser, error) {
	f, err := os.Open(s.loosePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return object.Prefix{}, nil, giterr.New(giterr.NotFound, "object %v", id)
		}
		return object.Prefix{}, nil, giterr.Wrap(err, "read object %v", id)
	}
	zr, err := zlibcodec.NewReader(f)
	if err != nil {
		f.Close()
		return object.Prefix{}, nil, giterr.Wrap(asCorrupt(err), "read object %v", id)
	}
	br := bufio.NewReader(zr)
	prefixBytes, err := br.ReadBytes(0)
	if err != nil {
		zr.Close()
		f.Close()
		return object.Prefix{}, nil, giterr.New(giterr.Corrupt, "read object %v: missing header terminator", id)
	}
	prefix, err := parsePrefix(prefixBytes)
	if err != nil {
		zr.Close()
		f.Close()
		if errors.Is(err, errUnsupportedType) {
			return object.Prefix{}, nil, giterr.New(giterr.Unsupported, "read object %v: unknown type", id)
		}
		return object.Prefix{}, nil, giterr.Wrap(asCorrupt(err), "read object %v", id)
	}
	return prefix, &looseReader{br: br, zr: zr, f: f}, nil
}

var errUnsupportedType = errors.New("unknown object type")

// parsePrefix parses a loose object's "<type> <size>\x00" header, reporting
// an unknown type tag distinctly from any other malformation so Open can
// surface an unrecognized-but-well-formed object as Unsupported rather
// than lumping it in with genuinely corrupt data.
func parsePrefix(data []byte) (object.Prefix, error) {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return object.Prefix{}, errors.New("object header does not end with NUL")
	}
	spaceIdx := bytes.IndexByte(data, ' ')
	if spaceIdx == -1 {
		return object.Prefix{}, errors.New("object header missing space")
	}
	typ := object.Type(data[:spaceIdx])
	size, err := strconv.ParseInt(string(data[spaceIdx+1:len(data)-1]), 10, 64)
	if err != nil || size < 0 {
		return object.Prefix{}, errors.New("object header has invalid size")
	}
	if !typ.IsValid() {
		return object.Prefix{}, errUnsupportedType
	}
	return object.Prefix{Type: typ, Size: size}, nil
}

// looseReader streams a loose object's payload and closes its zlib reader
// and underlying file together.
type looseReader struct {
	br *bufio.Reader
	zr zlibcodec.Reader
	f  *os.File
}

func (r *looseReader) Read(p []byte) (int, error) {
	return r.br.Read(p)
}

func (r *looseReader) Close() error {
	zerr := r.zr.Close()
	ferr := r.f.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}

func hashFile(path string) (githash.SHA1, error) {
	f, err := os.Open(path)
	if err != nil {
		return githash.SHA1{}, giterr.Wrap(err, "hash file %s", path)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return githash.SHA1{}, giterr.Wrap(err, "hash file %s", path)
	}
	id, err := object.BlobSum(f, info.Size())
	if err != nil {
		return githash.SHA1{}, giterr.Wrap(err, "hash file %s", path)
	}
	return id, nil
}

// asCorrupt classifies a packfile-layer error as Corrupt, except for
// DepthExceeded (a cyclic or too-long delta chain), which already carries
// its own Kind and is passed through unchanged.
func asCorrupt(err error) error {
	if errors.Is(err, giterr.DepthExceeded) {
		return err
	}
	return giterr.New(giterr.Corrupt, "%v", err)
}
