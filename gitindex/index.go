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
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"vaultscm.dev/git/giterr"
)

const (
	signature = "DIRC"

	minVersion = 2
	maxVersion = 3

	entryPrefixSize = 62
	trailerSize     = 20
)

// Read parses a DIRC staging file from r: verifies the trailing SHA-1
// checksum over everything that precedes it, then parses the header and
// each fixed/variable entry record in turn.
func Read(r io.Reader) (*Index, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, giterr.Wrap(err, "read index")
	}
	if len(data) < 12+trailerSize {
		return nil, giterr.New(giterr.Corrupt, "read index: truncated")
	}
	body, trailer := data[:len(data)-trailerSize], data[len(data)-trailerSize:]
	sum := sha1.Sum(body)
	if !bytes.Equal(sum[:], trailer) {
		return nil, giterr.New(giterr.Corrupt, "read index: checksum mismatch")
	}
	if string(body[:4]) != signature {
		return nil, giterr.New(giterr.Corrupt, "read index: bad signature %q", body[:4])
	}
	version := int(binary.BigEndian.Uint32(body[4:8]))
	if version < minVersion || version > maxVersion {
		return nil, giterr.New(giterr.Unsupported, "read index: version %d", version)
	}
	count := binary.BigEndian.Uint32(body[8:12])

	idx := &Index{Version: version}
	off := 12
	for i := uint32(0); i < count; i++ {
		e, n, err := readEntry(body[off:], version)
		if err != nil {
			return nil, giterr.Wrap(err, "read index: entry %d", i)
		}
		idx.Entries = append(idx.Entries, e)
		off += n
	}
	return idx, nil
}

func readEntry(buf []byte, version int) (Entry, int, error) {
	if len(buf) < entryPrefixSize {
		return Entry{}, 0, giterr.New(giterr.Corrupt, "truncated entry")
	}
	var e Entry
	e.CtimeSec = binary.BigEndian.Uint32(buf[0:4])
	e.CtimeNano = binary.BigEndian.Uint32(buf[4:8])
	e.MtimeSec = binary.BigEndian.Uint32(buf[8:12])
	e.MtimeNano = binary.BigEndian.Uint32(buf[12:16])
	e.Dev = binary.BigEndian.Uint32(buf[16:20])
	e.Ino = binary.BigEndian.Uint32(buf[20:24])
	e.Mode = binary.BigEndian.Uint32(buf[24:28])
	e.UID = binary.BigEndian.Uint32(buf[28:32])
	e.GID = binary.BigEndian.Uint32(buf[32:36])
	e.Size = binary.BigEndian.Uint32(buf[36:40])
	copy(e.ObjectID[:], buf[40:60])

	flags := binary.BigEndian.Uint16(buf[60:62])
	e.Stage = uint8((flags >> 12) & 0x3)
	extended := flags&0x4000 != 0
	e.AssumeValid = flags&0x8000 != 0

	pos := entryPrefixSize
	if extended && version >= 3 {
		if len(buf) < pos+2 {
			return Entry{}, 0, giterr.New(giterr.Corrupt, "truncated extended flags")
		}
		ext := binary.BigEndian.Uint16(buf[pos : pos+2])
		e.IntentToAdd = ext&0x2000 != 0
		e.SkipWorktree = ext&0x4000 != 0
		pos += 2
	}

	nameEnd := bytes.IndexByte(buf[pos:], 0)
	if nameEnd == -1 {
		return Entry{}, 0, giterr.New(giterr.Corrupt, "missing path terminator")
	}
	e.Path = string(buf[pos : pos+nameEnd])
	pos += nameEnd + 1

	if version < 4 {
		pad := (8 - pos%8) % 8
		if len(buf) < pos+pad {
			return Entry{}, 0, giterr.New(giterr.Corrupt, "truncated padding")
		}
		for _, b := range buf[pos : pos+pad] {
			if b != 0 {
				return Entry{}, 0, giterr.New(giterr.Corrupt, "non-zero padding")
			}
		}
		pos += pad
	}
	return e, pos, nil
}

// WriteTo serializes idx: entries stable-sorted by path, header, each
// entry record, then a trailing SHA-1 of everything written before it.
// The output is written as version 3 if any entry needs extended flags to
// round-trip; idx itself, including idx.Version, is left unmodified.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	entries := append([]Entry(nil), idx.Entries...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	version := idx.Version
	if version == 0 {
		version = minVersion
	}
	for _, e := range entries {
		if e.extended() && version < 3 {
			version = 3
		}
	}

	var body bytes.Buffer
	body.WriteString(signature)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(version))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(entries)))
	body.Write(hdr[:])

	for _, e := range entries {
		writeEntry(&body, e, version)
	}

	sum := sha1.Sum(body.Bytes())
	body.Write(sum[:])

	n, err := w.Write(body.Bytes())
	if err != nil {
		return int64(n), giterr.Wrap(err, "write index")
	}
	return int64(n), nil
}

func writeEntry(buf *bytes.Buffer, e Entry, version int) {
	start := buf.Len()
	var fixed [entryPrefixSize]byte
	binary.BigEndian.PutUint32(fixed[0:4], e.CtimeSec)
	binary.BigEndian.PutUint32(fixed[4:8], e.CtimeNano)
	binary.BigEndian.PutUint32(fixed[8:12], e.MtimeSec)
	binary.BigEndian.PutUint32(fixed[12:16], e.MtimeNano)
	binary.BigEndian.PutUint32(fixed[16:20], e.Dev)
	binary.BigEndian.PutUint32(fixed[20:24], e.Ino)
	binary.BigEndian.PutUint32(fixed[24:28], e.Mode)
	binary.BigEndian.PutUint32(fixed[28:32], e.UID)
	binary.BigEndian.PutUint32(fixed[32:36], e.GID)
	binary.BigEndian.PutUint32(fixed[36:40], e.Size)
	copy(fixed[40:60], e.ObjectID[:])

	nameLen := len(e.Path)
	if nameLen > maxNameLength {
		nameLen = maxNameLength
	}
	flags := uint16(nameLen) & maxNameLength
	flags |= uint16(e.Stage&0x3) << 12
	extended := e.extended() && version >= 3
	if extended {
		flags |= 0x4000
	}
	if e.AssumeValid {
		flags |= 0x8000
	}
	binary.BigEndian.PutUint16(fixed[60:62], flags)
	buf.Write(fixed[:])

	if extended {
		var ext uint16
		if e.IntentToAdd {
			ext |= 0x2000
		}
		if e.SkipWorktree {
			ext |= 0x4000
		}
		var extBuf [2]byte
		binary.BigEndian.PutUint16(extBuf[:], ext)
		buf.Write(extBuf[:])
	}

	buf.WriteString(e.Path)
	buf.WriteByte(0)

	if version < 4 {
		total := buf.Len() - start
		pad := (8 - total%8) % 8
		for i := 0; i < pad; i++ {
			buf.WriteByte(0)
		}
	}
}

// ReadFile reads and parses the index file at path.
func ReadFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, giterr.New(giterr.NotFound, "read index %s", path)
		}
		return nil, giterr.Wrap(err, "read index %s", path)
	}
	defer f.Close()
	return Read(f)
}

// WriteFile atomically rewrites the index file at path: written to a
// temporary file in the same directory, then renamed into place, so a
// reader never observes a partially-written index.
func (idx *Index) WriteFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return giterr.Wrap(err, "write index %s", path)
	}
	tmp, err := ioutil.TempFile(dir, "index")
	if err != nil {
		return giterr.Wrap(err, "write index %s", path)
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()
	if _, err := idx.WriteTo(tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return giterr.Wrap(err, "write index %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return giterr.Wrap(err, "write index %s", path)
	}
	ok = true
	return nil
}
