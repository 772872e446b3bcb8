// Copyright 2021 The gg Authors
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

package packfile

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"

	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/giterr"
)

/*
On the feasibility of fitting a packfile index in memory:

As of 2021-01-13, the Git repository has ~302K objects and the Linux kernel
repository has 7.8M objects. We store 32 bytes per object, so even the
entire Linux kernel history in one packfile needs only ~250MB of RAM, and
the array of offsets still fits in 32-bit indices with headroom.
*/

const fanOutEntryCount = 256

// Index is an in-memory mapping of object IDs to offsets within a packfile,
// corresponding 1:1 with the files git-index-pack(1) produces.
type Index struct {
	// Version is the on-disk pack index format version this Index was read
	// from (1 or 2). The zero value behaves as version 2.
	Version int

	// Fanout holds the 256-entry cumulative count table: Fanout[b] is the
	// number of object IDs in ObjectIDs whose first byte is <= b. Find uses
	// it to narrow its search interval to [Fanout[b-1], Fanout[b]) before
	// ever comparing an object ID.
	Fanout [fanOutEntryCount]uint32

	// ObjectIDs is a sorted list of object IDs in the packfile.
	ObjectIDs []githash.SHA1
	// Offsets holds the offset from the start of the packfile that each
	// object's header starts at. Offsets[i] corresponds to ObjectIDs[i].
	Offsets []int64
	// PackedChecksums holds the CRC-32 of each object's packed
	// representation (header + compressed payload). PackedChecksums[i]
	// corresponds to ObjectIDs[i]. Always empty for version 1 indexes.
	PackedChecksums []uint32
	// PackfileSHA1 is a copy of the trailing SHA-1 hash of the packfile
	// this index describes.
	PackfileSHA1 githash.SHA1
}

var indexV2Magic = [...]byte{
	0o377, 't', 'O', 'c',
	0, 0, 0, 2,
}

// ReadIndex parses a packfile index file from r, detecting the version from
// the magic number (version 2's "\xff tOc" header, or the legacy version 1
// layout that starts directly with the fanout table). It verifies the
// trailing SHA-1 checksum over everything that precedes it.
func ReadIndex(r io.Reader) (*Index, error) {
	h := sha1.New()
	r = io.TeeReader(r, h)

	first := make([]byte, len(indexV2Magic))
	if _, err := readFull(r, first); err != nil {
		return nil, giterr.Wrap(asCorrupt(err), "read packfile index")
	}

	var idx *Index
	var err error
	if bytes.Equal(first, indexV2Magic[:]) {
		idx, err = readIndexV2(r)
	} else {
		idx, err = readIndexV1(io.MultiReader(bytes.NewReader(first), r))
	}
	if err != nil {
		return nil, err
	}

	got := h.Sum(nil)
	want := make([]byte, len(got))
	if _, err := readFull(r, want); err != nil {
		return nil, giterr.Wrap(asCorrupt(err), "read packfile index: checksum")
	}
	if !bytes.Equal(got, want) {
		return nil, giterr.New(giterr.Corrupt, "read packfile index: checksum does not match")
	}
	return idx, nil
}

// UnmarshalBinary decodes Git's packfile index format (version 2) into idx.
func (idx *Index) UnmarshalBinary(data []byte) error {
	newIndex, err := ReadIndex(bytes.NewReader(data))
	if err != nil {
		return err
	}
	*idx = *newIndex
	return nil
}

const largeOffsetEntryMask = 1 << 31

func readIndexV2(r io.Reader) (*Index, error) {
	idx := &Index{Version: 2}
	if err := readFanout(r, &idx.Fanout); err != nil {
		return nil, giterr.Wrap(asCorrupt(err), "read packfile index")
	}
	nobjs := int(idx.Fanout[fanOutEntryCount-1])
	idx.ObjectIDs = make([]githash.SHA1, 0, nobjs)
	idx.Offsets = make([]int64, 0, nobjs)
	idx.PackedChecksums = make([]uint32, 0, nobjs)
	for len(idx.ObjectIDs) < nobjs {
		i := len(idx.ObjectIDs)
		idx.ObjectIDs = idx.ObjectIDs[:i+1]
		if _, err := readFull(r, idx.ObjectIDs[i][:]); err != nil {
			return nil, giterr.Wrap(asCorrupt(err), "read packfile index: object ids")
		}
	}
	var buf [8]byte
	for len(idx.PackedChecksums) < nobjs {
		if _, err := readFull(r, buf[:4]); err != nil {
			return nil, giterr.Wrap(asCorrupt(err), "read packfile index: checksums")
		}
		idx.PackedChecksums = append(idx.PackedChecksums, ntohl(buf[:]))
	}
	var largeOffsetEntries []int
	for len(idx.Offsets) < nobjs {
		if _, err := readFull(r, buf[:4]); err != nil {
			return nil, giterr.Wrap(asCorrupt(err), "read packfile index: offsets")
		}
		off := ntohl(buf[:])
		if off&largeOffsetEntryMask != 0 {
			entIdx := int(off &^ largeOffsetEntryMask)
			if entIdx >= len(largeOffsetEntries) {
				newEntries := make([]int, entIdx+1)
				copy(newEntries, largeOffsetEntries)
				for i := len(largeOffsetEntries); i < len(newEntries); i++ {
					newEntries[i] = -1
				}
				largeOffsetEntries = newEntries
			}
			largeOffsetEntries[entIdx] = len(idx.Offsets)
			idx.Offsets = append(idx.Offsets, 0)
			continue
		}
		idx.Offsets = append(idx.Offsets, int64(off))
	}
	for _, i := range largeOffsetEntries {
		if _, err := readFull(r, buf[:8]); err != nil {
			return nil, giterr.Wrap(asCorrupt(err), "read packfile index: large offsets")
		}
		if i < 0 {
			continue
		}
		off := ntohll(buf[:])
		if off&(1<<63) != 0 {
			return nil, giterr.New(giterr.Corrupt, "read packfile index: large offset overflows int64")
		}
		idx.Offsets[i] = int64(off)
	}
	if _, err := readFull(r, idx.PackfileSHA1[:]); err != nil {
		return nil, giterr.Wrap(asCorrupt(err), "read packfile index: packfile sha-1")
	}
	return idx, nil
}

// readIndexV1 parses the legacy layout: 256 x u32 fanout, then N
// interleaved (u32 offset, [20]byte id) rows ordered by id, then the
// packfile's trailing SHA-1. Lookups against a version-1 index are
// supported (not rejected as Unsupported): it fills the same Fanout and
// sorted ObjectIDs as version 2, so Find runs the same search on both.
func readIndexV1(r io.Reader) (*Index, error) {
	idx := &Index{Version: 1}
	if err := readFanout(r, &idx.Fanout); err != nil {
		return nil, giterr.Wrap(asCorrupt(err), "read packfile index")
	}
	nobjs := int(idx.Fanout[fanOutEntryCount-1])
	idx.ObjectIDs = make([]githash.SHA1, 0, nobjs)
	idx.Offsets = make([]int64, 0, nobjs)
	var offBuf [4]byte
	for len(idx.ObjectIDs) < nobjs {
		if _, err := readFull(r, offBuf[:]); err != nil {
			return nil, giterr.Wrap(asCorrupt(err), "read packfile index: entries")
		}
		idx.Offsets = append(idx.Offsets, int64(ntohl(offBuf[:])))

		i := len(idx.ObjectIDs)
		idx.ObjectIDs = idx.ObjectIDs[:i+1]
		if _, err := readFull(r, idx.ObjectIDs[i][:]); err != nil {
			return nil, giterr.Wrap(asCorrupt(err), "read packfile index: entries")
		}
	}
	if _, err := readFull(r, idx.PackfileSHA1[:]); err != nil {
		return nil, giterr.Wrap(asCorrupt(err), "read packfile index: packfile sha-1")
	}
	return idx, nil
}

func readFanout(r io.Reader, fanout *[fanOutEntryCount]uint32) error {
	var raw [4]byte
	for i := range fanout {
		if _, err := readFull(r, raw[:]); err != nil {
			return fmt.Errorf("fanout table: %w", err)
		}
		fanout[i] = ntohl(raw[:])
	}
	return nil
}

// readFull is like io.ReadFull but returns io.ErrUnexpectedEOF instead of
// io.EOF, since a short read here always means a truncated file.
func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func asCorrupt(err error) error {
	return giterr.New(giterr.Corrupt, "%v", err)
}

// EncodeV1 writes idx in Git's packfile index version 1 format. This
// exists mainly for test fixtures and compatibility: version 1 stores no
// CRC-32 checksums and cannot address packfiles larger than 4 GiB.
func (idx *Index) EncodeV1(w io.Writer) error {
	if idx == nil {
		idx = new(Index)
	}
	if err := idx.validate(); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	for _, off := range idx.Offsets {
		if off >= 1<<32 {
			return fmt.Errorf("write packfile index: offset %d too large for version 1", off)
		}
	}
	h := sha1.New()
	wh := io.MultiWriter(w, h)
	if err := idx.encodeFanOut(wh); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	var buf [4 + githash.SHA1Size]byte
	for i, off := range idx.Offsets {
		htonl(buf[:4], uint32(off))
		copy(buf[4:], idx.ObjectIDs[i][:])
		if _, err := wh.Write(buf[:]); err != nil {
			return fmt.Errorf("write packfile index: %w", err)
		}
	}
	if _, err := wh.Write(idx.PackfileSHA1[:]); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	if _, err := w.Write(h.Sum(buf[:0])); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	return nil
}

// EncodeV2 writes idx in Git's packfile index version 2 format. Pack index
// *creation* from a raw packfile is not a product feature of this engine;
// EncodeV2 exists so tests can synthesize .idx fixtures for the Find/search
// code without checking in binary files.
func (idx *Index) EncodeV2(w io.Writer) error {
	if idx == nil {
		idx = new(Index)
	}
	if err := idx.validate(); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	if len(idx.PackedChecksums) != len(idx.ObjectIDs) {
		return fmt.Errorf("write packfile index: %d checksums for %d objects", len(idx.PackedChecksums), len(idx.ObjectIDs))
	}
	h := sha1.New()
	wh := io.MultiWriter(w, h)
	if _, err := wh.Write(indexV2Magic[:]); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	if err := idx.encodeFanOut(wh); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	for i := range idx.ObjectIDs {
		if _, err := wh.Write(idx.ObjectIDs[i][:]); err != nil {
			return fmt.Errorf("write packfile index: %w", err)
		}
	}
	var buf [githash.SHA1Size]byte
	for _, checksum := range idx.PackedChecksums {
		htonl(buf[:], checksum)
		if _, err := wh.Write(buf[:4]); err != nil {
			return fmt.Errorf("write packfile index: %w", err)
		}
	}
	largeOffsets := 0
	const largeOffsetMin = 1 << 31
	for _, off := range idx.Offsets {
		if off >= largeOffsetMin {
			htonl(buf[:4], (1<<31)|uint32(largeOffsets))
			largeOffsets++
		} else {
			htonl(buf[:4], uint32(off))
		}
		if _, err := wh.Write(buf[:4]); err != nil {
			return fmt.Errorf("write packfile index: %w", err)
		}
	}
	if largeOffsets > 0 {
		for _, off := range idx.Offsets {
			if off < largeOffsetMin {
				continue
			}
			htonll(buf[:], uint64(off))
			if _, err := wh.Write(buf[:8]); err != nil {
				return fmt.Errorf("write packfile index: %w", err)
			}
		}
	}
	if _, err := wh.Write(idx.PackfileSHA1[:]); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	if _, err := w.Write(h.Sum(buf[:0])); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	return nil
}

// MarshalBinary encodes the index in Git's packfile index version 2 format.
func (idx *Index) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := idx.EncodeV2(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (idx *Index) validate() error {
	if len(idx.ObjectIDs) != len(idx.Offsets) {
		return fmt.Errorf("%d object IDs but %d offsets", len(idx.ObjectIDs), len(idx.Offsets))
	}
	for i := 1; i < len(idx.ObjectIDs); i++ {
		switch bytes.Compare(idx.ObjectIDs[i-1][:], idx.ObjectIDs[i][:]) {
		case 0:
			return fmt.Errorf("object IDs duplicated")
		case 1:
			return fmt.Errorf("object IDs not sorted")
		}
	}
	return nil
}

// encodeFanOut writes the 256-entry cumulative-count fanout table, computed
// directly from the sorted ObjectIDs slice (idx.Fanout is advisory; this is
// the source of truth when encoding, so BuildFanout need not be called
// before an Encode call).
func (idx *Index) encodeFanOut(w io.Writer) error {
	bucket := 0
	var ent [4]byte
	for i, id := range idx.ObjectIDs {
		for bucket <= int(id[0]) {
			htonl(ent[:], uint32(i))
			if _, err := w.Write(ent[:]); err != nil {
				return err
			}
			bucket++
		}
	}
	htonl(ent[:], uint32(len(idx.ObjectIDs)))
	for bucket < fanOutEntryCount {
		if _, err := w.Write(ent[:]); err != nil {
			return err
		}
		bucket++
	}
	return nil
}

// BuildFanout recomputes Fanout from ObjectIDs, which must already be
// sorted and deduplicated. Call this after populating ObjectIDs directly
// (e.g. in a test fixture) and before using Find/FindID.
func (idx *Index) BuildFanout() error {
	if err := idx.validate(); err != nil {
		return fmt.Errorf("build packfile index fanout: %w", err)
	}
	var fanout [fanOutEntryCount]uint32
	bucket := 0
	for i, id := range idx.ObjectIDs {
		for bucket <= int(id[0]) {
			fanout[bucket] = uint32(i)
			bucket++
		}
	}
	for bucket < fanOutEntryCount {
		fanout[bucket] = uint32(len(idx.ObjectIDs))
		bucket++
	}
	idx.Fanout = fanout
	return nil
}

// Find performs a fanout-assisted binary search for id, returning its
// offset into the packfile and true, or (0, false) if id is not present.
//
// The search narrows to the half-open interval [lo, hi) where
// lo = Fanout[id[0]-1] (or 0 when id[0] == 0) and hi = Fanout[id[0]] before
// the first comparison, then bisects within that interval: each iteration
// either returns on an exact match or sets lo to mid+1 or hi to mid (never
// re-testing the pivot it just excluded), and the loop terminates the
// moment lo >= hi.
func (idx *Index) Find(id githash.SHA1) (offset int64, ok bool) {
	i, ok := idx.findIndex(id)
	if !ok {
		return 0, false
	}
	return idx.Offsets[i], true
}

// FindID finds the position of id in idx.ObjectIDs, or -1 if id is not
// present in the index.
func (idx *Index) FindID(id githash.SHA1) int {
	i, ok := idx.findIndex(id)
	if !ok {
		return -1
	}
	return i
}

func (idx *Index) findIndex(id githash.SHA1) (int, bool) {
	var lo int
	if id[0] > 0 {
		lo = int(idx.Fanout[id[0]-1])
	}
	hi := int(idx.Fanout[id[0]])
	for lo < hi {
		mid := lo + (hi-lo)/2
		switch bytes.Compare(idx.ObjectIDs[mid][:], id[:]) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// FindOffset finds the position of offset in idx.Offsets, or -1 if the
// offset is not present in the index. This search is O(len(idx.Offsets))
// since offsets are not sorted.
func (idx *Index) FindOffset(offset int64) int {
	for i, o := range idx.Offsets {
		if o == offset {
			return i
		}
	}
	return -1
}

// Len returns the number of objects in the index.
func (idx *Index) Len() int { return len(idx.ObjectIDs) }

// Less reports whether the i'th object ID sorts before the j'th.
func (idx *Index) Less(i, j int) bool {
	return bytes.Compare(idx.ObjectIDs[i][:], idx.ObjectIDs[j][:]) < 0
}

// Swap swaps the i'th and j'th rows of the index.
func (idx *Index) Swap(i, j int) {
	idx.ObjectIDs[i], idx.ObjectIDs[j] = idx.ObjectIDs[j], idx.ObjectIDs[i]
	idx.Offsets[i], idx.Offsets[j] = idx.Offsets[j], idx.Offsets[i]
	if len(idx.PackedChecksums) > 0 {
		idx.PackedChecksums[i], idx.PackedChecksums[j] = idx.PackedChecksums[j], idx.PackedChecksums[i]
	}
}

// ntohl converts a network byte order (big-endian) uint32 to a uint32.
func ntohl(x []byte) uint32 {
	return uint32(x[0])<<24 | uint32(x[1])<<16 | uint32(x[2])<<8 | uint32(x[3])
}

// ntohll converts a network byte order (big-endian) uint64 to a uint64.
func ntohll(x []byte) uint64 {
	return uint64(x[0])<<56 | uint64(x[1])<<48 | uint64(x[2])<<40 | uint64(x[3])<<32 |
		uint64(x[4])<<24 | uint64(x[5])<<16 | uint64(x[6])<<8 | uint64(x[7])
}

// htonl converts a uint32 to a network byte order (big-endian) uint32.
func htonl(buf []byte, x uint32) {
	buf[0] = byte(x >> 24)
	buf[1] = byte(x >> 16)
	buf[2] = byte(x >> 8)
	buf[3] = byte(x)
}

// htonll converts a uint64 to a network byte order (big-endian) uint64.
func htonll(buf []byte, x uint64) {
	buf[0] = byte(x >> 56)
	buf[1] = byte(x >> 48)
	buf[2] = byte(x >> 40)
	buf[3] = byte(x >> 32)
	buf[4] = byte(x >> 24)
	buf[5] = byte(x >> 16)
	buf[6] = byte(x >> 8)
	buf[7] = byte(x)
}
