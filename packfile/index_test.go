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
	"encoding"
	"encoding/hex"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"vaultscm.dev/git/githash"
)

var (
	_ encoding.BinaryMarshaler   = new(Index)
	_ encoding.BinaryUnmarshaler = new(Index)
)

func mustSHA1(s string) githash.SHA1 {
	var id githash.SHA1
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	if n := copy(id[:], b); n != githash.SHA1Size {
		panic("wrong hex length for SHA-1")
	}
	return id
}

var testIndexes = []struct {
	name string
	idx  *Index
}{
	{
		name: "Empty",
		idx:  &Index{},
	},
	{
		name: "OneObject",
		idx: &Index{
			ObjectIDs:       []githash.SHA1{mustSHA1("8ab686eafeb1f44702738c8b0f24f2567c36da6d")},
			Offsets:         []int64{12},
			PackedChecksums: []uint32{0xd6402b58},
			PackfileSHA1:    mustSHA1("1fb6c9a5c90236ff883be04f3c5796435b9a6569"),
		},
	},
	{
		name: "FirstCommit",
		idx: &Index{
			ObjectIDs: []githash.SHA1{
				mustSHA1("8ab686eafeb1f44702738c8b0f24f2567c36da6d"),
				mustSHA1("bc225ea23f53f06c0c5bd3ba2be85c2120d68417"),
				mustSHA1("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"),
			},
			Offsets:         []int64{12, 39, 91},
			PackedChecksums: []uint32{0xd6402b58, 0x12345678, 0x9abcdef0},
			PackfileSHA1:    mustSHA1("1fb6c9a5c90236ff883be04f3c5796435b9a6569"),
		},
	},
}

var bigOffsetIndex = &Index{
	Offsets: []int64{
		0x1_0000_0018,
		0x1_0000_000c,
	},
	ObjectIDs: []githash.SHA1{
		mustSHA1("8ab686eafeb1f44702738c8b0f24f2567c36da6d"),
		mustSHA1("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"),
	},
	PackedChecksums: []uint32{
		0xd6402b58,
		0xbe56632f,
	},
	PackfileSHA1: mustSHA1("1fb6c9a5c90236ff883be04f3c5796435b9a6569"),
}

// TestIndexRoundTrip checks that every Index this package can produce with
// EncodeV1/EncodeV2 reads back unchanged through ReadIndex, since there are
// no checked-in .idx fixtures to read from disk.
func TestIndexRoundTrip(t *testing.T) {
	for _, test := range testIndexes {
		t.Run(test.name, func(t *testing.T) {
			t.Run("Version1", func(t *testing.T) {
				if len(test.idx.Offsets) > 0 && test.idx.Offsets[len(test.idx.Offsets)-1] >= 1<<32 {
					t.Skip("offset too large for version 1")
				}
				buf := new(bytes.Buffer)
				if err := test.idx.EncodeV1(buf); err != nil {
					t.Fatal("EncodeV1:", err)
				}
				got, err := ReadIndex(buf)
				if err != nil {
					t.Fatal("ReadIndex:", err)
				}
				diff := cmp.Diff(test.idx, got,
					cmpopts.EquateEmpty(),
					cmpopts.IgnoreFields(Index{}, "Version", "Fanout", "PackedChecksums"),
				)
				if diff != "" {
					t.Errorf("index (-want +got):\n%s", diff)
				}
				if got.Version != 1 {
					t.Errorf("Version = %d; want 1", got.Version)
				}
				if len(got.PackedChecksums) != 0 {
					t.Errorf("index has %d packed checksums; want 0", len(got.PackedChecksums))
				}
			})

			t.Run("Version2", func(t *testing.T) {
				buf := new(bytes.Buffer)
				if err := test.idx.EncodeV2(buf); err != nil {
					t.Fatal("EncodeV2:", err)
				}
				got, err := ReadIndex(buf)
				if err != nil {
					t.Fatal("ReadIndex:", err)
				}
				diff := cmp.Diff(test.idx, got, cmpopts.EquateEmpty(), cmpopts.IgnoreFields(Index{}, "Version", "Fanout"))
				if diff != "" {
					t.Errorf("index (-want +got):\n%s", diff)
				}
				if got.Version != 2 {
					t.Errorf("Version = %d; want 2", got.Version)
				}
			})
		})
	}

	t.Run("BigOffset", func(t *testing.T) {
		buf := new(bytes.Buffer)
		if err := bigOffsetIndex.EncodeV2(buf); err != nil {
			t.Fatal("EncodeV2:", err)
		}
		got, err := ReadIndex(buf)
		if err != nil {
			t.Fatal("ReadIndex:", err)
		}
		if diff := cmp.Diff(bigOffsetIndex, got, cmpopts.EquateEmpty(), cmpopts.IgnoreFields(Index{}, "Version", "Fanout")); diff != "" {
			t.Errorf("index (-want +got):\n%s", diff)
		}
	})

	t.Run("Nil", func(t *testing.T) {
		t.Run("V1", func(t *testing.T) {
			got := new(bytes.Buffer)
			if err := (*Index)(nil).EncodeV1(got); err != nil {
				t.Fatal("EncodeV1:", err)
			}
			idx, err := ReadIndex(bytes.NewReader(got.Bytes()))
			if err != nil {
				t.Fatal("ReadIndex:", err)
			}
			if idx.Len() != 0 {
				t.Errorf("Len() = %d; want 0", idx.Len())
			}
		})

		t.Run("V2", func(t *testing.T) {
			got := new(bytes.Buffer)
			if err := (*Index)(nil).EncodeV2(got); err != nil {
				t.Fatal("EncodeV2:", err)
			}
			idx, err := ReadIndex(bytes.NewReader(got.Bytes()))
			if err != nil {
				t.Fatal("ReadIndex:", err)
			}
			if idx.Len() != 0 {
				t.Errorf("Len() = %d; want 0", idx.Len())
			}
		})
	})
}

func TestIndexFind(t *testing.T) {
	idx := &Index{
		ObjectIDs: []githash.SHA1{
			mustSHA1("05a682bd4e7c7117c5856be7142fea67465415e3"),
			mustSHA1("1fb6c9a5c90236ff883be04f3c5796435b9a6569"),
			mustSHA1("8ab686eafeb1f44702738c8b0f24f2567c36da6d"),
			mustSHA1("bc225ea23f53f06c0c5bd3ba2be85c2120d68417"),
			mustSHA1("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"),
		},
		Offsets:         []int64{100, 200, 300, 400, 500},
		PackedChecksums: make([]uint32, 5),
	}
	if err := idx.BuildFanout(); err != nil {
		t.Fatal(err)
	}

	for i, id := range idx.ObjectIDs {
		off, ok := idx.Find(id)
		if !ok || off != idx.Offsets[i] {
			t.Errorf("Find(%v) = %d, %t; want %d, true", id, off, ok, idx.Offsets[i])
		}
		if got := idx.FindID(id); got != i {
			t.Errorf("FindID(%v) = %d; want %d", id, got, i)
		}
	}

	missing := mustSHA1("0000000000000000000000000000000000000000")
	if _, ok := idx.Find(missing); ok {
		t.Error("Find(missing) returned ok = true")
	}
	if got := idx.FindID(missing); got != -1 {
		t.Errorf("FindID(missing) = %d; want -1", got)
	}

	// An id whose first byte falls entirely outside the indexed range.
	unreached := mustSHA1("ff00000000000000000000000000000000000000")
	if _, ok := idx.Find(unreached); ok {
		t.Error("Find(unreached) returned ok = true")
	}
}
