// Copyright 2020 The gg Authors
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

package object

import (
	"encoding"
	"strings"
	"testing"

	"vaultscm.dev/git/githash"
)

var (
	_ encoding.BinaryMarshaler   = Prefix{}
	_ encoding.BinaryUnmarshaler = new(Prefix)
)

func mustParseDigest(t *testing.T, s string) githash.SHA1 {
	t.Helper()
	h, err := githash.ParseSHA1(s)
	if err != nil {
		t.Fatalf("mustParseDigest(%q): %v", s, err)
	}
	return h
}

func TestBlobSumKnownVectors(t *testing.T) {
	cases := map[string]string{
		"":                "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391",
		"Hello, World!\n": "8ab686eafeb1f44702738c8b0f24f2567c36da6d",
	}
	for data, wantHex := range cases {
		want := mustParseDigest(t, wantHex)
		got, err := BlobSum(strings.NewReader(data), int64(len(data)))
		if err != nil {
			t.Errorf("BlobSum(%q) error: %v", data, err)
			continue
		}
		if got != want {
			t.Errorf("BlobSum(%q) = %v; want %v", data, got, want)
		}
	}
}

func TestBlobSumRejectsSizeMismatch(t *testing.T) {
	t.Run("declaredLongerThanActual", func(t *testing.T) {
		if _, err := BlobSum(strings.NewReader("foo"), 6); err == nil {
			t.Error("expected an error when the declared size exceeds the data read")
		}
	})
	t.Run("declaredShorterThanActual", func(t *testing.T) {
		if _, err := BlobSum(strings.NewReader("foo"), 0); err == nil {
			t.Error("expected an error when the declared size is smaller than the data read")
		}
	})
}

func TestTypeIsValid(t *testing.T) {
	for _, typ := range []Type{TypeBlob, TypeTree, TypeCommit, TypeTag} {
		if !typ.IsValid() {
			t.Errorf("Type(%q).IsValid() = false; want true", typ)
		}
	}
	for _, typ := range []Type{"", "blobb", "Tree", "COMMIT"} {
		if Type(typ).IsValid() {
			t.Errorf("Type(%q).IsValid() = true; want false", typ)
		}
	}
}

func TestPrefixRoundTrip(t *testing.T) {
	cases := []Prefix{
		{Type: TypeBlob, Size: 0},
		{Type: TypeTree, Size: 42},
		{Type: TypeCommit, Size: 1 << 20},
	}
	for _, p := range cases {
		raw, err := p.MarshalBinary()
		if err != nil {
			t.Errorf("%+v.MarshalBinary(): %v", p, err)
			continue
		}
		var got Prefix
		if err := got.UnmarshalBinary(raw); err != nil {
			t.Errorf("UnmarshalBinary(%q): %v", raw, err)
			continue
		}
		if got != p {
			t.Errorf("round-trip of %+v produced %+v", p, got)
		}
		if want := p.String() + "\x00"; string(raw) != want {
			t.Errorf("MarshalBinary(%+v) = %q; want %q", p, raw, want)
		}
	}
}

func TestPrefixUnmarshalBinaryRejects(t *testing.T) {
	badInputs := []string{
		"tree abc\x00", // non-numeric size
		"tree -42\x00", // negative size
		"foo 42\x00",   // unknown type
		"blob 0",       // missing NUL terminator
	}
	for _, data := range badInputs {
		var p Prefix
		if err := p.UnmarshalBinary([]byte(data)); err == nil {
			t.Errorf("UnmarshalBinary(%q) succeeded; want error", data)
		}
	}
}
