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

package githash

import (
	"bytes"
	"encoding"
	"fmt"
	"strings"
	"testing"
)

var (
	_ fmt.Stringer               = SHA1{}
	_ fmt.Formatter              = SHA1{}
	_ encoding.TextMarshaler     = SHA1{}
	_ encoding.TextUnmarshaler   = &SHA1{}
	_ encoding.BinaryMarshaler   = SHA1{}
	_ encoding.BinaryUnmarshaler = &SHA1{}
)

var zeroDigest = SHA1{}

var samplePattern = SHA1{
	0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
	0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
	0x01, 0x23, 0x45, 0x67,
}

const samplePatternHex = "0123456789abcdef0123456789abcdef01234567"

func TestSHA1String(t *testing.T) {
	cases := map[string]struct {
		digest SHA1
		want   string
	}{
		"zero":    {zeroDigest, strings.Repeat("0", 40)},
		"pattern": {samplePattern, samplePatternHex},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := tc.digest.String(); got != tc.want {
				t.Errorf("String() = %q; want %q", got, tc.want)
			}
		})
	}
}

func TestSHA1Short(t *testing.T) {
	if got, want := zeroDigest.Short(), "00000000"; got != want {
		t.Errorf("Short() = %q; want %q", got, want)
	}
	if got, want := samplePattern.Short(), samplePatternHex[:8]; got != want {
		t.Errorf("Short() = %q; want %q", got, want)
	}
}

func TestSHA1MarshalText(t *testing.T) {
	got, err := samplePattern.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error: %v", err)
	}
	if string(got) != samplePatternHex {
		t.Errorf("MarshalText() = %q; want %q", got, samplePatternHex)
	}
}

func TestSHA1MarshalBinary(t *testing.T) {
	got, err := samplePattern.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error: %v", err)
	}
	if !bytes.Equal(got, samplePattern[:]) {
		t.Errorf("MarshalBinary() = %#v; want %#v", got, samplePattern[:])
	}
	// Mutating the returned slice must not alias the digest.
	got[0] ^= 0xff
	if samplePattern[0] == got[0] {
		t.Error("MarshalBinary() leaked an alias of the underlying array")
	}
}

func TestSHA1Format(t *testing.T) {
	verbs := []struct {
		format string
		want   string
	}{
		{"%x", samplePatternHex},
		{"%.4x", samplePatternHex[:8]},
		{"%#x", "0x" + samplePatternHex},
		{"%X", strings.ToUpper(samplePatternHex)},
		{"%#X", "0X" + strings.ToUpper(samplePatternHex)},
		{"%s", samplePatternHex},
		{"%v", samplePatternHex},
	}
	for _, v := range verbs {
		t.Run(v.format, func(t *testing.T) {
			if got := fmt.Sprintf(v.format, samplePattern); got != v.want {
				t.Errorf("fmt.Sprintf(%q, digest) = %q; want %q", v.format, got, v.want)
			}
		})
	}
	if got := fmt.Sprintf("%#v", samplePattern); !strings.HasPrefix(got, "githash.SHA1{0x01, 0x23") {
		t.Errorf("fmt.Sprintf(%%#v, digest) = %q; want a struct literal", got)
	}
	if got := fmt.Sprintf("%d", samplePattern); !strings.Contains(got, "%!d") {
		t.Errorf("fmt.Sprintf(%%d, digest) = %q; want an unsupported-verb error", got)
	}
}

func TestParseSHA1(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    SHA1
		wantErr bool
	}{
		{name: "empty", input: "", wantErr: true},
		{name: "allZero", input: strings.Repeat("0", 40), want: zeroDigest},
		{name: "pattern", input: samplePatternHex, want: samplePattern},
		{name: "oneShort", input: samplePatternHex[:len(samplePatternHex)-1], wantErr: true},
		{name: "oneLong", input: samplePatternHex + "8", wantErr: true},
		{name: "truncated", input: samplePatternHex[:8], wantErr: true},
		{name: "notHex", input: strings.Repeat("zz", 20), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSHA1(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSHA1(%q) = %v, <nil>; want error", tc.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSHA1(%q) error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("ParseSHA1(%q) = %v; want %v", tc.input, got, tc.want)
			}
		})
	}
}
