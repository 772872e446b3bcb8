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

// Package githash defines the object identifier used across the
// storage layer: a 20-byte SHA-1 digest of an object's canonical
// byte representation, plus Ref, which names a mutable pointer into
// the object graph.
package githash

import (
	"encoding/hex"
	"fmt"
)

// SHA1Size is the width, in bytes, of a digest.
const SHA1Size = 20

// SHA1 identifies a stored object by the digest of its canonical
// form. The zero value represents the absence of an object and never
// matches a real digest.
type SHA1 [SHA1Size]byte

// ParseSHA1 decodes a 40-character hex string into a digest. Strings
// of any other length, including abbreviated prefixes, are rejected.
func ParseSHA1(s string) (SHA1, error) {
	var h SHA1
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return SHA1{}, err
	}
	return h, nil
}

// String returns the 40-character lowercase hex form of h.
func (h SHA1) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the leading 4 bytes of h as 8 hex characters, the
// abbreviated form used in log lines where the full digest is noise.
func (h SHA1) Short() string {
	return hex.EncodeToString(h[:4])
}

// MarshalText implements encoding.TextMarshaler.
func (h SHA1) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(SHA1Size))
	hex.Encode(out, h[:])
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *SHA1) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(SHA1Size) {
		return fmt.Errorf("parse git hash %q: wrong size", text)
	}
	if _, err := hex.Decode(h[:], text); err != nil {
		return fmt.Errorf("parse git hash %q: %w", text, err)
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler, returning a copy
// of the raw digest bytes.
func (h SHA1) MarshalBinary() ([]byte, error) {
	out := make([]byte, SHA1Size)
	copy(out, h[:])
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *SHA1) UnmarshalBinary(raw []byte) error {
	if len(raw) != len(*h) {
		return fmt.Errorf("parse git binary hash %x: wrong size", raw)
	}
	copy(h[:], raw)
	return nil
}

// digestHex renders the first n bytes of the digest (or all of it,
// when prec is absent or too large) as hex, applying fmt's precision
// convention the way the standard numeric verbs do.
func (h SHA1) digestHex(prec int, havePrec bool) string {
	if havePrec && prec < len(h) {
		return hex.EncodeToString(h[:prec])
	}
	return hex.EncodeToString(h[:])
}

// Format implements fmt.Formatter. %s and plain %v print the lowercase
// hex digest; %x and %X do the same without the TextMarshaler
// indirection, honoring the '#' flag for a "0x"/"0X" prefix; %#v
// prints a Go struct literal that round-trips through gofmt.
func (h SHA1) Format(f fmt.State, verb rune) {
	prec, havePrec := f.Precision()
	switch verb {
	case 's', 'v':
		if verb == 'v' && f.Flag('#') {
			fmt.Fprint(f, h.goLiteral())
			return
		}
		fmt.Fprint(f, h.digestHex(prec, havePrec))
	case 'x':
		s := h.digestHex(prec, havePrec)
		if f.Flag('#') {
			s = "0x" + s
		}
		fmt.Fprint(f, s)
	case 'X':
		s := upperHex(h.digestHex(prec, havePrec))
		if f.Flag('#') {
			s = "0X" + s
		}
		fmt.Fprint(f, s)
	default:
		fmt.Fprintf(f, "%%!%c(githash.SHA1=%s)", verb, h.String())
	}
}

func (h SHA1) goLiteral() string {
	s := "githash.SHA1{"
	for i, b := range h {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("0x%02x", b)
	}
	return s + "}"
}

func upperHex(s string) string {
	out := []byte(s)
	for i, c := range out {
		if 'a' <= c && c <= 'f' {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}
