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

// Package object models the four kinds of content-addressed objects
// that make up the object graph -- blobs, trees, commits, and tags --
// along with the "type size\x00" prefix every object is hashed and
// stored with.
package object

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"strconv"

	"vaultscm.dev/git/githash"
)

// Type names one of the four object kinds.
type Type string

// The object kinds known to the store.
const (
	TypeBlob   Type = "blob"
	TypeTree   Type = "tree"
	TypeCommit Type = "commit"
	TypeTag    Type = "tag"
)

var knownTypes = map[Type]bool{
	TypeBlob:   true,
	TypeTree:   true,
	TypeCommit: true,
	TypeTag:    true,
}

// IsValid reports whether typ names one of the four known kinds.
func (typ Type) IsValid() bool {
	return knownTypes[typ]
}

// BlobSum computes the digest a blob of the given content would be
// stored under, without actually writing it anywhere. size must match
// the number of bytes r yields exactly; a short or long read is an
// error since the prefix already committed to size.
func BlobSum(r io.Reader, size int64) (githash.SHA1, error) {
	h := sha1.New()
	h.Write(AppendPrefix(nil, TypeBlob, size))
	n, err := io.Copy(h, r)
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("hash git blob: %w", err)
	}
	if n != size {
		return githash.SHA1{}, fmt.Errorf("hash git blob: wrong size %d (expected %d)", n, size)
	}
	var sum githash.SHA1
	h.Sum(sum[:0])
	return sum, nil
}

// Prefix is the decoded form of the header every stored object
// begins with: its type and the byte length of what follows.
type Prefix struct {
	Type Type
	Size int64
}

// MarshalBinary encodes p as the raw "type size\x00" header bytes.
func (p Prefix) MarshalBinary() ([]byte, error) {
	if !p.Type.IsValid() {
		return nil, fmt.Errorf("marshal git object prefix: unknown type %q", p.Type)
	}
	if p.Size < 0 {
		return nil, fmt.Errorf("marshal git object prefix: negative size")
	}
	return AppendPrefix(nil, p.Type, p.Size), nil
}

// UnmarshalBinary decodes a raw "type size\x00" header into p.
func (p *Prefix) UnmarshalBinary(data []byte) error {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return fmt.Errorf("unmarshal git object prefix: does not end with NUL")
	}
	sp := bytes.IndexByte(data, ' ')
	if sp == -1 {
		return fmt.Errorf("unmarshal git object prefix: missing space")
	}
	typ := Type(data[:sp])
	if !typ.IsValid() {
		return fmt.Errorf("unmarshal git object prefix: unknown type %q", typ)
	}
	size, err := strconv.ParseInt(string(data[sp+1:len(data)-1]), 10, 64)
	if err != nil {
		return fmt.Errorf("unmarshal git object prefix: size: %v", err)
	}
	if size < 0 {
		return fmt.Errorf("unmarshal git object prefix: negative size")
	}
	p.Type, p.Size = typ, size
	return nil
}

// String renders the prefix without its trailing NUL.
func (p Prefix) String() string {
	buf := AppendPrefix(nil, p.Type, p.Size)
	return string(buf[:len(buf)-1])
}

// AppendPrefix appends the wire-format header (e.g. "blob 42\x00")
// for an object of the given type and size to dst.
func AppendPrefix(dst []byte, typ Type, size int64) []byte {
	dst = append(dst, typ...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, size, 10)
	return append(dst, 0)
}

const hexDigits = "0123456789abcdef"

// appendHex appends the lowercase hex encoding of src to dst, used by
// the tree entry formatter to avoid pulling in encoding/hex for a
// single small loop.
func appendHex(dst, src []byte) []byte {
	for _, b := range src {
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0xf])
	}
	return dst
}
