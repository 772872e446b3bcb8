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

// Package zlibcodec provides the streaming zlib compressor/decompressor
// that the loose object store and pack delta streams are built on. It is a
// thin layer over github.com/klauspost/compress/zlib, which is a drop-in,
// faster implementation of the same CMF/Adler-32-framed zlib format as the
// standard library's compress/zlib.
package zlibcodec

import (
	"io"

	"github.com/klauspost/compress/zlib"
)

// DefaultLevel is the compression level used when none is specified:
// zlib's "default" trade-off between speed and ratio.
const DefaultLevel = zlib.DefaultCompression

// NewWriter returns a streaming zlib writer at the default compression
// level. Callers must Close it to flush the Adler-32 trailer.
func NewWriter(w io.Writer) io.WriteCloser {
	return zlib.NewWriter(w)
}

// NewWriterLevel returns a streaming zlib writer at the given compression
// level (see compress/flate's level constants).
func NewWriterLevel(w io.Writer, level int) (io.WriteCloser, error) {
	return zlib.NewWriterLevel(w, level)
}

// Reader is a streaming zlib decompressor that can be reset onto a new
// underlying reader, mirroring zlib.Resetter so pack readers can reuse one
// allocation across many objects.
type Reader interface {
	io.ReadCloser
	zlib.Resetter
}

// NewReader returns a streaming zlib reader. The returned Reader's Reset
// method allows reuse across many zlib streams without reallocating
// internal buffers, which matters when iterating a pack with many objects.
func NewReader(r io.Reader) (Reader, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.(Reader), nil
}
