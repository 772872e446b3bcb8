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
	"fmt"
	"io"

	"vaultscm.dev/git/zlibcodec"
)

// maxDeltaObjectSize bounds how large a delta base object Undeltifier will
// buffer in memory while resolving a delta chain.
const maxDeltaObjectSize = 1 << 30 // 1 GiB

// ReadHeader parses a single object header (length+type, and any
// OffsetDelta/RefDelta trailer) at the given packfile offset from br,
// without touching the zlib-compressed payload that follows it. Unlike
// Reader.Next, it does not require sequential access to the whole
// packfile: the caller is expected to have already seeked to offset, e.g.
// using an Index's recorded offset for an object.
func ReadHeader(offset int64, br ByteReader) (*Header, error) {
	return readObjectHeader(offset, br)
}

func readObjectHeader(offset int64, br ByteReader) (*Header, error) {
	hdr := &Header{Offset: offset}
	var err error
	hdr.Type, hdr.Size, err = readLengthType(br)
	if err != nil {
		return nil, fmt.Errorf("read object header at %d: %w", offset, err)
	}
	switch hdr.Type {
	case OffsetDelta:
		off, err := readOffset(br)
		if err != nil {
			return nil, fmt.Errorf("read object header at %d: %w", offset, err)
		}
		hdr.BaseOffset = offset + off
	case RefDelta:
		if _, err := io.ReadFull(br, hdr.BaseObject[:]); err != nil {
			return nil, fmt.Errorf("read object header at %d: %w", offset, err)
		}
	}
	return hdr, nil
}

// setZlibReader lazily creates *z from r, or resets it onto r if already
// created, reusing the decompressor's internal buffers across objects.
func setZlibReader(z *zlibReader, r io.Reader) error {
	if *z == nil {
		zr, err := zlibcodec.NewReader(r)
		if err != nil {
			return err
		}
		*z = zr
		return nil
	}
	return (*z).Reset(r, nil)
}

// emptyReader is an io.Reader that always reports end-of-stream; it is
// used to release a zlibReader's hold on its source reader once undeltify
// work that used it has finished.
type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) { return 0, io.EOF }
