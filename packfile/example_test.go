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

package packfile_test

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"
	"vaultscm.dev/git/githash"
	"vaultscm.dev/git/object"
	"vaultscm.dev/git/packfile"
)

// writeHelloPack builds a two-object pack in memory: a "Hello, World!" blob
// followed by a ref-delta object that rewrites it to "Hello, delta\n".
// Returns the encoded pack bytes, the delta object's offset, and an Index
// that holds only the base blob.
func writeHelloPack() ([]byte, int64, *packfile.Index, error) {
	buf := new(bytes.Buffer)
	w := packfile.NewWriter(buf, 2)

	const baseContent = "Hello, World!\n"
	baseOffset, err := w.WriteHeader(&packfile.Header{
		Type: packfile.Blob,
		Size: int64(len(baseContent)),
	})
	if err != nil {
		return nil, 0, nil, err
	}
	if _, err := io.WriteString(w, baseContent); err != nil {
		return nil, 0, nil, err
	}
	baseID, err := object.BlobSum(strings.NewReader(baseContent), int64(len(baseContent)))
	if err != nil {
		return nil, 0, nil, err
	}

	delta := []byte{
		byte(len(baseContent)), // original size
		0x0d,                   // output size
		0b10010000,             // copy from base object
		0x05,                   // size1 (copy "Hello")
		0x08,                   // add new data (8 bytes)
		',', ' ', 'd', 'e', 'l', 't', 'a', '\n',
	}
	deltaOffset, err := w.WriteHeader(&packfile.Header{
		Type:       packfile.RefDelta,
		BaseObject: baseID,
		Size:       int64(len(delta)),
	})
	if err != nil {
		return nil, 0, nil, err
	}
	if _, err := w.Write(delta); err != nil {
		return nil, 0, nil, err
	}
	if err := w.Close(); err != nil {
		return nil, 0, nil, err
	}

	idx := &packfile.Index{
		ObjectIDs:       []githash.SHA1{baseID},
		Offsets:         []int64{baseOffset},
		PackedChecksums: []uint32{0},
	}
	if err := idx.BuildFanout(); err != nil {
		return nil, 0, nil, err
	}
	return buf.Bytes(), deltaOffset, idx, nil
}

func Example() {
	packData, deltaOffset, idx, err := writeHelloPack()
	if err != nil {
		// handle error
	}

	// Read the deltified object from the packfile.
	undeltifier := new(packfile.Undeltifier)
	bufferedFile := packfile.NewBufferedReadSeeker(bytes.NewReader(packData))
	prefix, content, err := undeltifier.Undeltify(bufferedFile, deltaOffset, &packfile.UndeltifyOptions{
		Index: idx,
	})
	if err != nil {
		// handle error
	}
	fmt.Println(prefix)
	io.Copy(os.Stdout, content)

	// Output:
	// blob 13
	// Hello, delta
}

// This example uses ReadHeader to perform random access in a packfile.
func ExampleReadHeader() {
	buf := new(bytes.Buffer)
	w := packfile.NewWriter(buf, 1)
	const blobContent = "Hello, World!\n"
	if _, err := w.WriteHeader(&packfile.Header{
		Type: packfile.Blob,
		Size: int64(len(blobContent)),
	}); err != nil {
		// handle error
	}
	if _, err := io.WriteString(w, blobContent); err != nil {
		// handle error
	}
	if err := w.Close(); err != nil {
		// handle error
	}

	// Seek past the 12-byte pack file header to the object's own header.
	const offset = 12
	f := bytes.NewReader(buf.Bytes())
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		// handle error
	}

	reader := bufio.NewReader(f)
	hdr, err := packfile.ReadHeader(offset, reader)
	if err != nil {
		// handle error
	}
	fmt.Println(hdr.Type)
	// The object is zlib-compressed in the packfile after the header.
	zreader, err := zlib.NewReader(reader)
	if err != nil {
		// handle error
	}
	if _, err := io.Copy(os.Stdout, zreader); err != nil {
		// handle error
	}

	// Output:
	// OBJ_BLOB
	// Hello, World!
}

func ExampleIndex() {
	_, _, idx, err := writeHelloPack()
	if err != nil {
		// handle error
	}

	// Print the sorted list of object IDs the index directly addresses
	// (the pack's non-delta base object; the ref-delta object resolves
	// through it rather than being indexed separately here).
	for _, id := range idx.ObjectIDs {
		fmt.Println(id)
	}

	// Output:
	// 8ab686eafeb1f44702738c8b0f24f2567c36da6d
}

func ExampleWriter() {
	// Create a writer.
	buf := new(bytes.Buffer)
	const objectCount = 3
	writer := packfile.NewWriter(buf, objectCount)

	// Write a blob.
	const blobContent = "Hello, World!\n"
	_, err := writer.WriteHeader(&packfile.Header{
		Type: packfile.Blob,
		Size: int64(len(blobContent)),
	})
	if err != nil {
		// handle error
	}
	if _, err := io.WriteString(writer, blobContent); err != nil {
		// handle error
	}
	blobSum, err := object.BlobSum(strings.NewReader(blobContent), int64(len(blobContent)))
	if err != nil {
		// handle error
	}

	// Write a tree (directory).
	tree := object.Tree{
		{Name: "hello.txt", Mode: object.ModePlain, ObjectID: blobSum},
	}
	treeData, err := tree.MarshalBinary()
	if err != nil {
		// handle error
	}
	_, err = writer.WriteHeader(&packfile.Header{
		Type: packfile.Tree,
		Size: int64(len(treeData)),
	})
	if err != nil {
		// handle error
	}
	if _, err := writer.Write(treeData); err != nil {
		// handle error
	}

	// Write a commit.
	const user object.User = "Octocat <octocat@example.com>"
	commitTime := time.Unix(1608391559, 0).In(time.FixedZone("-0800", -8*60*60))
	commit := &object.Commit{
		Tree:       tree.SHA1(),
		Author:     user,
		AuthorTime: commitTime,
		Committer:  user,
		CommitTime: commitTime,
		Message:    "First commit\n",
	}
	commitData, err := commit.MarshalBinary()
	if err != nil {
		// handle error
	}
	_, err = writer.WriteHeader(&packfile.Header{
		Type: packfile.Commit,
		Size: int64(len(commitData)),
	})
	if err != nil {
		// handle error
	}
	if _, err := writer.Write(commitData); err != nil {
		// handle error
	}

	// Finish the write.
	if err := writer.Close(); err != nil {
		// handle error
	}
}
