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
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"strings"
	"time"

	"vaultscm.dev/git/githash"
)

// Tag is a parsed annotated tag object: a named, signed-or-unsigned
// pointer at another object, carrying its own author and message
// independent of whatever it points to.
//
// The object header's four lines -- object, type, tag, tagger -- are
// required and must appear in that order; a detached GPG signature,
// when present, is appended directly to the message rather than
// given its own header field.
type Tag struct {
	// ObjectID is the digest of the object this tag points at.
	ObjectID githash.SHA1
	// ObjectType is the kind of object ObjectID refers to.
	ObjectType Type

	// Name is the tag's name, as recorded in the object (not
	// necessarily the same as the ref it's reachable from).
	Name string

	// Tagger identifies whoever created the tag.
	Tagger User
	// Time is when the tag was created. Its Location matters.
	Time time.Time

	// Message is the tag message, which may end with an appended
	// ASCII-armored signature.
	Message string
}

// ParseTag is equivalent to calling UnmarshalText on a new Tag.
func ParseTag(data []byte) (*Tag, error) {
	t := new(Tag)
	err := t.UnmarshalText(data)
	return t, err
}

// UnmarshalText decodes data as a serialized tag object.
func (t *Tag) UnmarshalText(data []byte) error {
	*t = Tag{}
	sc := commitScanner{data}

	if !sc.consume("object ") {
		return fmt.Errorf("parse git tag: object: missing")
	}
	if err := sc.consumeHexInto(t.ObjectID[:]); err != nil {
		return fmt.Errorf("parse git tag: object: %w", err)
	}
	if !sc.consume("\n") {
		return fmt.Errorf("parse git tag: object: trailing data")
	}

	if !sc.consume("type ") {
		return fmt.Errorf("parse git tag: type: missing line")
	}
	typeLine, err := sc.takeFullLine()
	if err != nil {
		return fmt.Errorf("parse git tag: type: %w", err)
	}
	t.ObjectType = Type(typeLine)
	if !t.ObjectType.IsValid() {
		return fmt.Errorf("parse git tag: type: %q invalid", t.ObjectType)
	}

	if !sc.consume("tag ") {
		return fmt.Errorf("parse git tag: name: missing line")
	}
	t.Name, err = sc.takeFullLine()
	if err != nil {
		return fmt.Errorf("parse git tag: name: %w", err)
	}

	if !sc.consume("tagger ") {
		return fmt.Errorf("parse git tag: tagger: missing line")
	}
	t.Tagger, t.Time, err = sc.consumeUser()
	if err != nil {
		return fmt.Errorf("parse git tag: tagger: %w", err)
	}

	if !sc.consume("\n") {
		return fmt.Errorf("parse git tag: message: expect blank line after header")
	}
	t.Message = string(sc.data)
	return nil
}

// takeFullLine consumes and returns the next newline-terminated line,
// excluding the newline.
func (sc *commitScanner) takeFullLine() (string, error) {
	eol := bytes.IndexByte(sc.data, '\n')
	if eol == -1 {
		return "", io.ErrUnexpectedEOF
	}
	line := string(sc.data[:eol])
	sc.data = sc.data[eol+1:]
	return line, nil
}

// MarshalText encodes the tag into the Git object wire format.
func (t *Tag) MarshalText() ([]byte, error) {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "object %x\n", t.ObjectID)
	if !t.ObjectType.IsValid() {
		return nil, fmt.Errorf("marshal git tag: invalid object type %q", t.ObjectType)
	}
	fmt.Fprintf(buf, "type %v\n", t.ObjectType)
	if !isSafeForHeader(t.Name) {
		return nil, fmt.Errorf("marshal git tag: name %q contains unsafe characters", t.Name)
	}
	fmt.Fprintf(buf, "tag %s\n", t.Name)
	if err := writeIdentityLine(buf, "tagger", t.Tagger, t.Time); err != nil {
		return nil, fmt.Errorf("marshal git tag: %w", err)
	}
	buf.WriteString("\n")
	buf.WriteString(t.Message)
	return buf.Bytes(), nil
}

// SHA1 computes the digest this tag would be stored under.
func (t *Tag) SHA1() githash.SHA1 {
	h := sha1.New()
	s, err := t.MarshalText()
	if err != nil {
		panic(err)
	}
	h.Write(AppendPrefix(nil, TypeTag, int64(len(s))))
	h.Write(s)
	var digest githash.SHA1
	h.Sum(digest[:0])
	return digest
}

// Summary returns the message's first line.
func (t *Tag) Summary() string {
	if i := strings.IndexByte(t.Message, '\n'); i != -1 {
		return t.Message[:i]
	}
	return t.Message
}
