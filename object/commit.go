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
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"vaultscm.dev/git/githash"
)

// Commit is a single point in the project's history: a tree snapshot
// plus the metadata describing how it came to be.
type Commit struct {
	// Tree is the digest of the snapshot this commit records.
	Tree githash.SHA1
	// Parents are the digests of the commit(s) this one was built on.
	Parents []githash.SHA1

	// Author identifies whoever wrote the change.
	Author User
	// AuthorTime is when the change was written. Its Location matters:
	// it's preserved verbatim in the serialized form.
	AuthorTime time.Time

	// Committer identifies whoever applied the change to this history.
	Committer User
	// CommitTime is when the change was applied. Its Location matters.
	CommitTime time.Time

	// Extra holds any header lines between the committer line and an
	// eventual gpgsig line (or the message, if there is none). It
	// never begins or ends with a newline and never contains a blank
	// line.
	Extra CommitFields

	// GPGSignature, if non-empty, is the ASCII-armored signature
	// covering everything above it.
	GPGSignature []byte

	// Message is the commit message, following the blank line that
	// terminates the header.
	Message string
}

// ParseCommit decodes data as a serialized commit object.
func ParseCommit(data []byte) (*Commit, error) {
	c := new(Commit)
	err := c.UnmarshalText(data)
	return c, err
}

// UnmarshalText is equivalent to UnmarshalBinary.
func (c *Commit) UnmarshalText(data []byte) error {
	return c.UnmarshalBinary(data)
}

// UnmarshalBinary decodes data as a serialized commit object. The
// header's first four kinds of lines -- tree, parent (zero or more),
// author, committer -- must appear in that order; everything else
// (extra trailers, an optional gpgsig block immediately before the
// blank line, then the message) is comparatively permissive, mirroring
// what Git's own commit parser tolerates.
func (c *Commit) UnmarshalBinary(data []byte) error {
	*c = Commit{}
	sc := commitScanner{data}

	if !sc.consume("tree ") {
		return fmt.Errorf("parse git commit: tree: missing")
	}
	if err := sc.consumeHexInto(c.Tree[:]); err != nil {
		return fmt.Errorf("parse git commit: tree: %w", err)
	}
	if !sc.consume("\n") {
		return fmt.Errorf("parse git commit: tree: trailing data")
	}

	for i := 0; sc.consume("parent "); i++ {
		var p githash.SHA1
		if err := sc.consumeHexInto(p[:]); err != nil {
			return fmt.Errorf("parse git commit: parent %d: %w", i, err)
		}
		c.Parents = append(c.Parents, p)
		if !sc.consume("\n") {
			return fmt.Errorf("parse git commit: parent %d: trailing data", i)
		}
	}

	if !sc.consume("author ") {
		return fmt.Errorf("parse git commit: author: missing line")
	}
	var err error
	c.Author, c.AuthorTime, err = sc.consumeUser()
	if err != nil {
		return fmt.Errorf("parse git commit: author: %w", err)
	}

	if !sc.consume("committer ") {
		return fmt.Errorf("parse git commit: committer: missing line")
	}
	c.Committer, c.CommitTime, err = sc.consumeUser()
	if err != nil {
		return fmt.Errorf("parse git commit: committer: %w", err)
	}

	var extra strings.Builder
	for {
		if sc.consume("gpgsig ") {
			c.GPGSignature, err = sc.consumeSignature()
			if err != nil {
				return fmt.Errorf("parse git commit: gpg signature: %w", err)
			}
			break
		}
		line, ok := sc.peekLine()
		if !ok {
			return fmt.Errorf("parse git commit: message: expect blank line after header")
		}
		if len(line) == 0 {
			break
		}
		extra.Write(sc.takeLine())
	}
	c.Extra = CommitFields(strings.TrimSuffix(extra.String(), "\n"))
	if !sc.consume("\n") {
		return fmt.Errorf("parse git commit: message: expect blank line after header")
	}
	c.Message = string(sc.data)
	return nil
}

// MarshalText is equivalent to MarshalBinary.
func (c *Commit) MarshalText() ([]byte, error) {
	return c.MarshalBinary()
}

// MarshalBinary encodes the commit into the Git object wire format.
func (c *Commit) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "tree %x\n", c.Tree)
	for _, par := range c.Parents {
		fmt.Fprintf(buf, "parent %x\n", par)
	}
	if err := writeIdentityLine(buf, "author", c.Author, c.AuthorTime); err != nil {
		return nil, fmt.Errorf("marshal git commit: %w", err)
	}
	if err := writeIdentityLine(buf, "committer", c.Committer, c.CommitTime); err != nil {
		return nil, fmt.Errorf("marshal git commit: %w", err)
	}
	if !c.Extra.IsValid() {
		return nil, fmt.Errorf("marshal git commit: extra headers not valid")
	}
	if len(c.Extra) > 0 {
		buf.WriteString(string(c.Extra))
		buf.WriteString("\n")
	}
	if err := writeGPGSignature(buf, c.GPGSignature); err != nil {
		return nil, fmt.Errorf("marshal git commit: %w", err)
	}
	buf.WriteString("\n")
	buf.WriteString(c.Message)
	return buf.Bytes(), nil
}

// SHA1 computes the digest this commit would be stored under -- its
// "commit hash."
func (c *Commit) SHA1() githash.SHA1 {
	h := sha1.New()
	s, err := c.MarshalText()
	if err != nil {
		panic(err)
	}
	h.Write(AppendPrefix(nil, TypeCommit, int64(len(s))))
	h.Write(s)
	var digest githash.SHA1
	h.Sum(digest[:0])
	return digest
}

// Summary returns the message's first line.
func (c *Commit) Summary() string {
	if i := strings.IndexByte(c.Message, '\n'); i != -1 {
		return c.Message[:i]
	}
	return c.Message
}

func writeIdentityLine(w io.Writer, field string, u User, t time.Time) error {
	if !isSafeForHeader(string(u)) {
		return fmt.Errorf("%s: %q contains unsafe characters", field, u)
	}
	_, err := fmt.Fprintf(w, "%s %s %d %s\n", field, u, t.Unix(), formatTZOffset(t))
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

// formatTZOffset renders t's zone the way Git records it: as a literal
// numeric offset, unless the zone's own name happens to already be one
// (which preserves round-tripping commits carrying unusual zone data).
func formatTZOffset(t time.Time) string {
	name, offset := t.Zone()
	if got, err := parseTZOffset([]byte(name)); err == nil && offset == got {
		return name
	}
	return t.Format("-0700")
}

// commitScanner walks a commit's serialized bytes left to right,
// consuming recognized header syntax as it goes.
type commitScanner struct {
	data []byte
}

// consume reports whether the remaining data starts with prefix, and
// if so advances past it.
func (sc *commitScanner) consume(prefix string) bool {
	if len(sc.data) < len(prefix) || string(sc.data[:len(prefix)]) != prefix {
		return false
	}
	sc.data = sc.data[len(prefix):]
	return true
}

// consumeHexInto decodes exactly enough leading hex digits to fill
// dst and advances past them.
func (sc *commitScanner) consumeHexInto(dst []byte) error {
	n := hex.EncodedLen(len(dst))
	if len(sc.data) < n {
		return io.ErrUnexpectedEOF
	}
	if _, err := hex.Decode(dst, sc.data[:n]); err != nil {
		return err
	}
	sc.data = sc.data[n:]
	return nil
}

// takeLine consumes and returns the next line, including its
// terminating newline. The caller must have already confirmed a
// newline exists via peekLine.
func (sc *commitScanner) takeLine() []byte {
	i := bytes.IndexByte(sc.data, '\n')
	line := sc.data[:i+1]
	sc.data = sc.data[i+1:]
	return line
}

// peekLine reports whether a complete newline-terminated line remains
// and returns it without consuming it (excluding the newline).
func (sc *commitScanner) peekLine() (line []byte, ok bool) {
	i := bytes.IndexByte(sc.data, '\n')
	if i == -1 {
		return nil, false
	}
	return sc.data[:i], true
}

// consumeUser parses an identity line of the form
// "Name <email> <unix-seconds> <tz-offset>\n" and advances past it.
func (sc *commitScanner) consumeUser() (User, time.Time, error) {
	eol := bytes.IndexByte(sc.data, '\n')
	if eol == -1 {
		return "", time.Time{}, io.ErrUnexpectedEOF
	}
	line := sc.data[:eol]
	sc.data = sc.data[eol+1:]

	// Scan from the end: the last two space-separated fields are the
	// Unix timestamp and the timezone offset, and everything before
	// them is the user string verbatim (which may itself contain
	// spaces).
	timestampEnd := bytes.LastIndexByte(line, ' ')
	if timestampEnd == -1 {
		return "", time.Time{}, fmt.Errorf("invalid format")
	}
	tzStart := timestampEnd + 1
	userEnd := bytes.LastIndexByte(line[:timestampEnd], ' ')
	if userEnd == -1 {
		return "", time.Time{}, fmt.Errorf("invalid format")
	}
	timestampStart := userEnd + 1

	seconds, err := strconv.ParseInt(string(line[timestampStart:timestampEnd]), 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse timestamp: %w", err)
	}
	tzPart := line[tzStart:]
	offsetSeconds, err := parseTZOffset(tzPart)
	if err != nil {
		return "", time.Time{}, err
	}
	zone := time.FixedZone(string(tzPart), offsetSeconds)
	return User(line[:userEnd]), time.Unix(seconds, 0).In(zone), nil
}

// consumeSignature parses a "gpgsig " header block, whose continuation
// lines (if any) each begin with a single leading space that gets
// stripped on the way out.
func (sc *commitScanner) consumeSignature() ([]byte, error) {
	i := bytes.IndexByte(sc.data, '\n')
	if i == -1 {
		return nil, fmt.Errorf("parse signature: %w", io.ErrUnexpectedEOF)
	}
	sig := append([]byte(nil), sc.data[:i+1]...)
	sc.data = sc.data[i+1:]

	for len(sc.data) > 0 && sc.data[0] == ' ' {
		i := bytes.IndexByte(sc.data, '\n')
		if i == -1 {
			return sig, fmt.Errorf("parse signature: %w", io.ErrUnexpectedEOF)
		}
		sig = append(sig, sc.data[1:i+1]...)
		sc.data = sc.data[i+1:]
	}
	return sig, nil
}

func parseTZOffset(src []byte) (int, error) {
	if len(src) < 2 || len(src) > 5 {
		return 0, fmt.Errorf("parse UTC offset %q: wrong length", src)
	}
	var sign int
	switch src[0] {
	case '-':
		sign = -1
	case '+':
		sign = 1
	default:
		return 0, fmt.Errorf("parse UTC offset %q: must start with plus or minus sign", src)
	}
	digits := src[1:]
	for _, b := range digits {
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("parse UTC offset %q: must only have digits after sign", src)
		}
	}
	hours := tzDigit(digits, -4)*10 + tzDigit(digits, -3)
	minutes := tzDigit(digits, -2)*10 + tzDigit(digits, -1)
	return (hours*60*60 + minutes*60) * sign, nil
}

func tzDigit(digits []byte, i int) int {
	i = len(digits) + i
	if i < 0 {
		return 0
	}
	return int(digits[i] - '0')
}

var gpgSignatureHeader = []byte("gpgsig")

func writeGPGSignature(w io.Writer, sig []byte) error {
	if len(sig) == 0 {
		return nil
	}
	if _, err := w.Write(gpgSignatureHeader); err != nil {
		return fmt.Errorf("write gpg signature: %w", err)
	}
	for len(sig) > 0 {
		lineEnd := bytes.IndexByte(sig, '\n')
		if lineEnd == -1 {
			return fmt.Errorf("write gpg signature: data has unterminated line")
		}
		if _, err := w.Write([]byte(" ")); err != nil {
			return fmt.Errorf("write gpg signature: %w", err)
		}
		if _, err := w.Write(sig[:lineEnd+1]); err != nil {
			return fmt.Errorf("write gpg signature: %w", err)
		}
		sig = sig[lineEnd+1:]
	}
	return nil
}

// User identifies an author or committer, formatted as Git expects:
// "Name <email@example.com>".
type User string

// MakeUser builds a User from a name and email address, rejecting
// inputs that couldn't round-trip through the commit header format.
func MakeUser(name, email string) (User, error) {
	if name != strings.TrimSpace(name) {
		return "", fmt.Errorf("make user: name %q has surrounding whitespace", name)
	}
	if strings.Contains(name, "<") {
		return "", fmt.Errorf("make user: name %q contains '<'", name)
	}
	if !isSafeForHeader(name) {
		return "", fmt.Errorf("make user: name %q contains unsafe characters", name)
	}
	if strings.Contains(email, ">") {
		return "", fmt.Errorf("make user: email %q contains '>'", email)
	}
	if !isSafeForHeader(email) {
		return "", fmt.Errorf("make user: email %q contains unsafe characters", email)
	}
	if name == "" {
		return User("<" + email + ">"), nil
	}
	return User(name + " <" + email + ">"), nil
}

// split separates a User into its name and email parts, following the
// same bracket-scanning rule as Git's split_ident_line.
func (u User) split() (name, email string) {
	s := string(u)
	nameEnd := strings.IndexByte(s, '<')
	if nameEnd == -1 {
		return strings.TrimSpace(s), ""
	}
	emailStart := nameEnd + 1
	emailEnd := strings.IndexByte(s[emailStart:], '>')
	if emailEnd == -1 {
		return strings.TrimSpace(s), ""
	}
	emailEnd += emailStart
	return strings.TrimSpace(s[:nameEnd]), s[emailStart:emailEnd]
}

// Name returns the user's name, with no email portion.
func (u User) Name() string {
	name, _ := u.split()
	return name
}

// Email returns the user's email address, or "" if absent.
func (u User) Email() string {
	_, email := u.split()
	return email
}

// CommitFields is a block of header-style lines, conventionally "key
// value" pairs where a value may continue onto following lines that
// each begin with a single space.
type CommitFields string

// IsValid reports whether fields can be embedded in a commit header:
// no leading or trailing newline, no blank line, and no NUL.
func (fields CommitFields) IsValid() bool {
	s := string(fields)
	return !strings.HasPrefix(s, "\n") &&
		!strings.HasSuffix(s, "\n") &&
		!strings.Contains(s, "\n\n") &&
		!strings.Contains(s, "\x00")
}

// Cut splits off the first field (including any continuation lines)
// from the rest.
func (fields CommitFields) Cut() (head, tail CommitFields) {
	for i := 0; ; {
		eol := strings.IndexByte(string(fields[i:]), '\n')
		if eol == -1 {
			return fields, ""
		}
		eol += i
		if !strings.HasPrefix(string(fields[eol+1:]), " ") {
			return fields[:eol], fields[eol+1:]
		}
		i = eol + 1 // continuation line: keep scanning
	}
}

// First returns the key and (continuation-normalized) value of the
// first field.
func (fields CommitFields) First() (key, value string) {
	field, _ := fields.Cut()
	key, value = field.cutKV()
	value = normalizeContinuations(value)
	return
}

// cutKV splits a single field (already isolated by Cut) into its key
// and raw value.
func (field CommitFields) cutKV() (key, value string) {
	firstLine := string(field)
	if eol := strings.IndexByte(firstLine, '\n'); eol != -1 {
		firstLine = firstLine[:eol]
	}
	if sp := strings.IndexByte(firstLine, ' '); sp != -1 {
		return firstLine[:sp], string(field[sp+1:])
	}
	return firstLine, string(field[len(firstLine):])
}

// Get returns the normalized value of the first field named key, or
// "" if no such field exists.
func (fields CommitFields) Get(key string) string {
	for fields != "" {
		head, tail := fields.Cut()
		k, v := head.cutKV()
		if k == key {
			return normalizeContinuations(v)
		}
		fields = tail
	}
	return ""
}

func normalizeContinuations(s string) string {
	return strings.ReplaceAll(s, "\n ", "\n")
}

// isSafeForHeader reports whether s may appear as an element of a
// commit header field.
func isSafeForHeader(s string) bool {
	return !strings.ContainsAny(s, "\x00\n")
}
