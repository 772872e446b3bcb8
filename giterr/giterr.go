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

// Package giterr defines the error kinds shared across the engine's
// packages so that callers can classify failures with errors.Is regardless
// of which package produced them.
package giterr

import "golang.org/x/xerrors"

// Kind is a sentinel error identifying one of the engine's error
// categories. An error built with New wraps exactly one Kind, so
// errors.Is(err, giterr.NotFound) works no matter which package raised it.
type Kind struct {
	name string
}

func (k *Kind) Error() string { return k.name }

// Error kinds. Io failures are reported as whatever the standard library
// returned, unwrapped: they do not get a Kind of their own.
var (
	// NotFound indicates an object, ref, index entry, or path is absent.
	NotFound = &Kind{"not found"}
	// Corrupt indicates a malformed header, bad magic, size mismatch,
	// zlib failure, bad padding, or bad checksum.
	Corrupt = &Kind{"corrupt"}
	// Unsupported indicates an unknown version or object type tag.
	Unsupported = &Kind{"unsupported"}
	// InvalidRef indicates a short ref name that cannot be expanded.
	InvalidRef = &Kind{"invalid ref"}
	// InvalidInput indicates a caller-supplied value failed validation.
	InvalidInput = &Kind{"invalid input"}
	// DepthExceeded indicates a cyclic symbolic ref chain or delta chain
	// exceeded its configured depth limit.
	DepthExceeded = &Kind{"depth exceeded"}
)

// New reports a new error of the given kind with the formatted message.
func New(kind *Kind, format string, args ...interface{}) error {
	msg := xerrors.Errorf(format, args...)
	return xerrors.Errorf("%s: %w", msg, kind)
}

// Wrap adds context to cause without changing its Kind. Use this when
// propagating an error that was already constructed with New (directly or
// transitively), so errors.Is against the original Kind keeps working.
func Wrap(cause error, format string, args ...interface{}) error {
	args = append(append([]interface{}{}, args...), cause)
	return xerrors.Errorf(format+": %w", args...)
}
