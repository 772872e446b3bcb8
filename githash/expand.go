// Copyright 2024 The gg Authors
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

package githash

import "strings"

// ExpandRef expands a short ref name into its full form:
//
//   - "HEAD" and "FETCH_HEAD" and any name already starting with
//     "refs/" are returned unchanged.
//   - a bare name with no "/" is treated as a branch and prefixed
//     with "refs/heads/".
//   - anything else is rejected: ok is false.
//
// Names containing a "/" that aren't already a full refs/ path are
// ambiguous (a slash could be part of a branch name or the start of
// an unsupported ref category), so ExpandRef refuses to guess and
// reports ok=false rather than truncating to a partial match.
func ExpandRef(name string) (ref Ref, ok bool) {
	switch {
	case name == string(Head) || name == string(FetchHead):
		return Ref(name), true
	case strings.HasPrefix(name, "refs/"):
		return Ref(name), true
	case !strings.Contains(name, "/"):
		return BranchRef(name), true
	default:
		return "", false
	}
}
