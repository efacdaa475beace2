// Zaparoo Core
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Zaparoo Core.
//
// Zaparoo Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Zaparoo Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Zaparoo Core.  If not, see <http://www.gnu.org/licenses/>.

package telemetry

import (
	"testing"

	"pgregory.net/rapid"
)

// TestPropertySanitizePathIdempotent verifies sanitizing twice gives the
// same result as sanitizing once: a username already replaced with
// "<user>" is matched again by the same pattern, and replacing it again
// must leave the path unchanged.
func TestPropertySanitizePathIdempotent(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		path := rapid.StringMatching(`(/home/[a-zA-Z0-9_]{1,12}/)?[a-zA-Z0-9_\-./]{0,40}`).Draw(t, "path")

		once := sanitizePath(path)
		twice := sanitizePath(once)

		if once != twice {
			t.Fatalf("not idempotent: first=%q, second=%q", once, twice)
		}
	})
}

// TestPropertySanitizePathDeterministic verifies the same input always
// produces the same output.
func TestPropertySanitizePathDeterministic(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		path := rapid.StringMatching(`[a-zA-Z0-9_\-./\\:]{0,60}`).Draw(t, "path")

		if sanitizePath(path) != sanitizePath(path) {
			t.Fatalf("non-deterministic output for %q", path)
		}
	})
}

// TestPropertySanitizePathStripsHomeUsername verifies any /home/<name>/
// segment never survives sanitization verbatim.
func TestPropertySanitizePathStripsHomeUsername(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		username := rapid.StringMatching(`[a-zA-Z0-9_]{1,16}`).Draw(t, "username")
		rest := rapid.StringMatching(`[a-zA-Z0-9_\-./]{0,30}`).Draw(t, "rest")
		path := "/home/" + username + "/" + rest

		result := sanitizePath(path)

		if result == path && username != "" {
			t.Fatalf("username %q survived sanitization in %q", username, path)
		}
	})
}
