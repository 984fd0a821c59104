/*
Copyright 2025 The Quarry Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package repopath

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quarrydev/quarry/errorutil"
)

func TestResolve(t *testing.T) {
	locator := NewLocator("/srv/repos")
	path, err := locator.Resolve("alice", "widgets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sum := sha256.Sum256([]byte("alice"))
	h := hex.EncodeToString(sum[:])
	expected := filepath.Join("/srv/repos", h[0:2], h[2:4], "alice", "widgets.git")
	if path != expected {
		t.Errorf("got %q, expected %q", path, expected)
	}
	if !strings.HasPrefix(path, "/srv/repos/") {
		t.Errorf("resolved path %q escapes the root", path)
	}
}

func TestResolveRejectsBadIdentifiers(t *testing.T) {
	locator := NewLocator("/srv/repos")
	var testCases = []struct {
		name        string
		owner, repo string
	}{
		{name: "empty owner", owner: "", repo: "widgets"},
		{name: "dot owner", owner: ".", repo: "widgets"},
		{name: "dot-dot repo", owner: "alice", repo: ".."},
		{name: "leading dash", owner: "-alice", repo: "widgets"},
		{name: "leading dot", owner: ".alice", repo: "widgets"},
		{name: "slash in repo", owner: "alice", repo: "a/b"},
		{name: "traversal in repo", owner: "alice", repo: "../../etc"},
		{name: "NUL in owner", owner: "ali\x00ce", repo: "widgets"},
		{name: "too long", owner: strings.Repeat("a", 64), repo: "widgets"},
		{name: "unicode owner", owner: "ألِس", repo: "widgets"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := locator.Resolve(testCase.owner, testCase.repo)
			if !errorutil.IsKind(err, errorutil.InvalidRepository) {
				t.Errorf("%s: got %v, expected InvalidRepository", testCase.name, err)
			}
		})
	}
}

func TestResolveAcceptsBoundaryIdentifiers(t *testing.T) {
	locator := NewLocator("/srv/repos")
	for _, id := range []string{"a", "A1", "a.b-c_d", strings.Repeat("a", 63)} {
		if _, err := locator.Resolve(id, id); err != nil {
			t.Errorf("identifier %q: unexpected error: %v", id, err)
		}
	}
}
