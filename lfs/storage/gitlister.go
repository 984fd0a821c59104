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

package storage

import (
	"context"

	"github.com/quarrydev/quarry/gitexec"
)

// GitReferenceLister asks git itself which LFS objects a repository
// references.
type GitReferenceLister struct {
	git *gitexec.Client
}

// NewGitReferenceLister wraps a git executor.
func NewGitReferenceLister(git *gitexec.Client) *GitReferenceLister {
	return &GitReferenceLister{git: git}
}

// ReferencedOIDs runs `git lfs ls-files --all --long` against the
// repository and parses the full-length OIDs out of the listing.
func (g *GitReferenceLister) ReferencedOIDs(ctx context.Context, repoPath string) ([]string, error) {
	result, err := g.git.Run(ctx, repoPath, []string{"lfs", "ls-files", "--all", "--long"}, nil)
	if err != nil {
		return nil, err
	}
	return ParseLsFilesOutput(result.Stdout), nil
}
