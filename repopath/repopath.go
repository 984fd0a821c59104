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

// Package repopath maps owner/name pairs to on-disk bare repository
// locations. Two hash-prefix directories keep any single directory from
// accumulating more than a few thousand entries.
package repopath

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"

	"github.com/quarrydev/quarry/errorutil"
)

// identifierPattern bounds owner and repository names: leading
// alphanumeric, then up to 62 more of [A-Za-z0-9._-].
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// Locator derives repository paths under a fixed root.
type Locator struct {
	root string
}

// NewLocator returns a Locator rooted at repositoryRoot. The root is not
// created; callers own directory provisioning.
func NewLocator(repositoryRoot string) *Locator {
	return &Locator{root: repositoryRoot}
}

// Root returns the configured repository root.
func (l *Locator) Root() string {
	return l.root
}

// Resolve maps owner/name to RepositoryRoot/h[:2]/h[2:4]/owner/name.git
// where h is the hex SHA-256 of owner.
func (l *Locator) Resolve(owner, name string) (string, error) {
	if err := ValidateIdentifier(owner); err != nil {
		return "", err
	}
	if err := ValidateIdentifier(name); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(owner))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(l.root, h[0:2], h[2:4], owner, name+".git"), nil
}

// ValidateIdentifier checks an owner or repository name against the
// identifier grammar. Dot and dot-dot are rejected by the leading
// character rule but are checked explicitly anyway.
func ValidateIdentifier(id string) error {
	if id == "." || id == ".." {
		return errorutil.New(errorutil.InvalidRepository, "identifier %q is reserved", id)
	}
	if !identifierPattern.MatchString(id) {
		return errorutil.New(errorutil.InvalidRepository, "identifier %q is not a valid owner or repository name", id)
	}
	return nil
}
