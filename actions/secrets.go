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

package actions

import (
	"context"
	"regexp"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/store"
)

// secretNameRe matches environment-variable style secret names.
var secretNameRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]{0,254}$`)

// Secrets stores and resolves secret ciphertext. Encryption happens in
// the caller before the bytes reach this layer; plaintext never does.
type Secrets struct {
	actions store.ActionsStore
}

// NewSecrets wires the secret layer.
func NewSecrets(actions store.ActionsStore) *Secrets {
	return &Secrets{actions: actions}
}

// Put stores ciphertext under an owner scope (repoID 0) or a repository
// scope. An existing entry with the same scope and name is replaced.
func (s *Secrets) Put(ctx context.Context, ownerID, repoID int64, name string, ciphertext []byte) error {
	if !secretNameRe.MatchString(name) {
		return errorutil.New(errorutil.InvalidInput, "secret name %q must match %s", name, secretNameRe)
	}
	if len(ciphertext) == 0 {
		return errorutil.New(errorutil.InvalidInput, "secret %q has empty ciphertext", name)
	}
	return s.actions.UpsertSecret(ctx, &store.Secret{
		OwnerID:      ownerID,
		RepositoryID: repoID,
		Name:         name,
		Ciphertext:   ciphertext,
	})
}

// Get resolves a secret for a run, preferring the repository scope over
// the owner scope.
func (s *Secrets) Get(ctx context.Context, ownerID, repoID int64, name string) (*store.Secret, error) {
	return s.actions.GetSecret(ctx, ownerID, repoID, name)
}
