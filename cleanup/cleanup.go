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

// Package cleanup removes repositories and everything hanging off them.
// Deletion proceeds git tree, then LFS objects, then database rows, so
// a crash mid-way leaves orphaned rows rather than orphaned bytes; rows
// are cheap to re-sweep, bytes are not.
package cleanup

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/quarrydev/quarry/lfs/storage"
	"github.com/quarrydev/quarry/repopath"
	"github.com/quarrydev/quarry/store"
)

// Deleter tears down repositories across the git tree, the object
// store, and the database.
type Deleter struct {
	locator *repopath.Locator
	backend storage.Backend
	meta    store.LFSMetaStore
	repos   store.RepoStore
	logger  *logrus.Entry
}

// NewDeleter builds a Deleter over the given stores.
func NewDeleter(locator *repopath.Locator, backend storage.Backend, meta store.LFSMetaStore, repos store.RepoStore) *Deleter {
	return &Deleter{
		locator: locator,
		backend: backend,
		meta:    meta,
		repos:   repos,
		logger:  logrus.WithField("component", "cleanup"),
	}
}

// DeleteRepository removes the repository's git tree, its LFS objects,
// and finally its database rows, in that order. Blobs shared with
// another repository are kept; only the reference row goes.
func (d *Deleter) DeleteRepository(ctx context.Context, repo *store.Repository) error {
	logger := d.logger.WithField("repo", repo.OwnerName+"/"+repo.Name)

	dir, err := d.locator.Resolve(repo.OwnerName, repo.Name)
	if err != nil {
		return errors.Wrap(err, "resolving repository path")
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(err, "removing git tree")
	}

	objects, err := d.meta.ListLFSObjects(ctx, repo.ID)
	if err != nil {
		return errors.Wrap(err, "listing LFS objects")
	}
	for _, obj := range objects {
		if err := d.meta.DeleteLFSObject(ctx, repo.ID, obj.OID); err != nil {
			return errors.Wrapf(err, "deleting LFS reference %s", obj.OID)
		}
		refs, err := d.meta.CountLFSReferences(ctx, obj.OID)
		if err != nil {
			return errors.Wrapf(err, "counting references to %s", obj.OID)
		}
		if refs > 0 {
			continue
		}
		if err := d.backend.Delete(ctx, obj.OID); err != nil {
			return errors.Wrapf(err, "deleting blob %s", obj.OID)
		}
	}

	if err := d.repos.DeleteRepository(ctx, repo.ID); err != nil {
		return errors.Wrap(err, "deleting repository rows")
	}
	logger.WithField("lfs_objects", len(objects)).Info("Repository deleted.")
	return nil
}
