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
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/store"
)

// FilesystemBackend stores objects under LFSRoot/oid[0:2]/oid[2:4]/oid.
type FilesystemBackend struct {
	root string
}

// NewFilesystemBackend canonicalizes and remembers the storage root,
// creating it if needed.
func NewFilesystemBackend(root string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, errors.Wrap(err, "creating LFS root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolving LFS root")
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.Wrap(err, "resolving LFS root")
	}
	return &FilesystemBackend{root: resolved}, nil
}

// Root returns the canonicalized storage root.
func (b *FilesystemBackend) Root() string {
	return b.root
}

func (b *FilesystemBackend) Name() store.StorageBackend {
	return store.BackendFilesystem
}

// objectPath derives and confines the path for an oid. Any resolved path
// that does not keep the root as a prefix is a traversal attempt.
func (b *FilesystemBackend) objectPath(oid string) (string, error) {
	if err := CheckOID(oid); err != nil {
		return "", err
	}
	path := filepath.Join(b.root, oid[0:2], oid[2:4], oid)
	return b.confine(path)
}

// confine resolves symlinks in path (tolerating a not-yet-existing leaf)
// and verifies the result stays under the root.
func (b *FilesystemBackend) confine(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", errorutil.Wrap(errorutil.BackendError, err, "resolving %q", path)
		}
		// The leaf may not exist yet (e.g. before a Put); confine the
		// nearest existing ancestor instead.
		parent, err := b.confineExistingAncestor(filepath.Dir(path))
		if err != nil {
			return "", err
		}
		resolved = filepath.Join(parent, filepath.Base(path))
	}
	if resolved != b.root && !strings.HasPrefix(resolved, b.root+string(filepath.Separator)) {
		return "", errorutil.New(errorutil.PathTraversalAttempt, "path %q escapes the storage root", path)
	}
	return resolved, nil
}

func (b *FilesystemBackend) confineExistingAncestor(dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err == nil {
		if resolved != b.root && !strings.HasPrefix(resolved, b.root+string(filepath.Separator)) {
			return "", errorutil.New(errorutil.PathTraversalAttempt, "path %q escapes the storage root", dir)
		}
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", errorutil.Wrap(errorutil.BackendError, err, "resolving %q", dir)
	}
	parent := filepath.Dir(dir)
	if parent == dir {
		return "", errorutil.New(errorutil.PathTraversalAttempt, "no existing ancestor for %q", dir)
	}
	resolvedParent, err := b.confineExistingAncestor(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(dir)), nil
}

func (b *FilesystemBackend) Get(_ context.Context, oid string) (io.ReadCloser, error) {
	path, err := b.objectPath(oid)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errorutil.New(errorutil.ObjectNotFound, "object %s", oid)
		}
		return nil, errorutil.Wrap(errorutil.BackendError, err, "opening object %s", oid)
	}
	return f, nil
}

// Put writes content to a temporary file in the target directory and
// renames it into place, so concurrent writers of the same oid cannot
// observe partial content.
func (b *FilesystemBackend) Put(_ context.Context, oid string, content io.Reader) (int64, error) {
	path, err := b.objectPath(oid)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, errorutil.Wrap(errorutil.BackendError, err, "creating object directory")
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, errorutil.Wrap(errorutil.BackendError, err, "creating temporary upload file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	written, err := io.Copy(tmp, content)
	if err != nil {
		return 0, errorutil.Wrap(errorutil.BackendError, err, "writing object %s", oid)
	}
	if err := tmp.Close(); err != nil {
		return 0, errorutil.Wrap(errorutil.BackendError, err, "closing object %s", oid)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, errorutil.Wrap(errorutil.BackendError, err, "placing object %s", oid)
	}
	return written, nil
}

func (b *FilesystemBackend) Delete(_ context.Context, oid string) error {
	path, err := b.objectPath(oid)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errorutil.Wrap(errorutil.BackendError, err, "deleting object %s", oid)
	}
	return nil
}

func (b *FilesystemBackend) Exists(_ context.Context, oid string) (bool, error) {
	path, err := b.objectPath(oid)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errorutil.Wrap(errorutil.BackendError, err, "checking object %s", oid)
	}
	return true, nil
}

// List walks the two-level fan-out and returns objects in lexicographic
// order. Entries whose names could traverse are skipped, not errors: a
// hostile entry in the storage tree must not break enumeration.
func (b *FilesystemBackend) List(_ context.Context) ([]ObjectInfo, error) {
	var out []ObjectInfo
	firsts, err := b.safeReadDir(b.root)
	if err != nil {
		return nil, err
	}
	for _, first := range firsts {
		if !first.IsDir() {
			continue
		}
		seconds, err := b.safeReadDir(filepath.Join(b.root, first.Name()))
		if err != nil {
			return nil, err
		}
		for _, second := range seconds {
			if !second.IsDir() {
				continue
			}
			dir := filepath.Join(b.root, first.Name(), second.Name())
			leaves, err := b.safeReadDir(dir)
			if err != nil {
				return nil, err
			}
			for _, leaf := range leaves {
				if leaf.IsDir() || !ValidOID(leaf.Name()) {
					continue
				}
				resolved, err := b.confine(filepath.Join(dir, leaf.Name()))
				if err != nil {
					if errorutil.IsKind(err, errorutil.PathTraversalAttempt) {
						continue
					}
					return nil, err
				}
				info, err := os.Stat(resolved)
				if err != nil {
					continue
				}
				out = append(out, ObjectInfo{OID: leaf.Name(), Size: info.Size(), Modified: info.ModTime()})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OID < out[j].OID })
	return out, nil
}

// safeReadDir lists a directory, dropping entries whose names are
// absolute, contain NUL or ever-dangerous sequences, or are dot-prefixed.
// Entries come back in os.ReadDir's filename order.
func (b *FilesystemBackend) safeReadDir(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errorutil.Wrap(errorutil.BackendError, err, "listing %q", dir)
	}
	kept := entries[:0]
	for _, entry := range entries {
		name := entry.Name()
		if strings.Contains(name, "..") || filepath.IsAbs(name) ||
			strings.ContainsRune(name, 0) || strings.HasPrefix(name, ".") {
			continue
		}
		kept = append(kept, entry)
	}
	return kept, nil
}
