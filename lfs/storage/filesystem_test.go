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
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/quarrydev/quarry/errorutil"
)

func randomObject(t *testing.T, size int) (string, []byte) {
	t.Helper()
	content := make([]byte, size)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("generating content: %v", err)
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), content
}

func TestFilesystemRoundTrip(t *testing.T) {
	backend, err := NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	ctx := context.Background()
	oid, content := randomObject(t, 1<<20)

	written, err := backend.Put(ctx, oid, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if written != int64(len(content)) {
		t.Errorf("put wrote %d bytes, expected %d", written, len(content))
	}
	exists, err := backend.Exists(ctx, oid)
	if err != nil || !exists {
		t.Fatalf("exists: %t, %v", exists, err)
	}
	reader, err := backend.Get(ctx, oid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer reader.Close()
	roundTripped, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("reading object: %v", err)
	}
	if !bytes.Equal(roundTripped, content) {
		t.Error("round-tripped content differs from the original")
	}
	sum := sha256.Sum256(roundTripped)
	if hex.EncodeToString(sum[:]) != oid {
		t.Error("round-tripped content does not hash to its oid")
	}
}

func TestFilesystemFanOutLayout(t *testing.T) {
	backend, err := NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	oid, content := randomObject(t, 16)
	if _, err := backend.Put(context.Background(), oid, bytes.NewReader(content)); err != nil {
		t.Fatalf("put: %v", err)
	}
	expected := filepath.Join(backend.Root(), oid[0:2], oid[2:4], oid)
	if _, err := os.Stat(expected); err != nil {
		t.Errorf("object not at the fan-out path %q: %v", expected, err)
	}
}

func TestFilesystemRejectsMalformedOIDs(t *testing.T) {
	backend, err := NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	ctx := context.Background()
	for _, oid := range []string{
		"",
		"../../etc/passwd",
		"AA" + string(bytes.Repeat([]byte("a"), 62)),
		"zz" + string(bytes.Repeat([]byte("a"), 62)),
		"abc",
	} {
		if _, err := backend.Get(ctx, oid); !errorutil.IsKind(err, errorutil.InvalidInput) {
			t.Errorf("oid %q: got %v, expected InvalidInput", oid, err)
		}
	}
}

func TestFilesystemSymlinkTraversalBlocked(t *testing.T) {
	root := t.TempDir()
	backend, err := NewFilesystemBackend(root)
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	oid, _ := randomObject(t, 1)

	// plant a symlink at the fan-out directory pointing outside the root
	outside := t.TempDir()
	if err := os.MkdirAll(filepath.Join(backend.Root(), oid[0:2]), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(backend.Root(), oid[0:2], oid[2:4])); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outside, oid), []byte("x"), 0o600); err != nil {
		t.Fatalf("writing decoy: %v", err)
	}

	if _, err := backend.Get(context.Background(), oid); !errorutil.IsKind(err, errorutil.PathTraversalAttempt) {
		t.Errorf("got %v, expected PathTraversalAttempt", err)
	}
}

func TestFilesystemListSortedAndFiltered(t *testing.T) {
	backend, err := NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	ctx := context.Background()
	var oids []string
	for i := 0; i < 5; i++ {
		oid, content := randomObject(t, 32)
		if _, err := backend.Put(ctx, oid, bytes.NewReader(content)); err != nil {
			t.Fatalf("put: %v", err)
		}
		oids = append(oids, oid)
	}
	sort.Strings(oids)

	// hostile and stray entries the iterator must skip
	if err := os.MkdirAll(filepath.Join(backend.Root(), ".hidden"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(backend.Root(), "README"), []byte("x"), 0o600); err != nil {
		t.Fatalf("writing stray file: %v", err)
	}

	listed, err := backend.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != len(oids) {
		t.Fatalf("listed %d objects, expected %d", len(listed), len(oids))
	}
	for i, info := range listed {
		if info.OID != oids[i] {
			t.Errorf("position %d: got %s, expected %s (listing must be sorted)", i, info.OID, oids[i])
		}
		if info.Size != 32 {
			t.Errorf("object %s: got size %d, expected 32", info.OID, info.Size)
		}
	}
}

func TestFilesystemDeleteIdempotent(t *testing.T) {
	backend, err := NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	ctx := context.Background()
	oid, content := randomObject(t, 8)
	if _, err := backend.Put(ctx, oid, bytes.NewReader(content)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := backend.Delete(ctx, oid); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := backend.Delete(ctx, oid); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}
