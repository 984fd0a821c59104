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

// Package storage implements the content-addressed object stores behind
// Git LFS: a confined local filesystem backend and an S3 backend. Objects
// are immutable and identified solely by the lowercase hex SHA-256 of
// their content.
package storage

import (
	"context"
	"io"
	"regexp"
	"time"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/store"
)

// oidPattern is the only accepted object identifier shape.
var oidPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidOID reports whether oid is a lowercase 64-hex-digit SHA-256.
func ValidOID(oid string) bool {
	return oidPattern.MatchString(oid)
}

// CheckOID returns an InvalidInput error for malformed identifiers.
func CheckOID(oid string) error {
	if !ValidOID(oid) {
		return errorutil.New(errorutil.InvalidInput, "malformed oid %q", oid)
	}
	return nil
}

// ObjectInfo describes a stored object during enumeration.
type ObjectInfo struct {
	OID      string
	Size     int64
	Modified time.Time
}

// Backend stores immutable content-addressed objects.
type Backend interface {
	// Name identifies the backend kind for persistence rows.
	Name() store.StorageBackend
	// Get opens the object for reading.
	Get(ctx context.Context, oid string) (io.ReadCloser, error)
	// Put writes the object's content and returns the byte count. Putting
	// the same oid twice is allowed; content equality is guaranteed by
	// the address.
	Put(ctx context.Context, oid string, content io.Reader) (int64, error)
	// Delete removes the object. Deleting an absent object is not an error.
	Delete(ctx context.Context, oid string) error
	// Exists reports object presence.
	Exists(ctx context.Context, oid string) (bool, error)
	// List enumerates all stored objects in lexicographic oid order.
	List(ctx context.Context) ([]ObjectInfo, error)
}
