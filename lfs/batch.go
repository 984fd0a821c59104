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

// Package lfs translates the Git LFS v2 batch protocol onto the storage
// layer: it validates object identifiers, enforces quota at admission,
// issues transfer actions, and verifies uploads before marking them
// present.
package lfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/lfs/storage"
	"github.com/quarrydev/quarry/metrics"
	"github.com/quarrydev/quarry/store"
)

// actionTTL is how long an issued transfer URL stays valid.
const actionTTL = 15 * time.Minute

// Pointer identifies one object in a batch request.
type Pointer struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// Action tells the client where to move bytes.
type Action struct {
	HRef      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// ObjectError is a per-object failure in a batch response.
type ObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ObjectResponse is the per-object slot of a batch response. An object
// that is already present on upload carries neither actions nor error.
type ObjectResponse struct {
	Pointer
	Actions map[string]*Action `json:"actions,omitempty"`
	Error   *ObjectError       `json:"error,omitempty"`
}

// BatchRequest is the LFS v2 batch body.
type BatchRequest struct {
	Operation string    `json:"operation"`
	Transfers []string  `json:"transfers,omitempty"`
	Objects   []Pointer `json:"objects"`
}

// BatchResponse is the LFS v2 batch reply.
type BatchResponse struct {
	Transfer string            `json:"transfer"`
	Objects  []*ObjectResponse `json:"objects"`
}

// Batcher answers batch requests for one storage backend.
type Batcher struct {
	meta    store.LFSMetaStore
	backend storage.Backend
	quota   *storage.Quota
	// baseURL prefixes issued hrefs, e.g. https://forge.example.com.
	baseURL string
	clock   clock.PassiveClock
	logger  *logrus.Entry
}

// NewBatcher wires the translator.
func NewBatcher(meta store.LFSMetaStore, backend storage.Backend, quota *storage.Quota, baseURL string) *Batcher {
	return &Batcher{
		meta:    meta,
		backend: backend,
		quota:   quota,
		baseURL: baseURL,
		clock:   clock.RealClock{},
		logger:  logrus.WithField("component", "lfs-batch"),
	}
}

// WithClock injects a clock for tests.
func (b *Batcher) WithClock(clk clock.PassiveClock) *Batcher {
	b.clock = clk
	return b
}

func (b *Batcher) objectURL(repo *store.Repository, oid string) string {
	return fmt.Sprintf("%s/%s/%s.git/info/lfs/objects/%s", b.baseURL, repo.OwnerName, repo.Name, oid)
}

// Upload answers an upload batch: absent objects get an upload action,
// present ones an empty slot. The target URL is a pure function of
// (repo, oid), so retried uploads land on the same key.
func (b *Batcher) Upload(ctx context.Context, repo *store.Repository, pointers []Pointer) ([]*ObjectResponse, error) {
	responses := make([]*ObjectResponse, 0, len(pointers))
	for _, pointer := range pointers {
		response := &ObjectResponse{Pointer: pointer}
		responses = append(responses, response)

		if !storage.ValidOID(pointer.OID) {
			response.Error = &ObjectError{Code: 422, Message: "malformed object id"}
			continue
		}
		if pointer.Size < 0 {
			response.Error = &ObjectError{Code: 422, Message: "negative object size"}
			continue
		}
		existing, err := b.meta.GetLFSObject(ctx, repo.ID, pointer.OID)
		if err == nil && existing.Present {
			// already stored; nothing for the client to do
			continue
		} else if err != nil && !errorutil.IsKind(err, errorutil.ObjectNotFound) {
			return nil, err
		}
		if err := b.quota.Admit(ctx, repo, pointer.Size); err != nil {
			if errorutil.IsKind(err, errorutil.StorageLimitExceeded) {
				response.Error = &ObjectError{Code: 507, Message: "storage quota exceeded"}
				continue
			}
			return nil, err
		}
		if err := b.meta.UpsertLFSObject(ctx, &store.LFSObject{
			RepositoryID: repo.ID,
			OID:          pointer.OID,
			Size:         pointer.Size,
			Backend:      b.backend.Name(),
			Present:      false,
			CreatedAt:    b.clock.Now(),
		}); err != nil {
			return nil, err
		}
		expires := b.clock.Now().Add(actionTTL)
		response.Actions = map[string]*Action{
			"upload": {HRef: b.objectURL(repo, pointer.OID), ExpiresAt: &expires},
			"verify": {HRef: b.objectURL(repo, pointer.OID) + "/verify", ExpiresAt: &expires},
		}
	}
	return responses, nil
}

// Download answers a download batch: present objects get a download
// action, everything else a per-object 404.
func (b *Batcher) Download(ctx context.Context, repo *store.Repository, pointers []Pointer) ([]*ObjectResponse, error) {
	responses := make([]*ObjectResponse, 0, len(pointers))
	for _, pointer := range pointers {
		response := &ObjectResponse{Pointer: pointer}
		responses = append(responses, response)

		if !storage.ValidOID(pointer.OID) {
			response.Error = &ObjectError{Code: 422, Message: "malformed object id"}
			continue
		}
		obj, err := b.meta.GetLFSObject(ctx, repo.ID, pointer.OID)
		if err != nil {
			if errorutil.IsKind(err, errorutil.ObjectNotFound) {
				response.Error = &ObjectError{Code: 404, Message: "object does not exist"}
				continue
			}
			return nil, err
		}
		if !obj.Present {
			response.Error = &ObjectError{Code: 404, Message: "object does not exist"}
			continue
		}
		response.Size = obj.Size
		expires := b.clock.Now().Add(actionTTL)
		response.Actions = map[string]*Action{
			"download": {HRef: b.objectURL(repo, pointer.OID), ExpiresAt: &expires},
		}
	}
	return responses, nil
}

// Verify re-reads the uploaded object, streams it through SHA-256, and
// compares hash and size against the pointer. A mismatch deletes the
// blob so a corrupt upload can never become visible.
func (b *Batcher) Verify(ctx context.Context, repo *store.Repository, oid string, size int64) error {
	if err := storage.CheckOID(oid); err != nil {
		return err
	}
	reader, err := b.backend.Get(ctx, oid)
	if err != nil {
		return err
	}
	defer reader.Close()

	hasher := sha256.New()
	counted, err := io.Copy(hasher, reader)
	if err != nil {
		return errorutil.Wrap(errorutil.BackendError, err, "reading uploaded object %s", oid)
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != oid || counted != size {
		if deleteErr := b.backend.Delete(ctx, oid); deleteErr != nil {
			b.logger.WithError(deleteErr).WithField("oid", oid).Error("Failed to delete corrupt upload.")
		}
		return errorutil.New(errorutil.InvalidChecksum,
			"uploaded object hashes to %s with %d bytes, expected %s with %d bytes", actual, counted, oid, size)
	}
	if err := b.meta.MarkLFSObjectPresent(ctx, repo.ID, oid); err != nil {
		return err
	}
	metrics.LFSBytes.WithLabelValues(string(store.BandwidthUpload)).Add(float64(size))
	return b.quota.RecordTransfer(ctx, repo.ID, store.BandwidthUpload, size, b.clock.Now())
}

// RecordDownload appends a download to the bandwidth ledger.
func (b *Batcher) RecordDownload(ctx context.Context, repoID, bytes int64) error {
	metrics.LFSBytes.WithLabelValues(string(store.BandwidthDownload)).Add(float64(bytes))
	return b.quota.RecordTransfer(ctx, repoID, store.BandwidthDownload, bytes, b.clock.Now())
}
