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
	"time"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/store"
)

// QuotaPolicy bounds cumulative LFS storage. A zero limit means
// unlimited.
type QuotaPolicy struct {
	// MaxRepoBytes bounds the byte sum referenced by one repository.
	MaxRepoBytes int64
	// MaxOwnerBytes bounds the byte sum across an owner's repositories.
	MaxOwnerBytes int64
}

// Quota enforces the policy at upload admission and keeps the bandwidth
// ledger. Counters live in the metadata store, updated in the same
// transaction as the object rows.
type Quota struct {
	policy QuotaPolicy
	meta   store.LFSMetaStore
}

// NewQuota builds a Quota over the metadata store.
func NewQuota(policy QuotaPolicy, meta store.LFSMetaStore) *Quota {
	return &Quota{policy: policy, meta: meta}
}

// Admit checks whether size additional bytes fit within the repository
// and owner budgets.
func (q *Quota) Admit(ctx context.Context, repo *store.Repository, size int64) error {
	if size < 0 {
		return errorutil.New(errorutil.InvalidInput, "negative object size %d", size)
	}
	if q.policy.MaxRepoBytes > 0 {
		used, err := q.meta.SumLFSSize(ctx, repo.ID)
		if err != nil {
			return err
		}
		if used+size > q.policy.MaxRepoBytes {
			return errorutil.New(errorutil.StorageLimitExceeded,
				"repository %s/%s would exceed its %d byte storage limit", repo.OwnerName, repo.Name, q.policy.MaxRepoBytes)
		}
	}
	if q.policy.MaxOwnerBytes > 0 {
		used, err := q.meta.SumLFSSizeByOwner(ctx, repo.OwnerID)
		if err != nil {
			return err
		}
		if used+size > q.policy.MaxOwnerBytes {
			return errorutil.New(errorutil.StorageLimitExceeded,
				"owner of %s/%s would exceed the %d byte storage limit", repo.OwnerName, repo.Name, q.policy.MaxOwnerBytes)
		}
	}
	return nil
}

// RecordTransfer appends to the bandwidth ledger.
func (q *Quota) RecordTransfer(ctx context.Context, repoID int64, op store.BandwidthOp, bytes int64, now time.Time) error {
	return q.meta.RecordBandwidth(ctx, &store.BandwidthRecord{
		RepositoryID: repoID,
		Op:           op,
		Bytes:        bytes,
		Timestamp:    now,
	})
}

// TransferredBytes aggregates ledger entries over a time range.
func (q *Quota) TransferredBytes(ctx context.Context, repoID int64, op store.BandwidthOp, from, to time.Time) (int64, error) {
	return q.meta.SumBandwidth(ctx, repoID, op, from, to)
}
