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

package store

import (
	"context"
	"time"
)

// RepoStore resolves repositories and permissions.
type RepoStore interface {
	GetRepository(ctx context.Context, owner, name string) (*Repository, error)
	GetRepositoryByID(ctx context.Context, repoID int64) (*Repository, error)
	ListRepositories(ctx context.Context) ([]*Repository, error)
	DeleteRepository(ctx context.Context, repoID int64) error
	// Access returns the level the user holds on the repository.
	// Anonymous users are represented by userID 0.
	Access(ctx context.Context, userID, repoID int64) (AccessLevel, error)
}

// KeyStore looks up SSH keys by fingerprint.
type KeyStore interface {
	GetKeyByFingerprint(ctx context.Context, fingerprint string) (*SSHKey, error)
	AddKey(ctx context.Context, key *SSHKey) error
	GetUser(ctx context.Context, userID int64) (*User, error)
}

// LFSMetaStore tracks LFS object references, quota sums, and the
// bandwidth ledger. Quota counters are updated in the same transaction
// as the object row so the two cannot drift.
type LFSMetaStore interface {
	GetLFSObject(ctx context.Context, repoID int64, oid string) (*LFSObject, error)
	UpsertLFSObject(ctx context.Context, obj *LFSObject) error
	// MarkLFSObjectPresent flips present and checksum_verified after a
	// successful verify.
	MarkLFSObjectPresent(ctx context.Context, repoID int64, oid string) error
	DeleteLFSObject(ctx context.Context, repoID int64, oid string) error
	ListLFSObjects(ctx context.Context, repoID int64) ([]*LFSObject, error)
	// CountLFSReferences reports how many repositories reference the OID;
	// blobs may only be removed at zero.
	CountLFSReferences(ctx context.Context, oid string) (int, error)
	// SumLFSSize returns the cumulative byte count referenced by a repo.
	SumLFSSize(ctx context.Context, repoID int64) (int64, error)
	// SumLFSSizeByOwner returns the cumulative byte count across all of
	// an owner's repositories.
	SumLFSSizeByOwner(ctx context.Context, ownerID int64) (int64, error)
	RecordBandwidth(ctx context.Context, rec *BandwidthRecord) error
	SumBandwidth(ctx context.Context, repoID int64, op BandwidthOp, from, to time.Time) (int64, error)
}

// ActionsStore persists workflows, runs, jobs, runners, and secrets.
type ActionsStore interface {
	UpsertWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, workflowID int64) (*Workflow, error)
	ListWorkflows(ctx context.Context, repoID int64) ([]*Workflow, error)

	// CreateRun inserts the run with a freshly allocated run number,
	// computed as max(run_number)+1 for the repository in the same
	// transaction as the insert.
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, runID int64) (*WorkflowRun, error)
	ListRunsByStatus(ctx context.Context, status RunStatus) ([]*WorkflowRun, error)
	// UpdateRunStatus applies a transition; implementations only update
	// the row, the caller owns state-machine validation.
	UpdateRunStatus(ctx context.Context, run *WorkflowRun) error

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID int64) (*Job, error)
	ListQueuedJobs(ctx context.Context) ([]*Job, error)
	ListJobsByRun(ctx context.Context, runID int64) ([]*Job, error)
	ListJobsByRunner(ctx context.Context, runnerID int64) ([]*Job, error)
	// ClaimJob atomically assigns the job to the runner iff the job is
	// still queued; it returns false when another dispatcher won.
	ClaimJob(ctx context.Context, jobID, runnerID int64) (bool, error)
	// ReleaseJob returns an in-progress job to the queue, clearing its
	// runner assignment.
	ReleaseJob(ctx context.Context, jobID int64) error
	UpdateJob(ctx context.Context, job *Job) error

	CreateRunner(ctx context.Context, runner *Runner) error
	GetRunnerByUUID(ctx context.Context, uuid string) (*Runner, error)
	ListRunners(ctx context.Context) ([]*Runner, error)
	UpdateRunner(ctx context.Context, runner *Runner) error

	UpsertSecret(ctx context.Context, secret *Secret) error
	// GetSecret prefers a repo-scoped entry over an org-scoped one.
	GetSecret(ctx context.Context, ownerID, repoID int64, name string) (*Secret, error)
}
