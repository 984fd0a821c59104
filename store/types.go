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

// Package store defines the persistence contract consumed by the forge
// core. The relational schema behind it is deliberately opaque; the core
// only depends on the operations declared here.
package store

import (
	"strings"
	"time"
	"unicode"
)

// AccessLevel is the permission a user holds on a repository.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
)

// User is a forge account.
type User struct {
	ID    int64
	Name  string
	Email string
}

// SSHKey is a public key bound to a user. Only the wire-format blob and
// derived metadata are stored, never private material.
type SSHKey struct {
	ID int64
	// OwnerID is the user the key authenticates as.
	OwnerID int64
	// Blob is the SSH wire-format public key.
	Blob []byte
	// Fingerprint is the base64 SHA-256 of Blob, unique across active keys.
	Fingerprint string
	// Algorithm is the SSH key algorithm name, e.g. ssh-ed25519.
	Algorithm string
	// Comment is free-form; control characters are stripped on ingest.
	Comment string
	Created time.Time
}

// SanitizeKeyComment strips control characters from a key comment.
func SanitizeKeyComment(comment string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, comment)
}

// Repository is the metadata row backing a bare on-disk repository.
type Repository struct {
	ID            int64
	OwnerID       int64
	OwnerName     string
	Name          string
	DefaultBranch string
	IsPrivate     bool
	IsArchived    bool
	SizeBytes     int64
}

// StorageBackend names where an LFS object's bytes live.
type StorageBackend string

const (
	BackendFilesystem StorageBackend = "filesystem"
	BackendS3         StorageBackend = "s3"
)

// LFSObject is the per-repository reference to a content-addressed blob.
type LFSObject struct {
	RepositoryID int64
	// OID is the lowercase hex SHA-256 of the content.
	OID              string
	Size             int64
	Backend          StorageBackend
	Present          bool
	ChecksumVerified bool
	CreatedAt        time.Time
}

// BandwidthOp distinguishes ledger directions.
type BandwidthOp string

const (
	BandwidthUpload   BandwidthOp = "upload"
	BandwidthDownload BandwidthOp = "download"
)

// BandwidthRecord is one ledger entry.
type BandwidthRecord struct {
	RepositoryID int64
	Op           BandwidthOp
	Bytes        int64
	Timestamp    time.Time
}

// TriggerEvent enumerates the events that can start a workflow run.
type TriggerEvent string

const (
	EventPush               TriggerEvent = "push"
	EventPullRequest        TriggerEvent = "pull_request"
	EventSchedule           TriggerEvent = "schedule"
	EventWorkflowDispatch   TriggerEvent = "workflow_dispatch"
	EventRepositoryDispatch TriggerEvent = "repository_dispatch"
)

// RunStatus is the lifecycle position of a run or job.
type RunStatus string

const (
	StatusQueued     RunStatus = "queued"
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
)

// RunConclusion is the terminal outcome of a completed run or job.
type RunConclusion string

const (
	ConclusionSuccess   RunConclusion = "success"
	ConclusionFailure   RunConclusion = "failure"
	ConclusionCancelled RunConclusion = "cancelled"
	ConclusionTimedOut  RunConclusion = "timed_out"
)

// Workflow is a parsed CI document committed into a repository.
type Workflow struct {
	ID           int64
	RepositoryID int64
	// FilePath is the path under .github/workflows, unique per repo.
	FilePath string
	Source   string
	IsActive bool
}

// WorkflowRun is one execution of a workflow.
type WorkflowRun struct {
	ID         int64
	WorkflowID int64
	// RepositoryID is denormalized for run-number allocation.
	RepositoryID int64
	// RunNumber increases monotonically per repository.
	RunNumber      int64
	TriggerEvent   TriggerEvent
	CommitSHA      string
	Branch         string
	ActorID        int64
	Status         RunStatus
	Conclusion     RunConclusion
	TimeoutMinutes int
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Job is a unit of work within a run.
type Job struct {
	ID         int64
	RunID      int64
	Name       string
	Labels     []string
	Status     RunStatus
	Conclusion RunConclusion
	// RunnerID is zero until a runner claims the job.
	RunnerID int64
}

// RunnerStatus is the liveness state of a registered runner.
type RunnerStatus string

const (
	RunnerOnline  RunnerStatus = "online"
	RunnerOffline RunnerStatus = "offline"
	RunnerBusy    RunnerStatus = "busy"
)

// Runner is an external agent that polls for jobs.
type Runner struct {
	ID      int64
	UUID    string
	Name    string
	OwnerID int64
	// RepositoryID is 0 for org-scoped runners.
	RepositoryID int64
	// TokenHash is the SHA-256 of the authentication token; the token
	// itself is returned once at registration and never stored.
	TokenHash []byte
	Labels    []string
	Status    RunnerStatus
	LastSeen  time.Time
}

// Secret is ciphertext bound to an owner and optionally a repository.
// Plaintext never passes through the store.
type Secret struct {
	OwnerID      int64
	RepositoryID int64
	Name         string
	Ciphertext   []byte
	CreatedAt    time.Time
}
