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

package memstore

import (
	"context"
	"sync"
	"testing"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/store"
)

var (
	_ store.RepoStore    = &Store{}
	_ store.KeyStore     = &Store{}
	_ store.LFSMetaStore = &Store{}
	_ store.ActionsStore = &Store{}
)

func TestRunNumberMonotonic(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		run := &store.WorkflowRun{RepositoryID: 7, Status: store.StatusQueued}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("creating run: %v", err)
		}
		if run.RunNumber != i {
			t.Errorf("run %d: got run number %d, expected %d", i, run.RunNumber, i)
		}
	}
	// a different repository starts over at 1
	other := &store.WorkflowRun{RepositoryID: 8, Status: store.StatusQueued}
	if err := s.CreateRun(ctx, other); err != nil {
		t.Fatalf("creating run: %v", err)
	}
	if other.RunNumber != 1 {
		t.Errorf("got run number %d for a fresh repository, expected 1", other.RunNumber)
	}
}

func TestRunNumberMonotonicUnderConcurrency(t *testing.T) {
	s := New()
	ctx := context.Background()
	const inserts = 50
	var wg sync.WaitGroup
	for i := 0; i < inserts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.CreateRun(ctx, &store.WorkflowRun{RepositoryID: 1, Status: store.StatusQueued}); err != nil {
				t.Errorf("creating run: %v", err)
			}
		}()
	}
	wg.Wait()
	runs, err := s.ListRunsByStatus(ctx, store.StatusQueued)
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	seen := map[int64]bool{}
	for _, run := range runs {
		if seen[run.RunNumber] {
			t.Errorf("run number %d allocated twice", run.RunNumber)
		}
		seen[run.RunNumber] = true
	}
	for i := int64(1); i <= inserts; i++ {
		if !seen[i] {
			t.Errorf("run number %d missing; the sequence has a gap", i)
		}
	}
}

func TestClaimJobCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	job := &store.Job{RunID: 1, Name: "build", Status: store.StatusQueued}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("creating job: %v", err)
	}
	won, err := s.ClaimJob(ctx, job.ID, 10)
	if err != nil || !won {
		t.Fatalf("first claim: won=%t err=%v", won, err)
	}
	won, err = s.ClaimJob(ctx, job.ID, 11)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Error("second dispatcher won a claim on an already-assigned job")
	}
	claimed, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("getting job: %v", err)
	}
	if claimed.RunnerID != 10 || claimed.Status != store.StatusInProgress {
		t.Errorf("job after claim: runner=%d status=%s", claimed.RunnerID, claimed.Status)
	}
}

func TestSecretScopePreference(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.UpsertSecret(ctx, &store.Secret{OwnerID: 1, RepositoryID: 0, Name: "TOKEN", Ciphertext: []byte("org")}); err != nil {
		t.Fatalf("upserting org secret: %v", err)
	}
	if err := s.UpsertSecret(ctx, &store.Secret{OwnerID: 1, RepositoryID: 5, Name: "TOKEN", Ciphertext: []byte("repo")}); err != nil {
		t.Fatalf("upserting repo secret: %v", err)
	}
	secret, err := s.GetSecret(ctx, 1, 5, "TOKEN")
	if err != nil {
		t.Fatalf("getting secret: %v", err)
	}
	if string(secret.Ciphertext) != "repo" {
		t.Errorf("got %q, expected the repo-scoped entry", secret.Ciphertext)
	}
	secret, err = s.GetSecret(ctx, 1, 6, "TOKEN")
	if err != nil {
		t.Fatalf("getting secret: %v", err)
	}
	if string(secret.Ciphertext) != "org" {
		t.Errorf("got %q, expected fallback to the org-scoped entry", secret.Ciphertext)
	}
}

func TestDeleteRepositoryCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := &store.Repository{OwnerName: "alice", Name: "widgets", OwnerID: 1}
	s.AddRepository(repo)
	if err := s.UpsertLFSObject(ctx, &store.LFSObject{RepositoryID: repo.ID, OID: "aa", Size: 1}); err != nil {
		t.Fatalf("upserting object: %v", err)
	}
	run := &store.WorkflowRun{RepositoryID: repo.ID, Status: store.StatusQueued}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("creating run: %v", err)
	}
	if err := s.DeleteRepository(ctx, repo.ID); err != nil {
		t.Fatalf("deleting repository: %v", err)
	}
	if _, err := s.GetRepository(ctx, "alice", "widgets"); !errorutil.IsKind(err, errorutil.ObjectNotFound) {
		t.Errorf("repository survived deletion: %v", err)
	}
	if _, err := s.GetRun(ctx, run.ID); !errorutil.IsKind(err, errorutil.ObjectNotFound) {
		t.Errorf("run survived repository deletion: %v", err)
	}
	if _, err := s.GetLFSObject(ctx, repo.ID, "aa"); !errorutil.IsKind(err, errorutil.ObjectNotFound) {
		t.Errorf("lfs reference survived repository deletion: %v", err)
	}
}

func TestFingerprintUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := &store.SSHKey{OwnerID: 1, Fingerprint: "SHA256:abc", Algorithm: "ssh-ed25519", Comment: "lap\x07top"}
	if err := s.AddKey(ctx, key); err != nil {
		t.Fatalf("adding key: %v", err)
	}
	if key.Comment != "laptop" {
		t.Errorf("control characters not stripped from comment: %q", key.Comment)
	}
	if err := s.AddKey(ctx, &store.SSHKey{OwnerID: 2, Fingerprint: "SHA256:abc"}); err == nil {
		t.Error("expected duplicate fingerprint to be rejected")
	}
}
