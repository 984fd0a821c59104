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

// Package memstore is an in-memory implementation of the store
// interfaces. It backs single-node deployments and every unit test; the
// relational implementation lives outside this repository.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/store"
)

// Store holds all forge state behind one mutex. Operations are brief;
// contention is not a concern at the scale this backend serves.
type Store struct {
	mu sync.Mutex

	nextID int64

	users        map[int64]*store.User
	keys         map[string]*store.SSHKey // by fingerprint
	repos        map[int64]*store.Repository
	repoByName   map[string]int64 // owner/name
	access       map[int64]map[int64]store.AccessLevel
	lfsObjects   map[int64]map[string]*store.LFSObject
	bandwidth    []*store.BandwidthRecord
	workflows    map[int64]*store.Workflow
	runs         map[int64]*store.WorkflowRun
	jobs         map[int64]*store.Job
	runners      map[int64]*store.Runner
	runnerByUUID map[string]int64
	secrets      map[string]*store.Secret
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:        map[int64]*store.User{},
		keys:         map[string]*store.SSHKey{},
		repos:        map[int64]*store.Repository{},
		repoByName:   map[string]int64{},
		access:       map[int64]map[int64]store.AccessLevel{},
		lfsObjects:   map[int64]map[string]*store.LFSObject{},
		workflows:    map[int64]*store.Workflow{},
		runs:         map[int64]*store.WorkflowRun{},
		jobs:         map[int64]*store.Job{},
		runners:      map[int64]*store.Runner{},
		runnerByUUID: map[string]int64{},
		secrets:      map[string]*store.Secret{},
	}
}

func (s *Store) allocateID() int64 {
	s.nextID++
	return s.nextID
}

// AddUser seeds a user; test and bootstrap helper.
func (s *Store) AddUser(user *store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == 0 {
		user.ID = s.allocateID()
	}
	s.users[user.ID] = user
}

// AddRepository seeds a repository; test and bootstrap helper.
func (s *Store) AddRepository(repo *store.Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if repo.ID == 0 {
		repo.ID = s.allocateID()
	}
	s.repos[repo.ID] = repo
	s.repoByName[repo.OwnerName+"/"+repo.Name] = repo.ID
}

// GrantAccess seeds a permission; test and bootstrap helper.
func (s *Store) GrantAccess(userID, repoID int64, level store.AccessLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.access[repoID] == nil {
		s.access[repoID] = map[int64]store.AccessLevel{}
	}
	s.access[repoID][userID] = level
}

func (s *Store) GetRepository(_ context.Context, owner, name string) (*store.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.repoByName[owner+"/"+name]
	if !ok {
		return nil, errorutil.New(errorutil.ObjectNotFound, "repository %s/%s", owner, name)
	}
	copied := *s.repos[id]
	return &copied, nil
}

func (s *Store) GetRepositoryByID(_ context.Context, repoID int64) (*store.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[repoID]
	if !ok {
		return nil, errorutil.New(errorutil.ObjectNotFound, "repository %d", repoID)
	}
	copied := *repo
	return &copied, nil
}

func (s *Store) ListRepositories(_ context.Context) ([]*store.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Repository
	for _, repo := range s.repos {
		copied := *repo
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteRepository(_ context.Context, repoID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[repoID]
	if !ok {
		return errorutil.New(errorutil.ObjectNotFound, "repository %d", repoID)
	}
	delete(s.repoByName, repo.OwnerName+"/"+repo.Name)
	delete(s.repos, repoID)
	delete(s.lfsObjects, repoID)
	for id, wf := range s.workflows {
		if wf.RepositoryID == repoID {
			delete(s.workflows, id)
		}
	}
	for id, run := range s.runs {
		if run.RepositoryID == repoID {
			for jobID, job := range s.jobs {
				if job.RunID == run.ID {
					delete(s.jobs, jobID)
				}
			}
			delete(s.runs, id)
		}
	}
	return nil
}

func (s *Store) Access(_ context.Context, userID, repoID int64) (store.AccessLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[repoID]
	if !ok {
		return store.AccessNone, errorutil.New(errorutil.ObjectNotFound, "repository %d", repoID)
	}
	if level, ok := s.access[repoID][userID]; ok {
		return level, nil
	}
	if repo.OwnerID == userID {
		return store.AccessWrite, nil
	}
	if !repo.IsPrivate {
		return store.AccessRead, nil
	}
	return store.AccessNone, nil
}

func (s *Store) GetKeyByFingerprint(_ context.Context, fingerprint string) (*store.SSHKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[fingerprint]
	if !ok {
		return nil, errorutil.New(errorutil.ObjectNotFound, "unknown key fingerprint")
	}
	copied := *key
	return &copied, nil
}

func (s *Store) AddKey(_ context.Context, key *store.SSHKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.Fingerprint]; exists {
		return errorutil.New(errorutil.InvalidInput, "fingerprint already registered")
	}
	if key.ID == 0 {
		key.ID = s.allocateID()
	}
	key.Comment = store.SanitizeKeyComment(key.Comment)
	s.keys[key.Fingerprint] = key
	return nil
}

func (s *Store) GetUser(_ context.Context, userID int64) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, errorutil.New(errorutil.ObjectNotFound, "user %d", userID)
	}
	copied := *user
	return &copied, nil
}

func (s *Store) GetLFSObject(_ context.Context, repoID int64, oid string) (*store.LFSObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.lfsObjects[repoID][oid]
	if !ok {
		return nil, errorutil.New(errorutil.ObjectNotFound, "lfs object %s", oid)
	}
	copied := *obj
	return &copied, nil
}

func (s *Store) UpsertLFSObject(_ context.Context, obj *store.LFSObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lfsObjects[obj.RepositoryID] == nil {
		s.lfsObjects[obj.RepositoryID] = map[string]*store.LFSObject{}
	}
	copied := *obj
	s.lfsObjects[obj.RepositoryID][obj.OID] = &copied
	return nil
}

func (s *Store) MarkLFSObjectPresent(_ context.Context, repoID int64, oid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.lfsObjects[repoID][oid]
	if !ok {
		return errorutil.New(errorutil.ObjectNotFound, "lfs object %s", oid)
	}
	obj.Present = true
	obj.ChecksumVerified = true
	return nil
}

func (s *Store) DeleteLFSObject(_ context.Context, repoID int64, oid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lfsObjects[repoID], oid)
	return nil
}

func (s *Store) ListLFSObjects(_ context.Context, repoID int64) ([]*store.LFSObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.LFSObject
	for _, obj := range s.lfsObjects[repoID] {
		copied := *obj
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OID < out[j].OID })
	return out, nil
}

func (s *Store) CountLFSReferences(_ context.Context, oid string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, objects := range s.lfsObjects {
		if _, ok := objects[oid]; ok {
			count++
		}
	}
	return count, nil
}

func (s *Store) SumLFSSize(_ context.Context, repoID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, obj := range s.lfsObjects[repoID] {
		total += obj.Size
	}
	return total, nil
}

func (s *Store) SumLFSSizeByOwner(_ context.Context, ownerID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for repoID, objects := range s.lfsObjects {
		repo, ok := s.repos[repoID]
		if !ok || repo.OwnerID != ownerID {
			continue
		}
		for _, obj := range objects {
			total += obj.Size
		}
	}
	return total, nil
}

func (s *Store) RecordBandwidth(_ context.Context, rec *store.BandwidthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.bandwidth = append(s.bandwidth, &copied)
	return nil
}

func (s *Store) SumBandwidth(_ context.Context, repoID int64, op store.BandwidthOp, from, to time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, rec := range s.bandwidth {
		if rec.RepositoryID != repoID || rec.Op != op {
			continue
		}
		if rec.Timestamp.Before(from) || rec.Timestamp.After(to) {
			continue
		}
		total += rec.Bytes
	}
	return total, nil
}

func (s *Store) UpsertWorkflow(_ context.Context, wf *store.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.workflows {
		if existing.RepositoryID == wf.RepositoryID && existing.FilePath == wf.FilePath {
			existing.Source = wf.Source
			existing.IsActive = wf.IsActive
			wf.ID = existing.ID
			return nil
		}
	}
	wf.ID = s.allocateID()
	copied := *wf
	s.workflows[wf.ID] = &copied
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, workflowID int64) (*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, errorutil.New(errorutil.ObjectNotFound, "workflow %d", workflowID)
	}
	copied := *wf
	return &copied, nil
}

func (s *Store) ListWorkflows(_ context.Context, repoID int64) ([]*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range s.workflows {
		if wf.RepositoryID == repoID {
			copied := *wf
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

func (s *Store) CreateRun(_ context.Context, run *store.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, existing := range s.runs {
		if existing.RepositoryID == run.RepositoryID && existing.RunNumber > max {
			max = existing.RunNumber
		}
	}
	run.ID = s.allocateID()
	run.RunNumber = max + 1
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *Store) GetRun(_ context.Context, runID int64) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, errorutil.New(errorutil.ObjectNotFound, "run %d", runID)
	}
	copied := *run
	return &copied, nil
}

func (s *Store) ListRunsByStatus(_ context.Context, status store.RunStatus) ([]*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.WorkflowRun
	for _, run := range s.runs {
		if run.Status == status {
			copied := *run
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateRunStatus(_ context.Context, run *store.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok {
		return errorutil.New(errorutil.ObjectNotFound, "run %d", run.ID)
	}
	existing.Status = run.Status
	existing.Conclusion = run.Conclusion
	existing.StartedAt = run.StartedAt
	existing.CompletedAt = run.CompletedAt
	return nil
}

func (s *Store) CreateJob(_ context.Context, job *store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = s.allocateID()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID int64) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, errorutil.New(errorutil.ObjectNotFound, "job %d", jobID)
	}
	copied := *job
	return &copied, nil
}

func (s *Store) ListQueuedJobs(_ context.Context) ([]*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Job
	for _, job := range s.jobs {
		if job.Status == store.StatusQueued {
			copied := *job
			out = append(out, &copied)
		}
	}
	// FIFO by creation order; IDs are allocated monotonically.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListJobsByRun(_ context.Context, runID int64) ([]*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Job
	for _, job := range s.jobs {
		if job.RunID == runID {
			copied := *job
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListJobsByRunner(_ context.Context, runnerID int64) ([]*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Job
	for _, job := range s.jobs {
		if job.RunnerID == runnerID {
			copied := *job
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ClaimJob(_ context.Context, jobID, runnerID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, errorutil.New(errorutil.ObjectNotFound, "job %d", jobID)
	}
	if job.Status != store.StatusQueued {
		return false, nil
	}
	job.Status = store.StatusInProgress
	job.RunnerID = runnerID
	return true, nil
}

func (s *Store) ReleaseJob(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errorutil.New(errorutil.ObjectNotFound, "job %d", jobID)
	}
	job.Status = store.StatusQueued
	job.RunnerID = 0
	return nil
}

func (s *Store) UpdateJob(_ context.Context, job *store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[job.ID]
	if !ok {
		return errorutil.New(errorutil.ObjectNotFound, "job %d", job.ID)
	}
	existing.Status = job.Status
	existing.Conclusion = job.Conclusion
	existing.RunnerID = job.RunnerID
	return nil
}

func (s *Store) CreateRunner(_ context.Context, runner *store.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runnerByUUID[runner.UUID]; exists {
		return errorutil.New(errorutil.InvalidInput, "runner uuid already registered")
	}
	runner.ID = s.allocateID()
	copied := *runner
	s.runners[runner.ID] = &copied
	s.runnerByUUID[runner.UUID] = runner.ID
	return nil
}

func (s *Store) GetRunnerByUUID(_ context.Context, uuid string) (*store.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.runnerByUUID[uuid]
	if !ok {
		return nil, errorutil.New(errorutil.ObjectNotFound, "runner %s", uuid)
	}
	copied := *s.runners[id]
	return &copied, nil
}

func (s *Store) ListRunners(_ context.Context) ([]*store.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Runner
	for _, runner := range s.runners {
		copied := *runner
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateRunner(_ context.Context, runner *store.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runners[runner.ID]
	if !ok {
		return errorutil.New(errorutil.ObjectNotFound, "runner %d", runner.ID)
	}
	existing.Status = runner.Status
	existing.LastSeen = runner.LastSeen
	existing.Labels = runner.Labels
	return nil
}

func secretKey(ownerID, repoID int64, name string) string {
	return fmt.Sprintf("%d/%d/%s", ownerID, repoID, name)
}

func (s *Store) UpsertSecret(_ context.Context, secret *store.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *secret
	s.secrets[secretKey(secret.OwnerID, secret.RepositoryID, secret.Name)] = &copied
	return nil
}

func (s *Store) GetSecret(_ context.Context, ownerID, repoID int64, name string) (*store.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret, ok := s.secrets[secretKey(ownerID, repoID, name)]; ok {
		copied := *secret
		return &copied, nil
	}
	if secret, ok := s.secrets[secretKey(ownerID, 0, name)]; ok {
		copied := *secret
		return &copied, nil
	}
	return nil, errorutil.New(errorutil.ObjectNotFound, "secret %s", name)
}
