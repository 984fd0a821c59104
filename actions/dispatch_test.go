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

package actions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/quarrydev/quarry/store"
	"github.com/quarrydev/quarry/store/memstore"
)

func dispatchFixture(t *testing.T) (*Dispatcher, *memstore.Store, *store.Repository, *clock.FakeClock) {
	t.Helper()
	mem := memstore.New()
	owner := &store.User{Name: "alice"}
	mem.AddUser(owner)
	repo := &store.Repository{OwnerID: owner.ID, OwnerName: "alice", Name: "widgets"}
	mem.AddRepository(repo)
	fake := clock.NewFakeClock(time.Now())
	return NewDispatcher(mem, mem).WithClock(fake), mem, repo, fake
}

func queueRun(t *testing.T, mem *memstore.Store, repo *store.Repository, labels []string, timeoutMinutes int) (*store.WorkflowRun, *store.Job) {
	t.Helper()
	ctx := context.Background()
	wf := &store.Workflow{RepositoryID: repo.ID, FilePath: ".github/workflows/ci.yml", IsActive: true}
	if err := mem.UpsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("upsert workflow: %v", err)
	}
	run := &store.WorkflowRun{
		WorkflowID:     wf.ID,
		RepositoryID:   repo.ID,
		TriggerEvent:   store.EventPush,
		Status:         store.StatusQueued,
		TimeoutMinutes: timeoutMinutes,
	}
	if err := mem.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	job := &store.Job{RunID: run.ID, Name: "build", Labels: labels, Status: store.StatusQueued}
	if err := mem.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return run, job
}

func addRunner(t *testing.T, mem *memstore.Store, ownerID, repoID int64, labels []string) *store.Runner {
	t.Helper()
	runner := &store.Runner{
		UUID:         uuid.NewString(),
		OwnerID:      ownerID,
		RepositoryID: repoID,
		Labels:       labels,
		Status:       store.RunnerOnline,
	}
	if err := mem.CreateRunner(context.Background(), runner); err != nil {
		t.Fatalf("create runner: %v", err)
	}
	return runner
}

func TestPollJobLabelSuperset(t *testing.T) {
	dispatcher, mem, repo, _ := dispatchFixture(t)
	ctx := context.Background()
	run, job := queueRun(t, mem, repo, []string{"linux"}, 0)
	runner := addRunner(t, mem, repo.OwnerID, 0, []string{"linux", "x64"})

	claimed, err := dispatcher.PollJob(ctx, runner)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("got %+v, expected job %d", claimed, job.ID)
	}
	if claimed.Status != store.StatusInProgress {
		t.Errorf("claimed job is %q, expected in_progress", claimed.Status)
	}
	updated, err := mem.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if updated.Status != store.StatusInProgress || updated.StartedAt.IsZero() {
		t.Errorf("run after dispatch: status=%q started=%v", updated.Status, updated.StartedAt)
	}
}

func TestPollJobLabelMismatch(t *testing.T) {
	dispatcher, mem, repo, _ := dispatchFixture(t)
	queueRun(t, mem, repo, []string{"linux", "gpu"}, 0)
	runner := addRunner(t, mem, repo.OwnerID, 0, []string{"linux", "x64"})

	claimed, err := dispatcher.PollJob(context.Background(), runner)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if claimed != nil {
		t.Fatalf("runner without gpu label claimed job %d", claimed.ID)
	}
}

func TestPollJobClaimRace(t *testing.T) {
	dispatcher, mem, repo, _ := dispatchFixture(t)
	ctx := context.Background()
	_, job := queueRun(t, mem, repo, []string{"linux"}, 0)
	first := addRunner(t, mem, repo.OwnerID, 0, []string{"linux"})
	second := addRunner(t, mem, repo.OwnerID, 0, []string{"linux"})

	winner, err := dispatcher.PollJob(ctx, first)
	if err != nil || winner == nil {
		t.Fatalf("first poll: job=%+v err=%v", winner, err)
	}
	loser, err := dispatcher.PollJob(ctx, second)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if loser != nil {
		t.Fatalf("job %d claimed twice", job.ID)
	}
}

func TestPollJobPrefersRepoScope(t *testing.T) {
	dispatcher, mem, repo, _ := dispatchFixture(t)
	_, job := queueRun(t, mem, repo, nil, 0)
	runner := addRunner(t, mem, repo.OwnerID, repo.ID, nil)

	claimed, err := dispatcher.PollJob(context.Background(), runner)
	if err != nil || claimed == nil || claimed.ID != job.ID {
		t.Fatalf("repo-scoped poll: job=%+v err=%v", claimed, err)
	}

	// a runner scoped to a different repository sees nothing
	other := &store.Repository{OwnerID: repo.OwnerID, OwnerName: "alice", Name: "other"}
	mem.AddRepository(other)
	queueRun(t, mem, repo, nil, 0)
	foreign := addRunner(t, mem, repo.OwnerID, other.ID, nil)
	claimed, err = dispatcher.PollJob(context.Background(), foreign)
	if err != nil {
		t.Fatalf("foreign poll: %v", err)
	}
	if claimed != nil {
		t.Fatalf("runner scoped to repo %d claimed job from repo %d", other.ID, repo.ID)
	}
}

func TestCompleteJobCompletesRun(t *testing.T) {
	dispatcher, mem, repo, _ := dispatchFixture(t)
	ctx := context.Background()
	run, job := queueRun(t, mem, repo, nil, 0)
	runner := addRunner(t, mem, repo.OwnerID, 0, nil)

	if _, err := dispatcher.PollJob(ctx, runner); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := dispatcher.CompleteJob(ctx, runner.ID, job.ID, store.ConclusionSuccess); err != nil {
		t.Fatalf("complete: %v", err)
	}
	updated, err := mem.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if updated.Status != store.StatusCompleted || updated.Conclusion != store.ConclusionSuccess {
		t.Errorf("run after completion: status=%q conclusion=%q", updated.Status, updated.Conclusion)
	}
}

func TestCompleteJobFailureDominates(t *testing.T) {
	dispatcher, mem, repo, _ := dispatchFixture(t)
	ctx := context.Background()
	run, first := queueRun(t, mem, repo, nil, 0)
	second := &store.Job{RunID: run.ID, Name: "lint", Status: store.StatusQueued}
	if err := mem.CreateJob(ctx, second); err != nil {
		t.Fatalf("create job: %v", err)
	}
	runner := addRunner(t, mem, repo.OwnerID, 0, nil)

	for range []int{0, 1} {
		if _, err := dispatcher.PollJob(ctx, runner); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	if err := dispatcher.CompleteJob(ctx, runner.ID, first.ID, store.ConclusionSuccess); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	updated, _ := mem.GetRun(ctx, run.ID)
	if updated.Status == store.StatusCompleted {
		t.Fatal("run completed with a job still in progress")
	}
	if err := dispatcher.CompleteJob(ctx, runner.ID, second.ID, store.ConclusionFailure); err != nil {
		t.Fatalf("complete second: %v", err)
	}
	updated, _ = mem.GetRun(ctx, run.ID)
	if updated.Conclusion != store.ConclusionFailure {
		t.Errorf("got conclusion %q, expected failure", updated.Conclusion)
	}
}

func TestCompleteJobWrongRunner(t *testing.T) {
	dispatcher, mem, repo, _ := dispatchFixture(t)
	ctx := context.Background()
	_, job := queueRun(t, mem, repo, nil, 0)
	runner := addRunner(t, mem, repo.OwnerID, 0, nil)
	intruder := addRunner(t, mem, repo.OwnerID, 0, nil)

	if _, err := dispatcher.PollJob(ctx, runner); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := dispatcher.CompleteJob(ctx, intruder.ID, job.ID, store.ConclusionSuccess); err == nil {
		t.Fatal("a runner completed a job it never claimed")
	}
}

func TestEnforceTimeouts(t *testing.T) {
	dispatcher, mem, repo, fake := dispatchFixture(t)
	ctx := context.Background()
	run, job := queueRun(t, mem, repo, nil, 10)
	runner := addRunner(t, mem, repo.OwnerID, 0, nil)

	if _, err := dispatcher.PollJob(ctx, runner); err != nil {
		t.Fatalf("poll: %v", err)
	}
	fake.Step(5 * time.Minute)
	if err := dispatcher.EnforceTimeouts(ctx); err != nil {
		t.Fatalf("enforce: %v", err)
	}
	updated, _ := mem.GetRun(ctx, run.ID)
	if updated.Status != store.StatusInProgress {
		t.Fatalf("run timed out %d minutes early", run.TimeoutMinutes-5)
	}

	fake.Step(6 * time.Minute)
	if err := dispatcher.EnforceTimeouts(ctx); err != nil {
		t.Fatalf("enforce: %v", err)
	}
	updated, _ = mem.GetRun(ctx, run.ID)
	if updated.Status != store.StatusCompleted || updated.Conclusion != store.ConclusionCancelled {
		t.Errorf("run after deadline: status=%q conclusion=%q", updated.Status, updated.Conclusion)
	}
	timedOut, _ := mem.GetJob(ctx, job.ID)
	if timedOut.Conclusion != store.ConclusionTimedOut {
		t.Errorf("job conclusion %q, expected timed_out", timedOut.Conclusion)
	}
}

func TestCheckHeartbeatsReclaimsJobs(t *testing.T) {
	dispatcher, mem, repo, fake := dispatchFixture(t)
	ctx := context.Background()
	run, job := queueRun(t, mem, repo, nil, 0)
	runner := addRunner(t, mem, repo.OwnerID, 0, nil)

	if _, err := dispatcher.PollJob(ctx, runner); err != nil {
		t.Fatalf("poll: %v", err)
	}
	fake.Step(2 * defaultHeartbeatTimeout)
	if err := dispatcher.CheckHeartbeats(ctx); err != nil {
		t.Fatalf("check heartbeats: %v", err)
	}

	reclaimed, _ := mem.GetJob(ctx, job.ID)
	if reclaimed.Status != store.StatusQueued || reclaimed.RunnerID != 0 {
		t.Errorf("job after reclaim: status=%q runner=%d", reclaimed.Status, reclaimed.RunnerID)
	}
	// the run keeps its state and number
	updated, _ := mem.GetRun(ctx, run.ID)
	if updated.Status != store.StatusInProgress || updated.RunNumber != run.RunNumber {
		t.Errorf("run after reclaim: status=%q number=%d", updated.Status, updated.RunNumber)
	}
	lost, _ := mem.GetRunnerByUUID(ctx, runner.UUID)
	if lost.Status != store.RunnerOffline {
		t.Errorf("runner status %q, expected offline", lost.Status)
	}

	// another runner can pick the job back up
	substitute := addRunner(t, mem, repo.OwnerID, 0, nil)
	claimed, err := dispatcher.PollJob(ctx, substitute)
	if err != nil || claimed == nil || claimed.ID != job.ID {
		t.Fatalf("substitute poll: job=%+v err=%v", claimed, err)
	}
}
