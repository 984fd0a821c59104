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
	"os"
	"path/filepath"
	"testing"

	"github.com/quarrydev/quarry/gitexec"
	"github.com/quarrydev/quarry/repopath"
	"github.com/quarrydev/quarry/store"
	"github.com/quarrydev/quarry/store/memstore"
)

// fakeGitScript answers the two subcommands the trigger issues: a tree
// listing and per-file content.
const fakeGitScript = `#!/bin/sh
case "$1" in
ls-tree)
	printf '.github/workflows/ci.yml\n'
	printf '.github/workflows/README.md\n'
	printf '.github/workflows/broken.yaml\n'
	printf '.github/workflows/nightly.yml\n'
	;;
cat-file)
	case "$3" in
	*ci.yml)
		printf 'on: [push]\njobs:\n  build:\n    runs-on: [linux]\n'
		;;
	*nightly.yml)
		printf 'on:\n  schedule:\n    - cron: "0 4 * * *"\njobs:\n  nightly:\n    runs-on: linux\n'
		;;
	*broken.yaml)
		printf '{{{\n'
		;;
	*)
		echo "unexpected object $3" >&2
		exit 128
		;;
	esac
	;;
rev-parse)
	printf '9c4b6f2ad30e5b21a8c9b3f41d7a8e5c6b2d1f0a\n'
	;;
*)
	echo "unexpected subcommand $1" >&2
	exit 128
	;;
esac
`

func triggerFixture(t *testing.T) (*Trigger, *memstore.Store, *store.Repository) {
	t.Helper()
	root := t.TempDir()
	locator := repopath.NewLocator(root)
	repoDir, err := locator.Resolve("alice", "widgets")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		t.Fatalf("creating repo dir: %v", err)
	}
	binary := filepath.Join(t.TempDir(), "git")
	if err := os.WriteFile(binary, []byte(fakeGitScript), 0o755); err != nil {
		t.Fatalf("writing fake git: %v", err)
	}
	client, err := gitexec.NewClient(binary, root)
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	mem := memstore.New()
	owner := &store.User{Name: "alice"}
	mem.AddUser(owner)
	repo := &store.Repository{OwnerID: owner.ID, OwnerName: "alice", Name: "widgets"}
	mem.AddRepository(repo)
	return NewTrigger(client, locator, mem, mem), mem, repo
}

func TestOnPushQueuesRunsForPushWorkflows(t *testing.T) {
	trigger, mem, repo := triggerFixture(t)
	ctx := context.Background()

	runs, err := trigger.OnPush(ctx, PushEvent{
		Repo:      repo,
		Branch:    "main",
		CommitSHA: "5f3c7df9f3ac1a9bd86b1a0c0b6d8b25b7a935e1",
		ActorID:   repo.OwnerID,
	})
	if err != nil {
		t.Fatalf("on push: %v", err)
	}
	// ci.yml triggers on push; nightly.yml is schedule-only, README.md is
	// not a workflow, broken.yaml does not parse
	if len(runs) != 1 {
		t.Fatalf("got %d runs, expected 1", len(runs))
	}
	run := runs[0]
	if run.Status != store.StatusQueued || run.RunNumber != 1 {
		t.Errorf("run: status=%q number=%d", run.Status, run.RunNumber)
	}
	if run.Branch != "main" || run.TriggerEvent != store.EventPush {
		t.Errorf("run: branch=%q event=%q", run.Branch, run.TriggerEvent)
	}

	jobs, err := mem.ListJobsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("listing jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "build" {
		t.Fatalf("jobs: %+v", jobs)
	}
	if jobs[0].Status != store.StatusQueued || len(jobs[0].Labels) != 1 || jobs[0].Labels[0] != "linux" {
		t.Errorf("job: status=%q labels=%v", jobs[0].Status, jobs[0].Labels)
	}

	// both parseable workflows are registered, push-triggered or not
	workflows, err := mem.ListWorkflows(ctx, repo.ID)
	if err != nil {
		t.Fatalf("listing workflows: %v", err)
	}
	if len(workflows) != 2 {
		t.Fatalf("got %d workflows, expected 2", len(workflows))
	}
}

func TestOnScheduleCreatesRun(t *testing.T) {
	trigger, mem, repo := triggerFixture(t)
	ctx := context.Background()

	// a push registers the workflow documents
	if _, err := trigger.OnPush(ctx, PushEvent{Repo: repo, Branch: "main", CommitSHA: "5f3c7df9f3ac1a9bd86b1a0c0b6d8b25b7a935e1"}); err != nil {
		t.Fatalf("on push: %v", err)
	}
	workflows, err := mem.ListWorkflows(ctx, repo.ID)
	if err != nil {
		t.Fatalf("listing workflows: %v", err)
	}
	var nightly *store.Workflow
	for _, wf := range workflows {
		if wf.FilePath == ".github/workflows/nightly.yml" {
			nightly = wf
		}
	}
	if nightly == nil {
		t.Fatal("nightly workflow not registered")
	}

	run, err := trigger.OnSchedule(ctx, nightly.ID)
	if err != nil {
		t.Fatalf("on schedule: %v", err)
	}
	if run == nil || run.TriggerEvent != store.EventSchedule {
		t.Fatalf("scheduled run: %+v", run)
	}
	if run.CommitSHA != "9c4b6f2ad30e5b21a8c9b3f41d7a8e5c6b2d1f0a" {
		t.Errorf("run targets %q, expected the default branch head", run.CommitSHA)
	}

	// push-only workflows fire nothing on a cron tick
	var ci *store.Workflow
	for _, wf := range workflows {
		if wf.FilePath == ".github/workflows/ci.yml" {
			ci = wf
		}
	}
	run, err = trigger.OnSchedule(ctx, ci.ID)
	if err != nil {
		t.Fatalf("on schedule for push-only workflow: %v", err)
	}
	if run != nil {
		t.Errorf("push-only workflow produced run %+v", run)
	}
}

func TestOnPushRunNumbersIncrease(t *testing.T) {
	trigger, _, repo := triggerFixture(t)
	ctx := context.Background()
	event := PushEvent{Repo: repo, Branch: "main", CommitSHA: "5f3c7df9f3ac1a9bd86b1a0c0b6d8b25b7a935e1", ActorID: repo.OwnerID}

	for expected := int64(1); expected <= 3; expected++ {
		runs, err := trigger.OnPush(ctx, event)
		if err != nil {
			t.Fatalf("push %d: %v", expected, err)
		}
		if len(runs) != 1 || runs[0].RunNumber != expected {
			t.Fatalf("push %d produced %+v", expected, runs)
		}
	}
}
