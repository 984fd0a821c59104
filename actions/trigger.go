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
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/quarrydev/quarry/gitexec"
	"github.com/quarrydev/quarry/metrics"
	"github.com/quarrydev/quarry/repopath"
	"github.com/quarrydev/quarry/store"
)

// workflowDir is where workflow documents live inside a repository.
const workflowDir = ".github/workflows"

// Trigger turns pushed commits into queued workflow runs.
type Trigger struct {
	git     *gitexec.Client
	locator *repopath.Locator
	actions store.ActionsStore
	repos   store.RepoStore
	logger  *logrus.Entry
}

// NewTrigger wires the trigger paths.
func NewTrigger(git *gitexec.Client, locator *repopath.Locator, actions store.ActionsStore, repos store.RepoStore) *Trigger {
	return &Trigger{
		git:     git,
		locator: locator,
		actions: actions,
		repos:   repos,
		logger:  logrus.WithField("component", "actions-trigger"),
	}
}

// PushEvent describes one updated ref from a post-receive invocation.
type PushEvent struct {
	Repo      *store.Repository
	Branch    string
	CommitSHA string
	ActorID   int64
}

// OnPush enumerates the repository's workflow documents at the pushed
// commit and creates a queued run (with jobs) for every workflow that
// subscribes to push. Unparseable documents are logged and skipped; one
// broken workflow must not block the rest of the push.
func (t *Trigger) OnPush(ctx context.Context, event PushEvent) ([]*store.WorkflowRun, error) {
	repoDir, err := t.locator.Resolve(event.Repo.OwnerName, event.Repo.Name)
	if err != nil {
		return nil, err
	}
	files, err := t.listWorkflowFiles(ctx, repoDir, event.CommitSHA)
	if err != nil {
		return nil, err
	}

	var created []*store.WorkflowRun
	for _, file := range files {
		logger := t.logger.WithFields(logrus.Fields{
			"repo": event.Repo.OwnerName + "/" + event.Repo.Name,
			"file": file,
		})
		source, err := t.readBlob(ctx, repoDir, event.CommitSHA, file)
		if err != nil {
			logger.WithError(err).Warn("Failed to read workflow document.")
			continue
		}
		spec, err := ParseWorkflow(source)
		if err != nil {
			logger.WithError(err).Warn("Skipping unparseable workflow document.")
			continue
		}
		workflow := &store.Workflow{
			RepositoryID: event.Repo.ID,
			FilePath:     file,
			Source:       string(source),
			IsActive:     true,
		}
		if err := t.actions.UpsertWorkflow(ctx, workflow); err != nil {
			return created, err
		}
		if !spec.TriggersOn(store.EventPush) {
			continue
		}
		run, err := t.CreateRun(ctx, workflow, spec, store.EventPush, event)
		if err != nil {
			return created, err
		}
		created = append(created, run)
		logger.WithFields(logrus.Fields{"run": run.ID, "number": run.RunNumber}).Info("Queued workflow run.")
	}
	return created, nil
}

// CreateRun persists a queued run and its jobs for a workflow.
func (t *Trigger) CreateRun(ctx context.Context, workflow *store.Workflow, spec *WorkflowSpec, event store.TriggerEvent, push PushEvent) (*store.WorkflowRun, error) {
	timeout := 0
	for _, job := range spec.Jobs {
		if job.TimeoutMinutes > timeout {
			timeout = job.TimeoutMinutes
		}
	}
	run := &store.WorkflowRun{
		WorkflowID:     workflow.ID,
		RepositoryID:   workflow.RepositoryID,
		TriggerEvent:   event,
		CommitSHA:      push.CommitSHA,
		Branch:         push.Branch,
		ActorID:        push.ActorID,
		Status:         store.StatusQueued,
		TimeoutMinutes: timeout,
	}
	if err := t.actions.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	metrics.RunsCreated.WithLabelValues(string(event)).Inc()
	for _, jobSpec := range spec.Jobs {
		job := &store.Job{
			RunID:  run.ID,
			Name:   jobSpec.Name,
			Labels: jobSpec.Labels,
			Status: store.StatusQueued,
		}
		if err := t.actions.CreateJob(ctx, job); err != nil {
			return run, err
		}
	}
	return run, nil
}

// OnSchedule creates a run for a cron firing. The run targets the head
// of the repository's default branch at firing time.
func (t *Trigger) OnSchedule(ctx context.Context, workflowID int64) (*store.WorkflowRun, error) {
	workflow, err := t.actions.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !workflow.IsActive {
		return nil, nil
	}
	spec, err := ParseWorkflow([]byte(workflow.Source))
	if err != nil {
		return nil, err
	}
	if !spec.TriggersOn(store.EventSchedule) {
		return nil, nil
	}
	repo, err := t.repos.GetRepositoryByID(ctx, workflow.RepositoryID)
	if err != nil {
		return nil, err
	}
	repoDir, err := t.locator.Resolve(repo.OwnerName, repo.Name)
	if err != nil {
		return nil, err
	}
	branch := repo.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	head, err := t.git.Run(ctx, repoDir, []string{"rev-parse", branch}, nil)
	if err != nil {
		return nil, err
	}
	return t.CreateRun(ctx, workflow, spec, store.EventSchedule, PushEvent{
		Repo:      repo,
		Branch:    branch,
		CommitSHA: strings.TrimSpace(string(head.Stdout)),
	})
}

// listWorkflowFiles returns the .yml/.yaml paths under .github/workflows
// at the given commit.
func (t *Trigger) listWorkflowFiles(ctx context.Context, repoDir, commitSHA string) ([]string, error) {
	result, err := t.git.Run(ctx, repoDir, []string{"ls-tree", "-r", "--name-only", commitSHA, workflowDir}, nil)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(string(result.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch path.Ext(line) {
		case ".yml", ".yaml":
			files = append(files, line)
		}
	}
	return files, nil
}

func (t *Trigger) readBlob(ctx context.Context, repoDir, commitSHA, file string) ([]byte, error) {
	result, err := t.git.Run(ctx, repoDir, []string{"cat-file", "-p", commitSHA + ":" + file}, nil)
	if err != nil {
		return nil, err
	}
	return result.Stdout, nil
}
