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
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/metrics"
	"github.com/quarrydev/quarry/store"
)

// defaultHeartbeatTimeout is how long a runner may stay silent before it
// is flipped offline and its jobs return to the queue.
const defaultHeartbeatTimeout = 90 * time.Second

// Dispatcher hands queued jobs to polling runners and keeps runs honest
// about timeouts and runner loss.
type Dispatcher struct {
	actions          store.ActionsStore
	repos            store.RepoStore
	clock            clock.PassiveClock
	heartbeatTimeout time.Duration
	logger           *logrus.Entry
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(actions store.ActionsStore, repos store.RepoStore) *Dispatcher {
	return &Dispatcher{
		actions:          actions,
		repos:            repos,
		clock:            clock.RealClock{},
		heartbeatTimeout: defaultHeartbeatTimeout,
		logger:           logrus.WithField("component", "actions-dispatch"),
	}
}

// WithClock injects a clock for tests.
func (d *Dispatcher) WithClock(clk clock.PassiveClock) *Dispatcher {
	d.clock = clk
	return d
}

// WithHeartbeatTimeout overrides the runner liveness window.
func (d *Dispatcher) WithHeartbeatTimeout(timeout time.Duration) *Dispatcher {
	d.heartbeatTimeout = timeout
	return d
}

// labelsMatch reports whether the runner carries every label the job
// demands. A job with no labels runs anywhere.
func labelsMatch(job *store.Job, runner *store.Runner) bool {
	return sets.NewString(runner.Labels...).HasAll(job.Labels...)
}

// runnerServes reports whether the runner's scope covers the run's
// repository. Repo-scoped runners serve exactly their repository;
// owner-scoped runners serve every repository of their owner.
func (d *Dispatcher) runnerServes(ctx context.Context, runner *store.Runner, run *store.WorkflowRun) (bool, error) {
	if runner.RepositoryID != 0 {
		return runner.RepositoryID == run.RepositoryID, nil
	}
	repo, err := d.repos.GetRepositoryByID(ctx, run.RepositoryID)
	if err != nil {
		return false, err
	}
	return repo.OwnerID == runner.OwnerID, nil
}

// PollJob finds the oldest queued job the runner can serve and claims
// it. Repo-scoped candidates are tried before owner-scoped ones; within
// a scope, ordering is first queued, first served. A lost claim race
// moves on to the next candidate. It returns nil when nothing matches.
func (d *Dispatcher) PollJob(ctx context.Context, runner *store.Runner) (*store.Job, error) {
	queued, err := d.actions.ListQueuedJobs(ctx)
	if err != nil {
		return nil, err
	}

	var repoScoped, ownerScoped []*store.Job
	for _, job := range queued {
		if !labelsMatch(job, runner) {
			continue
		}
		run, err := d.actions.GetRun(ctx, job.RunID)
		if err != nil {
			return nil, err
		}
		serves, err := d.runnerServes(ctx, runner, run)
		if err != nil {
			return nil, err
		}
		if !serves {
			continue
		}
		if runner.RepositoryID != 0 {
			repoScoped = append(repoScoped, job)
		} else {
			ownerScoped = append(ownerScoped, job)
		}
	}

	for _, job := range append(repoScoped, ownerScoped...) {
		claimed, err := d.actions.ClaimJob(ctx, job.ID, runner.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// another dispatcher won; try the next candidate
			continue
		}
		job.Status = store.StatusInProgress
		job.RunnerID = runner.ID
		if err := d.markRunStarted(ctx, job.RunID); err != nil {
			return nil, err
		}
		runner.Status = store.RunnerBusy
		runner.LastSeen = d.clock.Now()
		if err := d.actions.UpdateRunner(ctx, runner); err != nil {
			return nil, err
		}
		metrics.JobsDispatched.Inc()
		d.logger.WithFields(logrus.Fields{"job": job.ID, "runner": runner.UUID}).Info("Dispatched job.")
		return job, nil
	}
	return nil, nil
}

// markRunStarted moves a queued run to in_progress, stamping StartedAt.
func (d *Dispatcher) markRunStarted(ctx context.Context, runID int64) error {
	run, err := d.actions.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.StatusQueued {
		return nil
	}
	if err := ValidateTransition(run.Status, store.StatusInProgress, ""); err != nil {
		return err
	}
	run.Status = store.StatusInProgress
	run.StartedAt = d.clock.Now()
	return d.actions.UpdateRunStatus(ctx, run)
}

// CompleteJob records a runner's result. When the last job of the run
// finishes, the run completes with failure dominating success.
func (d *Dispatcher) CompleteJob(ctx context.Context, runnerID, jobID int64, conclusion store.RunConclusion) error {
	job, err := d.actions.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.RunnerID != runnerID {
		return errorutil.New(errorutil.PermissionDenied, "job %d is not assigned to runner %d", jobID, runnerID)
	}
	if err := ValidateTransition(job.Status, store.StatusCompleted, conclusion); err != nil {
		return err
	}
	job.Status = store.StatusCompleted
	job.Conclusion = conclusion
	if err := d.actions.UpdateJob(ctx, job); err != nil {
		return err
	}
	return d.maybeCompleteRun(ctx, job.RunID)
}

// maybeCompleteRun completes the run once every one of its jobs has.
func (d *Dispatcher) maybeCompleteRun(ctx context.Context, runID int64) error {
	run, err := d.actions.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == store.StatusCompleted {
		return nil
	}
	jobs, err := d.actions.ListJobsByRun(ctx, runID)
	if err != nil {
		return err
	}
	conclusion := store.ConclusionSuccess
	for _, job := range jobs {
		if job.Status != store.StatusCompleted {
			return nil
		}
		if job.Conclusion != store.ConclusionSuccess {
			conclusion = store.ConclusionFailure
		}
	}
	if err := ValidateTransition(run.Status, store.StatusCompleted, conclusion); err != nil {
		return err
	}
	run.Status = store.StatusCompleted
	run.Conclusion = conclusion
	run.CompletedAt = d.clock.Now()
	return d.actions.UpdateRunStatus(ctx, run)
}

// EnforceTimeouts cancels in-progress runs that outlived their timeout.
// The run concludes cancelled; its unfinished jobs record timed_out so
// the cause stays visible per job.
func (d *Dispatcher) EnforceTimeouts(ctx context.Context) error {
	runs, err := d.actions.ListRunsByStatus(ctx, store.StatusInProgress)
	if err != nil {
		return err
	}
	now := d.clock.Now()
	for _, run := range runs {
		if run.TimeoutMinutes <= 0 {
			continue
		}
		deadline := run.StartedAt.Add(time.Duration(run.TimeoutMinutes) * time.Minute)
		if now.Before(deadline) {
			continue
		}
		jobs, err := d.actions.ListJobsByRun(ctx, run.ID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Status == store.StatusCompleted {
				continue
			}
			job.Status = store.StatusCompleted
			job.Conclusion = store.ConclusionTimedOut
			if err := d.actions.UpdateJob(ctx, job); err != nil {
				return err
			}
		}
		run.Status = store.StatusCompleted
		run.Conclusion = store.ConclusionCancelled
		run.CompletedAt = now
		if err := d.actions.UpdateRunStatus(ctx, run); err != nil {
			return err
		}
		d.logger.WithFields(logrus.Fields{"run": run.ID, "number": run.RunNumber}).Warn("Run timed out.")
	}
	return nil
}

// CheckHeartbeats flips silent runners offline and returns their
// in-progress jobs to the queue for another runner to pick up. The run
// stays in_progress and keeps its run number.
func (d *Dispatcher) CheckHeartbeats(ctx context.Context) error {
	runners, err := d.actions.ListRunners(ctx)
	if err != nil {
		return err
	}
	cutoff := d.clock.Now().Add(-d.heartbeatTimeout)
	for _, runner := range runners {
		if runner.Status == store.RunnerOffline || runner.LastSeen.After(cutoff) {
			continue
		}
		jobs, err := d.actions.ListJobsByRunner(ctx, runner.ID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Status != store.StatusInProgress {
				continue
			}
			if err := d.actions.ReleaseJob(ctx, job.ID); err != nil {
				return err
			}
			d.logger.WithFields(logrus.Fields{"job": job.ID, "runner": runner.UUID}).Warn("Reclaimed job from lost runner.")
		}
		runner.Status = store.RunnerOffline
		if err := d.actions.UpdateRunner(ctx, runner); err != nil {
			return err
		}
	}
	return nil
}
