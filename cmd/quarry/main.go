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

// Command quarry runs the forge: git over SSH, LFS over HTTP, and the
// CI control plane, all in one process.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/quarrydev/quarry/actions"
	"github.com/quarrydev/quarry/cleanup"
	"github.com/quarrydev/quarry/flagutil"
	"github.com/quarrydev/quarry/gitexec"
	"github.com/quarrydev/quarry/httpapi"
	"github.com/quarrydev/quarry/lfs"
	"github.com/quarrydev/quarry/lfs/storage"
	"github.com/quarrydev/quarry/logrusutil"
	"github.com/quarrydev/quarry/repopath"
	"github.com/quarrydev/quarry/sshserver"
	"github.com/quarrydev/quarry/store"
	"github.com/quarrydev/quarry/store/memstore"
)

type options struct {
	git     flagutil.GitOptions
	ssh     flagutil.SSHOptions
	lfs     flagutil.LFSOptions
	actions flagutil.ActionsOptions
	http    flagutil.HTTPOptions
}

func gatherOptions(args []string) (*options, error) {
	var o options
	fs := flag.NewFlagSet("quarry", flag.ExitOnError)
	for _, group := range []flagutil.OptionGroup{&o.git, &o.ssh, &o.lfs, &o.actions, &o.http} {
		group.AddFlags(fs)
	}
	fs.Parse(args)
	for _, group := range []flagutil.OptionGroup{&o.git, &o.ssh, &o.lfs, &o.actions, &o.http} {
		if err := group.Validate(); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

func main() {
	logrusutil.ComponentInit("quarry")
	censor := logrusutil.NewCensoringFormatter(logrus.StandardLogger().Formatter)
	logrus.SetFormatter(censor)

	o, err := gatherOptions(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("Invalid options.")
	}

	registrationToken, err := os.ReadFile(o.actions.RegistrationTokenPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to read the runner registration token.")
	}
	token := strings.TrimSpace(string(registrationToken))
	censor.Censor([]byte(token))

	hostKeyPEM, err := os.ReadFile(o.ssh.HostKeyPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to read the SSH host key.")
	}
	hostKey, err := ssh.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to parse the SSH host key.")
	}

	git, err := gitexec.NewClient(o.git.Binary, o.git.RepositoryRoot)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize the git executor.")
	}
	locator := repopath.NewLocator(git.RepositoryRoot())

	backend, err := buildBackend(&o.lfs)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize LFS storage.")
	}

	// single-node persistence; swap for the relational store in clustered
	// deployments
	mem := memstore.New()

	quota := storage.NewQuota(storage.QuotaPolicy{
		MaxRepoBytes:  o.lfs.MaxRepoBytes,
		MaxOwnerBytes: o.lfs.MaxOwnerBytes,
	}, mem)
	batcher := lfs.NewBatcher(mem, backend, quota, o.lfs.BaseURL)
	collector := storage.NewCollector(backend, storage.NewGitReferenceLister(git)).WithMinAge(o.lfs.GCMinAge)
	if o.lfs.GCInterval > 0 {
		go gcLoop(collector, mem, locator, o.lfs.GCInterval)
	}

	registry := actions.NewRegistry(mem, token)
	dispatcher := actions.NewDispatcher(mem, mem).WithHeartbeatTimeout(o.actions.HeartbeatTimeout)
	trigger := actions.NewTrigger(git, locator, mem, mem)
	scheduler := actions.NewScheduler()
	scheduler.Start()
	defer scheduler.Stop()
	go scheduleLoop(scheduler, trigger, mem, o.actions.TimeoutSweepInterval)

	sshServer, err := sshserver.New(sshserver.Config{
		Addr:             o.ssh.Addr,
		HostKeys:         []ssh.Signer{hostKey},
		MaxSessions:      o.ssh.MaxSessions,
		HandshakeTimeout: o.ssh.HandshakeTimeout,
		RateLimit:        o.ssh.RateLimit,
		RateWindow:       o.ssh.RateWindow,
	}, mem, mem, git, locator)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize the SSH server.")
	}
	sshServer.SetPostReceiveHook(func(ctx context.Context, repo *store.Repository, userID int64, updates []sshserver.RefUpdate) {
		for _, update := range updates {
			branch := strings.TrimPrefix(update.Name, "refs/heads/")
			if branch == update.Name || update.IsDelete() {
				// tags and deletions do not start runs
				continue
			}
			if _, err := trigger.OnPush(ctx, actions.PushEvent{
				Repo:      repo,
				Branch:    branch,
				CommitSHA: update.New,
				ActorID:   userID,
			}); err != nil {
				logrus.WithError(err).WithField("branch", branch).Error("Push trigger failed.")
			}
		}
	})

	api := httpapi.New(httpapi.Config{MaxTransfers: o.lfs.MaxTransfers}, batcher, backend, mem, registry, dispatcher)
	api.SetDeleter(cleanup.NewDeleter(locator, backend, mem, mem))
	httpServer := &http.Server{Addr: o.http.Addr, Handler: api.Router()}
	metricsServer := &http.Server{Addr: o.http.MetricsAddr, Handler: promhttp.Handler()}

	go func() {
		if err := sshServer.ListenAndServe(); err != nil {
			logrus.WithError(err).Fatal("SSH server failed.")
		}
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP server failed.")
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("Metrics server failed.")
		}
	}()
	go sweep(dispatcher, o.actions.TimeoutSweepInterval)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logrus.WithField("signal", sig.String()).Info("Shutting down.")

	sshServer.Shutdown(o.ssh.DrainGrace)
	ctx, cancel := context.WithTimeout(context.Background(), o.ssh.DrainGrace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown incomplete.")
	}
	metricsServer.Close()
}

// sweep periodically enforces run timeouts and runner liveness.
func sweep(dispatcher *actions.Dispatcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		if err := dispatcher.EnforceTimeouts(ctx); err != nil {
			logrus.WithError(err).Error("Timeout sweep failed.")
		}
		if err := dispatcher.CheckHeartbeats(ctx); err != nil {
			logrus.WithError(err).Error("Heartbeat sweep failed.")
		}
		cancel()
	}
}

// scheduleLoop keeps the cron scheduler in sync with the stored
// workflows and turns firings into runs.
func scheduleLoop(scheduler *actions.Scheduler, trigger *actions.Trigger, db *memstore.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		schedules := map[int64][]string{}
		repos, err := db.ListRepositories(ctx)
		if err != nil {
			logrus.WithError(err).Error("Schedule sync failed to list repositories.")
			cancel()
			continue
		}
		for _, repo := range repos {
			workflows, err := db.ListWorkflows(ctx, repo.ID)
			if err != nil {
				logrus.WithError(err).Error("Schedule sync failed to list workflows.")
				continue
			}
			for _, workflow := range workflows {
				if !workflow.IsActive {
					continue
				}
				spec, err := actions.ParseWorkflow([]byte(workflow.Source))
				if err != nil || len(spec.Schedules) == 0 {
					continue
				}
				schedules[workflow.ID] = spec.Schedules
			}
		}
		if err := scheduler.Sync(schedules); err != nil {
			logrus.WithError(err).Error("Schedule sync failed.")
		}
		for _, workflowID := range scheduler.Due() {
			if _, err := trigger.OnSchedule(ctx, workflowID); err != nil {
				logrus.WithError(err).WithField("workflow", workflowID).Error("Scheduled run creation failed.")
			}
		}
		cancel()
	}
}

// gcLoop periodically collects unreferenced LFS objects, scoping the
// pass over every repository so all live references are protected.
func gcLoop(collector *storage.Collector, repos store.RepoStore, locator *repopath.Locator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		all, err := repos.ListRepositories(ctx)
		if err != nil {
			logrus.WithError(err).Error("GC repository listing failed.")
			cancel()
			continue
		}
		// every in-scope repo must contribute its references; a shrunken
		// reference set would delete live objects, so a resolution
		// failure skips the whole pass
		scope := storage.GCScope{Name: "all"}
		resolved := true
		for _, repo := range all {
			dir, err := locator.Resolve(repo.OwnerName, repo.Name)
			if err != nil {
				logrus.WithError(err).Error("GC path resolution failed; skipping this pass.")
				resolved = false
				break
			}
			scope.RepoPaths = append(scope.RepoPaths, dir)
		}
		if !resolved {
			cancel()
			continue
		}
		if result, err := collector.Collect(ctx, scope); err != nil {
			logrus.WithError(err).Error("LFS garbage collection failed.")
		} else {
			logrus.WithFields(logrus.Fields{"deleted": result.Deleted, "freed": result.BytesFreed}).Info("LFS garbage collection finished.")
		}
		cancel()
	}
}

// buildBackend selects the configured object store.
func buildBackend(o *flagutil.LFSOptions) (storage.Backend, error) {
	switch store.StorageBackend(o.Backend) {
	case store.BackendS3:
		return storage.NewS3Backend(storage.S3Options{
			Bucket:    o.S3Bucket,
			Region:    o.S3Region,
			Endpoint:  o.S3Endpoint,
			AccessKey: o.S3AccessKey,
			SecretKey: o.SecretKey(),
		})
	default:
		return storage.NewFilesystemBackend(o.Root)
	}
}
