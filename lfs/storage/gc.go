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
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/metrics"
)

// DefaultGCMinAge protects in-flight uploads: objects younger than this
// are never collected.
const DefaultGCMinAge = 24 * time.Hour

// ReferenceLister enumerates the LFS OIDs a repository still points at.
// The production implementation shells out to `git lfs ls-files --all`
// through the git executor.
type ReferenceLister interface {
	ReferencedOIDs(ctx context.Context, repoPath string) ([]string, error)
}

// GCScope names the repositories whose references protect objects.
type GCScope struct {
	// Name keys the single-writer lock, e.g. "filesystem" or a repo path.
	Name string
	// RepoPaths are the on-disk bare repositories in scope.
	RepoPaths []string
}

// GCResult summarizes one collection pass.
type GCResult struct {
	// Scanned is the object count enumerated from storage.
	Scanned int
	// Deleted counts removed objects.
	Deleted int
	// BytesFreed sums the sizes of removed objects.
	BytesFreed int64
	// SkippedYoung counts unreferenced objects spared by min-age.
	SkippedYoung int
}

// Collector garbage-collects unreferenced objects from a backend. At
// most one pass runs per scope name; uploads proceed concurrently and
// are protected by the min-age cutoff.
type Collector struct {
	backend Backend
	lister  ReferenceLister
	minAge  time.Duration
	clock   clock.Clock
	logger  *logrus.Entry

	mu      sync.Mutex
	running map[string]bool
}

// NewCollector builds a Collector with the default min-age.
func NewCollector(backend Backend, lister ReferenceLister) *Collector {
	return &Collector{
		backend: backend,
		lister:  lister,
		minAge:  DefaultGCMinAge,
		clock:   clock.RealClock{},
		running: map[string]bool{},
		logger:  logrus.WithField("component", "lfs-gc"),
	}
}

// WithMinAge overrides the upload-protection window.
func (c *Collector) WithMinAge(minAge time.Duration) *Collector {
	c.minAge = minAge
	return c
}

// WithClock injects a clock for tests.
func (c *Collector) WithClock(clk clock.Clock) *Collector {
	c.clock = clk
	return c
}

// Collect runs one GC pass over the scope: enumerate stored objects,
// subtract every referenced OID, delete what remains if old enough.
func (c *Collector) Collect(ctx context.Context, scope GCScope) (*GCResult, error) {
	c.mu.Lock()
	if c.running[scope.Name] {
		c.mu.Unlock()
		return nil, errorutil.New(errorutil.InvalidState, "gc already running for scope %q", scope.Name)
	}
	c.running[scope.Name] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, scope.Name)
		c.mu.Unlock()
	}()

	stored, err := c.backend.List(ctx)
	if err != nil {
		return nil, err
	}

	referenced := sets.NewString()
	for _, repoPath := range scope.RepoPaths {
		oids, err := c.lister.ReferencedOIDs(ctx, repoPath)
		if err != nil {
			// A failed enumeration must abort the pass: deleting without
			// the full reference set would break the safety invariant.
			return nil, err
		}
		referenced.Insert(oids...)
	}

	result := &GCResult{Scanned: len(stored)}
	cutoff := c.clock.Now().Add(-c.minAge)
	for _, obj := range stored {
		if referenced.Has(obj.OID) {
			continue
		}
		// unknown age counts as young: deleting it could race an
		// in-flight upload
		if obj.Modified.IsZero() || obj.Modified.After(cutoff) {
			result.SkippedYoung++
			continue
		}
		if err := c.backend.Delete(ctx, obj.OID); err != nil {
			return result, err
		}
		result.Deleted++
		result.BytesFreed += obj.Size
		metrics.GCDeletedObjects.Inc()
	}
	c.logger.WithFields(logrus.Fields{
		"scope":   scope.Name,
		"scanned": result.Scanned,
		"deleted": result.Deleted,
		"freed":   result.BytesFreed,
	}).Info("LFS garbage collection finished")
	return result, nil
}

// ParseLsFilesOutput extracts full-length OIDs from
// `git lfs ls-files --all --long` output. Lines look like
// "<oid> [-*] <path>"; anything that does not start with a valid OID is
// ignored.
func ParseLsFilesOutput(output []byte) []string {
	var oids []string
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if ValidOID(fields[0]) {
			oids = append(oids, fields[0])
		}
	}
	return oids
}
