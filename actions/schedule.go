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
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	cron "gopkg.in/robfig/cron.v2" // using v2 api, doc at https://godoc.org/gopkg.in/robfig/cron.v2
	"k8s.io/apimachinery/pkg/util/sets"
)

// entryStatus is a cache layer for tracking existing cron entries
type entryStatus struct {
	// entryID is a unique-identifier for each cron entry generated from cronAgent
	entryID cron.EntryID
	// triggered marks if the workflow is due for the next Due() call
	triggered bool
	// cronStr is a cache for the entry's cron expression; the entry is
	// regenerated when the workflow document changes it
	cronStr string
}

// Scheduler wraps robfig/cron to fire schedule-triggered workflows. It
// only marks workflows due; run creation stays with the caller so it
// shares one code path with push triggers.
type Scheduler struct {
	cronAgent *cron.Cron
	// entries are keyed by "<workflowID>/<cron expression>"; a workflow
	// may carry several schedule lines.
	entries map[string]*entryStatus
	logger  *logrus.Entry
	lock    sync.Mutex
}

// NewScheduler makes an idle Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		cronAgent: cron.New(),
		entries:   map[string]*entryStatus{},
		logger:    logrus.WithField("component", "actions-schedule"),
	}
}

// Start kicks off the cron agent.
func (s *Scheduler) Start() {
	s.cronAgent.Start()
}

// Stop pauses the cron agent.
func (s *Scheduler) Stop() {
	s.cronAgent.Stop()
}

// Due returns the workflow IDs whose schedule fired since the last call
// and resets their trigger marks.
func (s *Scheduler) Due() []int64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	due := sets.NewInt64()
	for key, status := range s.entries {
		if status.triggered {
			due.Insert(workflowIDOf(key))
		}
		status.triggered = false
	}
	return due.List()
}

// Sync reconciles the cron agent with the current set of
// schedule-triggered workflows, adding and removing entries as needed.
func (s *Scheduler) Sync(schedules map[int64][]string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	wanted := sets.NewString()
	for workflowID, expressions := range schedules {
		for _, expression := range expressions {
			key := entryKey(workflowID, expression)
			wanted.Insert(key)
			if err := s.addEntry(key, expression); err != nil {
				return err
			}
		}
	}

	existing := sets.NewString()
	for key := range s.entries {
		existing.Insert(key)
	}
	for _, key := range existing.Difference(wanted).List() {
		s.removeEntry(key)
	}
	return nil
}

func entryKey(workflowID int64, expression string) string {
	return fmt.Sprintf("%d/%s", workflowID, expression)
}

func workflowIDOf(key string) int64 {
	var id int64
	fmt.Sscanf(key, "%d/", &id)
	return id
}

func (s *Scheduler) addEntry(key, expression string) error {
	if status, ok := s.entries[key]; ok && status.cronStr == expression {
		return nil
	}
	id, err := s.cronAgent.AddFunc("TZ=UTC "+expression, func() {
		s.lock.Lock()
		defer s.lock.Unlock()

		s.entries[key].triggered = true
		s.logger.Infof("Schedule fired for %s.", key)
	})
	if err != nil {
		return fmt.Errorf("adding cron entry %s: %v", key, err)
	}
	s.entries[key] = &entryStatus{
		entryID: id,
		cronStr: expression,
		// @every entries fire once right away
		triggered: strings.HasPrefix(expression, "@every"),
	}
	s.logger.Infof("Added cron entry %s.", key)
	return nil
}

func (s *Scheduler) removeEntry(key string) {
	status, ok := s.entries[key]
	if !ok {
		return
	}
	s.cronAgent.Remove(status.entryID)
	delete(s.entries, key)
	s.logger.Infof("Removed cron entry %s.", key)
}
