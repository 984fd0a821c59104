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

// Package actions is the control plane for CI: it persists workflows,
// runs, jobs, runners, and secrets, turns pushed commits into queued
// runs, and dispatches queued jobs to matching runners.
package actions

import (
	"encoding/json"
	"fmt"
	"sort"

	"sigs.k8s.io/yaml"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/store"
)

// knownEvents are the trigger events a workflow may subscribe to.
var knownEvents = map[store.TriggerEvent]bool{
	store.EventPush:               true,
	store.EventPullRequest:        true,
	store.EventSchedule:           true,
	store.EventWorkflowDispatch:   true,
	store.EventRepositoryDispatch: true,
}

// JobSpec is one job declared by a workflow document.
type JobSpec struct {
	Name string
	// Labels come from runs-on; a runner must carry all of them.
	Labels []string
	// TimeoutMinutes bounds the job's run wall-clock time.
	TimeoutMinutes int
}

// WorkflowSpec is a parsed workflow document.
type WorkflowSpec struct {
	Name string
	// On lists the events that trigger this workflow.
	On []store.TriggerEvent
	// Schedules holds cron expressions when On contains schedule.
	Schedules []string
	Jobs      []JobSpec
}

// TriggersOn reports whether the workflow subscribes to event.
func (w *WorkflowSpec) TriggersOn(event store.TriggerEvent) bool {
	for _, candidate := range w.On {
		if candidate == event {
			return true
		}
	}
	return false
}

// rawWorkflow mirrors the YAML document loosely; `on` and `runs-on`
// are polymorphic and decoded in a second pass.
type rawWorkflow struct {
	Name string          `json:"name"`
	On   json.RawMessage `json:"on"`
	// OnBool catches the trigger clause when YAML 1.1 resolution turns
	// the bare key `on` into a boolean, which the JSON bridge renders as
	// the key "true".
	OnBool json.RawMessage           `json:"true"`
	Jobs   map[string]rawWorkflowJob `json:"jobs"`
}

type rawWorkflowJob struct {
	RunsOn         json.RawMessage `json:"runs-on"`
	TimeoutMinutes int             `json:"timeout-minutes"`
}

type rawSchedule struct {
	Cron string `json:"cron"`
}

// ParseWorkflow decodes a workflow YAML document. The `on` clause may be
// a single event name, a list of names, or a map from event name to
// configuration (with schedule carrying cron entries).
func ParseWorkflow(source []byte) (*WorkflowSpec, error) {
	var raw rawWorkflow
	if err := yaml.Unmarshal(source, &raw); err != nil {
		return nil, errorutil.Wrap(errorutil.InvalidInput, err, "parsing workflow document")
	}
	if len(raw.Jobs) == 0 {
		return nil, errorutil.New(errorutil.InvalidInput, "workflow declares no jobs")
	}
	spec := &WorkflowSpec{Name: raw.Name}
	onClause := raw.On
	if len(onClause) == 0 {
		onClause = raw.OnBool
	}
	if err := parseOnClause(onClause, spec); err != nil {
		return nil, err
	}
	if len(spec.On) == 0 {
		return nil, errorutil.New(errorutil.InvalidInput, "workflow declares no trigger events")
	}

	names := make([]string, 0, len(raw.Jobs))
	for name := range raw.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		job := raw.Jobs[name]
		labels, err := parseRunsOn(job.RunsOn)
		if err != nil {
			return nil, errorutil.Wrap(errorutil.InvalidInput, err, "job %q", name)
		}
		spec.Jobs = append(spec.Jobs, JobSpec{
			Name:           name,
			Labels:         labels,
			TimeoutMinutes: job.TimeoutMinutes,
		})
	}
	return spec, nil
}

func parseOnClause(raw json.RawMessage, spec *WorkflowSpec) error {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return appendEvent(spec, single, nil)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, name := range list {
			if err := appendEvent(spec, name, nil); err != nil {
				return err
			}
		}
		return nil
	}
	var byEvent map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byEvent); err != nil {
		return errorutil.Wrap(errorutil.InvalidInput, err, "parsing on clause")
	}
	names := make([]string, 0, len(byEvent))
	for name := range byEvent {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := appendEvent(spec, name, byEvent[name]); err != nil {
			return err
		}
	}
	return nil
}

func appendEvent(spec *WorkflowSpec, name string, config json.RawMessage) error {
	event := store.TriggerEvent(name)
	if !knownEvents[event] {
		return errorutil.New(errorutil.InvalidInput, "unknown trigger event %q", name)
	}
	spec.On = append(spec.On, event)
	if event == store.EventSchedule && len(config) > 0 {
		var schedules []rawSchedule
		if err := json.Unmarshal(config, &schedules); err != nil {
			return errorutil.Wrap(errorutil.InvalidInput, err, "parsing schedule entries")
		}
		for _, schedule := range schedules {
			if schedule.Cron == "" {
				return errorutil.New(errorutil.InvalidInput, "schedule entry without a cron expression")
			}
			spec.Schedules = append(spec.Schedules, schedule.Cron)
		}
	}
	return nil
}

func parseRunsOn(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	return nil, fmt.Errorf("runs-on must be a label or a list of labels")
}
