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
	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/store"
)

// statusRank orders the run lifecycle; transitions may only move up.
var statusRank = map[store.RunStatus]int{
	store.StatusQueued:     0,
	store.StatusInProgress: 1,
	store.StatusCompleted:  2,
}

// ValidateTransition enforces the monotone queued → in_progress →
// completed machine shared by runs and jobs.
func ValidateTransition(from, to store.RunStatus, conclusion store.RunConclusion) error {
	fromRank, ok := statusRank[from]
	if !ok {
		return errorutil.New(errorutil.InvalidState, "unknown status %q", from)
	}
	toRank, ok := statusRank[to]
	if !ok {
		return errorutil.New(errorutil.InvalidState, "unknown status %q", to)
	}
	if toRank < fromRank {
		return errorutil.New(errorutil.InvalidState, "cannot move from %q back to %q", from, to)
	}
	if to == store.StatusCompleted && conclusion == "" {
		return errorutil.New(errorutil.InvalidState, "completed requires a conclusion")
	}
	if to != store.StatusCompleted && conclusion != "" {
		return errorutil.New(errorutil.InvalidState, "only completed carries a conclusion")
	}
	return nil
}
