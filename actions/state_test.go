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
	"testing"

	"github.com/quarrydev/quarry/store"
)

func TestValidateTransition(t *testing.T) {
	var testCases = []struct {
		name       string
		from, to   store.RunStatus
		conclusion store.RunConclusion
		valid      bool
	}{
		{name: "queued to in_progress", from: store.StatusQueued, to: store.StatusInProgress, valid: true},
		{name: "in_progress to completed", from: store.StatusInProgress, to: store.StatusCompleted, conclusion: store.ConclusionSuccess, valid: true},
		{name: "queued straight to completed", from: store.StatusQueued, to: store.StatusCompleted, conclusion: store.ConclusionCancelled, valid: true},
		{name: "same status", from: store.StatusInProgress, to: store.StatusInProgress, valid: true},
		{name: "completed back to queued", from: store.StatusCompleted, to: store.StatusQueued},
		{name: "in_progress back to queued", from: store.StatusInProgress, to: store.StatusQueued},
		{name: "completed without conclusion", from: store.StatusInProgress, to: store.StatusCompleted},
		{name: "conclusion before completed", from: store.StatusQueued, to: store.StatusInProgress, conclusion: store.ConclusionSuccess},
		{name: "unknown status", from: "paused", to: store.StatusCompleted, conclusion: store.ConclusionSuccess},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := ValidateTransition(testCase.from, testCase.to, testCase.conclusion)
			if testCase.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !testCase.valid && err == nil {
				t.Error("expected an error")
			}
		})
	}
}
