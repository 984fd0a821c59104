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

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/store"
)

// Runner credentials travel in headers so request bodies stay loggable.
const (
	headerRunnerUUID  = "X-Runner-UUID"
	headerRunnerToken = "X-Runner-Token"
)

type registerRequest struct {
	RegistrationToken string   `json:"registration_token"`
	Name              string   `json:"name"`
	OwnerID           int64    `json:"owner_id"`
	RepositoryID      int64    `json:"repository_id"`
	Labels            []string `json:"labels"`
}

type registerResponse struct {
	UUID  string `json:"uuid"`
	Token string `json:"token"`
}

func (s *Server) handleRunnerRegister(w http.ResponseWriter, r *http.Request) {
	var request registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBatchBody)).Decode(&request); err != nil {
		s.writeError(w, errorutil.Wrap(errorutil.InvalidInput, err, "decoding register request"))
		return
	}
	registration, err := s.registry.Register(r.Context(), request.RegistrationToken, request.Name, request.OwnerID, request.RepositoryID, request.Labels)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		UUID:  registration.Runner.UUID,
		Token: registration.Token,
	})
}

// authenticateRunner resolves the calling runner from its headers.
func (s *Server) authenticateRunner(r *http.Request) (*store.Runner, error) {
	return s.registry.Authenticate(r.Context(), r.Header.Get(headerRunnerUUID), r.Header.Get(headerRunnerToken))
}

type jobResponse struct {
	ID     int64    `json:"id"`
	RunID  int64    `json:"run_id"`
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

func (s *Server) handleRunnerPoll(w http.ResponseWriter, r *http.Request) {
	runner, err := s.authenticateRunner(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.dispatcher.PollJob(r.Context(), runner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{ID: job.ID, RunID: job.RunID, Name: job.Name, Labels: job.Labels})
}

func (s *Server) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	runner, err := s.authenticateRunner(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.registry.Heartbeat(r.Context(), runner); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeRequest struct {
	JobID      int64               `json:"job_id"`
	Conclusion store.RunConclusion `json:"conclusion"`
}

func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	runner, err := s.authenticateRunner(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var request completeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBatchBody)).Decode(&request); err != nil {
		s.writeError(w, errorutil.Wrap(errorutil.InvalidInput, err, "decoding complete request"))
		return
	}
	if err := s.dispatcher.CompleteJob(r.Context(), runner.ID, request.JobID, request.Conclusion); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
