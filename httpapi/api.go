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

// Package httpapi exposes the LFS batch protocol and the runner API over
// HTTP. Transport concerns only; all semantics live in the lfs and
// actions packages.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/quarrydev/quarry/actions"
	"github.com/quarrydev/quarry/cleanup"
	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/lfs"
	"github.com/quarrydev/quarry/lfs/storage"
	"github.com/quarrydev/quarry/store"
)

// AuthFunc resolves the requesting user; 0 means anonymous. Credential
// extraction is deployment-specific and injected by the composition
// root.
type AuthFunc func(r *http.Request) (int64, error)

// Server holds the handler dependencies.
type Server struct {
	batcher *lfs.Batcher
	backend storage.Backend
	repos   store.RepoStore

	registry   *actions.Registry
	dispatcher *actions.Dispatcher
	deleter    *cleanup.Deleter

	auth AuthFunc
	// transfers gates concurrent LFS payload moves per backend.
	transfers chan struct{}
	logger    *logrus.Entry
}

// Config tunes the HTTP surface.
type Config struct {
	// MaxTransfers bounds concurrent object uploads and downloads.
	MaxTransfers int
	Auth         AuthFunc
}

// New wires the HTTP server.
func New(config Config, batcher *lfs.Batcher, backend storage.Backend, repos store.RepoStore, registry *actions.Registry, dispatcher *actions.Dispatcher) *Server {
	if config.MaxTransfers == 0 {
		config.MaxTransfers = 32
	}
	if config.Auth == nil {
		config.Auth = func(*http.Request) (int64, error) { return 0, nil }
	}
	return &Server{
		batcher:    batcher,
		backend:    backend,
		repos:      repos,
		registry:   registry,
		dispatcher: dispatcher,
		auth:       config.Auth,
		transfers:  make(chan struct{}, config.MaxTransfers),
		logger:     logrus.WithField("component", "httpapi"),
	}
}

// SetDeleter enables the repository deletion endpoint. Must be called
// before Router.
func (s *Server) SetDeleter(deleter *cleanup.Deleter) {
	s.deleter = deleter
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(rejectDirtyPaths)

	router.HandleFunc("/{owner}/{repo}.git/info/lfs/objects/batch", s.handleBatch).Methods(http.MethodPost)
	router.HandleFunc("/{owner}/{repo}.git/info/lfs/objects/{oid}", s.handleObjectUpload).Methods(http.MethodPut)
	router.HandleFunc("/{owner}/{repo}.git/info/lfs/objects/{oid}", s.handleObjectDownload).Methods(http.MethodGet)
	router.HandleFunc("/{owner}/{repo}.git/info/lfs/objects/{oid}/verify", s.handleVerify).Methods(http.MethodPost)

	if s.deleter != nil {
		router.HandleFunc("/api/repos/{owner}/{repo}", s.handleRepoDelete).Methods(http.MethodDelete)
	}

	router.HandleFunc("/api/actions/runners/register", s.handleRunnerRegister).Methods(http.MethodPost)
	router.HandleFunc("/api/actions/runners/poll", s.handleRunnerPoll).Methods(http.MethodPost)
	router.HandleFunc("/api/actions/runners/heartbeat", s.handleRunnerHeartbeat).Methods(http.MethodPost)
	router.HandleFunc("/api/actions/jobs/complete", s.handleJobComplete).Methods(http.MethodPost)
	return router
}

// rejectDirtyPaths refuses request paths with dot-dot segments, empty
// segments, or encoded traversal left after percent-decoding.
func rejectDirtyPaths(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, raw := range []string{r.URL.Path, r.URL.RawPath} {
			if raw == "" {
				continue
			}
			for _, segment := range strings.Split(strings.TrimPrefix(raw, "/"), "/") {
				if segment == "" || segment == "." || segment == ".." ||
					strings.EqualFold(segment, "%2e%2e") || strings.Contains(segment, "\x00") {
					http.Error(w, "invalid path", http.StatusBadRequest)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes v with the LFS media type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/vnd.git-lfs+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Message string `json:"message"`
}

// writeError maps semantic error kinds onto HTTP statuses. Messages stay
// generic; details land in the log, not the response.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch errorutil.KindOf(err) {
	case errorutil.ObjectNotFound:
		status, message = http.StatusNotFound, "not found"
	case errorutil.InvalidInput, errorutil.InvalidArgument, errorutil.InvalidPath, errorutil.InvalidRepository:
		status, message = http.StatusUnprocessableEntity, "invalid request"
	case errorutil.PermissionDenied:
		status, message = http.StatusForbidden, "forbidden"
	case errorutil.AuthenticationFailed:
		status, message = http.StatusUnauthorized, "unauthorized"
	case errorutil.StorageLimitExceeded:
		status, message = http.StatusInsufficientStorage, "storage quota exceeded"
	case errorutil.InvalidChecksum:
		status, message = http.StatusUnprocessableEntity, "object failed verification"
	case errorutil.RateLimitExceeded:
		status, message = http.StatusTooManyRequests, "slow down"
	case errorutil.InvalidState:
		status, message = http.StatusConflict, "conflicting state"
	}
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed.")
	}
	writeJSON(w, status, errorBody{Message: message})
}

// admitTransfer reserves a payload-transfer slot. When the backend is
// saturated the client is told to come back.
func (s *Server) admitTransfer(w http.ResponseWriter) bool {
	select {
	case s.transfers <- struct{}{}:
		return true
	default:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Message: "transfer slots exhausted"})
		return false
	}
}

func (s *Server) releaseTransfer() {
	<-s.transfers
}

// resolveRepo authenticates the request and loads the repository with
// the demanded access level.
func (s *Server) resolveRepo(r *http.Request, need store.AccessLevel) (*store.Repository, error) {
	vars := mux.Vars(r)
	userID, err := s.auth(r)
	if err != nil {
		return nil, errorutil.Wrap(errorutil.AuthenticationFailed, err, "resolving credentials")
	}
	repo, err := s.repos.GetRepository(r.Context(), vars["owner"], vars["repo"])
	if err != nil {
		return nil, err
	}
	level, err := s.repos.Access(r.Context(), userID, repo.ID)
	if err != nil {
		return nil, err
	}
	if level < need {
		return nil, errorutil.New(errorutil.PermissionDenied, "user %d lacks access to %s/%s", userID, repo.OwnerName, repo.Name)
	}
	return repo, nil
}
