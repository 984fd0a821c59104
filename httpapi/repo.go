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
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quarrydev/quarry/errorutil"
)

// handleRepoDelete tears the repository down. Only the owner may do
// this; write access is not enough.
func (s *Server) handleRepoDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := s.auth(r)
	if err != nil {
		s.writeError(w, errorutil.Wrap(errorutil.AuthenticationFailed, err, "resolving credentials"))
		return
	}
	repo, err := s.repos.GetRepository(r.Context(), vars["owner"], vars["repo"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if userID == 0 || userID != repo.OwnerID {
		s.writeError(w, errorutil.New(errorutil.PermissionDenied, "user %d does not own %s/%s", userID, repo.OwnerName, repo.Name))
		return
	}
	if err := s.deleter.DeleteRepository(r.Context(), repo); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
