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

	"github.com/gorilla/mux"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/lfs"
	"github.com/quarrydev/quarry/lfs/storage"
	"github.com/quarrydev/quarry/store"
)

// maxBatchBody bounds the metadata request body; payloads move through
// the object endpoints, never this one.
const maxBatchBody = 1 << 20

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var request lfs.BatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBatchBody)).Decode(&request); err != nil {
		s.writeError(w, errorutil.Wrap(errorutil.InvalidInput, err, "decoding batch request"))
		return
	}

	var need store.AccessLevel
	switch request.Operation {
	case "upload":
		need = store.AccessWrite
	case "download":
		need = store.AccessRead
	default:
		s.writeError(w, errorutil.New(errorutil.InvalidInput, "operation %q is not supported", request.Operation))
		return
	}
	repo, err := s.resolveRepo(r, need)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var objects []*lfs.ObjectResponse
	if request.Operation == "upload" {
		objects, err = s.batcher.Upload(r.Context(), repo, request.Objects)
	} else {
		objects, err = s.batcher.Download(r.Context(), repo, request.Objects)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lfs.BatchResponse{Transfer: "basic", Objects: objects})
}

func (s *Server) handleObjectUpload(w http.ResponseWriter, r *http.Request) {
	oid := mux.Vars(r)["oid"]
	if err := storage.CheckOID(oid); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.resolveRepo(r, store.AccessWrite); err != nil {
		s.writeError(w, err)
		return
	}
	if !s.admitTransfer(w) {
		return
	}
	defer s.releaseTransfer()

	if _, err := s.backend.Put(r.Context(), oid, r.Body); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleObjectDownload(w http.ResponseWriter, r *http.Request) {
	oid := mux.Vars(r)["oid"]
	if err := storage.CheckOID(oid); err != nil {
		s.writeError(w, err)
		return
	}
	repo, err := s.resolveRepo(r, store.AccessRead)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.admitTransfer(w) {
		return
	}
	defer s.releaseTransfer()

	reader, err := s.backend.Get(r.Context(), oid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer reader.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	copied, err := io.Copy(w, reader)
	if err != nil {
		// headers are gone; nothing to do but log
		s.logger.WithError(err).WithField("oid", oid).Warn("Download aborted mid-stream.")
		return
	}
	if err := s.batcher.RecordDownload(r.Context(), repo.ID, copied); err != nil {
		s.logger.WithError(err).Warn("Failed to record download bandwidth.")
	}
}

type verifyRequest struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	oid := mux.Vars(r)["oid"]
	repo, err := s.resolveRepo(r, store.AccessWrite)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var request verifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBatchBody)).Decode(&request); err != nil {
		s.writeError(w, errorutil.Wrap(errorutil.InvalidInput, err, "decoding verify request"))
		return
	}
	if request.OID != oid {
		s.writeError(w, errorutil.New(errorutil.InvalidInput, "body oid %q does not match path", request.OID))
		return
	}
	if err := s.batcher.Verify(r.Context(), repo, oid, request.Size); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyRequest{OID: oid, Size: request.Size})
}
