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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quarrydev/quarry/errorutil"
)

// fakeS3 is a minimal in-memory S3 endpoint understanding object
// GET/PUT/DELETE/HEAD and list-type=2.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	// modified backdates objects for age-sensitive tests; unset keys
	// list as just written.
	modified map[string]time.Time
	// failures counts down 500 responses before requests succeed.
	failures int
	requests int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if auth := r.Header.Get("Authorization"); !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 ") {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if f.failures > 0 {
		f.failures--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if r.URL.Path == "/" && r.URL.Query().Get("list-type") == "2" {
		fmt.Fprint(w, "<?xml version=\"1.0\"?><ListBucketResult>")
		for key, content := range f.objects {
			modified := f.modified[key]
			if modified.IsZero() {
				modified = time.Now()
			}
			fmt.Fprintf(w, "<Contents><Key>%s</Key><LastModified>%s</LastModified><Size>%d</Size></Contents>",
				key, modified.UTC().Format(time.RFC3339), len(content))
		}
		fmt.Fprint(w, "</ListBucketResult>")
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		content, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodGet {
			w.Write(content)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newS3TestBackend(t *testing.T, fake *fakeS3) *S3Backend {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	backend, err := NewS3Backend(S3Options{
		Bucket:    "quarry-lfs",
		Region:    "eu-west-1",
		AccessKey: "AKIAEXAMPLE",
		SecretKey: "secret",
		Prefix:    "lfs",
		Endpoint:  server.URL,
	})
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	backend.sleep = func(time.Duration) {}
	return backend
}

func TestS3RoundTrip(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	backend := newS3TestBackend(t, fake)
	ctx := context.Background()
	oid, content := randomObject(t, 4096)

	if _, err := backend.Put(ctx, oid, bytes.NewReader(content)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := fake.objects["lfs/"+oid[0:2]+"/"+oid]; !ok {
		t.Fatalf("object not stored under the fan-out key; stored keys: %v", keysOf(fake.objects))
	}
	reader, err := backend.Get(ctx, oid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer reader.Close()
	roundTripped, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if !bytes.Equal(roundTripped, content) {
		t.Error("round-tripped content differs")
	}

	listed, err := backend.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].OID != oid {
		t.Errorf("list returned %v, expected [%s]", listed, oid)
	}
	if listed[0].Size != 4096 || listed[0].Modified.IsZero() {
		t.Errorf("list metadata: size=%d modified=%v", listed[0].Size, listed[0].Modified)
	}

	if err := backend.Delete(ctx, oid); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if exists, err := backend.Exists(ctx, oid); err != nil || exists {
		t.Errorf("exists after delete: %t, %v", exists, err)
	}
}

func TestS3GetRetriesOn5xx(t *testing.T) {
	oid, content := randomObject(t, 128)
	fake := &fakeS3{objects: map[string][]byte{}, failures: 2}
	backend := newS3TestBackend(t, fake)
	fake.mu.Lock()
	fake.objects["lfs/"+oid[0:2]+"/"+oid] = content
	fake.mu.Unlock()

	reader, err := backend.Get(context.Background(), oid)
	if err != nil {
		t.Fatalf("get should succeed on the third attempt: %v", err)
	}
	reader.Close()
	if fake.requests != 3 {
		t.Errorf("made %d requests, expected 3", fake.requests)
	}
}

func TestS3GetGivesUpAfterMaxRetries(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, failures: 10}
	backend := newS3TestBackend(t, fake)
	oid, _ := randomObject(t, 1)
	if _, err := backend.Get(context.Background(), oid); err == nil {
		t.Fatal("expected exhausted retries to fail")
	}
	if fake.requests != s3MaxRetries {
		t.Errorf("made %d requests, expected %d", fake.requests, s3MaxRetries)
	}
}

func TestS3GetNotFound(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	backend := newS3TestBackend(t, fake)
	oid, _ := randomObject(t, 1)
	if _, err := backend.Get(context.Background(), oid); !errorutil.IsKind(err, errorutil.ObjectNotFound) {
		t.Errorf("got %v, expected ObjectNotFound", err)
	}
}

func keysOf(m map[string][]byte) []string {
	var keys []string
	for key := range m {
		keys = append(keys, key)
	}
	return keys
}
