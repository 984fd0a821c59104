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

package sshserver

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/quarrydev/quarry/pktline"
)

const (
	zeroSHA    = "0000000000000000000000000000000000000000"
	mainSHA    = "5f3c7df9f3ac1a9bd86b1a0c0b6d8b25b7a935e1"
	mainOldSHA = "9c4b6f2ad30e5b21a8c9b3f41d7a8e5c6b2d1f0a"
)

func TestRefRecorderPassesStreamThrough(t *testing.T) {
	var stream bytes.Buffer
	pktline.WriteString(&stream, mainOldSHA+" "+mainSHA+" refs/heads/main\x00report-status side-band-64k\n")
	pktline.WriteString(&stream, mainSHA+" "+zeroSHA+" refs/heads/stale\n")
	pktline.WriteFlush(&stream)
	stream.WriteString("PACK\x00\x00binary pack payload")
	want := append([]byte(nil), stream.Bytes()...)

	// one byte per read stresses packets arriving in fragments
	recorder := newRefRecorder(iotest.OneByteReader(&stream))
	got, err := io.ReadAll(recorder)
	if err != nil {
		t.Fatalf("reading through the recorder: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("recorder altered the stream")
	}

	updates := recorder.Updates()
	if len(updates) != 2 {
		t.Fatalf("recorded %d updates, expected 2: %+v", len(updates), updates)
	}
	first := updates[0]
	if first.Name != "refs/heads/main" || first.Old != mainOldSHA || first.New != mainSHA {
		t.Errorf("first update: %+v", first)
	}
	if first.IsDelete() {
		t.Error("branch update reported as a deletion")
	}
	if !updates[1].IsDelete() {
		t.Errorf("ref deletion not recognized: %+v", updates[1])
	}
}

func TestRefRecorderStopsAtPackData(t *testing.T) {
	var stream bytes.Buffer
	pktline.WriteString(&stream, zeroSHA+" "+mainSHA+" refs/heads/dev\n")
	pktline.WriteFlush(&stream)
	// pack bytes that happen to look like a pkt-line must not be parsed
	pktline.WriteString(&stream, mainSHA+" "+mainSHA+" refs/heads/bogus\n")

	recorder := newRefRecorder(&stream)
	if _, err := io.ReadAll(recorder); err != nil {
		t.Fatalf("reading: %v", err)
	}
	updates := recorder.Updates()
	if len(updates) != 1 || updates[0].Name != "refs/heads/dev" {
		t.Fatalf("recorded %+v, expected only refs/heads/dev", updates)
	}
}

func TestRefRecorderToleratesMalformedFraming(t *testing.T) {
	stream := strings.NewReader("zzzz not a packet at all")
	recorder := newRefRecorder(stream)
	got, err := io.ReadAll(recorder)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(got) != "zzzz not a packet at all" {
		t.Error("recorder altered a malformed stream")
	}
	if len(recorder.Updates()) != 0 {
		t.Errorf("recorded updates from garbage: %+v", recorder.Updates())
	}
}
