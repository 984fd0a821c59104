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

	"github.com/quarrydev/quarry/pktline"
)

// RefUpdate is one receive-pack command: point Name at New, away from
// Old. An all-zero New deletes the ref.
type RefUpdate struct {
	Name string
	Old  string
	New  string
}

// IsDelete reports whether the update removes the ref.
func (u RefUpdate) IsDelete() bool {
	return strings.Trim(u.New, "0") == ""
}

// refRecorder passes a receive-pack request stream through unchanged
// while recording the pkt-line ref-update commands that precede the
// pack data. Malformed framing just stops the recording; git rejects
// such streams on its own.
type refRecorder struct {
	src     io.Reader
	pending bytes.Buffer
	done    bool
	updates []RefUpdate
}

func newRefRecorder(src io.Reader) *refRecorder {
	return &refRecorder{src: src}
}

func (r *refRecorder) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 && !r.done {
		r.pending.Write(p[:n])
		r.consume()
	}
	return n, err
}

// consume parses complete packets out of the pending bytes. A packet
// that has not fully arrived stays pending until the next Read; the
// flush packet marks the start of pack data and ends the recording.
func (r *refRecorder) consume() {
	for !r.done {
		buffered := bytes.NewReader(r.pending.Bytes())
		payload, err := pktline.Read(buffered)
		if err == pktline.ErrFlush {
			r.done = true
			return
		}
		if err != nil {
			if r.pending.Len() > pktline.MaxPayload+4 {
				// no valid packet can still be pending; give up
				r.done = true
			}
			return
		}
		r.pending.Next(r.pending.Len() - buffered.Len())
		line := string(payload)
		if i := strings.IndexByte(line, 0); i >= 0 {
			// capability list rides after the first command
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 3 {
			r.updates = append(r.updates, RefUpdate{Old: fields[0], New: fields[1], Name: fields[2]})
		}
	}
}

// Updates returns the commands recorded so far.
func (r *refRecorder) Updates() []RefUpdate {
	return r.updates
}
