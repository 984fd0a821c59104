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

// Package pktline implements git's length-prefixed packet framing: four
// ASCII hex digits of total length followed by payload, with 0000 as the
// flush packet.
package pktline

import (
	"fmt"
	"io"
	"strconv"

	"github.com/quarrydev/quarry/errorutil"
)

const (
	// lenBytes is the size of the length prefix.
	lenBytes = 4
	// MaxPayload is the largest payload a single packet can carry.
	MaxPayload = 65516
)

// ErrFlush is returned by Read when a flush packet is encountered.
var ErrFlush = fmt.Errorf("pktline: flush packet")

// Write frames payload as a single packet.
func Write(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return errorutil.New(errorutil.InvalidInput, "payload of %d bytes exceeds the packet maximum", len(payload))
	}
	if _, err := fmt.Fprintf(w, "%04x", len(payload)+lenBytes); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteString frames s as a single packet.
func WriteString(w io.Writer, s string) error {
	return Write(w, []byte(s))
}

// WriteFlush emits a flush packet.
func WriteFlush(w io.Writer) error {
	_, err := io.WriteString(w, "0000")
	return err
}

// Read consumes one packet and returns its payload. A flush packet yields
// ErrFlush with a nil payload. Malformed length prefixes and truncated
// payloads are InvalidInput errors; callers should close the connection.
func Read(r io.Reader) ([]byte, error) {
	prefix := make([]byte, lenBytes)
	if _, err := io.ReadFull(r, prefix); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errorutil.Wrap(errorutil.InvalidInput, err, "reading packet length")
	}
	length, err := strconv.ParseUint(string(prefix), 16, 16)
	if err != nil {
		return nil, errorutil.Wrap(errorutil.InvalidInput, err, "malformed packet length %q", prefix)
	}
	if length == 0 {
		return nil, ErrFlush
	}
	if length < lenBytes {
		return nil, errorutil.New(errorutil.InvalidInput, "packet length %d is shorter than its own prefix", length)
	}
	payload := make([]byte, length-lenBytes)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errorutil.Wrap(errorutil.InvalidInput, err, "truncated packet payload")
	}
	return payload, nil
}
