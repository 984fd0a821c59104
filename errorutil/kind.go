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

// Package errorutil classifies errors into semantic kinds so that callers
// (and ultimately the HTTP layer) can decide how to react without string
// matching on messages.
package errorutil

import (
	"errors"
	"fmt"
)

// Kind identifies the semantic class of a failure.
type Kind string

const (
	GitNotFound          Kind = "git-not-found"
	InvalidArgument      Kind = "invalid-argument"
	CommandInjection     Kind = "command-injection"
	Timeout              Kind = "timeout"
	ProcessFailed        Kind = "process-failed"
	PermissionDenied     Kind = "permission-denied"
	InvalidRepository    Kind = "invalid-repository"
	AuthenticationFailed Kind = "authentication-failed"
	OutputTooLarge       Kind = "output-too-large"
	RateLimitExceeded    Kind = "rate-limit-exceeded"
	InvalidChecksum      Kind = "invalid-checksum"
	ObjectNotFound       Kind = "object-not-found"
	StorageLimitExceeded Kind = "storage-limit-exceeded"
	PathTraversalAttempt Kind = "path-traversal-attempt"
	BackendError         Kind = "backend-error"
	InvalidState         Kind = "invalid-state"
	InvalidInput         Kind = "invalid-input"
	InvalidPath          Kind = "invalid-path"
)

// Error carries a Kind together with a human-readable message and an
// optional wrapped cause.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

// New creates a classified error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing it.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Kind returns the semantic class of the error.
func (e *Error) Kind() Kind {
	return e.kind
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf returns the Kind of err if it (or anything it wraps) was created
// by this package, and "" otherwise.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
