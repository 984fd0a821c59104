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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// lifecycleState positions the server in its shutdown sequence.
type lifecycleState int

const (
	stateRunning lifecycleState = iota
	stateDraining
	stateStopped
)

// Lifecycle gates connection admission across a drain. Once shutdown
// starts, ShouldAcceptConnection answers false forever; in-flight
// sessions get the grace period to finish.
type Lifecycle struct {
	mu     sync.Mutex
	state  lifecycleState
	active sync.WaitGroup
	logger *logrus.Entry
}

// NewLifecycle returns a running Lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{logger: logrus.WithField("component", "ssh-lifecycle")}
}

// ShouldAcceptConnection answers whether a new connection may start.
func (l *Lifecycle) ShouldAcceptConnection() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateRunning
}

// ConnectionStarted registers an admitted connection. It returns false
// when the server stopped accepting between the admission check and now.
func (l *Lifecycle) ConnectionStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateRunning {
		return false
	}
	l.active.Add(1)
	return true
}

// ConnectionFinished releases a registered connection.
func (l *Lifecycle) ConnectionFinished() {
	l.active.Done()
}

// InitiateShutdown moves to draining and blocks until either every
// session finished or the grace period ran out. The transition is one
// way; a second call returns immediately.
func (l *Lifecycle) InitiateShutdown(grace time.Duration) {
	if !l.beginDrain() {
		return
	}
	l.waitDrained(grace)
}

// beginDrain closes admission. It reports whether this call performed
// the transition.
func (l *Lifecycle) beginDrain() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateRunning {
		return false
	}
	l.state = stateDraining
	l.logger.Info("Draining SSH sessions.")
	return true
}

func (l *Lifecycle) waitDrained(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		l.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.logger.Info("All sessions drained.")
	case <-time.After(grace):
		l.logger.Warn("Drain grace period expired with sessions still active.")
	}

	l.mu.Lock()
	l.state = stateStopped
	l.mu.Unlock()
}
