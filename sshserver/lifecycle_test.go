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
	"testing"
	"time"
)

func TestLifecycleAdmissionClosesForever(t *testing.T) {
	lifecycle := NewLifecycle()
	if !lifecycle.ShouldAcceptConnection() {
		t.Fatal("fresh lifecycle refuses connections")
	}
	lifecycle.InitiateShutdown(time.Millisecond)
	if lifecycle.ShouldAcceptConnection() {
		t.Error("connections accepted after shutdown")
	}
	// repeat calls are no-ops, never a regression to running
	lifecycle.InitiateShutdown(time.Millisecond)
	if lifecycle.ShouldAcceptConnection() {
		t.Error("connections accepted after repeated shutdown")
	}
}

func TestLifecycleWaitsForActiveSessions(t *testing.T) {
	lifecycle := NewLifecycle()
	if !lifecycle.ConnectionStarted() {
		t.Fatal("running lifecycle refused a connection")
	}
	release := make(chan struct{})
	go func() {
		<-release
		lifecycle.ConnectionFinished()
	}()

	start := time.Now()
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	lifecycle.InitiateShutdown(5 * time.Second)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("shutdown returned after %v, before the session finished", elapsed)
	}
}

func TestLifecycleGraceExpiry(t *testing.T) {
	lifecycle := NewLifecycle()
	lifecycle.ConnectionStarted() // never finishes
	start := time.Now()
	lifecycle.InitiateShutdown(50 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("shutdown hung %v despite the grace period", elapsed)
	}
	if lifecycle.ShouldAcceptConnection() {
		t.Error("connections accepted after grace expiry")
	}
	if lifecycle.ConnectionStarted() {
		t.Error("connection registered after stop")
	}
	lifecycle.ConnectionFinished()
}
