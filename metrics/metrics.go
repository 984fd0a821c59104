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

// Package metrics registers the forge's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AuthFailures counts rejected SSH authentication attempts.
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_ssh_auth_failures_total",
		Help: "Number of rejected SSH authentication attempts.",
	})
	// RateLimited counts connections refused by the per-address limiter.
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_ssh_rate_limited_total",
		Help: "Number of connections refused by the rate limiter.",
	})
	// SessionsServed counts completed SSH command sessions by command.
	SessionsServed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_ssh_sessions_served_total",
		Help: "Number of completed SSH command sessions.",
	}, []string{"command"})
	// RunsCreated counts workflow runs by trigger event.
	RunsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_actions_runs_created_total",
		Help: "Number of workflow runs created.",
	}, []string{"event"})
	// JobsDispatched counts jobs handed to runners.
	JobsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_actions_jobs_dispatched_total",
		Help: "Number of jobs claimed by runners.",
	})
	// LFSBytes counts LFS payload bytes by direction.
	LFSBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_lfs_transfer_bytes_total",
		Help: "LFS payload bytes moved, by direction.",
	}, []string{"direction"})
	// GCDeletedObjects counts LFS objects removed by garbage collection.
	GCDeletedObjects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_lfs_gc_deleted_objects_total",
		Help: "Number of LFS objects deleted by garbage collection.",
	})
)

func init() {
	prometheus.MustRegister(
		AuthFailures,
		RateLimited,
		SessionsServed,
		RunsCreated,
		JobsDispatched,
		LFSBytes,
		GCDeletedObjects,
	)
}
