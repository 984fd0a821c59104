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

// Package flagutil groups the forge's command-line options. Each group
// knows how to register its flags and validate itself, so binaries
// compose the groups they need.
package flagutil

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// OptionGroup is implemented by every flag group.
type OptionGroup interface {
	AddFlags(fs *flag.FlagSet)
	Validate() error
}

// GitOptions configure the git executor.
type GitOptions struct {
	Binary         string
	RepositoryRoot string
	Timeout        time.Duration
	MaxOutputBytes int64
}

func (o *GitOptions) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Binary, "git-binary", "", "Path to the git binary; the search path is consulted when empty.")
	fs.StringVar(&o.RepositoryRoot, "repository-root", "/var/lib/quarry/repositories", "Directory that confines all bare repositories.")
	fs.DurationVar(&o.Timeout, "git-timeout", 2*time.Minute, "Wall-clock budget for a git invocation.")
	fs.Int64Var(&o.MaxOutputBytes, "git-max-output-bytes", 16<<20, "Captured output bound per stream.")
}

func (o *GitOptions) Validate() error {
	if o.RepositoryRoot == "" {
		return fmt.Errorf("--repository-root is required")
	}
	if info, err := os.Stat(o.RepositoryRoot); err != nil || !info.IsDir() {
		return fmt.Errorf("--repository-root %q is not a directory", o.RepositoryRoot)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("--git-timeout must be positive")
	}
	return nil
}

// SSHOptions configure the SSH front end.
type SSHOptions struct {
	Addr             string
	HostKeyPath      string
	MaxSessions      int
	HandshakeTimeout time.Duration
	RateLimit        int
	RateWindow       time.Duration
	DrainGrace       time.Duration
}

func (o *SSHOptions) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Addr, "ssh-addr", ":2222", "Address the SSH server binds.")
	fs.StringVar(&o.HostKeyPath, "ssh-host-key", "/etc/quarry/host_key", "PEM file holding the SSH host key.")
	fs.IntVar(&o.MaxSessions, "ssh-max-sessions", 256, "Concurrent session bound.")
	fs.DurationVar(&o.HandshakeTimeout, "ssh-handshake-timeout", 10*time.Second, "Handshake deadline per connection.")
	fs.IntVar(&o.RateLimit, "ssh-rate-limit", 10, "Connection attempts allowed per address per window.")
	fs.DurationVar(&o.RateWindow, "ssh-rate-window", time.Minute, "Sliding window for the rate limiter.")
	fs.DurationVar(&o.DrainGrace, "ssh-drain-grace", 30*time.Second, "How long active sessions get to finish on shutdown.")
}

func (o *SSHOptions) Validate() error {
	if o.HostKeyPath == "" {
		return fmt.Errorf("--ssh-host-key is required")
	}
	if o.MaxSessions <= 0 {
		return fmt.Errorf("--ssh-max-sessions must be positive")
	}
	if o.RateLimit <= 0 || o.RateWindow <= 0 {
		return fmt.Errorf("--ssh-rate-limit and --ssh-rate-window must be positive")
	}
	return nil
}

// LFSOptions configure large-file storage.
type LFSOptions struct {
	Backend       string
	Root          string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	BaseURL       string
	MaxRepoBytes  int64
	MaxOwnerBytes int64
	GCMinAge      time.Duration
	GCInterval    time.Duration
	MaxTransfers  int
}

func (o *LFSOptions) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Backend, "lfs-backend", "filesystem", "Object storage backend, filesystem or s3.")
	fs.StringVar(&o.Root, "lfs-root", "/var/lib/quarry/lfs", "Object directory for the filesystem backend.")
	fs.StringVar(&o.S3Bucket, "lfs-s3-bucket", "", "Bucket for the s3 backend.")
	fs.StringVar(&o.S3Region, "lfs-s3-region", "us-east-1", "Region for the s3 backend.")
	fs.StringVar(&o.S3Endpoint, "lfs-s3-endpoint", "", "Endpoint override for S3-compatible stores.")
	fs.StringVar(&o.S3AccessKey, "lfs-s3-access-key", "", "Access key for the s3 backend.")
	fs.StringVar(&o.S3SecretKey, "lfs-s3-secret-key", "", "Secret key for the s3 backend; prefer the QUARRY_S3_SECRET_KEY environment variable.")
	fs.StringVar(&o.BaseURL, "lfs-base-url", "", "External base URL issued in transfer actions.")
	fs.Int64Var(&o.MaxRepoBytes, "lfs-max-repo-bytes", 0, "Per-repository storage quota; 0 disables.")
	fs.Int64Var(&o.MaxOwnerBytes, "lfs-max-owner-bytes", 0, "Per-owner storage quota; 0 disables.")
	fs.DurationVar(&o.GCMinAge, "lfs-gc-min-age", 24*time.Hour, "Objects younger than this are never collected.")
	fs.DurationVar(&o.GCInterval, "lfs-gc-interval", 24*time.Hour, "How often unreferenced objects are collected; 0 disables.")
	fs.IntVar(&o.MaxTransfers, "lfs-max-transfers", 32, "Concurrent payload transfer bound.")
}

func (o *LFSOptions) Validate() error {
	switch o.Backend {
	case "filesystem":
		if o.Root == "" {
			return fmt.Errorf("--lfs-root is required for the filesystem backend")
		}
	case "s3":
		if o.S3Bucket == "" {
			return fmt.Errorf("--lfs-s3-bucket is required for the s3 backend")
		}
		if o.S3AccessKey == "" || o.secretKey() == "" {
			return fmt.Errorf("s3 credentials are required for the s3 backend")
		}
	default:
		return fmt.Errorf("--lfs-backend must be filesystem or s3, got %q", o.Backend)
	}
	if o.BaseURL == "" {
		return fmt.Errorf("--lfs-base-url is required")
	}
	if o.MaxRepoBytes < 0 || o.MaxOwnerBytes < 0 {
		return fmt.Errorf("quota flags must not be negative")
	}
	return nil
}

// SecretKey resolves the S3 secret, preferring the environment so the
// value stays out of process listings.
func (o *LFSOptions) SecretKey() string {
	return o.secretKey()
}

func (o *LFSOptions) secretKey() string {
	if env := os.Getenv("QUARRY_S3_SECRET_KEY"); env != "" {
		return env
	}
	return o.S3SecretKey
}

// ActionsOptions configure the CI control plane.
type ActionsOptions struct {
	RegistrationTokenPath string
	HeartbeatTimeout      time.Duration
	TimeoutSweepInterval  time.Duration
}

func (o *ActionsOptions) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.RegistrationTokenPath, "runner-registration-token-file", "/etc/quarry/runner_token", "File holding the shared runner registration token.")
	fs.DurationVar(&o.HeartbeatTimeout, "runner-heartbeat-timeout", 90*time.Second, "Silence after which a runner is considered lost.")
	fs.DurationVar(&o.TimeoutSweepInterval, "run-timeout-sweep-interval", time.Minute, "How often run timeouts and heartbeats are checked.")
}

func (o *ActionsOptions) Validate() error {
	if o.RegistrationTokenPath == "" {
		return fmt.Errorf("--runner-registration-token-file is required")
	}
	if o.HeartbeatTimeout <= 0 || o.TimeoutSweepInterval <= 0 {
		return fmt.Errorf("heartbeat and sweep intervals must be positive")
	}
	return nil
}

// HTTPOptions configure the HTTP surface.
type HTTPOptions struct {
	Addr        string
	MetricsAddr string
}

func (o *HTTPOptions) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Addr, "http-addr", ":8080", "Address the HTTP API binds.")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", ":9090", "Address the Prometheus endpoint binds.")
}

func (o *HTTPOptions) Validate() error {
	if o.Addr == "" {
		return fmt.Errorf("--http-addr is required")
	}
	return nil
}
