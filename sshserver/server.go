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

// Package sshserver accepts git-over-SSH connections, authenticates
// them by public key, and bridges the three git service verbs onto the
// confined executor. Every refusal looks the same from the outside.
package sshserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/gitexec"
	"github.com/quarrydev/quarry/metrics"
	"github.com/quarrydev/quarry/pktline"
	"github.com/quarrydev/quarry/repopath"
	"github.com/quarrydev/quarry/store"
)

const (
	// defaultMaxSessions bounds concurrently served sessions.
	defaultMaxSessions = 256
	// defaultHandshakeTimeout bounds the SSH handshake.
	defaultHandshakeTimeout = 10 * time.Second
	// defaultRateLimit / defaultRateWindow bound per-address failed
	// attempts.
	defaultRateLimit  = 10
	defaultRateWindow = time.Minute
	// evictInterval is how often idle limiter entries are swept.
	evictInterval = 5 * time.Minute
)

// refusedKeyTypes are key algorithms rejected regardless of the key
// material behind them.
var refusedKeyTypes = map[string]bool{
	ssh.KeyAlgoDSA: true,
}

// Config tunes a Server. Zero values take the defaults above.
type Config struct {
	Addr             string
	HostKeys         []ssh.Signer
	MaxSessions      int
	HandshakeTimeout time.Duration
	RateLimit        int
	RateWindow       time.Duration
}

// Server is the git-over-SSH front end.
type Server struct {
	keys      store.KeyStore
	repos     store.RepoStore
	git       *gitexec.Client
	locator   *repopath.Locator
	lifecycle *Lifecycle
	limiter   *RateLimiter
	sshConfig *ssh.ServerConfig
	config    Config
	sessions  chan struct{}
	logger    *logrus.Entry

	mu       sync.Mutex
	listener net.Listener

	// postReceive, when set, runs after every successful receive-pack
	// with the ref updates the client pushed, so each one can trigger
	// downstream work against its own commit.
	postReceive func(ctx context.Context, repo *store.Repository, userID int64, updates []RefUpdate)
}

// SetPostReceiveHook installs the push callback. Must be called before
// Serve.
func (s *Server) SetPostReceiveHook(hook func(ctx context.Context, repo *store.Repository, userID int64, updates []RefUpdate)) {
	s.postReceive = hook
}

// New builds a Server. At least one host key is required.
func New(config Config, keys store.KeyStore, repos store.RepoStore, git *gitexec.Client, locator *repopath.Locator) (*Server, error) {
	if len(config.HostKeys) == 0 {
		return nil, errorutil.New(errorutil.InvalidInput, "at least one host key is required")
	}
	if config.MaxSessions == 0 {
		config.MaxSessions = defaultMaxSessions
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.RateWindow == 0 {
		config.RateWindow = defaultRateWindow
	}
	server := &Server{
		keys:      keys,
		repos:     repos,
		git:       git,
		locator:   locator,
		lifecycle: NewLifecycle(),
		limiter:   NewRateLimiter(config.RateLimit, config.RateWindow),
		config:    config,
		sessions:  make(chan struct{}, config.MaxSessions),
		logger:    logrus.WithField("component", "sshserver"),
	}
	sshConfig := &ssh.ServerConfig{
		PublicKeyCallback: server.authenticate,
		ServerVersion:     "SSH-2.0-Quarry",
	}
	for _, key := range config.HostKeys {
		sshConfig.AddHostKey(key)
	}
	server.sshConfig = sshConfig
	return server, nil
}

// authenticate resolves a public key to a user. All failures collapse
// into the same error so probing reveals nothing, and each one charges
// the source address's rate-limit budget.
func (s *Server) authenticate(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	refused := func() (*ssh.Permissions, error) {
		metrics.AuthFailures.Inc()
		s.limiter.RecordFailure(remoteHost(conn.RemoteAddr()))
		return nil, fmt.Errorf("permission denied")
	}
	if _, isCert := key.(*ssh.Certificate); isCert {
		return refused()
	}
	if refusedKeyTypes[key.Type()] {
		return refused()
	}
	stored, err := s.keys.GetKeyByFingerprint(context.Background(), ssh.FingerprintSHA256(key))
	if err != nil {
		return refused()
	}
	return &ssh.Permissions{
		Extensions: map[string]string{
			"user-id": strconv.FormatInt(stored.OwnerID, 10),
			"key-id":  strconv.FormatInt(stored.ID, 10),
		},
	}, nil
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.config.Addr)
	}
	return s.Serve(listener)
}

// Serve accepts connections from the listener until it closes.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.WithField("addr", listener.Addr().String()).Info("Serving SSH.")

	stopSweep := make(chan struct{})
	defer close(stopSweep)
	go s.sweepLimiter(stopSweep)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !s.lifecycle.ShouldAcceptConnection() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return errors.Wrap(err, "accepting connection")
		}
		if !s.admit(conn) {
			conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

// admit applies the drain gate and the rate limiter. The limiter is
// only consulted here, never charged: connections cost nothing until
// auth or the protocol fails. Refused peers see an immediate close
// either way.
func (s *Server) admit(conn net.Conn) bool {
	if !s.lifecycle.ShouldAcceptConnection() {
		return false
	}
	if s.limiter.Blocked(remoteHost(conn.RemoteAddr())) {
		metrics.RateLimited.Inc()
		return false
	}
	return true
}

func remoteHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *Server) sweepLimiter(stop <-chan struct{}) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.Evict()
		case <-stop:
			return
		}
	}
}

// Shutdown stops accepting, then drains active sessions for grace.
func (s *Server) Shutdown(grace time.Duration) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	s.lifecycle.beginDrain()
	// admission is closed; unblock the accept loop
	if listener != nil {
		listener.Close()
	}
	s.lifecycle.waitDrained(grace)
}

func (s *Server) handleConn(raw net.Conn) {
	if !s.lifecycle.ConnectionStarted() {
		raw.Close()
		return
	}
	defer s.lifecycle.ConnectionFinished()
	defer raw.Close()

	raw.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
	conn, channels, requests, err := ssh.NewServerConn(raw, s.sshConfig)
	if err != nil {
		s.logger.WithError(err).Debug("Handshake failed.")
		return
	}
	raw.SetDeadline(time.Time{})
	defer conn.Close()
	go ssh.DiscardRequests(requests)

	logger := s.logger.WithField("remote", conn.RemoteAddr().String())
	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		select {
		case s.sessions <- struct{}{}:
		default:
			newChannel.Reject(ssh.ResourceShortage, "too many sessions")
			continue
		}
		channel, channelRequests, err := newChannel.Accept()
		if err != nil {
			<-s.sessions
			logger.WithError(err).Debug("Failed to accept session channel.")
			continue
		}
		go func() {
			defer func() { <-s.sessions }()
			s.handleSession(conn, channel, channelRequests, logger)
		}()
	}
}

// execRequest is the wire payload of an exec request.
type execRequest struct {
	Command string
}

// exitStatus is the wire payload of an exit-status request.
type exitStatus struct {
	Status uint32
}

// handleSession waits for the single exec request and serves it. Shell
// and subsystem requests are refused; this server only speaks git.
func (s *Server) handleSession(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request, logger *logrus.Entry) {
	defer channel.Close()
	for request := range requests {
		switch request.Type {
		case "exec":
			var payload execRequest
			if err := ssh.Unmarshal(request.Payload, &payload); err != nil {
				s.limiter.RecordFailure(remoteHost(conn.RemoteAddr()))
				request.Reply(false, nil)
				return
			}
			request.Reply(true, nil)
			exit := s.serveCommand(conn, channel, payload.Command, logger)
			channel.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: uint32(exit)}))
			return
		case "env":
			// silently ignored; the executor builds its own environment
			request.Reply(false, nil)
		default:
			request.Reply(false, nil)
		}
	}
}

// serveCommand parses, authorizes, and executes one git service verb,
// returning the exit status to relay.
func (s *Server) serveCommand(conn *ssh.ServerConn, channel ssh.Channel, payload string, logger *logrus.Entry) int {
	// refusals surface as a protocol ERR packet so git clients report
	// "remote error: access denied" instead of a bare hangup
	fail := func(err error) int {
		logger.WithError(err).Info("Refused command.")
		s.limiter.RecordFailure(remoteHost(conn.RemoteAddr()))
		pktline.WriteString(channel, "ERR access denied\n")
		fmt.Fprintf(channel.Stderr(), "quarry: access denied\r\n")
		return 1
	}
	command, err := ParseCommand(payload)
	if err != nil {
		return fail(err)
	}
	userID, err := strconv.ParseInt(conn.Permissions.Extensions["user-id"], 10, 64)
	if err != nil {
		return fail(errors.Wrap(err, "resolving session user"))
	}
	ctx := context.Background()
	repo, err := s.repos.GetRepository(ctx, command.Owner, command.Repo)
	if err != nil {
		return fail(err)
	}
	level, err := s.repos.Access(ctx, userID, repo.ID)
	if err != nil {
		return fail(err)
	}
	if level < command.RequiredAccess() {
		return fail(errorutil.New(errorutil.PermissionDenied, "user %d lacks access to %s/%s", userID, command.Owner, command.Repo))
	}
	dir, err := s.locator.Resolve(command.Owner, command.Repo)
	if err != nil {
		return fail(err)
	}

	logger = logger.WithFields(logrus.Fields{"verb": command.Verb, "repo": command.Owner + "/" + command.Repo})
	logger.Info("Serving command.")
	var stdin io.Reader = channel
	var recorder *refRecorder
	if command.Verb == "git-receive-pack" {
		recorder = newRefRecorder(channel)
		stdin = recorder
	}
	exit, err := s.git.Serve(ctx, dir, command.ServiceArgs(), stdin, channel, channel.Stderr())
	if err != nil {
		logger.WithError(err).Warn("Command failed.")
		if exit <= 0 {
			exit = 1
		}
		return exit
	}
	metrics.SessionsServed.WithLabelValues(command.Verb).Inc()
	if recorder != nil && s.postReceive != nil {
		s.postReceive(ctx, repo, userID, recorder.Updates())
	}
	logger.Debug("Command finished.")
	return 0
}

// Limiter exposes the rate limiter for observability.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// Lifecycle exposes the drain gate, for composition with the process
// signal handler.
func (s *Server) Lifecycle() *Lifecycle {
	return s.lifecycle
}
