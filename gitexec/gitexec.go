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

// Package gitexec executes the bundled git binary against confined bare
// repositories. The binary is located exactly once; every invocation runs
// with a sanitized argument vector, a filtered environment, a wall-clock
// timeout, and bounded output capture. No shell is ever involved.
package gitexec

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quarrydev/quarry/errorutil"
)

const (
	// DefaultMaxOutput bounds captured stdout and stderr per stream.
	DefaultMaxOutput = 16 << 20
	// DefaultTimeout applies when the caller passes none.
	DefaultTimeout = 2 * time.Minute
	// killGracePeriod is how long a timed-out child gets between SIGTERM
	// and SIGKILL.
	killGracePeriod = 5 * time.Second
	// minimalPath is the PATH exported to the child.
	minimalPath = "/usr/bin:/bin"
)

// envWhitelist are the inherited variables a git child may see.
var envWhitelist = []string{"HOME", "USER", "LANG", "LC_ALL"}

// Result captures the outcome of a completed git invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Options tune a single invocation.
type Options struct {
	// Env holds extra variables for the child, validated with the same
	// safe-value rule as arguments.
	Env map[string]string
	// Timeout is the wall-clock budget; DefaultTimeout when zero.
	Timeout time.Duration
	// MaxOutput bounds each captured stream; DefaultMaxOutput when zero.
	MaxOutput int64
	// Stdin, when set, is connected to the child's stdin.
	Stdin io.Reader
}

// Client runs git commands. It is safe for concurrent use.
type Client struct {
	binary string
	root   string
	logger *logrus.Entry

	// start is swapped out by tests that must not spawn processes.
	start func(cmd *exec.Cmd) error
}

// NewClient resolves the git binary once and canonicalizes the repository
// root. If binary is empty the executable search path is consulted now,
// and never again.
func NewClient(binary, repositoryRoot string) (*Client, error) {
	if binary == "" {
		found, err := exec.LookPath("git")
		if err != nil {
			return nil, errorutil.Wrap(errorutil.GitNotFound, err, "git binary not found")
		}
		binary = found
	}
	abs, err := filepath.Abs(binary)
	if err != nil {
		return nil, errorutil.Wrap(errorutil.GitNotFound, err, "resolving git binary %q", binary)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, errorutil.Wrap(errorutil.GitNotFound, err, "git binary %q not usable", abs)
	}
	root, err := canonicalize(repositoryRoot)
	if err != nil {
		return nil, errorutil.Wrap(errorutil.InvalidRepository, err, "repository root %q", repositoryRoot)
	}
	return &Client{
		binary: abs,
		root:   root,
		logger: logrus.WithField("component", "gitexec"),
		start:  func(cmd *exec.Cmd) error { return cmd.Start() },
	}, nil
}

// Binary returns the cached absolute path of the git binary.
func (c *Client) Binary() string {
	return c.binary
}

// RepositoryRoot returns the canonicalized confinement root.
func (c *Client) RepositoryRoot() string {
	return c.root
}

// ConfineRepoPath canonicalizes repoPath and verifies it lies under the
// repository root.
func (c *Client) ConfineRepoPath(repoPath string) (string, error) {
	resolved, err := canonicalize(repoPath)
	if err != nil {
		return "", errorutil.Wrap(errorutil.InvalidRepository, err, "resolving %q", repoPath)
	}
	if !underRoot(c.root, resolved) {
		return "", errorutil.New(errorutil.InvalidRepository, "%q escapes the repository root", repoPath)
	}
	return resolved, nil
}

// Run executes git with the given argument vector inside repoPath,
// capturing bounded output. The returned Result is non-nil whenever the
// child was spawned, including on non-zero exit.
func (c *Client) Run(ctx context.Context, repoPath string, args []string, opts *Options) (*Result, error) {
	if opts == nil {
		opts = &Options{}
	}
	dir, cmd, err := c.prepare(repoPath, args, opts)
	if err != nil {
		return nil, err
	}
	maxOutput := opts.MaxOutput
	if maxOutput == 0 {
		maxOutput = DefaultMaxOutput
	}
	stdout := &boundedBuffer{max: maxOutput}
	stderr := &boundedBuffer{max: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	pipes, err := connectStdio(cmd, opts.Stdin, nil, nil)
	if err != nil {
		return nil, err
	}
	defer pipes.close()

	logger := c.logger.WithFields(logrus.Fields{"dir": dir, "args": strings.Join(args, " ")})
	res, err := c.wait(ctx, cmd, opts.Timeout, func() bool { return stdout.overflowed() || stderr.overflowed() }, pipes)
	result := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: res}
	switch {
	case err != nil:
		logger.WithError(err).Debug("git command failed")
		return result, err
	case stdout.overflowed() || stderr.overflowed():
		logger.Debug("git command output exceeded the capture bound")
		return result, errorutil.New(errorutil.OutputTooLarge, "output exceeded %d bytes", maxOutput)
	case res != 0:
		logger.WithField("exit", res).Debug("git command exited non-zero")
		return result, errorutil.New(errorutil.ProcessFailed, "git exited %d: %s", res, firstLine(result.Stderr))
	}
	logger.Debug("git command succeeded")
	return result, nil
}

// Serve executes a git server-side command (upload-pack, receive-pack,
// upload-archive) with its stdio bridged directly to the given streams.
// Used by the SSH session handler; output is not bounded because the
// wire protocol streams pack data.
func (c *Client) Serve(ctx context.Context, repoPath string, args []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	_, cmd, err := c.prepare(repoPath, args, &Options{})
	if err != nil {
		return -1, err
	}
	pipes, err := connectStdio(cmd, stdin, stdout, stderr)
	if err != nil {
		return -1, err
	}
	defer pipes.close()
	exit, err := c.wait(ctx, cmd, 0, nil, pipes)
	if err != nil {
		return exit, err
	}
	pipes.drain(killGracePeriod)
	if exit != 0 {
		return exit, errorutil.New(errorutil.ProcessFailed, "%s exited %d", args[0], exit)
	}
	return 0, nil
}

// prepare validates arguments and confinement and builds the command.
func (c *Client) prepare(repoPath string, args []string, opts *Options) (string, *exec.Cmd, error) {
	if len(args) == 0 {
		return "", nil, errorutil.New(errorutil.InvalidArgument, "empty argument vector")
	}
	if err := CheckArgs(args); err != nil {
		return "", nil, err
	}
	dir, err := c.ConfineRepoPath(repoPath)
	if err != nil {
		return "", nil, err
	}
	env, err := childEnv(opts.Env)
	if err != nil {
		return "", nil, err
	}
	cmd := exec.Command(c.binary, args...)
	cmd.Dir = dir
	cmd.Env = env
	return dir, cmd, nil
}

// wait starts the child and enforces the timeout: SIGTERM on expiry,
// SIGKILL after the grace period. overflow, when non-nil, is polled so an
// output-bound breach also kills the child.
func (c *Client) wait(ctx context.Context, cmd *exec.Cmd, timeout time.Duration, overflow func() bool, pipes *stdioPipes) (int, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if err := c.start(cmd); err != nil {
		return -1, errorutil.Wrap(errorutil.ProcessFailed, err, "spawning git")
	}
	pipes.closeChildEnds()
	// cmd.Wait returns once the child is dead: every stream is an owned
	// pipe end or an internal buffer, so no stdin or stdout copy
	// goroutine inside os/exec can outlive the process. See stdioPipes.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	terminate := func() {
		if cmd.Process == nil {
			return
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(killGracePeriod):
			_ = cmd.Process.Kill()
			<-done
		}
	}

	for {
		select {
		case err := <-done:
			return exitCode(cmd, err), waitError(err)
		case <-ctx.Done():
			terminate()
			return -1, errorutil.Wrap(errorutil.Timeout, ctx.Err(), "git command cancelled")
		case <-timer.C:
			terminate()
			return -1, errorutil.New(errorutil.Timeout, "git command exceeded %s", timeout)
		case <-poll.C:
			if overflow != nil && overflow() {
				terminate()
				return -1, nil
			}
		}
	}
}

// waitError suppresses ExitError, which is reported through the exit code.
func waitError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return nil
	}
	return errorutil.Wrap(errorutil.ProcessFailed, err, "waiting on git")
}

func exitCode(cmd *exec.Cmd, err error) int {
	if exit, ok := err.(*exec.ExitError); ok {
		return exit.ExitCode()
	}
	if err != nil {
		return -1
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return 0
}

// stdioPipes owns the pipes between caller streams and the child.
// Handing os/exec a non-file stream makes cmd.Wait block until the
// matching internal copy goroutine returns, so a stdin reader that
// never reaches EOF (a stalled SSH channel, for instance) would keep
// Wait pinned after the child was killed. With owned pipes, Wait
// tracks only the process and the copiers can be abandoned.
type stdioPipes struct {
	childEnds  []*os.File
	parentEnds []*os.File
	outputs    sync.WaitGroup
}

// connectStdio bridges the non-nil caller streams onto cmd. Streams
// already backed by a file are handed to os/exec directly; everything
// else goes through a pipe owned here.
func connectStdio(cmd *exec.Cmd, stdin io.Reader, stdout, stderr io.Writer) (*stdioPipes, error) {
	pipes := &stdioPipes{}
	if stdin != nil {
		if f, ok := stdin.(*os.File); ok {
			cmd.Stdin = f
		} else {
			read, write, err := os.Pipe()
			if err != nil {
				pipes.close()
				return nil, errorutil.Wrap(errorutil.ProcessFailed, err, "creating stdin pipe")
			}
			cmd.Stdin = read
			pipes.childEnds = append(pipes.childEnds, read)
			pipes.parentEnds = append(pipes.parentEnds, write)
			go func() {
				_, _ = io.Copy(write, stdin)
				// EOF for the child; a second close from the parent
				// side is harmless.
				_ = write.Close()
			}()
		}
	}
	bind := func(sink io.Writer, assign func(*os.File)) error {
		if sink == nil {
			return nil
		}
		if f, ok := sink.(*os.File); ok {
			assign(f)
			return nil
		}
		read, write, err := os.Pipe()
		if err != nil {
			return err
		}
		assign(write)
		pipes.childEnds = append(pipes.childEnds, write)
		pipes.parentEnds = append(pipes.parentEnds, read)
		pipes.outputs.Add(1)
		go func() {
			defer pipes.outputs.Done()
			_, _ = io.Copy(sink, read)
		}()
		return nil
	}
	if err := bind(stdout, func(f *os.File) { cmd.Stdout = f }); err != nil {
		pipes.close()
		return nil, errorutil.Wrap(errorutil.ProcessFailed, err, "creating stdout pipe")
	}
	if err := bind(stderr, func(f *os.File) { cmd.Stderr = f }); err != nil {
		pipes.close()
		return nil, errorutil.Wrap(errorutil.ProcessFailed, err, "creating stderr pipe")
	}
	return pipes, nil
}

// closeChildEnds releases the parent's copies of the descriptors the
// child inherited. Must run as soon as the child starts so pipe EOFs
// track the child's lifetime.
func (p *stdioPipes) closeChildEnds() {
	for _, end := range p.childEnds {
		_ = end.Close()
	}
	p.childEnds = nil
}

// drain gives the output copiers up to grace to deliver the tail of
// the child's output. A sink that stays blocked past the grace
// forfeits the tail.
func (p *stdioPipes) drain(grace time.Duration) {
	finished := make(chan struct{})
	go func() {
		p.outputs.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(grace):
	}
}

// close releases every pipe end still held. Copiers abandoned mid-read
// or mid-write fail on the closed descriptor and exit; a stdin copier
// blocked inside the caller's reader exits when that reader closes.
func (p *stdioPipes) close() {
	p.closeChildEnds()
	for _, end := range p.parentEnds {
		_ = end.Close()
	}
	p.parentEnds = nil
}

// childEnv builds the whitelisted environment plus validated extras.
func childEnv(extra map[string]string) ([]string, error) {
	env := []string{"PATH=" + minimalPath}
	for _, key := range envWhitelist {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	for key, value := range extra {
		if err := checkSafeValue(key); err != nil {
			return nil, err
		}
		if err := checkSafeValue(value); err != nil {
			return nil, err
		}
		env = append(env, key+"="+value)
	}
	return env, nil
}

// canonicalize makes the path absolute and resolves symlinks so prefix
// checks cannot be defeated by links out of the root.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func underRoot(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func firstLine(b []byte) string {
	if idx := bytes.IndexByte(b, '\n'); idx >= 0 {
		b = b[:idx]
	}
	return string(b)
}

// boundedBuffer accumulates up to max bytes and records overflow.
type boundedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	max      int64
	overflow bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - int64(b.buf.Len())
	if remaining <= 0 {
		b.overflow = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.overflow = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func (b *boundedBuffer) overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}
