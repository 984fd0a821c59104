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

package actions

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/store"
)

// Registry admits runners. Tokens are returned once at registration;
// only their SHA-256 is ever stored or compared.
type Registry struct {
	actions store.ActionsStore
	clock   clock.PassiveClock
	// registrationToken gates Register; rotated out of band.
	registrationToken string
}

// NewRegistry wires the runner registry.
func NewRegistry(actions store.ActionsStore, registrationToken string) *Registry {
	return &Registry{
		actions:           actions,
		clock:             clock.RealClock{},
		registrationToken: registrationToken,
	}
}

// WithClock injects a clock for tests.
func (r *Registry) WithClock(clk clock.PassiveClock) *Registry {
	r.clock = clk
	return r
}

// Registration is what a fresh runner takes home. Token appears here and
// nowhere else.
type Registration struct {
	Runner *store.Runner
	Token  string
}

func hashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// Register admits a new runner. The caller presents the shared
// registration token; the runner receives its UUID and a per-runner
// token for subsequent calls.
func (r *Registry) Register(ctx context.Context, registrationToken, name string, ownerID, repoID int64, labels []string) (*Registration, error) {
	if subtle.ConstantTimeCompare([]byte(registrationToken), []byte(r.registrationToken)) != 1 {
		return nil, errorutil.New(errorutil.AuthenticationFailed, "registration token rejected")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, errors.Wrap(err, "generating runner token")
	}
	token := hex.EncodeToString(raw)
	runner := &store.Runner{
		UUID:         uuid.NewString(),
		Name:         name,
		OwnerID:      ownerID,
		RepositoryID: repoID,
		TokenHash:    hashToken(token),
		Labels:       labels,
		Status:       store.RunnerOnline,
		LastSeen:     r.clock.Now(),
	}
	if err := r.actions.CreateRunner(ctx, runner); err != nil {
		return nil, err
	}
	return &Registration{Runner: runner, Token: token}, nil
}

// Authenticate resolves a runner by UUID and token. Failures are
// deliberately uniform; callers learn nothing about which part failed.
func (r *Registry) Authenticate(ctx context.Context, runnerUUID, token string) (*store.Runner, error) {
	runner, err := r.actions.GetRunnerByUUID(ctx, runnerUUID)
	if err != nil {
		return nil, errorutil.New(errorutil.AuthenticationFailed, "runner credentials rejected")
	}
	if !hmac.Equal(runner.TokenHash, hashToken(token)) {
		return nil, errorutil.New(errorutil.AuthenticationFailed, "runner credentials rejected")
	}
	return runner, nil
}

// Heartbeat stamps the runner alive and revives an offline one.
func (r *Registry) Heartbeat(ctx context.Context, runner *store.Runner) error {
	runner.LastSeen = r.clock.Now()
	if runner.Status == store.RunnerOffline {
		runner.Status = store.RunnerOnline
	}
	return r.actions.UpdateRunner(ctx, runner)
}
