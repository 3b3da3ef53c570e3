// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	fflog "github.com/tombee/fastflow/internal/log"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Breaker component names. Each external dependency gets its own breaker
// so a failing object store cannot poison container submissions.
const (
	ComponentDocker        = "docker"
	ComponentKubernetes    = "kubernetes"
	ComponentObjectStorage = "object-storage"
	ComponentOAuth         = "oauth"
	ComponentGit           = "git"
)

// BreakerConfig controls when a breaker opens and how it recovers.
type BreakerConfig struct {
	// Name identifies the protected dependency (one of the Component
	// constants, or any other label).
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	// Default: 5
	FailureThreshold uint32

	// Cooldown is how long the breaker stays open before allowing a
	// half-open probe.
	// Default: 30s
	Cooldown time.Duration

	// MaxHalfOpenRequests is how many probes may run while half-open.
	// Default: 1
	MaxHalfOpenRequests uint32

	// OnStateChange is invoked on every state transition, after the
	// built-in log entry. Used to export breaker state as a gauge.
	OnStateChange func(name string, from, to gobreaker.State)
}

func (c *BreakerConfig) withDefaults() BreakerConfig {
	out := *c
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 5
	}
	if out.Cooldown == 0 {
		out.Cooldown = 30 * time.Second
	}
	if out.MaxHalfOpenRequests == 0 {
		out.MaxHalfOpenRequests = 1
	}
	return out
}

// Breaker guards calls to one external dependency. Failures are counted
// consecutively; once the threshold trips, calls fail fast with an
// InfrastructureError until the cooldown allows a probe through.
type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewBreaker creates a circuit breaker from the given config.
func NewBreaker(cfg BreakerConfig, logger *slog.Logger) *Breaker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = fflog.WithComponent(logger, "breaker")

	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxHalfOpenRequests,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// Caller-initiated cancellation says nothing about the
			// dependency's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level := slog.LevelWarn
			if to == gobreaker.StateClosed {
				level = slog.LevelInfo
			}
			logger.Log(context.Background(), level, "circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	})

	return b
}

// Name returns the breaker's dependency label.
func (b *Breaker) Name() string { return b.name }

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Do runs fn through the breaker. When the breaker is open the call is
// rejected immediately with an InfrastructureError; the protected
// dependency is never touched.
func (b *Breaker) Do(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &fferrors.InfrastructureError{
			Component: b.name,
			Op:        op,
			Message:   "circuit breaker open",
			Cause:     err,
		}
	}

	return err
}

// Set holds the daemon's named breakers, one per external dependency.
type Set struct {
	Docker        *Breaker
	Kubernetes    *Breaker
	ObjectStorage *Breaker
	OAuth         *Breaker
	Git           *Breaker
}

// SetConfig carries the shared thresholds applied to every breaker in
// the set.
type SetConfig struct {
	FailureThreshold    uint32
	Cooldown            time.Duration
	MaxHalfOpenRequests uint32
	OnStateChange       func(name string, from, to gobreaker.State)
}

// NewSet builds the standard breaker set with uniform thresholds.
func NewSet(cfg SetConfig, logger *slog.Logger) *Set {
	mk := func(name string) *Breaker {
		return NewBreaker(BreakerConfig{
			Name:                name,
			FailureThreshold:    cfg.FailureThreshold,
			Cooldown:            cfg.Cooldown,
			MaxHalfOpenRequests: cfg.MaxHalfOpenRequests,
			OnStateChange:       cfg.OnStateChange,
		}, logger)
	}
	return &Set{
		Docker:        mk(ComponentDocker),
		Kubernetes:    mk(ComponentKubernetes),
		ObjectStorage: mk(ComponentObjectStorage),
		OAuth:         mk(ComponentOAuth),
		Git:           mk(ComponentGit),
	}
}
