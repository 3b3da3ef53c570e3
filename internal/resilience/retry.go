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
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// RetryPolicy bounds an exponential backoff loop for infrastructure
// calls (git fetch, object storage uploads, notification delivery).
// This is distinct from the per-run retry strategies evaluated by the
// retrypolicy package; those govern whole pipeline runs.
type RetryPolicy struct {
	// InitialInterval is the first delay.
	// Default: 500ms
	InitialInterval time.Duration

	// MaxInterval caps the delay between attempts.
	// Default: 10s
	MaxInterval time.Duration

	// MaxElapsedTime bounds the whole loop; 0 means rely on MaxRetries.
	// Default: 2m
	MaxElapsedTime time.Duration

	// MaxRetries caps the number of re-attempts after the first call;
	// 0 means no attempt cap.
	MaxRetries uint64

	// Multiplier grows the delay between attempts.
	// Default: 2.0
	Multiplier float64
}

// DefaultRetryPolicy returns the policy used for outbound infrastructure
// calls when the config does not override it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
		Multiplier:      2.0,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// Retry runs fn with capped exponential backoff and jitter until it
// succeeds, the policy is exhausted, or ctx is done. Errors classified
// as non-retryable stop the loop immediately.
func Retry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, op string, fn func() error) error {
	policy = policy.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.MaxInterval = policy.MaxInterval
	expo.MaxElapsedTime = policy.MaxElapsedTime
	expo.Multiplier = policy.Multiplier

	var b backoff.BackOff = backoff.WithContext(expo, ctx)
	if policy.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, policy.MaxRetries)
	}

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !fferrors.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		logger.Warn("retrying after failure",
			"op", op,
			"attempt", attempt,
			"next_delay", next.String(),
			"error", err,
		)
	}

	return backoff.RetryNotify(wrapped, b, notify)
}
