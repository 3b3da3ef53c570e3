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
	"testing"
	"time"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		Multiplier:      1.5,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(), nil, "upload", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_StopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	permanent := &fferrors.ValidationError{Message: "bad key"}
	err := Retry(context.Background(), fastPolicy(), nil, "store secret", func() error {
		attempts++
		return permanent
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for non-retryable error", attempts)
	}
	if !fferrors.IsValidation(err) {
		t.Errorf("err = %v, want the ValidationError back", err)
	}
}

func TestRetry_HonorsMaxRetries(t *testing.T) {
	policy := fastPolicy()
	policy.MaxRetries = 2

	attempts := 0
	boom := errors.New("always fails")
	err := Retry(context.Background(), policy, nil, "notify", func() error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	// First call plus two retries.
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_ContextCancellationStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := Retry(ctx, fastPolicy(), nil, "fetch", func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("down")
	})
	if err == nil {
		t.Fatal("Retry() should fail once context is cancelled")
	}
	if attempts > 3 {
		t.Errorf("attempts = %d, loop should stop promptly after cancel", attempts)
	}
}

func TestRetry_FirstSuccessNoDelay(t *testing.T) {
	start := time.Now()
	err := Retry(context.Background(), fastPolicy(), nil, "quick", func() error { return nil })
	if err != nil {
		t.Fatalf("Retry() = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("immediate success took %v, should not wait", elapsed)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.InitialInterval != 500*time.Millisecond {
		t.Errorf("InitialInterval = %v", p.InitialInterval)
	}
	if p.MaxInterval != 10*time.Second {
		t.Errorf("MaxInterval = %v", p.MaxInterval)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v", p.Multiplier)
	}
}
