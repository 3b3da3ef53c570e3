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

// Package retrypolicy evaluates per-pipeline retry strategies. Given the
// retry attempt index and the pipeline's declared strategy it returns
// the delay before the next run is submitted. Distinct from the bounded
// infrastructure retries in internal/resilience: these delays govern
// whole pipeline runs.
package retrypolicy

import (
	"fmt"
	"math"
	"time"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Strategy type tags.
const (
	TypeFixedDelay         = "fixed_delay"
	TypeExponentialBackoff = "exponential_backoff"
	TypeCustomSchedule     = "custom_schedule"
)

// Exponential backoff defaults applied when a field is omitted.
const (
	DefaultInitialDelaySeconds = 60.0
	DefaultMultiplier          = 2.0
	DefaultMaxDelaySeconds     = 3600.0
)

// Environment keys injected into retried runs so pipelines can detect
// re-execution.
const (
	RetryCountEnv    = "_fastflow_retry_count"
	PreviousRunIDEnv = "_fastflow_previous_run_id"
)

// Strategy is the tagged union a pipeline declares as retry_strategy.
// Optional numeric fields are pointers so an absent field can fall back
// to its documented default.
type Strategy struct {
	Type string `json:"type"`

	// Delay applies to fixed_delay, in seconds.
	Delay *float64 `json:"delay,omitempty"`

	// InitialDelay, Multiplier and MaxDelay apply to exponential_backoff,
	// delays in seconds.
	InitialDelay *float64 `json:"initial_delay,omitempty"`
	Multiplier   *float64 `json:"multiplier,omitempty"`
	MaxDelay     *float64 `json:"max_delay,omitempty"`

	// Delays applies to custom_schedule, in seconds.
	Delays []float64 `json:"delays,omitempty"`
}

// Validate rejects strategies that would produce nonsensical delays.
// A nil strategy is valid (it means "use the default delay").
func (s *Strategy) Validate() error {
	if s == nil {
		return nil
	}
	switch s.Type {
	case TypeFixedDelay:
		if s.Delay != nil && *s.Delay < 0 {
			return &fferrors.ValidationError{
				Field:   "retry_strategy.delay",
				Message: "delay must not be negative",
			}
		}
	case TypeExponentialBackoff:
		if s.InitialDelay != nil && *s.InitialDelay < 0 {
			return &fferrors.ValidationError{
				Field:   "retry_strategy.initial_delay",
				Message: "initial_delay must not be negative",
			}
		}
		if s.Multiplier != nil && *s.Multiplier <= 0 {
			return &fferrors.ValidationError{
				Field:   "retry_strategy.multiplier",
				Message: "multiplier must be positive",
			}
		}
		if s.MaxDelay != nil && *s.MaxDelay < 0 {
			return &fferrors.ValidationError{
				Field:   "retry_strategy.max_delay",
				Message: "max_delay must not be negative",
			}
		}
	case TypeCustomSchedule:
		for i, d := range s.Delays {
			if d < 0 {
				return &fferrors.ValidationError{
					Field:   fmt.Sprintf("retry_strategy.delays[%d]", i),
					Message: "delay must not be negative",
				}
			}
		}
	default:
		// Unknown types evaluate to the default delay rather than
		// failing the pipeline, so they pass validation.
	}
	return nil
}

// Delay returns how long to wait before submitting retry number attempt.
// attempt is 1-based: the first retry is attempt 1. Strategies the
// evaluator cannot interpret fall back to def.
func Delay(attempt int, s *Strategy, def time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if s == nil {
		return def
	}

	switch s.Type {
	case TypeFixedDelay:
		if s.Delay == nil {
			return def
		}
		return seconds(*s.Delay)

	case TypeExponentialBackoff:
		initial := DefaultInitialDelaySeconds
		if s.InitialDelay != nil {
			initial = *s.InitialDelay
		}
		multiplier := DefaultMultiplier
		if s.Multiplier != nil {
			multiplier = *s.Multiplier
		}
		maxDelay := DefaultMaxDelaySeconds
		if s.MaxDelay != nil {
			maxDelay = *s.MaxDelay
		}
		d := initial * math.Pow(multiplier, float64(attempt-1))
		if d > maxDelay {
			d = maxDelay
		}
		return seconds(d)

	case TypeCustomSchedule:
		if len(s.Delays) == 0 {
			return def
		}
		idx := attempt - 1
		if idx >= len(s.Delays) {
			idx = len(s.Delays) - 1
		}
		return seconds(s.Delays[idx])

	default:
		return def
	}
}

func seconds(v float64) time.Duration {
	if v < 0 {
		v = 0
	}
	return time.Duration(v * float64(time.Second))
}
