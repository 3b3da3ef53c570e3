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

package retrypolicy

import (
	"encoding/json"
	"testing"
	"time"
)

func f(v float64) *float64 { return &v }

func TestDelay_NilStrategyUsesDefault(t *testing.T) {
	if got := Delay(1, nil, 45*time.Second); got != 45*time.Second {
		t.Errorf("Delay() = %v, want 45s", got)
	}
}

func TestDelay_FixedDelay(t *testing.T) {
	tests := []struct {
		name     string
		strategy *Strategy
		attempt  int
		want     time.Duration
	}{
		{
			name:     "explicit delay",
			strategy: &Strategy{Type: TypeFixedDelay, Delay: f(10)},
			attempt:  1,
			want:     10 * time.Second,
		},
		{
			name:     "same delay on later attempts",
			strategy: &Strategy{Type: TypeFixedDelay, Delay: f(10)},
			attempt:  7,
			want:     10 * time.Second,
		},
		{
			name:     "missing delay falls back to default",
			strategy: &Strategy{Type: TypeFixedDelay},
			attempt:  1,
			want:     30 * time.Second,
		},
		{
			name:     "fractional seconds",
			strategy: &Strategy{Type: TypeFixedDelay, Delay: f(0.5)},
			attempt:  1,
			want:     500 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Delay(tt.attempt, tt.strategy, 30*time.Second); got != tt.want {
				t.Errorf("Delay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelay_ExponentialBackoff(t *testing.T) {
	tests := []struct {
		name     string
		strategy *Strategy
		attempt  int
		want     time.Duration
	}{
		{
			name:     "first retry uses initial",
			strategy: &Strategy{Type: TypeExponentialBackoff, InitialDelay: f(5), Multiplier: f(2), MaxDelay: f(100)},
			attempt:  1,
			want:     5 * time.Second,
		},
		{
			name:     "doubles per attempt",
			strategy: &Strategy{Type: TypeExponentialBackoff, InitialDelay: f(5), Multiplier: f(2), MaxDelay: f(100)},
			attempt:  3,
			want:     20 * time.Second,
		},
		{
			name:     "capped at max_delay",
			strategy: &Strategy{Type: TypeExponentialBackoff, InitialDelay: f(5), Multiplier: f(2), MaxDelay: f(12)},
			attempt:  3,
			want:     12 * time.Second,
		},
		{
			name:     "defaults: 60s initial, x2, 3600s cap",
			strategy: &Strategy{Type: TypeExponentialBackoff},
			attempt:  2,
			want:     120 * time.Second,
		},
		{
			name:     "default cap reached",
			strategy: &Strategy{Type: TypeExponentialBackoff},
			attempt:  10, // 60 * 2^9 = 30720 > 3600
			want:     3600 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Delay(tt.attempt, tt.strategy, time.Second); got != tt.want {
				t.Errorf("Delay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelay_CustomSchedule(t *testing.T) {
	schedule := &Strategy{Type: TypeCustomSchedule, Delays: []float64{1, 5, 30}}

	tests := []struct {
		name     string
		strategy *Strategy
		attempt  int
		want     time.Duration
	}{
		{"first entry", schedule, 1, time.Second},
		{"second entry", schedule, 2, 5 * time.Second},
		{"third entry", schedule, 3, 30 * time.Second},
		{"beyond schedule reuses last", schedule, 4, 30 * time.Second},
		{"far beyond schedule reuses last", schedule, 99, 30 * time.Second},
		{"empty schedule uses default", &Strategy{Type: TypeCustomSchedule}, 1, 7 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Delay(tt.attempt, tt.strategy, 7*time.Second); got != tt.want {
				t.Errorf("Delay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelay_UnknownTypeUsesDefault(t *testing.T) {
	s := &Strategy{Type: "linear_warp", Delay: f(99)}
	if got := Delay(1, s, 15*time.Second); got != 15*time.Second {
		t.Errorf("Delay() = %v, want default 15s for unknown type", got)
	}
}

func TestDelay_AttemptClampedToOne(t *testing.T) {
	s := &Strategy{Type: TypeExponentialBackoff, InitialDelay: f(8), Multiplier: f(3), MaxDelay: f(1000)}
	if got := Delay(0, s, time.Second); got != 8*time.Second {
		t.Errorf("Delay(0) = %v, want first-attempt delay 8s", got)
	}
	if got := Delay(-5, s, time.Second); got != 8*time.Second {
		t.Errorf("Delay(-5) = %v, want first-attempt delay 8s", got)
	}
}

func TestStrategy_JSONRoundTrip(t *testing.T) {
	raw := `{"type":"exponential_backoff","initial_delay":2,"multiplier":1.5,"max_delay":60}`
	var s Strategy
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Type != TypeExponentialBackoff {
		t.Errorf("Type = %q", s.Type)
	}
	if s.InitialDelay == nil || *s.InitialDelay != 2 {
		t.Errorf("InitialDelay = %v", s.InitialDelay)
	}
	if got := Delay(2, &s, time.Second); got != 3*time.Second {
		t.Errorf("Delay(2) = %v, want 3s", got)
	}
}

func TestStrategy_Validate(t *testing.T) {
	tests := []struct {
		name     string
		strategy *Strategy
		wantErr  bool
	}{
		{"nil strategy", nil, false},
		{"valid fixed", &Strategy{Type: TypeFixedDelay, Delay: f(5)}, false},
		{"negative fixed delay", &Strategy{Type: TypeFixedDelay, Delay: f(-1)}, true},
		{"valid exponential", &Strategy{Type: TypeExponentialBackoff, Multiplier: f(1.1)}, false},
		{"zero multiplier", &Strategy{Type: TypeExponentialBackoff, Multiplier: f(0)}, true},
		{"negative max delay", &Strategy{Type: TypeExponentialBackoff, MaxDelay: f(-3)}, true},
		{"valid schedule", &Strategy{Type: TypeCustomSchedule, Delays: []float64{0, 1, 2}}, false},
		{"negative schedule entry", &Strategy{Type: TypeCustomSchedule, Delays: []float64{1, -2}}, true},
		{"unknown type passes", &Strategy{Type: "mystery"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.strategy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
