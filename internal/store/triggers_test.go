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

package store

import (
	"context"
	"testing"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

func TestStore_DownstreamTriggers(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	trigger := &DownstreamTrigger{
		Upstream:   "extract",
		Downstream: "transform",
		OnSuccess:  true,
		Enabled:    true,
	}
	if err := s.CreateDownstreamTrigger(ctx, trigger); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}
	if trigger.ID == "" {
		t.Error("expected an ID to be assigned")
	}

	alerting := &DownstreamTrigger{
		Upstream:   "extract",
		Downstream: "alert",
		OnFailure:  true,
		Enabled:    true,
	}
	if err := s.CreateDownstreamTrigger(ctx, alerting); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	// Unrelated upstream should not appear in the listing.
	other := &DownstreamTrigger{
		Upstream:   "report",
		Downstream: "publish",
		OnSuccess:  true,
		Enabled:    true,
	}
	if err := s.CreateDownstreamTrigger(ctx, other); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	triggers, err := s.ListDownstreamTriggers(ctx, "extract")
	if err != nil {
		t.Fatalf("failed to list triggers: %v", err)
	}
	if len(triggers) != 2 {
		t.Fatalf("expected 2 triggers for extract, got %d", len(triggers))
	}

	retrieved, err := s.GetDownstreamTrigger(ctx, trigger.ID)
	if err != nil {
		t.Fatalf("failed to get trigger: %v", err)
	}
	if retrieved.Downstream != "transform" {
		t.Errorf("expected downstream transform, got %s", retrieved.Downstream)
	}
	if !retrieved.OnSuccess || retrieved.OnFailure {
		t.Errorf("expected on_success only, got success=%v failure=%v",
			retrieved.OnSuccess, retrieved.OnFailure)
	}
}

func TestStore_DownstreamTrigger_EnableDelete(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	trigger := &DownstreamTrigger{
		Upstream:   "extract",
		Downstream: "transform",
		OnSuccess:  true,
		Enabled:    true,
	}
	if err := s.CreateDownstreamTrigger(ctx, trigger); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	if err := s.SetDownstreamTriggerEnabled(ctx, trigger.ID, false); err != nil {
		t.Fatalf("failed to disable trigger: %v", err)
	}
	retrieved, err := s.GetDownstreamTrigger(ctx, trigger.ID)
	if err != nil {
		t.Fatalf("failed to get trigger: %v", err)
	}
	if retrieved.Enabled {
		t.Error("expected trigger to be disabled")
	}

	if err := s.DeleteDownstreamTrigger(ctx, trigger.ID); err != nil {
		t.Fatalf("failed to delete trigger: %v", err)
	}
	if _, err := s.GetDownstreamTrigger(ctx, trigger.ID); !fferrors.IsNotFound(err) {
		t.Errorf("expected trigger to be gone, got %v", err)
	}
}
