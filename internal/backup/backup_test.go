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

package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fastflow/internal/cleanup"
	"github.com/tombee/fastflow/internal/resilience"
	"github.com/tombee/fastflow/internal/store"
)

type fakePutter struct {
	puts map[string]string // key -> body
	fail map[string]bool   // keys that always error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := *in.Key
	if f.fail[key] {
		return nil, fmt.Errorf("simulated outage for %s", key)
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = make(map[string]string)
	}
	f.puts[*in.Bucket+"/"+key] = string(body)
	return &s3.PutObjectOutput{}, nil
}

func fixedSettings(st *store.Settings) SettingsFunc {
	return func(context.Context) (*store.Settings, error) { return st, nil }
}

func newTestUploader(t *testing.T, st *store.Settings, putter *fakePutter) *S3Uploader {
	t.Helper()
	breakers := resilience.NewSet(resilience.SetConfig{}, nil)
	u := New(Config{
		PutTimeout: 5 * time.Second,
		Retry:      resilience.RetryPolicy{MaxRetries: 1, InitialInterval: time.Millisecond},
	}, fixedSettings(st), breakers.ObjectStorage, nil)
	// Inject the fake so the test never builds a real AWS client.
	u.client = putter
	u.region = st.BackupRegion
	return u
}

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestUploadDisabledPassesThrough(t *testing.T) {
	u := newTestUploader(t, &store.Settings{BackupEnabled: false}, &fakePutter{})

	items := []cleanup.Artifact{
		{Run: &store.Run{ID: "run-1", Pipeline: "etl"}},
		{Run: &store.Run{ID: "run-2", Pipeline: "etl"}},
	}
	uploaded, err := u.Upload(context.Background(), items)
	require.NoError(t, err)
	assert.True(t, uploaded["run-1"])
	assert.True(t, uploaded["run-2"])
}

func TestUploadShipsArtifacts(t *testing.T) {
	dir := t.TempDir()
	logPath := writeArtifact(t, dir, "output.log", "hello\n")
	metricsPath := writeArtifact(t, dir, "metrics.jsonl", "{}\n")

	putter := &fakePutter{}
	u := newTestUploader(t, &store.Settings{
		BackupEnabled: true,
		BackupBucket:  "archive",
		BackupPrefix:  "fastflow",
	}, putter)

	items := []cleanup.Artifact{{
		Run:         &store.Run{ID: "run-1", Pipeline: "etl"},
		LogPath:     logPath,
		MetricsPath: metricsPath,
	}}
	uploaded, err := u.Upload(context.Background(), items)
	require.NoError(t, err)
	assert.True(t, uploaded["run-1"])

	assert.Equal(t, "hello\n", putter.puts["archive/fastflow/etl/run-1/output.log"])
	assert.Equal(t, "{}\n", putter.puts["archive/fastflow/etl/run-1/metrics.jsonl"])
}

func TestUploadSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	logPath := writeArtifact(t, dir, "output.log", "x")

	putter := &fakePutter{}
	u := newTestUploader(t, &store.Settings{BackupEnabled: true, BackupBucket: "archive"}, putter)

	items := []cleanup.Artifact{{
		Run:         &store.Run{ID: "run-1", Pipeline: "etl"},
		LogPath:     logPath,
		MetricsPath: filepath.Join(dir, "never-written.jsonl"),
	}}
	uploaded, err := u.Upload(context.Background(), items)
	require.NoError(t, err)
	assert.True(t, uploaded["run-1"], "a missing metrics file must not block deletion")
	assert.Len(t, putter.puts, 1)
}

func TestUploadWithholdsFailedRuns(t *testing.T) {
	dir := t.TempDir()
	okLog := writeArtifact(t, dir, "ok.log", "ok")
	badLog := writeArtifact(t, dir, "bad.log", "bad")

	putter := &fakePutter{fail: map[string]bool{"etl/run-bad/bad.log": true}}
	u := newTestUploader(t, &store.Settings{BackupEnabled: true, BackupBucket: "archive"}, putter)

	items := []cleanup.Artifact{
		{Run: &store.Run{ID: "run-ok", Pipeline: "etl"}, LogPath: okLog},
		{Run: &store.Run{ID: "run-bad", Pipeline: "etl"}, LogPath: badLog},
	}
	uploaded, err := u.Upload(context.Background(), items)
	require.NoError(t, err)
	assert.True(t, uploaded["run-ok"])
	assert.False(t, uploaded["run-bad"], "failed uploads keep the run local")
}

func TestObjectKeyLayout(t *testing.T) {
	assert.Equal(t, "fastflow/etl/run-1/output.log",
		objectKey("fastflow", "etl", "run-1", "/var/lib/fastflow/logs/etl/run-1/output.log"))
	assert.Equal(t, "etl/run-1/output.log",
		objectKey("", "etl", "run-1", "output.log"))
}
