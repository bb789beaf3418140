package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tideline/internal/config"
	"github.com/tidemark-io/tideline/pkg/checkpoint/kv"
	"github.com/tidemark-io/tideline/pkg/consumer"
	"github.com/tidemark-io/tideline/pkg/merge"
	"github.com/tidemark-io/tideline/pkg/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writePosts writes NDJSON post lines with the given ID prefix, sequential
// numbering, and timestamps one minute apart.
func writePosts(t *testing.T, dir, name, prefix string, n int, tsBase int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"id":"%s%04d","title":"post %d","created_utc":%d}`+"\n",
			prefix, i, i, tsBase+int64(i)*60)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func parseConfig(t *testing.T, yml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yml))
	require.NoError(t, err)
	return cfg
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	archive := writePosts(t, dir, "archive.ndjson", "t3_p", 120, 1700000000)
	// 20 records overlap the archive, 10 are fresh.
	overlap := writePosts(t, dir, "api_overlap.ndjson", "t3_p", 20, 1700000000)
	fresh := writePosts(t, dir, "api_fresh.ndjson", "t3_q", 10, 1700000030)
	outPath := filepath.Join(dir, "out.ndjson")

	cfg := parseConfig(t, fmt.Sprintf(`
logLevel: error
workers: 2
checkpoints:
  backend: memory
sinks:
  - type: ndjson_writer
    config:
      path: %s
jobs:
  - id: e2e-job
    archive: %s
    apiBatches:
      - source: api_chronological
        path: %s
      - source: api_chronological
        path: %s
`, outPath, archive, overlap, fresh))

	r := New(Options{}, cfg, Factories{}, testLogger())
	results, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, queue.StateCompleted, res.State)
	assert.EqualValues(t, 150, res.Metrics.TotalLines)
	assert.EqualValues(t, 20, res.Metrics.DuplicateRecords)
	require.NotNil(t, res.Analysis)
	assert.Equal(t, 30, res.Analysis.TotalRecords)

	// The writer renamed its temp file into place with one line per
	// merged record: 120 archive plus 10 fresh API records.
	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, 130, bytes.Count(data, []byte("\n")))
	_, err = os.Stat(outPath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRunExtractionBoundary(t *testing.T) {
	dir := t.TempDir()
	archive := writePosts(t, dir, "archive.ndjson", "t3_p", 40, 1700000000)

	var sent atomic.Int64
	factories := Factories{
		Extract: func(ctx context.Context, payload *merge.ExtractionPayload) (*consumer.ExtractionResult, error) {
			sent.Add(int64(len(payload.Items)))
			return &consumer.ExtractionResult{Accepted: len(payload.Items)}, nil
		},
	}

	cfg := parseConfig(t, fmt.Sprintf(`
logLevel: error
sinks:
  - type: extraction
    config:
      batchSize: 1000
jobs:
  - id: extract-job
    archive: %s
`, archive))

	r := New(Options{}, cfg, factories, testLogger())
	results, err := r.Run(context.Background())
	require.NoError(t, err)
	require.True(t, results[0].Success, "errors: %v", results[0].Errors)

	// Runner closes sinks after dispatch, which flushes the buffered
	// items across the boundary.
	assert.EqualValues(t, 40, sent.Load())
}

func TestRunJob(t *testing.T) {
	dir := t.TempDir()
	archive := writePosts(t, dir, "archive.ndjson", "t3_p", 25, 1700000000)

	cfg := parseConfig(t, fmt.Sprintf(`
logLevel: error
sinks:
  - type: debug_logger
jobs:
  - id: job-a
    archive: %s
  - id: job-b
    archive: %s
`, archive, archive))

	r := New(Options{}, cfg, Factories{}, testLogger())

	res, err := r.RunJob(context.Background(), "job-b")
	require.NoError(t, err)
	assert.Equal(t, "job-b", res.JobID)
	assert.True(t, res.Success, "errors: %v", res.Errors)

	_, err = r.RunJob(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in the configuration")
}

func TestValidateReportsMissingInputs(t *testing.T) {
	dir := t.TempDir()
	archive := writePosts(t, dir, "archive.ndjson", "t3_p", 5, 1700000000)

	cfg := parseConfig(t, fmt.Sprintf(`
jobs:
  - id: good
    archive: %s
  - id: bad
    archive: %s
    apiBatches:
      - source: api_on_demand
        path: %s
`, archive, filepath.Join(dir, "missing.ndjson"), filepath.Join(dir, "also-missing.ndjson")))

	err := New(Options{}, cfg, Factories{}, testLogger()).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job bad: archive")
	assert.Contains(t, err.Error(), "job bad: apiBatches[0]")
	assert.NotContains(t, err.Error(), "job good")
}

func TestValidateChecksSinksWithoutSideEffects(t *testing.T) {
	dir := t.TempDir()
	archive := writePosts(t, dir, "archive.ndjson", "t3_p", 5, 1700000000)
	outPath := filepath.Join(dir, "out", "dump.ndjson")

	cfg := parseConfig(t, fmt.Sprintf(`
sinks:
  - type: ndjson_writer
    config:
      path: %s
  - type: extraction
jobs:
  - id: job
    archive: %s
`, outPath, archive))

	err := New(Options{}, cfg, Factories{}, testLogger()).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no extraction boundary")

	// Validation must not create the writer's output directory or files.
	_, statErr := os.Stat(filepath.Dir(outPath))
	assert.True(t, os.IsNotExist(statErr))

	// A missing writer path is caught without construction.
	cfg.Sinks[0].Config = map[string]any{}
	err = New(Options{}, cfg, Factories{}, testLogger()).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	dir := t.TempDir()
	archive := writePosts(t, dir, "archive.ndjson", "t3_p", 5, 1700000000)

	cfg := parseConfig(t, fmt.Sprintf(`
sinks:
  - type: debug_logger
jobs:
  - id: job
    archive: %s
`, archive))

	require.NoError(t, New(Options{}, cfg, Factories{}, testLogger()).Validate())
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("memory default", func(t *testing.T) {
		cfg := parseConfig(t, "jobs:\n  - id: j\n    archive: x\n")
		backend, err := OpenBackend(ctx, cfg)
		require.NoError(t, err)
		defer backend.Close()
		assert.IsType(t, &kv.Memory{}, backend)
	})

	t.Run("fs", func(t *testing.T) {
		dir := t.TempDir()
		cfg := parseConfig(t, fmt.Sprintf("checkpoints:\n  backend: fs\n  dir: %s\njobs:\n  - id: j\n    archive: x\n", dir))
		backend, err := OpenBackend(ctx, cfg)
		require.NoError(t, err)
		defer backend.Close()
		assert.IsType(t, &kv.FS{}, backend)
	})

	t.Run("badger in-memory", func(t *testing.T) {
		cfg := parseConfig(t, "checkpoints:\n  backend: badger\n  badger:\n    inMemory: true\njobs:\n  - id: j\n    archive: x\n")
		backend, err := OpenBackend(ctx, cfg)
		require.NoError(t, err)
		require.NoError(t, backend.Close())
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.ApplyDefaults()
		cfg.Checkpoints.Backend = "etcd"
		_, err := OpenBackend(ctx, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown checkpoint backend")
	})
}

func TestRunRejectsEmptyJobList(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	_, err := New(Options{}, cfg, Factories{}, testLogger()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no jobs configured")
}

func TestWorkersOverride(t *testing.T) {
	dir := t.TempDir()
	archive := writePosts(t, dir, "archive.ndjson", "t3_p", 10, 1700000000)

	var yml strings.Builder
	yml.WriteString("logLevel: error\nworkers: 1\njobs:\n")
	for i := 0; i < 4; i++ {
		fmt.Fprintf(&yml, "  - id: job-%d\n    archive: %s\n", i, archive)
	}
	cfg := parseConfig(t, yml.String())

	r := New(Options{Workers: 4}, cfg, Factories{}, testLogger())
	results, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, res := range results {
		assert.True(t, res.Success, "job %s errors: %v", res.JobID, res.Errors)
	}
}
