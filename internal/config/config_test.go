package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tideline/pkg/dedup"
	"github.com/tidemark-io/tideline/pkg/record"
)

const fullYAML = `
logLevel: debug
logFormat: json
workers: 2

processing:
  baseBatchSize: 200
  minBatchSize: 20
  maxBatchSize: 2000
  maxMemoryUsageMB: 256
  enableCheckpoints: true
  enableResourceMonitoring: false
  adaptiveBatchSizing: false
  progressReportingInterval: 500
  resourceCheckInterval: 2s
  estimatedLinesPerMB: 1300
  checkpointRetentionPeriod: 24h
  maxCheckpointsPerJob: 10
  decompressTimeout: 90s

checkpoints:
  backend: redis
  redis:
    addr: localhost:6379
    db: 3
    namespace: "stage:"

dedup:
  maxCacheEntries: 5000
  missingIdPolicy: synthesize
  timestampPolicy: skip
  conflictPolicy: last_wins
  stripPrefixes: ["t1_", "t3_"]

merge:
  gapThreshold: 12h
  moderateAfter: 24h
  severeAfter: 96h
  sourcePriority: [archive, api_chronological]

sinks:
  - type: debug_logger
    config:
      logPrefix: STAGE
      maxPreview: 3
  - type: ndjson_writer
    config:
      path: /tmp/out.ndjson

jobs:
  - id: backfill-2021
    archive: /data/dump-2021.ndjson.zst
    apiBatches:
      - source: api_chronological
        path: /data/api-2021.ndjson
    options:
      batchSize: 100
  - id: api-only
    apiBatches:
      - source: api_keyword_search
        path: /data/kw.ndjson
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 2, cfg.Workers)

	assert.Equal(t, 200, cfg.Processing.BaseBatchSize)
	assert.Equal(t, 2*time.Second, cfg.Processing.ResourceCheckInterval.Std())
	assert.Equal(t, 90*time.Second, cfg.Processing.DecompressTimeout.Std())
	assert.Equal(t, 24*time.Hour, cfg.Processing.CheckpointRetentionPeriod.Std())
	assert.True(t, cfg.CheckpointsEnabled())
	assert.False(t, cfg.MonitoringEnabled())
	assert.False(t, cfg.AdaptiveBatchingEnabled())

	assert.Equal(t, "redis", cfg.Checkpoints.Backend)
	assert.Equal(t, "localhost:6379", cfg.Checkpoints.Redis.Addr)
	assert.Equal(t, 3, cfg.Checkpoints.Redis.DB)
	assert.Equal(t, "stage:", cfg.Checkpoints.Redis.Namespace)

	assert.Equal(t, "synthesize", cfg.Dedup.MissingIDPolicy)
	assert.Equal(t, []string{"t1_", "t3_"}, cfg.Dedup.StripPrefixes)

	require.Len(t, cfg.Sinks, 2)
	assert.Equal(t, "debug_logger", cfg.Sinks[0].Type)
	assert.Equal(t, "STAGE", cfg.Sinks[0].Config["logPrefix"])

	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, "backfill-2021", cfg.Jobs[0].ID)
	assert.Equal(t, "/data/dump-2021.ndjson.zst", cfg.Jobs[0].Archive)
	require.Len(t, cfg.Jobs[0].APIBatches, 1)
	assert.Equal(t, "api_chronological", cfg.Jobs[0].APIBatches[0].Source)

	job, ok := cfg.JobByID("api-only")
	require.True(t, ok)
	assert.Empty(t, job.Archive)
	_, ok = cfg.JobByID("nope")
	assert.False(t, ok)
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte("jobs:\n  - id: j1\n    archive: /data/a.ndjson\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 500, cfg.Processing.BaseBatchSize)
	assert.Equal(t, 50, cfg.Processing.MinBatchSize)
	assert.Equal(t, 5000, cfg.Processing.MaxBatchSize)
	assert.Equal(t, 512, cfg.Processing.MaxMemoryUsageMB)
	assert.Equal(t, int64(1000), cfg.Processing.ProgressReportingInterval)
	assert.Equal(t, 5*time.Second, cfg.Processing.ResourceCheckInterval.Std())
	assert.Equal(t, int64(2600), cfg.Processing.EstimatedLinesPerMB)
	assert.Equal(t, 72*time.Hour, cfg.Processing.CheckpointRetentionPeriod.Std())
	assert.Equal(t, 20, cfg.Processing.MaxCheckpointsPerJob)
	assert.Equal(t, "memory", cfg.Checkpoints.Backend)
	assert.True(t, cfg.CheckpointsEnabled())
	assert.True(t, cfg.MonitoringEnabled())
	assert.True(t, cfg.AdaptiveBatchingEnabled())
	assert.Equal(t, "skip", cfg.Dedup.MissingIDPolicy)
	assert.Equal(t, "substitute", cfg.Dedup.TimestampPolicy)
	assert.Equal(t, "first_wins", cfg.Dedup.ConflictPolicy)
	assert.Equal(t, 24*time.Hour, cfg.Merge.GapThreshold.Std())
	assert.Equal(t, []string{"archive", "api_chronological", "api_keyword_search", "api_on_demand"},
		cfg.Merge.SourcePriority)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "redis.prod:6379")
	t.Setenv("TEST_NS", "prod")

	cfg, err := Parse([]byte(`
checkpoints:
  backend: redis
  redis:
    addr: ${TEST_REDIS_ADDR}
    namespace: "${TEST_NS}:"
`))
	require.NoError(t, err)
	assert.Equal(t, "redis.prod:6379", cfg.Checkpoints.Redis.Addr)
	assert.Equal(t, "prod:", cfg.Checkpoints.Redis.Namespace)
}

func TestDurationForms(t *testing.T) {
	cfg, err := Parse([]byte("processing:\n  resourceCheckInterval: 30\n  decompressTimeout: 1h30m\n"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Processing.ResourceCheckInterval.Std())
	assert.Equal(t, 90*time.Minute, cfg.Processing.DecompressTimeout.Std())

	_, err = Parse([]byte("processing:\n  decompressTimeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tideline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad log level", "logLevel: loud\n", "logLevel"},
		{"bad log format", "logFormat: xml\n", "logFormat"},
		{"min above max", "processing:\n  minBatchSize: 100\n  maxBatchSize: 10\n", "minBatchSize"},
		{"base out of range", "processing:\n  baseBatchSize: 9000\n", "baseBatchSize"},
		{"unknown backend", "checkpoints:\n  backend: etcd\n", "unknown backend"},
		{"fs needs dir", "checkpoints:\n  backend: fs\n", "requires dir"},
		{"redis needs addr", "checkpoints:\n  backend: redis\n", "redis.addr"},
		{"bad missing id policy", "dedup:\n  missingIdPolicy: drop\n", "missingIdPolicy"},
		{"bad timestamp policy", "dedup:\n  timestampPolicy: now\n", "timestampPolicy"},
		{"bad conflict policy", "dedup:\n  conflictPolicy: both\n", "conflictPolicy"},
		{"unordered severity tiers", "merge:\n  gapThreshold: 48h\n  moderateAfter: 24h\n", "severity tiers"},
		{"bad priority source", "merge:\n  sourcePriority: [carrier_pigeon]\n", "sourcePriority"},
		{"sink missing type", "sinks:\n  - config:\n      x: 1\n", "missing type"},
		{"unknown sink", "sinks:\n  - type: kafka\n", "unknown type"},
		{"job missing id", "jobs:\n  - archive: /a\n", "missing id"},
		{"duplicate job id", "jobs:\n  - id: a\n    archive: /a\n  - id: a\n    archive: /b\n", "duplicate job id"},
		{"job without work", "jobs:\n  - id: a\n", "archive or apiBatches"},
		{"api batch missing path", "jobs:\n  - id: a\n    apiBatches:\n      - source: api_on_demand\n", "missing path"},
		{"api batch missing source", "jobs:\n  - id: a\n    apiBatches:\n      - path: /x\n", "missing source"},
		{"api batch bad source", "jobs:\n  - id: a\n    apiBatches:\n      - source: fax\n        path: /x\n", "source"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDomainConversions(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	require.NoError(t, err)

	dc := cfg.DetectorConfig()
	assert.Equal(t, 5000, dc.MaxEntries)
	assert.Equal(t, dedup.MissingIDSynthesize, dc.MissingID)
	assert.Equal(t, dedup.TimestampSkip, dc.Timestamp)
	assert.Equal(t, dedup.ConflictLastWins, dc.Conflict)
	assert.Equal(t, []string{"t1_", "t3_"}, dc.Identity.StripPrefixes)

	mc := cfg.MergerConfig()
	assert.Equal(t, 12*time.Hour, mc.GapThreshold)
	assert.Equal(t, []record.SourceType{record.SourceArchive, record.SourceApiChronological}, mc.SourcePriority)

	cc := cfg.CoordinatorConfig()
	assert.Equal(t, 200, cc.BaseBatchSize)
	assert.Equal(t, uint64(256<<20), cc.MemoryThresholdBytes)
	assert.Equal(t, int64(500), cc.ProgressInterval)
	assert.Equal(t, 90*time.Second, cc.ProcessingTimeout)
	assert.False(t, cc.DisableCheckpoints)
	assert.True(t, cc.DisableMonitoring)
	assert.True(t, cc.DisableAdaptiveBatching)

	sc := cfg.StoreConfig()
	assert.Equal(t, 10, sc.MaxPerJob)
	assert.Equal(t, 24*time.Hour, sc.RetentionPeriod)
}
