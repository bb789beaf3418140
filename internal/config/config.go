// Package config defines the YAML configuration surface: processing
// options, checkpoint backend selection, dedup and merge policies, sinks
// and job blocks. Loading applies defaults and validates with messages that
// name the offending key.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tidemark-io/tideline/pkg/checkpoint"
	"github.com/tidemark-io/tideline/pkg/consumer"
	"github.com/tidemark-io/tideline/pkg/coordinator"
	"github.com/tidemark-io/tideline/pkg/dedup"
	"github.com/tidemark-io/tideline/pkg/merge"
	"github.com/tidemark-io/tideline/pkg/record"
)

// Duration parses YAML scalars as either a Go duration string ("90s",
// "72h") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a number of seconds or a string like \"90s\"", value.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %v", value.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of the configuration file.
type Config struct {
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	Workers   int    `yaml:"workers"`

	Processing  Processing        `yaml:"processing"`
	Checkpoints Checkpoints       `yaml:"checkpoints"`
	Dedup       Dedup             `yaml:"dedup"`
	Merge       Merge             `yaml:"merge"`
	Sinks       []consumer.Config `yaml:"sinks"`
	Jobs        []Job             `yaml:"jobs"`
}

// Processing holds the coordinator's tuning knobs under their canonical
// config keys.
type Processing struct {
	BaseBatchSize    int `yaml:"baseBatchSize"`
	MinBatchSize     int `yaml:"minBatchSize"`
	MaxBatchSize     int `yaml:"maxBatchSize"`
	MaxMemoryUsageMB int `yaml:"maxMemoryUsageMB"`

	EnableCheckpoints        *bool `yaml:"enableCheckpoints"`
	EnableResourceMonitoring *bool `yaml:"enableResourceMonitoring"`
	AdaptiveBatchSizing      *bool `yaml:"adaptiveBatchSizing"`

	ProgressReportingInterval int64    `yaml:"progressReportingInterval"`
	ResourceCheckInterval     Duration `yaml:"resourceCheckInterval"`
	EstimatedLinesPerMB       int64    `yaml:"estimatedLinesPerMB"`

	CheckpointRetentionPeriod Duration `yaml:"checkpointRetentionPeriod"`
	MaxCheckpointsPerJob      int      `yaml:"maxCheckpointsPerJob"`

	DecompressTimeout Duration `yaml:"decompressTimeout"`
	MaxLineBytes      int      `yaml:"maxLineBytes"`
}

// Checkpoints selects and configures the checkpoint persistence backend.
type Checkpoints struct {
	// Backend is one of memory, fs, badger, redis. Defaults to memory.
	Backend string `yaml:"backend"`
	// Dir is the fs backend's directory.
	Dir    string `yaml:"dir"`
	Badger Badger `yaml:"badger"`
	Redis  Redis  `yaml:"redis"`
}

// Badger configures the embedded BadgerDB backend.
type Badger struct {
	Dir         string `yaml:"dir"`
	InMemory    bool   `yaml:"inMemory"`
	MaxMemoryMB int64  `yaml:"maxMemoryMB"`
}

// Redis configures the Redis backend.
type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// Dedup configures duplicate detection policies.
type Dedup struct {
	MaxCacheEntries int      `yaml:"maxCacheEntries"`
	MissingIDPolicy string   `yaml:"missingIdPolicy"`
	TimestampPolicy string   `yaml:"timestampPolicy"`
	ConflictPolicy  string   `yaml:"conflictPolicy"`
	StripPrefixes   []string `yaml:"stripPrefixes"`
}

// Merge configures temporal merging and gap detection.
type Merge struct {
	GapThreshold   Duration `yaml:"gapThreshold"`
	ModerateAfter  Duration `yaml:"moderateAfter"`
	SevereAfter    Duration `yaml:"severeAfter"`
	SourcePriority []string `yaml:"sourcePriority"`
}

// Job is one work unit block.
type Job struct {
	ID         string         `yaml:"id"`
	Archive    string         `yaml:"archive"`
	APIBatches []APIBatch     `yaml:"apiBatches"`
	Options    map[string]any `yaml:"options"`
}

// APIBatch names an NDJSON file of already-fetched API records and the
// source they came from.
type APIBatch struct {
	Source string `yaml:"source"`
	Path   string `yaml:"path"`
}

// ApplyDefaults fills unset fields in place. Called by Load; exposed for
// configs built programmatically.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}

	p := &c.Processing
	if p.BaseBatchSize <= 0 {
		p.BaseBatchSize = coordinator.DefaultBaseBatchSize
	}
	if p.MinBatchSize <= 0 {
		p.MinBatchSize = coordinator.DefaultMinBatchSize
	}
	if p.MaxBatchSize <= 0 {
		p.MaxBatchSize = coordinator.DefaultMaxBatchSize
	}
	if p.MaxMemoryUsageMB <= 0 {
		p.MaxMemoryUsageMB = 512
	}
	if p.ProgressReportingInterval <= 0 {
		p.ProgressReportingInterval = coordinator.DefaultProgressInterval
	}
	if p.ResourceCheckInterval <= 0 {
		p.ResourceCheckInterval = Duration(5 * time.Second)
	}
	if p.EstimatedLinesPerMB <= 0 {
		p.EstimatedLinesPerMB = coordinator.DefaultEstimatedLinesPerMB
	}
	if p.CheckpointRetentionPeriod <= 0 {
		p.CheckpointRetentionPeriod = Duration(72 * time.Hour)
	}
	if p.MaxCheckpointsPerJob <= 0 {
		p.MaxCheckpointsPerJob = 20
	}

	if c.Checkpoints.Backend == "" {
		c.Checkpoints.Backend = "memory"
	}

	if c.Dedup.MaxCacheEntries <= 0 {
		c.Dedup.MaxCacheEntries = 1_000_000
	}
	if c.Dedup.MissingIDPolicy == "" {
		c.Dedup.MissingIDPolicy = string(dedup.MissingIDSkip)
	}
	if c.Dedup.TimestampPolicy == "" {
		c.Dedup.TimestampPolicy = string(dedup.TimestampSubstitute)
	}
	if c.Dedup.ConflictPolicy == "" {
		c.Dedup.ConflictPolicy = string(dedup.ConflictFirstWins)
	}

	if c.Merge.GapThreshold <= 0 {
		c.Merge.GapThreshold = Duration(24 * time.Hour)
	}
	if c.Merge.ModerateAfter <= 0 {
		c.Merge.ModerateAfter = Duration(48 * time.Hour)
	}
	if c.Merge.SevereAfter <= 0 {
		c.Merge.SevereAfter = Duration(168 * time.Hour)
	}
	if len(c.Merge.SourcePriority) == 0 {
		for _, src := range record.DefaultSourcePriority {
			c.Merge.SourcePriority = append(c.Merge.SourcePriority, string(src))
		}
	}
}

// CheckpointsEnabled resolves the tri-state enableCheckpoints flag.
func (c *Config) CheckpointsEnabled() bool {
	return boolOr(c.Processing.EnableCheckpoints, true)
}

// MonitoringEnabled resolves the tri-state enableResourceMonitoring flag.
func (c *Config) MonitoringEnabled() bool {
	return boolOr(c.Processing.EnableResourceMonitoring, true)
}

// AdaptiveBatchingEnabled resolves the tri-state adaptiveBatchSizing flag.
func (c *Config) AdaptiveBatchingEnabled() bool {
	return boolOr(c.Processing.AdaptiveBatchSizing, true)
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// IdentityOptions maps the configured prefix list onto identity
// normalization options.
func (c *Config) IdentityOptions() record.IdentityOptions {
	return record.IdentityOptions{StripPrefixes: c.Dedup.StripPrefixes}
}

// DetectorConfig maps the dedup block onto a detection session config.
func (c *Config) DetectorConfig() dedup.Config {
	return dedup.Config{
		MaxEntries: c.Dedup.MaxCacheEntries,
		MissingID:  dedup.MissingIDPolicy(c.Dedup.MissingIDPolicy),
		Timestamp:  dedup.TimestampPolicy(c.Dedup.TimestampPolicy),
		Conflict:   dedup.ConflictPolicy(c.Dedup.ConflictPolicy),
		Identity:   c.IdentityOptions(),
	}
}

// MergerConfig maps the merge block onto a merger config. Invalid priority
// entries are dropped; Validate reports them.
func (c *Config) MergerConfig() merge.Config {
	var priority []record.SourceType
	for _, s := range c.Merge.SourcePriority {
		src, err := record.ParseSourceType(s)
		if err != nil {
			continue
		}
		priority = append(priority, src)
	}
	return merge.Config{
		GapThreshold:   c.Merge.GapThreshold.Std(),
		ModerateAfter:  c.Merge.ModerateAfter.Std(),
		SevereAfter:    c.Merge.SevereAfter.Std(),
		SourcePriority: priority,
	}
}

// CoordinatorConfig maps the processing block onto a coordinator config.
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		BaseBatchSize:           c.Processing.BaseBatchSize,
		MinBatchSize:            c.Processing.MinBatchSize,
		MaxBatchSize:            c.Processing.MaxBatchSize,
		MemoryThresholdBytes:    uint64(c.Processing.MaxMemoryUsageMB) << 20,
		ResourceCheckInterval:   c.Processing.ResourceCheckInterval.Std(),
		ProgressInterval:        c.Processing.ProgressReportingInterval,
		EstimatedLinesPerMB:     c.Processing.EstimatedLinesPerMB,
		ProcessingTimeout:       c.Processing.DecompressTimeout.Std(),
		MaxLineBytes:            c.Processing.MaxLineBytes,
		DisableCheckpoints:      !c.CheckpointsEnabled(),
		DisableMonitoring:       !c.MonitoringEnabled(),
		DisableAdaptiveBatching: !c.AdaptiveBatchingEnabled(),
		Dedup:                   c.DetectorConfig(),
	}
}

// StoreConfig maps retention settings onto the checkpoint store config.
func (c *Config) StoreConfig() checkpoint.Config {
	return checkpoint.Config{
		MaxPerJob:       c.Processing.MaxCheckpointsPerJob,
		RetentionPeriod: c.Processing.CheckpointRetentionPeriod.Std(),
	}
}

// JobByID returns the job block with the given ID.
func (c *Config) JobByID(id string) (Job, bool) {
	for _, j := range c.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}
