package config

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tidemark-io/tideline/pkg/consumer"
	"github.com/tidemark-io/tideline/pkg/dedup"
	"github.com/tidemark-io/tideline/pkg/record"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the config for mistakes a run would otherwise hit much
// later. Messages name the offending key and value.
func (c *Config) Validate() error {
	if !logLevels[c.LogLevel] {
		return errors.Errorf("logLevel %q: must be one of debug, info, warn, error", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return errors.Errorf("logFormat %q: must be text or json", c.LogFormat)
	}

	if err := c.validateProcessing(); err != nil {
		return err
	}
	if err := c.validateCheckpoints(); err != nil {
		return err
	}
	if err := c.validateDedup(); err != nil {
		return err
	}
	if err := c.validateMerge(); err != nil {
		return err
	}
	if err := c.validateSinks(); err != nil {
		return err
	}
	return c.validateJobs()
}

func (c *Config) validateProcessing() error {
	p := c.Processing
	if p.MinBatchSize > p.MaxBatchSize {
		return errors.Errorf("processing: minBatchSize (%d) exceeds maxBatchSize (%d)", p.MinBatchSize, p.MaxBatchSize)
	}
	if p.BaseBatchSize < p.MinBatchSize || p.BaseBatchSize > p.MaxBatchSize {
		return errors.Errorf("processing: baseBatchSize (%d) must be between minBatchSize (%d) and maxBatchSize (%d)",
			p.BaseBatchSize, p.MinBatchSize, p.MaxBatchSize)
	}
	return nil
}

func (c *Config) validateCheckpoints() error {
	cp := c.Checkpoints
	switch cp.Backend {
	case "memory", "badger":
	case "fs":
		if cp.Dir == "" {
			return errors.New("checkpoints: the fs backend requires dir")
		}
	case "redis":
		if cp.Redis.Addr == "" {
			return errors.New("checkpoints: the redis backend requires redis.addr")
		}
	default:
		return errors.Errorf("checkpoints: unknown backend %q (memory, fs, badger, redis)", cp.Backend)
	}
	return nil
}

func (c *Config) validateDedup() error {
	switch dedup.MissingIDPolicy(c.Dedup.MissingIDPolicy) {
	case dedup.MissingIDSkip, dedup.MissingIDSynthesize, dedup.MissingIDFail:
	default:
		return errors.Errorf("dedup: missingIdPolicy %q: must be skip, synthesize or fail", c.Dedup.MissingIDPolicy)
	}
	switch dedup.TimestampPolicy(c.Dedup.TimestampPolicy) {
	case dedup.TimestampSkip, dedup.TimestampSubstitute, dedup.TimestampFail:
	default:
		return errors.Errorf("dedup: timestampPolicy %q: must be skip, substitute or fail", c.Dedup.TimestampPolicy)
	}
	switch dedup.ConflictPolicy(c.Dedup.ConflictPolicy) {
	case dedup.ConflictFirstWins, dedup.ConflictLastWins:
	default:
		return errors.Errorf("dedup: conflictPolicy %q: must be first_wins or last_wins", c.Dedup.ConflictPolicy)
	}
	return nil
}

func (c *Config) validateMerge() error {
	m := c.Merge
	if m.GapThreshold > m.ModerateAfter || m.ModerateAfter > m.SevereAfter {
		return errors.Errorf("merge: severity tiers must be ordered gapThreshold <= moderateAfter <= severeAfter (%s, %s, %s)",
			m.GapThreshold.Std(), m.ModerateAfter.Std(), m.SevereAfter.Std())
	}
	for _, s := range m.SourcePriority {
		if _, err := record.ParseSourceType(s); err != nil {
			return errors.Errorf("merge: sourcePriority entry %q is not a known source type", s)
		}
	}
	return nil
}

func (c *Config) validateSinks() error {
	known := make(map[string]bool)
	for _, t := range consumer.Types() {
		known[t] = true
	}
	for i, s := range c.Sinks {
		if s.Type == "" {
			return errors.Errorf("sinks[%d]: missing type", i)
		}
		if !known[s.Type] {
			return errors.Errorf("sinks[%d]: unknown type %q (known: %v)", i, s.Type, consumer.Types())
		}
	}
	return nil
}

func (c *Config) validateJobs() error {
	seen := make(map[string]bool)
	for i, j := range c.Jobs {
		name := fmt.Sprintf("jobs[%d]", i)
		if j.ID == "" {
			return errors.Errorf("%s: missing id", name)
		}
		if seen[j.ID] {
			return errors.Errorf("%s: duplicate job id %q", name, j.ID)
		}
		seen[j.ID] = true
		if j.Archive == "" && len(j.APIBatches) == 0 {
			return errors.Errorf("%s (%s): needs an archive or apiBatches", name, j.ID)
		}
		for bi, b := range j.APIBatches {
			if b.Path == "" {
				return errors.Errorf("%s (%s): apiBatches[%d] missing path", name, j.ID, bi)
			}
			if b.Source == "" {
				return errors.Errorf("%s (%s): apiBatches[%d] missing source", name, j.ID, bi)
			}
			if _, err := record.ParseSourceType(b.Source); err != nil {
				return errors.Errorf("%s (%s): apiBatches[%d] source %q is not a known source type", name, j.ID, bi, b.Source)
			}
		}
	}
	return nil
}
