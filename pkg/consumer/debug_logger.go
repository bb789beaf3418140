// Package consumer holds the sinks merged batches flow into: a structured
// debug logger, the extraction-boundary forwarder, and an NDJSON writer.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tidemark-io/tideline/pkg/merge"
	"github.com/tidemark-io/tideline/pkg/pipeline"
)

// DebugLoggerConfig holds configuration for the debug logger sink.
type DebugLoggerConfig struct {
	LogPrefix  string `json:"log_prefix"`
	MaxPreview int    `json:"max_preview"`
}

// DebugLogger logs the shape of every batch it receives: counts, per-source
// breakdown, gaps, and a bounded record preview.
type DebugLogger struct {
	pipeline.Fanout
	cfg      DebugLoggerConfig
	log      *slog.Logger
	msgCount atomic.Int64
}

// NewDebugLogger creates a debug logger sink from a raw config map.
func NewDebugLogger(config map[string]any, logger *slog.Logger) (*DebugLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var cfg DebugLoggerConfig

	if prefix, ok := config["logPrefix"].(string); ok {
		cfg.LogPrefix = prefix
	} else {
		cfg.LogPrefix = "DEBUG"
	}
	if n, ok := asInt(config["maxPreview"]); ok {
		cfg.MaxPreview = n
	} else {
		cfg.MaxPreview = 5
	}

	return &DebugLogger{
		cfg: cfg,
		log: logger.With("component", "debug_logger", "prefix", cfg.LogPrefix),
	}, nil
}

// Process logs the incoming message and forwards it unchanged.
func (d *DebugLogger) Process(ctx context.Context, msg pipeline.Message) error {
	n := d.msgCount.Add(1)

	switch payload := msg.Payload.(type) {
	case *merge.MergedBatch:
		d.log.Info("merged batch",
			"msg", n,
			"total", payload.TotalItems,
			"valid", payload.ValidItems,
			"invalid", payload.InvalidItems,
			"gaps", len(payload.Gaps),
			"span", payload.Range.Span)
		for src, count := range payload.SourceBreakdown {
			d.log.Debug("source breakdown", "msg", n, "source", src, "count", count)
		}
		for _, gap := range payload.Gaps {
			d.log.Debug("coverage gap",
				"msg", n,
				"severity", gap.Severity,
				"hours", fmt.Sprintf("%.1f", gap.DurationHours),
				"from", gap.StartTime,
				"to", gap.EndTime)
		}
		d.preview(n, payload)

	case []byte:
		d.log.Info("raw payload", "msg", n, "bytes", len(payload), "json", json.Valid(payload))

	default:
		d.log.Info("payload", "msg", n, "type", fmt.Sprintf("%T", payload))
	}

	if len(msg.Metadata) > 0 {
		d.log.Debug("metadata", "msg", n, "fields", len(msg.Metadata), "job_id", msg.Metadata["job_id"])
	}

	return d.Forward(ctx, msg)
}

// preview logs the first MaxPreview items of a merged batch.
func (d *DebugLogger) preview(n int64, mb *merge.MergedBatch) {
	limit := d.cfg.MaxPreview
	if limit <= 0 || !d.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	if limit > len(mb.Items) {
		limit = len(mb.Items)
	}
	for i := 0; i < limit; i++ {
		it := &mb.Items[i]
		d.log.Debug("item preview",
			"msg", n,
			"idx", i,
			"id", it.Identifier.ID,
			"kind", it.Identifier.Kind,
			"source", it.SourceType,
			"ts", it.Timestamp())
	}
	if rest := len(mb.Items) - limit; rest > 0 {
		d.log.Debug("item preview truncated", "msg", n, "more", rest)
	}
}

// Messages reports how many messages this sink has seen.
func (d *DebugLogger) Messages() int64 {
	return d.msgCount.Load()
}
