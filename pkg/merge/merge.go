// Package merge interleaves per-source record batches into one ascending
// timeline and reports the coverage gaps between adjacent items.
package merge

import (
	"log/slog"
	"sort"
	"time"

	"github.com/tidemark-io/tideline/pkg/record"
)

// Severity grades a coverage gap by its duration.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// Config controls gap detection and tie-breaking. Zero values take the
// defaults below.
type Config struct {
	// GapThreshold is the smallest adjacent delta reported as a gap.
	// Default 24h.
	GapThreshold time.Duration
	// ModerateAfter and SevereAfter set the severity tiers: gaps below
	// ModerateAfter are minor, below SevereAfter moderate, and severe
	// from there on. Defaults 48h and 168h.
	ModerateAfter time.Duration
	SevereAfter   time.Duration
	// SourcePriority breaks timestamp ties, highest priority first.
	// Default record.DefaultSourcePriority.
	SourcePriority []record.SourceType
}

func (c Config) withDefaults() Config {
	if c.GapThreshold <= 0 {
		c.GapThreshold = 24 * time.Hour
	}
	if c.ModerateAfter <= 0 {
		c.ModerateAfter = 48 * time.Hour
	}
	if c.SevereAfter <= 0 {
		c.SevereAfter = 168 * time.Hour
	}
	if len(c.SourcePriority) == 0 {
		c.SourcePriority = record.DefaultSourcePriority
	}
	return c
}

// Gap is one stretch of the timeline with no items, bounded by the last item
// before it and the first item after it.
type Gap struct {
	StartTime       time.Time           `json:"start_time"`
	EndTime         time.Time           `json:"end_time"`
	DurationHours   float64             `json:"duration_hours"`
	AffectedSources []record.SourceType `json:"affected_sources"`
	Severity        Severity            `json:"severity"`
}

// TemporalRange is the closed interval covered by the merged items.
type TemporalRange struct {
	Earliest time.Time     `json:"earliest"`
	Latest   time.Time     `json:"latest"`
	Span     time.Duration `json:"span"`
}

// MergedBatch is one merged, ascending timeline with its coverage report.
type MergedBatch struct {
	// Items are the valid records in ascending timestamp order. Ties keep
	// source priority order, then identifier order.
	Items []record.SourceRecord `json:"items"`

	TotalItems   int `json:"total_items"`
	ValidItems   int `json:"valid_items"`
	InvalidItems int `json:"invalid_items"`

	// SourceBreakdown counts valid items per source. Every input batch's
	// source appears, zero-valued when the batch contributed nothing.
	SourceBreakdown map[record.SourceType]int `json:"source_breakdown"`

	Range TemporalRange `json:"range"`
	Gaps  []Gap         `json:"gaps"`

	MergedAt time.Time `json:"merged_at"`
}

// Merger merges batches under one fixed configuration. Safe for concurrent
// use; it keeps no per-call state.
type Merger struct {
	cfg  Config
	log  *slog.Logger
	rank map[record.SourceType]int

	now func() time.Time
}

// New creates a merger.
func New(cfg Config, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	rank := make(map[record.SourceType]int, len(cfg.SourcePriority))
	for i, src := range cfg.SourcePriority {
		rank[src] = i
	}
	return &Merger{
		cfg:  cfg,
		log:  logger.With("component", "merge"),
		rank: rank,
		now:  time.Now,
	}
}

// Merge interleaves the batches into one ascending timeline. Millisecond
// timestamps are collapsed to seconds first; items that still have no
// positive timestamp, or no identifier, are counted invalid and excluded.
// Empty batches merge cleanly and still register their source in the
// breakdown.
func (m *Merger) Merge(batches []record.Batch) *MergedBatch {
	out := &MergedBatch{
		SourceBreakdown: make(map[record.SourceType]int),
		MergedAt:        m.now().UTC(),
	}

	for _, batch := range batches {
		if _, ok := out.SourceBreakdown[batch.SourceType]; !ok && batch.SourceType != "" {
			out.SourceBreakdown[batch.SourceType] = 0
		}
		for i := range batch.Records {
			rec := batch.Records[i]
			out.TotalItems++

			if rec.SourceType == "" {
				rec.SourceType = batch.SourceType
			}
			rec.TimestampSec = record.NormalizeTimestamp(rec.TimestampSec)
			if rec.TimestampSec <= 0 || rec.Identifier.IsZero() {
				out.InvalidItems++
				continue
			}
			out.Items = append(out.Items, rec)
			out.SourceBreakdown[rec.SourceType]++
		}
	}
	out.ValidItems = len(out.Items)

	sort.SliceStable(out.Items, func(i, j int) bool {
		a, b := &out.Items[i], &out.Items[j]
		if a.TimestampSec != b.TimestampSec {
			return a.TimestampSec < b.TimestampSec
		}
		ra, rb := m.sourceRank(a.SourceType), m.sourceRank(b.SourceType)
		if ra != rb {
			return ra < rb
		}
		return a.Identifier.DedupKey() < b.Identifier.DedupKey()
	})

	if out.ValidItems > 0 {
		out.Range = TemporalRange{
			Earliest: out.Items[0].Timestamp(),
			Latest:   out.Items[out.ValidItems-1].Timestamp(),
		}
		out.Range.Span = out.Range.Latest.Sub(out.Range.Earliest)
	}
	out.Gaps = m.detectGaps(out.Items)

	m.log.Debug("merged batches",
		"batches", len(batches),
		"total", out.TotalItems,
		"valid", out.ValidItems,
		"invalid", out.InvalidItems,
		"gaps", len(out.Gaps))
	return out
}

func (m *Merger) sourceRank(src record.SourceType) int {
	if r, ok := m.rank[src]; ok {
		return r
	}
	return len(m.rank)
}

// detectGaps scans adjacent deltas over the sorted items. A single pass, no
// pairwise matrix.
func (m *Merger) detectGaps(items []record.SourceRecord) []Gap {
	var gaps []Gap
	for i := 1; i < len(items); i++ {
		prev, cur := &items[i-1], &items[i]
		delta := time.Duration(cur.TimestampSec-prev.TimestampSec) * time.Second
		if delta <= m.cfg.GapThreshold {
			continue
		}
		affected := []record.SourceType{prev.SourceType}
		if cur.SourceType != prev.SourceType {
			affected = append(affected, cur.SourceType)
		}
		gaps = append(gaps, Gap{
			StartTime:       prev.Timestamp(),
			EndTime:         cur.Timestamp(),
			DurationHours:   delta.Hours(),
			AffectedSources: affected,
			Severity:        m.severity(delta),
		})
	}
	return gaps
}

func (m *Merger) severity(d time.Duration) Severity {
	switch {
	case d >= m.cfg.SevereAfter:
		return SeveritySevere
	case d >= m.cfg.ModerateAfter:
		return SeverityModerate
	default:
		return SeverityMinor
	}
}
