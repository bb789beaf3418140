// Package dedup assigns canonical identity to records and tracks first-seen
// sources, flagging later occurrences of the same logical item as duplicates
// regardless of which source produced them.
package dedup

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidemark-io/tideline/pkg/record"
)

// MissingIDPolicy decides what happens to a record without an identifier.
type MissingIDPolicy string

const (
	MissingIDSkip       MissingIDPolicy = "skip"
	MissingIDSynthesize MissingIDPolicy = "synthesize"
	MissingIDFail       MissingIDPolicy = "fail"
)

// TimestampPolicy decides what happens to a record without a usable timestamp.
type TimestampPolicy string

const (
	TimestampSkip       TimestampPolicy = "skip"
	TimestampSubstitute TimestampPolicy = "substitute"
	TimestampFail       TimestampPolicy = "fail"
)

// ConflictPolicy decides which source a tracked identifier is attributed to
// when the same identifier arrives again with changed content.
type ConflictPolicy string

const (
	ConflictFirstWins ConflictPolicy = "first_wins"
	ConflictLastWins  ConflictPolicy = "last_wins"
)

var (
	// ErrMissingIdentifier is returned under MissingIDFail.
	ErrMissingIdentifier = errors.New("dedup: record has no identifier")
	// ErrInvalidTimestamp is returned under TimestampFail.
	ErrInvalidTimestamp = errors.New("dedup: record has no usable timestamp")
)

// Config controls one detection session. Policies are configuration, not
// hard-coded behavior.
type Config struct {
	// MaxEntries bounds the session cache; oldest-inserted entries are
	// evicted first. Zero means 1,000,000.
	MaxEntries int

	MissingID MissingIDPolicy
	Timestamp TimestampPolicy
	Conflict  ConflictPolicy

	// Identity controls key normalization for synthesized identifiers.
	Identity record.IdentityOptions
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1_000_000
	}
	if c.MissingID == "" {
		c.MissingID = MissingIDSkip
	}
	if c.Timestamp == "" {
		c.Timestamp = TimestampSubstitute
	}
	if c.Conflict == "" {
		c.Conflict = ConflictFirstWins
	}
	return c
}

// DuplicateTrackingEntry is the canonical first-seen record for one
// identifier. Owned exclusively by the detector; callers receive copies.
type DuplicateTrackingEntry struct {
	Identifier            record.ContentIdentifier `json:"identifier"`
	FirstSeenSource       record.SourceType        `json:"first_seen_source"`
	FirstSeenAt           time.Time                `json:"first_seen_at"`
	FirstSeenTimestampSec int64                    `json:"first_seen_timestamp_sec"`
	Fingerprint           uint64                   `json:"fingerprint"`
}

// Result reports one Check outcome.
type Result struct {
	// IsDuplicate is true when the identifier was already tracked.
	IsDuplicate bool
	// Original is the first-seen entry when IsDuplicate; a snapshot taken
	// before any last-wins reattribution.
	Original *DuplicateTrackingEntry
	// Skipped is true when a policy dropped the record instead of
	// tracking it; SkipReason says why.
	Skipped    bool
	SkipReason string
	// TimestampSec is the timestamp the detector used: the record's own,
	// or the substituted value under TimestampSubstitute.
	TimestampSec int64
}

// Detector tracks identifiers for the lifetime of a detection session.
// First submission order wins, not timestamp order.
type Detector struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*DuplicateTrackingEntry
	order   []string // insertion order, for eviction

	now func() time.Time
}

// New creates a detector for one detection session.
func New(cfg Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		cfg:     cfg.withDefaults(),
		log:     logger.With("component", "dedup"),
		entries: make(map[string]*DuplicateTrackingEntry),
		now:     time.Now,
	}
}

// Check resolves a record against the session. The first occurrence of an
// identifier is recorded as canonical; every later occurrence reports
// IsDuplicate with the original entry.
func (d *Detector) Check(rec *record.SourceRecord) (Result, error) {
	if rec == nil {
		return Result{}, fmt.Errorf("dedup: nil record")
	}

	ident := rec.Identifier
	if ident.IsZero() {
		switch d.cfg.MissingID {
		case MissingIDSkip:
			return Result{Skipped: true, SkipReason: "missing identifier"}, nil
		case MissingIDSynthesize:
			ident = record.SynthesizeIdentifier(rec.Payload, ident.Kind)
		default:
			return Result{}, fmt.Errorf("%w (source %s)", ErrMissingIdentifier, rec.SourceType)
		}
	}

	ts := rec.TimestampSec
	if ts <= 0 {
		switch d.cfg.Timestamp {
		case TimestampSkip:
			return Result{Skipped: true, SkipReason: "missing timestamp"}, nil
		case TimestampSubstitute:
			ts = d.now().Unix()
		default:
			return Result{}, fmt.Errorf("%w (id %s)", ErrInvalidTimestamp, ident.ID)
		}
	}

	key := ident.DedupKey()
	fp := rec.Fingerprint()

	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.entries[key]; ok {
		original := *entry
		if d.cfg.Conflict == ConflictLastWins && fp != entry.Fingerprint {
			// Changed content under the same identifier: reattribute.
			entry.FirstSeenSource = rec.SourceType
			entry.FirstSeenTimestampSec = ts
			entry.Fingerprint = fp
		}
		return Result{IsDuplicate: true, Original: &original, TimestampSec: ts}, nil
	}

	d.entries[key] = &DuplicateTrackingEntry{
		Identifier:            ident,
		FirstSeenSource:       rec.SourceType,
		FirstSeenAt:           d.now().UTC(),
		FirstSeenTimestampSec: ts,
		Fingerprint:           fp,
	}
	d.order = append(d.order, key)
	d.evictLocked()
	return Result{TimestampSec: ts}, nil
}

// evictLocked drops oldest-inserted entries beyond MaxEntries.
func (d *Detector) evictLocked() {
	for len(d.entries) > d.cfg.MaxEntries && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.entries, oldest)
	}
}

// Len reports the number of tracked identifiers.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Reset starts a new detection session, forgetting every tracked identifier.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = make(map[string]*DuplicateTrackingEntry)
	d.order = nil
}
