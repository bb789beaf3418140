package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ContentKind distinguishes the two logical item shapes the platform
// ingests. The wire values are lower-case.
type ContentKind string

const (
	KindPost    ContentKind = "post"
	KindComment ContentKind = "comment"
)

// ParseContentKind maps a raw kind field to a ContentKind.
func ParseContentKind(s string) (ContentKind, error) {
	switch s {
	case "post", "submission", "t3":
		return KindPost, nil
	case "comment", "t1":
		return KindComment, nil
	default:
		return "", fmt.Errorf("unknown content kind %q", s)
	}
}

// SourceType identifies where a record was collected from.
type SourceType string

const (
	SourceArchive          SourceType = "archive"
	SourceApiChronological SourceType = "api_chronological"
	SourceApiKeywordSearch SourceType = "api_keyword_search"
	SourceApiOnDemand      SourceType = "api_on_demand"
)

// ParseSourceType maps a raw source field to a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	switch s {
	case "archive":
		return SourceArchive, nil
	case "api_chronological", "chronological":
		return SourceApiChronological, nil
	case "api_keyword_search", "keyword_search":
		return SourceApiKeywordSearch, nil
	case "api_on_demand", "on_demand":
		return SourceApiOnDemand, nil
	default:
		return "", fmt.Errorf("unknown source type %q", s)
	}
}

// DefaultSourcePriority orders sources for merge tie-breaking, highest
// priority first. Archive wins ties because it is the curated historical
// record; the API sources follow in collection-freshness order.
var DefaultSourcePriority = []SourceType{
	SourceArchive,
	SourceApiChronological,
	SourceApiKeywordSearch,
	SourceApiOnDemand,
}

// ContentIdentifier is the canonical identity of one logical item. It is
// immutable once computed; NormalizedKey is what deduplication keys on.
type ContentIdentifier struct {
	ID            string      `json:"id"`
	Kind          ContentKind `json:"kind"`
	NormalizedKey string      `json:"normalized_key"`
}

// DedupKey combines the normalized key with the content kind so a post and
// a comment that share a raw ID never collide.
func (c ContentIdentifier) DedupKey() string {
	return c.NormalizedKey + "/" + string(c.Kind)
}

// IsZero reports whether the identifier carries no usable identity.
func (c ContentIdentifier) IsZero() bool {
	return c.NormalizedKey == ""
}

// SourceRecord is one parsed item from an archive line or an API batch.
// Records are never mutated after creation.
type SourceRecord struct {
	Identifier   ContentIdentifier `json:"identifier"`
	SourceType   SourceType        `json:"source_type"`
	TimestampSec int64             `json:"timestamp_sec"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
}

// Fingerprint hashes the raw payload so callers can tell an identical
// resubmission apart from changed content under the same identifier.
func (r *SourceRecord) Fingerprint() uint64 {
	if len(r.Payload) == 0 {
		return 0
	}
	return xxhash.Sum64(r.Payload)
}

// Timestamp returns the record time as a time.Time in UTC.
func (r *SourceRecord) Timestamp() time.Time {
	return time.Unix(r.TimestampSec, 0).UTC()
}

// Batch is one per-source item set, the unit handed to the merger and to
// batch duplicate analysis.
type Batch struct {
	SourceType SourceType     `json:"source_type"`
	Records    []SourceRecord `json:"records"`
}
