package record

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// timestampFields are checked in order when normalizing record time. Archive
// dumps carry created_utc (often as a float), API batches carry created or
// timestamp, and a few exporters emit millisecond timestamp_ms.
var timestampFields = []string{"created_utc", "created", "timestamp", "timestamp_ms"}

// ParseLine parses one NDJSON line into a SourceRecord attributed to the
// given source. It is deliberately lenient: missing identifier or timestamp
// fields produce a record with zero values so the configured detector and
// validator policies decide what happens, not the parser. Only structurally
// invalid JSON returns a *ParseError.
func ParseLine(line []byte, source SourceType, opts IdentityOptions) (*SourceRecord, error) {
	if len(line) == 0 {
		return nil, &ParseError{Reason: "empty line"}
	}
	if !gjson.ValidBytes(line) {
		return nil, &ParseError{Reason: "invalid JSON", Snippet: Snippet(line)}
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return nil, &ParseError{Reason: "line is not a JSON object", Snippet: Snippet(line)}
	}

	rawID := doc.Get("id").String()
	if rawID == "" {
		rawID = doc.Get("name").String()
	}

	kind := detectKind(doc, rawID)

	payload := make(json.RawMessage, len(line))
	copy(payload, line)

	rec := &SourceRecord{
		Identifier:   NewIdentifier(rawID, kind, opts),
		SourceType:   source,
		TimestampSec: extractTimestamp(doc),
		Payload:      payload,
	}
	if srcField := doc.Get("source").String(); srcField != "" {
		if st, err := ParseSourceType(srcField); err == nil {
			rec.SourceType = st
		}
	}
	return rec, nil
}

// detectKind resolves the content kind from an explicit kind field, the
// fullname prefix, or the presence of a title field. Comments are the
// default because they dominate archive volume.
func detectKind(doc gjson.Result, rawID string) ContentKind {
	if k := doc.Get("kind").String(); k != "" {
		if kind, err := ParseContentKind(k); err == nil {
			return kind
		}
	}
	lower := strings.ToLower(strings.TrimSpace(rawID))
	switch {
	case strings.HasPrefix(lower, "t3_"):
		return KindPost
	case strings.HasPrefix(lower, "t1_"):
		return KindComment
	case doc.Get("title").Exists():
		return KindPost
	default:
		return KindComment
	}
}

// extractTimestamp reads the first recognized timestamp field and normalizes
// it to epoch seconds. Millisecond-scale values are collapsed to seconds.
func extractTimestamp(doc gjson.Result) int64 {
	for _, field := range timestampFields {
		v := doc.Get(field)
		if !v.Exists() {
			continue
		}
		ts := v.Int()
		if ts == 0 && v.Float() > 0 {
			ts = int64(v.Float())
		}
		return NormalizeTimestamp(ts)
	}
	return 0
}

// msThreshold marks the point where an epoch value must be milliseconds:
// 1e12 seconds is the year 33658.
const msThreshold = int64(1e12)

// NormalizeTimestamp collapses millisecond-scale epoch values to seconds and
// zeroes out negatives.
func NormalizeTimestamp(ts int64) int64 {
	if ts < 0 {
		return 0
	}
	if ts >= msThreshold {
		return ts / 1000
	}
	return ts
}
