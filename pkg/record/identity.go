package record

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultStripPrefixes are the platform fullname prefixes removed during
// identity normalization. t1 marks comments, t3 posts, t2 accounts that
// occasionally leak into mixed dumps.
var DefaultStripPrefixes = []string{"t1_", "t2_", "t3_"}

// IdentityOptions control how raw platform IDs are normalized into
// deduplication keys.
type IdentityOptions struct {
	StripPrefixes []string
}

// NormalizeID strips source prefixes, trims whitespace and lower-cases the
// raw platform ID. Two records normalizing to the same key are the same
// logical item regardless of which source produced them.
func NormalizeID(raw string, opts IdentityOptions) string {
	key := strings.TrimSpace(raw)
	prefixes := opts.StripPrefixes
	if prefixes == nil {
		prefixes = DefaultStripPrefixes
	}
	lower := strings.ToLower(key)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			key = key[len(p):]
			lower = lower[len(p):]
		}
	}
	return strings.ToLower(key)
}

// NewIdentifier computes the immutable identity for a raw platform ID and
// content kind.
func NewIdentifier(rawID string, kind ContentKind, opts IdentityOptions) ContentIdentifier {
	return ContentIdentifier{
		ID:            strings.TrimSpace(rawID),
		Kind:          kind,
		NormalizedKey: NormalizeID(rawID, opts),
	}
}

// SynthesizeIdentifier builds a deterministic identity from payload content
// for records that arrive without a platform ID. Used by the detector's
// synthesize policy so such records still dedupe against byte-identical
// resubmissions.
func SynthesizeIdentifier(payload []byte, kind ContentKind) ContentIdentifier {
	sum := xxhash.Sum64(payload)
	id := fmt.Sprintf("synth-%016x", sum)
	return ContentIdentifier{ID: id, Kind: kind, NormalizedKey: id}
}
