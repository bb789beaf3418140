package merge

import (
	"encoding/json"
	"time"

	"github.com/tidemark-io/tideline/pkg/record"
)

// ExtractionItem is one timeline item flattened for the extraction boundary.
// Downstream consumers treat Payload as opaque bytes.
type ExtractionItem struct {
	ID           string             `json:"id"`
	Kind         record.ContentKind `json:"kind"`
	Source       record.SourceType  `json:"source"`
	TimestampSec int64              `json:"timestamp_sec"`
	Payload      json.RawMessage    `json:"payload,omitempty"`
}

// ExtractionPayload is the unit handed across the extraction boundary: a
// merged timeline plus enough shape information for downstream batching.
type ExtractionPayload struct {
	Items        []ExtractionItem `json:"items"`
	TotalItems   int              `json:"total_items"`
	ValidItems   int              `json:"valid_items"`
	InvalidItems int              `json:"invalid_items"`
	Earliest     time.Time        `json:"earliest,omitempty"`
	Latest       time.Time        `json:"latest,omitempty"`
	GapCount     int              `json:"gap_count"`
	MergedAt     time.Time        `json:"merged_at"`
}

// ConvertToDownstreamInput flattens a merged batch for the extraction
// boundary. Items keep their merged order.
func ConvertToDownstreamInput(mb *MergedBatch) *ExtractionPayload {
	if mb == nil {
		return &ExtractionPayload{}
	}
	payload := &ExtractionPayload{
		Items:        make([]ExtractionItem, 0, len(mb.Items)),
		TotalItems:   mb.TotalItems,
		ValidItems:   mb.ValidItems,
		InvalidItems: mb.InvalidItems,
		Earliest:     mb.Range.Earliest,
		Latest:       mb.Range.Latest,
		GapCount:     len(mb.Gaps),
		MergedAt:     mb.MergedAt,
	}
	for i := range mb.Items {
		rec := &mb.Items[i]
		payload.Items = append(payload.Items, ExtractionItem{
			ID:           rec.Identifier.ID,
			Kind:         rec.Identifier.Kind,
			Source:       rec.SourceType,
			TimestampSec: rec.TimestampSec,
			Payload:      rec.Payload,
		})
	}
	return payload
}
