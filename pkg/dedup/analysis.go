package dedup

import (
	"github.com/tidemark-io/tideline/pkg/record"
)

// Gap histogram buckets: elapsed time between first sighting and duplicate
// resubmission.
const (
	GapBucketUnder1h = "<1h"
	GapBucket1hTo24h = "1h-24h"
	GapBucket1dTo7d  = "24h-7d"
	GapBucketOver7d  = ">7d"
	GapBucketUnknown = "unknown"
)

// GapBuckets lists histogram keys in display order.
var GapBuckets = []string{
	GapBucketUnder1h,
	GapBucket1hTo24h,
	GapBucket1dTo7d,
	GapBucketOver7d,
	GapBucketUnknown,
}

// SourceCounts breaks one source's submissions down by outcome.
type SourceCounts struct {
	Total      int `json:"total"`
	Unique     int `json:"unique"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// BatchAnalysis summarizes duplicate structure across a set of per-source
// batches checked in one call.
type BatchAnalysis struct {
	TotalRecords     int     `json:"total_records"`
	UniqueRecords    int     `json:"unique_records"`
	DuplicateRecords int     `json:"duplicate_records"`
	SkippedRecords   int     `json:"skipped_records"`
	DuplicateRate    float64 `json:"duplicate_rate"` // duplicates/total, 0 for empty input

	BySource map[record.SourceType]*SourceCounts `json:"by_source"`

	// SourceOverlap[first][later] counts records first seen in source
	// `first` and resubmitted by source `later`.
	SourceOverlap map[record.SourceType]map[record.SourceType]int `json:"source_overlap"`

	// GapHistogram buckets the elapsed time between a record's first
	// sighting and its duplicate resubmission.
	GapHistogram map[string]int `json:"gap_histogram"`

	// Survivors holds the unique records of each input batch, in input
	// order, ready to hand to the merger.
	Survivors []record.Batch `json:"-"`
}

// CheckBatch runs every record of every batch through the session, in batch
// order, and summarizes the outcome. Batch order matters: a record seen in
// batches[0] marks the same identifier in batches[1] as a duplicate.
func (d *Detector) CheckBatch(batches []record.Batch) (*BatchAnalysis, error) {
	analysis := &BatchAnalysis{
		BySource:      make(map[record.SourceType]*SourceCounts),
		SourceOverlap: make(map[record.SourceType]map[record.SourceType]int),
		GapHistogram:  make(map[string]int),
	}

	for _, batch := range batches {
		survivor := record.Batch{SourceType: batch.SourceType}
		counts := analysis.BySource[batch.SourceType]
		if counts == nil {
			counts = &SourceCounts{}
			analysis.BySource[batch.SourceType] = counts
		}

		for i := range batch.Records {
			rec := &batch.Records[i]
			res, err := d.Check(rec)
			if err != nil {
				return nil, err
			}

			analysis.TotalRecords++
			counts.Total++

			switch {
			case res.Skipped:
				analysis.SkippedRecords++
				counts.Skipped++
			case res.IsDuplicate:
				analysis.DuplicateRecords++
				counts.Duplicates++
				first := res.Original.FirstSeenSource
				overlap := analysis.SourceOverlap[first]
				if overlap == nil {
					overlap = make(map[record.SourceType]int)
					analysis.SourceOverlap[first] = overlap
				}
				overlap[rec.SourceType]++
				analysis.GapHistogram[gapBucket(res.Original.FirstSeenTimestampSec, res.TimestampSec)]++
			default:
				analysis.UniqueRecords++
				counts.Unique++
				kept := *rec
				if kept.TimestampSec != res.TimestampSec {
					// Timestamp was substituted; surviving copy
					// carries the value the session tracked.
					kept.TimestampSec = res.TimestampSec
				}
				survivor.Records = append(survivor.Records, kept)
			}
		}
		analysis.Survivors = append(analysis.Survivors, survivor)
	}

	if analysis.TotalRecords > 0 {
		analysis.DuplicateRate = float64(analysis.DuplicateRecords) / float64(analysis.TotalRecords)
	}

	d.log.Debug("batch analysis complete",
		"batches", len(batches),
		"total", analysis.TotalRecords,
		"unique", analysis.UniqueRecords,
		"duplicates", analysis.DuplicateRecords,
		"skipped", analysis.SkippedRecords)
	return analysis, nil
}

func gapBucket(firstSec, laterSec int64) string {
	if firstSec <= 0 || laterSec <= 0 {
		return GapBucketUnknown
	}
	gap := laterSec - firstSec
	if gap < 0 {
		gap = -gap
	}
	switch {
	case gap < 3600:
		return GapBucketUnder1h
	case gap < 24*3600:
		return GapBucket1hTo24h
	case gap < 7*24*3600:
		return GapBucket1dTo7d
	default:
		return GapBucketOver7d
	}
}
