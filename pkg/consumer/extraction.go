package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidemark-io/tideline/pkg/merge"
	"github.com/tidemark-io/tideline/pkg/pipeline"
)

// ExtractionResult is what the downstream boundary reports back for one
// flushed payload. The core reads nothing beyond these counts.
type ExtractionResult struct {
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	Ref      string `json:"ref,omitempty"`
}

// ExtractFunc hands one payload across the extraction boundary. Injected by
// the caller; the forwarder never inspects what happens on the other side.
type ExtractFunc func(ctx context.Context, payload *merge.ExtractionPayload) (*ExtractionResult, error)

// ExtractionForwarderConfig controls buffering.
type ExtractionForwarderConfig struct {
	// BatchSize triggers a flush once this many items are buffered.
	// Default 100.
	BatchSize int
	// FlushInterval triggers a flush even when the buffer is short.
	// Default 30s.
	FlushInterval time.Duration
}

func (c ExtractionForwarderConfig) withDefaults() ExtractionForwarderConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	return c
}

// ExtractionForwarder buffers merged items and flushes them across the
// extraction boundary when the buffer fills or the interval elapses. Flush
// failures are counted and logged; they do not fail the producing job.
type ExtractionForwarder struct {
	pipeline.Fanout
	cfg     ExtractionForwarderConfig
	extract ExtractFunc
	log     *slog.Logger

	mu      sync.Mutex
	pending []merge.ExtractionItem
	invalid int

	flushOK   atomic.Int64
	flushFail atomic.Int64
	itemsSent atomic.Int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewExtractionForwarder creates the forwarder and starts its flush timer.
func NewExtractionForwarder(cfg ExtractionForwarderConfig, extract ExtractFunc, logger *slog.Logger) (*ExtractionForwarder, error) {
	if extract == nil {
		return nil, fmt.Errorf("extraction forwarder: nil extract func")
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &ExtractionForwarder{
		cfg:     cfg.withDefaults(),
		extract: extract,
		log:     logger.With("component", "extraction"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go f.run()
	return f, nil
}

// Process buffers the payload's items and forwards the message unchanged.
// A full buffer flushes inline so the producer feels backpressure.
func (f *ExtractionForwarder) Process(ctx context.Context, msg pipeline.Message) error {
	var in *merge.ExtractionPayload
	switch payload := msg.Payload.(type) {
	case *merge.MergedBatch:
		in = merge.ConvertToDownstreamInput(payload)
	case *merge.ExtractionPayload:
		in = payload
	default:
		return fmt.Errorf("extraction forwarder: unsupported payload %T", msg.Payload)
	}

	f.mu.Lock()
	f.pending = append(f.pending, in.Items...)
	f.invalid += in.InvalidItems
	if len(f.pending) >= f.cfg.BatchSize {
		f.flushLocked(ctx)
	}
	f.mu.Unlock()

	return f.Forward(ctx, msg)
}

func (f *ExtractionForwarder) run() {
	defer close(f.done)
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.mu.Lock()
			f.flushLocked(context.Background())
			f.mu.Unlock()
		case <-f.stop:
			return
		}
	}
}

// flushLocked sends everything buffered as one payload. The caller holds mu.
// A failed flush drops the batch: the boundary owns retries, not the core.
func (f *ExtractionForwarder) flushLocked(ctx context.Context) {
	if len(f.pending) == 0 && f.invalid == 0 {
		return
	}
	items := f.pending
	invalid := f.invalid
	f.pending = nil
	f.invalid = 0

	payload := &merge.ExtractionPayload{
		Items:        items,
		TotalItems:   len(items) + invalid,
		ValidItems:   len(items),
		InvalidItems: invalid,
		MergedAt:     time.Now().UTC(),
	}
	for i := range items {
		ts := time.Unix(items[i].TimestampSec, 0).UTC()
		if payload.Earliest.IsZero() || ts.Before(payload.Earliest) {
			payload.Earliest = ts
		}
		if ts.After(payload.Latest) {
			payload.Latest = ts
		}
	}

	res, err := f.extract(ctx, payload)
	if err != nil {
		f.flushFail.Add(1)
		f.log.Error("extraction flush failed", "items", len(items), "error", err)
		return
	}
	if res == nil {
		res = &ExtractionResult{Accepted: len(items)}
	}
	f.flushOK.Add(1)
	f.itemsSent.Add(int64(len(items)))
	f.log.Debug("extraction flush",
		"items", len(items),
		"accepted", res.Accepted,
		"rejected", res.Rejected,
		"ref", res.Ref)
}

// Close stops the timer and flushes whatever is still buffered.
func (f *ExtractionForwarder) Close() error {
	f.closeOnce.Do(func() {
		close(f.stop)
		<-f.done
		f.mu.Lock()
		f.flushLocked(context.Background())
		f.mu.Unlock()
		f.log.Info("extraction forwarder closed",
			"flushes", f.flushOK.Load(),
			"failures", f.flushFail.Load(),
			"items", f.itemsSent.Load())
	})
	return nil
}

// Stats reports successful flushes, failed flushes, and items sent.
func (f *ExtractionForwarder) Stats() (flushes, failures, items int64) {
	return f.flushOK.Load(), f.flushFail.Load(), f.itemsSent.Load()
}
