package consumer

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/tidemark-io/tideline/pkg/decompress"
	"github.com/tidemark-io/tideline/pkg/merge"
	"github.com/tidemark-io/tideline/pkg/pipeline"
)

// NDJSONWriter writes merged items back out as one JSON object per line,
// compressed according to the path extension (.gz, .zst, otherwise plain).
// Output lands in a temp file and is renamed into place on Close, so a
// crashed run never leaves a half-written artifact under the final name.
type NDJSONWriter struct {
	pipeline.Fanout
	log  *slog.Logger
	path string

	mu     sync.Mutex
	file   *os.File
	codec  io.WriteCloser // nil when writing plain
	buf    *bufio.Writer
	enc    *json.Encoder
	lines  int64
	closed bool
}

// NewNDJSONWriter creates the writer and opens its temp file.
func NewNDJSONWriter(config map[string]any, logger *slog.Logger) (*NDJSONWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path, _ := config["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("ndjson writer: path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "creating output directory")
		}
	}
	file, err := os.Create(path + ".tmp")
	if err != nil {
		return nil, errors.Wrap(err, "creating output file")
	}

	w := &NDJSONWriter{
		log:  logger.With("component", "ndjson_writer", "path", path),
		path: path,
		file: file,
	}

	var sink io.Writer = file
	switch decompress.DetectCodec(path) {
	case decompress.CodecGzip:
		gz := gzip.NewWriter(file)
		w.codec, sink = gz, gz
	case decompress.CodecZstd:
		zw, err := zstd.NewWriter(file)
		if err != nil {
			file.Close()
			os.Remove(file.Name())
			return nil, errors.Wrap(err, "creating zstd writer")
		}
		w.codec, sink = zw, zw
	}
	w.buf = bufio.NewWriter(sink)
	w.enc = json.NewEncoder(w.buf)
	return w, nil
}

// Process writes every item of the payload as one NDJSON line and forwards
// the message unchanged.
func (w *NDJSONWriter) Process(ctx context.Context, msg pipeline.Message) error {
	var items []merge.ExtractionItem
	switch payload := msg.Payload.(type) {
	case *merge.MergedBatch:
		items = merge.ConvertToDownstreamInput(payload).Items
	case *merge.ExtractionPayload:
		items = payload.Items
	default:
		return fmt.Errorf("ndjson writer: unsupported payload %T", msg.Payload)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("ndjson writer: closed")
	}
	for i := range items {
		if err := w.enc.Encode(&items[i]); err != nil {
			w.mu.Unlock()
			return errors.Wrap(err, "encoding item")
		}
		w.lines++
	}
	w.mu.Unlock()

	return w.Forward(ctx, msg)
}

// Close flushes, syncs, and renames the temp file into place.
func (w *NDJSONWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	tmp := w.file.Name()
	fail := func(err error, msg string) error {
		w.file.Close()
		os.Remove(tmp)
		return errors.Wrap(err, msg)
	}

	if err := w.buf.Flush(); err != nil {
		return fail(err, "flushing buffer")
	}
	if w.codec != nil {
		if err := w.codec.Close(); err != nil {
			return fail(err, "closing compressor")
		}
	}
	if err := w.file.Sync(); err != nil {
		return fail(err, "syncing output")
	}
	if err := w.file.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "closing output")
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "finalizing output")
	}

	w.log.Info("ndjson output finalized", "lines", w.lines)
	return nil
}

// Lines reports how many items have been written so far.
func (w *NDJSONWriter) Lines() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}
