// Package decompress streams compressed NDJSON archives one record at a
// time. It never materializes the decompressed content, so it operates
// correctly on inputs larger than available RAM.
package decompress

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/tidemark-io/tideline/pkg/record"
)

const (
	readBufSize = 64 * 1024

	// DefaultMaxLineBytes caps a single NDJSON line. Longer lines are
	// consumed and counted as errors rather than aborting the stream.
	DefaultMaxLineBytes = 1 << 20

	// maxLineErrors bounds the per-line error detail kept in the result.
	maxLineErrors = 100

	memSampleEvery   = 50_000
	progressInterval = 30 * time.Second
)

// RecordFunc receives each parsed record synchronously, in file order,
// exactly once per line. The next line is not read until it returns. A
// non-nil error aborts the stream and propagates to the Stream caller.
type RecordFunc func(rec *record.SourceRecord, lineNumber int64) error

// ProgressFunc receives the cumulative line count and the decompressed byte
// offset just past the reported line, synchronously in stream order. The
// offset is a valid SkipBytes resumption point.
type ProgressFunc func(lines, offset int64)

// Options configure a single Stream call.
type Options struct {
	// SourceType attributes parsed records; defaults to Archive.
	SourceType record.SourceType
	// Validator rejects malformed records without aborting the stream.
	Validator record.Validator
	// Identity controls ID normalization during parsing.
	Identity record.IdentityOptions
	// Timeout bounds the whole call wall-clock; zero means none.
	Timeout time.Duration
	// StartLine is the number of lines already processed in a previous
	// run. Line numbers passed to the callback continue from it.
	StartLine int64
	// SkipBytes fast-forwards the decompressed stream to a checkpointed
	// position. When zero and StartLine > 0, lines are skipped by
	// scanning instead.
	SkipBytes int64
	// MaxLineBytes caps one line; defaults to DefaultMaxLineBytes.
	MaxLineBytes int
	// Progress, when set, is invoked every ProgressEvery lines. Parse
	// failures count as lines, so positions stay accurate on dirty files.
	Progress ProgressFunc
	// ProgressEvery defaults to 1000.
	ProgressEvery int64
}

// LineError records one rejected line with truncated content.
type LineError struct {
	Line    int64  `json:"line"`
	Reason  string `json:"reason"`
	Snippet string `json:"snippet,omitempty"`
}

// MemoryStats captures heap usage sampled around the run.
type MemoryStats struct {
	HeapAllocStart uint64 `json:"heap_alloc_start"`
	HeapAllocEnd   uint64 `json:"heap_alloc_end"`
	HeapAllocPeak  uint64 `json:"heap_alloc_peak"`
}

// Result summarizes one Stream call. It is returned non-nil even on error
// so callers always see how far the stream got.
type Result struct {
	Path         string        `json:"path"`
	Codec        Codec         `json:"codec"`
	TotalLines   int64         `json:"total_lines"`
	ValidLines   int64         `json:"valid_lines"`
	ErrorLines   int64         `json:"error_lines"`
	SkippedLines int64         `json:"skipped_lines"`
	BytesRead    int64         `json:"bytes_read"`
	Duration     time.Duration `json:"duration"`
	LineErrors   []LineError   `json:"line_errors,omitempty"`
	Memory       MemoryStats   `json:"memory"`
}

// Decompressor streams archive files. Safe for reuse across files; each
// Stream call is independent.
type Decompressor struct {
	log *slog.Logger
}

// New creates a Decompressor logging through the given logger.
func New(logger *slog.Logger) *Decompressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decompressor{log: logger.With("component", "decompress")}
}

// Stream decompresses path and invokes onRecord for every parsed line.
// Parse failures and validator rejections are counted and skipped; a corrupt
// compression stream returns *DecodeError; exceeding opts.Timeout returns
// *TimeoutError. The returned Result is never nil.
func (d *Decompressor) Stream(ctx context.Context, path string, onRecord RecordFunc, opts Options) (*Result, error) {
	start := time.Now()
	codec := DetectCodec(path)
	res := &Result{Path: path, Codec: codec}

	if opts.SourceType == "" {
		opts.SourceType = record.SourceArchive
	}
	maxLine := opts.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	progressEvery := opts.ProgressEvery
	if progressEvery <= 0 {
		progressEvery = 1000
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	res.Memory.HeapAllocStart = mem.HeapAlloc
	res.Memory.HeapAllocPeak = mem.HeapAlloc
	defer func() {
		runtime.ReadMemStats(&mem)
		res.Memory.HeapAllocEnd = mem.HeapAlloc
		if mem.HeapAlloc > res.Memory.HeapAllocPeak {
			res.Memory.HeapAllocPeak = mem.HeapAlloc
		}
		res.Duration = time.Since(start)
	}()

	f, err := os.Open(path)
	if err != nil {
		return res, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	stream, closeCodec, err := openCodec(f, codec)
	if err != nil {
		return res, &DecodeError{Path: path, Err: err}
	}
	defer closeCodec()

	br := bufio.NewReaderSize(stream, readBufSize)

	d.log.Info("streaming archive",
		"path", path,
		"codec", string(codec),
		"start_line", opts.StartLine,
		"skip_bytes", opts.SkipBytes)

	if err := d.skipAhead(br, res, opts); err != nil {
		return res, err
	}

	lastProgress := start
	for {
		if err := runCtx.Err(); err != nil {
			if ctx.Err() == nil && runCtx.Err() == context.DeadlineExceeded {
				d.log.Warn("decompression timed out",
					"path", path, "lines", res.TotalLines, "offset", res.BytesRead)
				return res, &TimeoutError{Path: path, ProcessedLines: res.TotalLines, Position: res.BytesRead}
			}
			return res, err
		}

		line, consumed, truncated, readErr := readLine(br, maxLine)
		if readErr != nil && readErr != io.EOF {
			return res, &DecodeError{Path: path, Position: res.BytesRead, Err: readErr}
		}
		atEOF := readErr == io.EOF
		if consumed == 0 && atEOF {
			break
		}
		res.BytesRead += consumed
		res.TotalLines++
		lineNo := opts.StartLine + res.TotalLines

		switch {
		case truncated:
			d.recordLineError(res, lineNo, "line exceeds size limit", line)
		default:
			if err := d.handleLine(line, lineNo, onRecord, opts, res); err != nil {
				return res, err
			}
		}

		if opts.Progress != nil && res.TotalLines%progressEvery == 0 {
			opts.Progress(lineNo, res.BytesRead)
		}

		if res.TotalLines%memSampleEvery == 0 {
			runtime.ReadMemStats(&mem)
			if mem.HeapAlloc > res.Memory.HeapAllocPeak {
				res.Memory.HeapAllocPeak = mem.HeapAlloc
			}
			if since := time.Since(lastProgress); since >= progressInterval {
				rate := float64(res.TotalLines) / time.Since(start).Seconds()
				d.log.Info("archive progress",
					"path", path,
					"lines", res.TotalLines,
					"errors", res.ErrorLines,
					"rate_per_sec", int64(rate))
				lastProgress = time.Now()
			}
		}

		if atEOF {
			break
		}
	}

	d.log.Info("archive complete",
		"path", path,
		"total", res.TotalLines,
		"valid", res.ValidLines,
		"errors", res.ErrorLines,
		"bytes", res.BytesRead,
		"duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// handleLine parses, validates and forwards one line. Parse and validation
// failures are counted, never returned.
func (d *Decompressor) handleLine(line []byte, lineNo int64, onRecord RecordFunc, opts Options, res *Result) error {
	if len(bytes.TrimSpace(line)) == 0 {
		d.recordLineError(res, lineNo, "blank line", nil)
		return nil
	}
	rec, err := record.ParseLine(line, opts.SourceType, opts.Identity)
	if err != nil {
		d.recordLineError(res, lineNo, err.Error(), line)
		return nil
	}
	if opts.Validator != nil {
		if err := opts.Validator.Validate(rec); err != nil {
			d.recordLineError(res, lineNo, err.Error(), line)
			return nil
		}
	}
	res.ValidLines++
	return onRecord(rec, lineNo)
}

func (d *Decompressor) recordLineError(res *Result, lineNo int64, reason string, line []byte) {
	res.ErrorLines++
	if len(res.LineErrors) < maxLineErrors {
		le := LineError{Line: lineNo, Reason: reason}
		if line != nil {
			le.Snippet = record.Snippet(line)
		}
		res.LineErrors = append(res.LineErrors, le)
	}
}

// skipAhead fast-forwards to the resumption point: by byte offset when the
// checkpoint carries one, otherwise by counting lines.
func (d *Decompressor) skipAhead(br *bufio.Reader, res *Result, opts Options) error {
	if opts.SkipBytes > 0 {
		n, err := io.CopyN(io.Discard, br, opts.SkipBytes)
		res.BytesRead += n
		if err != nil {
			return &DecodeError{Path: res.Path, Position: res.BytesRead, Err: err}
		}
		res.SkippedLines = opts.StartLine
		return nil
	}
	for res.SkippedLines < opts.StartLine {
		_, consumed, _, err := readLine(br, DefaultMaxLineBytes)
		if err != nil && err != io.EOF {
			return &DecodeError{Path: res.Path, Position: res.BytesRead, Err: err}
		}
		if consumed == 0 && err == io.EOF {
			return nil
		}
		res.BytesRead += consumed
		res.SkippedLines++
		if err == io.EOF {
			return nil
		}
	}
	return nil
}

// readLine reads one newline-terminated line, consuming it fully even when
// it exceeds maxBytes. It returns the line without its end-of-line bytes,
// the exact byte count consumed (delimiter included), and whether the line
// was truncated by the cap.
func readLine(br *bufio.Reader, maxBytes int) (line []byte, consumed int64, truncated bool, err error) {
	var buf []byte
	for {
		frag, e := br.ReadSlice('\n')
		consumed += int64(len(frag))
		if !truncated {
			buf = append(buf, frag...)
			if len(buf) > maxBytes {
				truncated = true
				buf = buf[:maxBytes]
			}
		}
		if e == bufio.ErrBufferFull {
			continue
		}
		return trimEOL(buf), consumed, truncated, e
	}
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
