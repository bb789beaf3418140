package decompress

import (
	"compress/gzip"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Codec identifies the compression format of an archive file.
type Codec string

const (
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
	CodecNone Codec = "none"
)

// DetectCodec picks the codec from the file extension. Unknown extensions
// are treated as uncompressed NDJSON.
func DetectCodec(path string) Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return CodecGzip
	case ".zst", ".zstd":
		return CodecZstd
	default:
		return CodecNone
	}
}

// openCodec wraps the raw file reader in the codec's decompression filter.
// The returned closer releases codec state only, not the underlying file.
func openCodec(r io.Reader, codec Codec) (io.Reader, func() error, error) {
	switch codec {
	case CodecGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gz, gz.Close, nil
	case CodecZstd:
		// Single-goroutine decode keeps memory bounded and output strictly
		// ordered for position tracking.
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, err
		}
		return dec, func() error { dec.Close(); return nil }, nil
	default:
		return r, func() error { return nil }, nil
	}
}
