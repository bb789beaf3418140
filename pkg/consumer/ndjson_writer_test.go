package consumer

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tideline/pkg/merge"
	"github.com/tidemark-io/tideline/pkg/pipeline"
)

func readNDJSONLines(t *testing.T, path string) []merge.ExtractionItem {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var r io.Reader = file
	switch filepath.Ext(path) {
	case ".gz":
		gz, err := gzip.NewReader(file)
		require.NoError(t, err)
		defer gz.Close()
		r = gz
	case ".zst":
		dec, err := zstd.NewReader(file)
		require.NoError(t, err)
		defer dec.Close()
		r = dec
	}

	var items []merge.ExtractionItem
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var item merge.ExtractionItem
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &item))
		items = append(items, item)
	}
	require.NoError(t, scanner.Err())
	return items
}

func TestNDJSONWriterPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ndjson")
	w, err := NewNDJSONWriter(map[string]any{"path": path}, nil)
	require.NoError(t, err)

	mb := newMergedBatch(t, 2)
	require.NoError(t, w.Process(context.Background(), pipeline.Message{Payload: mb}))
	assert.Equal(t, int64(2), w.Lines())
	require.NoError(t, w.Close())

	items := readNDJSONLines(t, path)
	require.Len(t, items, 2)
	assert.Equal(t, mb.Items[0].Identifier.ID, items[0].ID)
	assert.Equal(t, mb.Items[0].TimestampSec, items[0].TimestampSec)
}

func TestNDJSONWriterGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ndjson.gz")
	w, err := NewNDJSONWriter(map[string]any{"path": path}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Process(context.Background(), pipeline.Message{Payload: newMergedBatch(t, 3)}))
	require.NoError(t, w.Close())

	assert.Len(t, readNDJSONLines(t, path), 3)
}

func TestNDJSONWriterZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ndjson.zst")
	w, err := NewNDJSONWriter(map[string]any{"path": path}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Process(context.Background(), pipeline.Message{Payload: newMergedBatch(t, 3)}))
	require.NoError(t, w.Close())

	assert.Len(t, readNDJSONLines(t, path), 3)
}

func TestNDJSONWriterAtomicFinalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ndjson")
	w, err := NewNDJSONWriter(map[string]any{"path": path}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Process(context.Background(), pipeline.Message{Payload: newMergedBatch(t, 1)}))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "final path must not exist before Close")
	_, err = os.Stat(path + ".tmp")
	assert.NoError(t, err)

	require.NoError(t, w.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be gone after Close")
}

func TestNDJSONWriterClosedRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ndjson")
	w, err := NewNDJSONWriter(map[string]any{"path": path}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "double close is a no-op")

	err = w.Process(context.Background(), pipeline.Message{Payload: newMergedBatch(t, 1)})
	assert.Error(t, err)
}

func TestNDJSONWriterRequiresPath(t *testing.T) {
	_, err := NewNDJSONWriter(map[string]any{}, nil)
	assert.Error(t, err)
}

func TestNDJSONWriterRejectsUnknownPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ndjson")
	w, err := NewNDJSONWriter(map[string]any{"path": path}, nil)
	require.NoError(t, err)
	defer w.Close()

	err = w.Process(context.Background(), pipeline.Message{Payload: "nope"})
	assert.Error(t, err)
}
