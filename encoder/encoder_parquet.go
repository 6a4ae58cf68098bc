package encoder

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

const (
	CompressionNone   = ""
	CompressionSnappy = "snappy"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
)

var codecs = map[string]parquet.WriterOption{
	CompressionSnappy: parquet.Compression(&parquet.Snappy),
	CompressionGzip:   parquet.Compression(&parquet.Gzip),
	CompressionZstd:   parquet.Compression(&parquet.Zstd),
}

// ValidCompression reports whether c names a supported codec. The empty
// string means uncompressed pages.
func ValidCompression(c string) bool {
	if c == CompressionNone {
		return true
	}
	_, ok := codecs[c]
	return ok
}

// ParquetEncoder writes rows as a single parquet file with one row group.
type ParquetEncoder[T any] struct {
	Compression string
}

func (ParquetEncoder[T]) FileExtension() string { return ".parquet" }
func (ParquetEncoder[T]) ContentType() string   { return "application/vnd.apache.parquet" }

func (e ParquetEncoder[T]) Encode(ctx context.Context, rows []T) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidCompression(e.Compression) {
		return nil, fmt.Errorf("encoder: unsupported parquet compression %q", e.Compression)
	}

	var opts []parquet.WriterOption
	if opt, ok := codecs[e.Compression]; ok {
		opts = append(opts, opt)
	}

	var buf bytes.Buffer
	pw := parquet.NewGenericWriter[T](&buf, opts...)
	if _, err := pw.Write(rows); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("encoder: write %d rows: %w", len(rows), err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("encoder: close parquet writer: %w", err)
	}
	return buf.Bytes(), ctx.Err()
}
