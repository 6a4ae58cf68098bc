package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/baldanca/hog-ingestor/record"
)

func readAllParquet[T any](t testing.TB, b []byte) ([]T, error) {
	t.Helper()

	r := parquet.NewGenericReader[T](bytes.NewReader(b))
	defer r.Close()

	const batchSize = 256
	buf := make([]T, batchSize)

	out := make([]T, 0, batchSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
	}

	return out, nil
}

func testHogs(n int) []record.Hog {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	created := base.Add(time.Minute)
	hogs := make([]record.Hog, n)
	for i := range hogs {
		hogs[i] = record.Hog{
			Entry: record.Entry{
				LogTimestamp: base.Add(time.Duration(i) * time.Second),
				LogLevel:     "info",
				LogMessage:   fmt.Sprintf("message %d", i),
				LogData:      map[string]any{"n": i},
				LogSource:    "api",
			},
			HogUUID:      fmt.Sprintf("00000000-0000-4000-8000-%012d", i),
			HogTimestamp: base,
			CreatedAt:    &created,
		}
	}
	return hogs
}

func TestParquetEncoder_Metadata(t *testing.T) {
	e := ParquetEncoder[HogRow]{}
	if got := e.FileExtension(); got != ".parquet" {
		t.Fatalf("FileExtension() = %q; want %q", got, ".parquet")
	}
	if got := e.ContentType(); got != "application/vnd.apache.parquet" {
		t.Fatalf("ContentType() = %q", got)
	}
}

func TestParquetEncoder_UnsupportedCompression(t *testing.T) {
	e := ParquetEncoder[HogRow]{Compression: "brotli"}
	if _, err := e.Encode(context.Background(), []HogRow{{HogUUID: "x"}}); err == nil {
		t.Fatal("expected error, got nil")
	}
	if ValidCompression("brotli") || !ValidCompression(CompressionZstd) {
		t.Fatal("ValidCompression disagrees with Encode")
	}
}

func TestParquetEncoder_ContextCanceledBefore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := ParquetEncoder[HogRow]{}
	_, err := e.Encode(ctx, []HogRow{{HogUUID: "x"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParquetEncoder_HogRowsRoundTrip(t *testing.T) {
	for _, compression := range []string{CompressionNone, CompressionSnappy, CompressionZstd} {
		t.Run("compression="+compression, func(t *testing.T) {
			hogs := testHogs(3)
			rows, err := HogRows(hogs)
			if err != nil {
				t.Fatalf("HogRows: %v", err)
			}

			data, err := ParquetEncoder[HogRow]{Compression: compression}.Encode(context.Background(), rows)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}

			got, err := readAllParquet[HogRow](t, data)
			if err != nil {
				t.Fatalf("read parquet error: %v", err)
			}
			if len(got) != len(rows) {
				t.Fatalf("expected %d rows back, got %d", len(rows), len(got))
			}
			for i := range rows {
				if got[i] != rows[i] {
					t.Fatalf("row %d mismatch: got=%+v want=%+v", i, got[i], rows[i])
				}
			}
		})
	}
}

func TestHogRows_FlattensFields(t *testing.T) {
	hogs := testHogs(1)
	rows, err := HogRows(hogs)
	if err != nil {
		t.Fatalf("HogRows: %v", err)
	}
	r := rows[0]
	if r.LogData != `{"n":0}` {
		t.Fatalf("log_data=%q", r.LogData)
	}
	if r.CreatedAtMs != hogs[0].CreatedAt.UnixMilli() || r.LogTimestampMs != hogs[0].LogTimestamp.UnixMilli() {
		t.Fatalf("timestamps not flattened: %+v", r)
	}

	hogs[0].CreatedAt = nil
	hogs[0].LogData = nil
	rows, _ = HogRows(hogs)
	if rows[0].CreatedAtMs != 0 || rows[0].LogData != "" {
		t.Fatalf("unset fields must stay zero: %+v", rows[0])
	}
}

func BenchmarkParquetEncoder_Snappy(b *testing.B) {
	for _, n := range []int{10, 1_000} {
		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			rows, _ := HogRows(testHogs(n))
			enc := ParquetEncoder[HogRow]{Compression: CompressionSnappy}
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if _, err := enc.Encode(ctx, rows); err != nil {
					b.Fatalf("Encode error: %v", err)
				}
			}
		})
	}
}
