package sink

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/baldanca/hog-ingestor/encoder"
	"github.com/baldanca/hog-ingestor/record"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// KeyFunc names the object for a batch written at t.
type KeyFunc func(t time.Time, ext string) string

// DefaultKeyFunc partitions objects by UTC hour and suffixes a random token so
// two writers never collide on the same key.
func DefaultKeyFunc(t time.Time, ext string) string {
	t = t.UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%02d/%d-%s%s",
		t.Year(), t.Month(), t.Day(), t.Hour(), t.UnixNano(), randomHex(8), ext)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"[:2*n]
	}
	return hex.EncodeToString(b)
}

// SinkS3 archives each batch as one parquet object.
type SinkS3 struct {
	client  s3API
	bucket  *string
	prefix  string
	enc     encoder.Encoder[encoder.HogRow]
	keyFunc KeyFunc
	now     func() time.Time
}

// NewS3 panics on a nil client, an empty bucket or an unknown compression.
func NewS3(client s3API, bucket, prefix, compression string) *SinkS3 {
	switch {
	case client == nil:
		panic("s3 client is required")
	case strings.TrimSpace(bucket) == "":
		panic("s3 bucket is required")
	case !encoder.ValidCompression(compression):
		panic(fmt.Sprintf("unsupported parquet compression %q", compression))
	}
	return &SinkS3{
		client:  client,
		bucket:  aws.String(bucket),
		prefix:  strings.Trim(prefix, "/"),
		enc:     encoder.ParquetEncoder[encoder.HogRow]{Compression: compression},
		keyFunc: DefaultKeyFunc,
		now:     time.Now,
	}
}

// InsertMany encodes hogs into a single parquet object. A retried batch lands
// under a fresh key, so the archive is at-least-once.
func (s *SinkS3) InsertMany(ctx context.Context, hogs []record.Hog) error {
	if len(hogs) == 0 {
		return nil
	}
	rows, err := encoder.HogRows(hogs)
	if err != nil {
		return fmt.Errorf("flatten hogs: %w", err)
	}
	body, err := s.enc.Encode(ctx, rows)
	if err != nil {
		return err
	}
	return s.Write(ctx, WriteRequest{
		Key:         s.keyFunc(s.now(), s.enc.FileExtension()),
		Data:        body,
		ContentType: s.enc.ContentType(),
		Metadata:    map[string]string{"hog-count": strconv.Itoa(len(hogs))},
	})
}

// Write puts req under the sink prefix. The key is used as given apart from
// leading slashes.
func (s *SinkS3) Write(ctx context.Context, req WriteRequest) error {
	key := strings.TrimLeft(req.Key, "/")
	if key == "" {
		return errors.New("s3 object key is empty")
	}
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}

	in := &s3.PutObjectInput{
		Bucket:        s.bucket,
		Key:           aws.String(key),
		Body:          bytes.NewReader(req.Data),
		ContentLength: aws.Int64(int64(len(req.Data))),
		Metadata:      req.Metadata,
	}
	if req.ContentType != "" {
		in.ContentType = aws.String(req.ContentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", aws.ToString(s.bucket), key, err)
	}
	return nil
}
