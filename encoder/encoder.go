package encoder

import "context"

// Encoder turns a batch of rows into one object body. The sink that owns an
// Encoder uses FileExtension and ContentType to name and label the object.
type Encoder[T any] interface {
	Encode(ctx context.Context, rows []T) ([]byte, error)
	FileExtension() string
	ContentType() string
}

var _ Encoder[HogRow] = ParquetEncoder[HogRow]{}
