package encoder

import (
	"encoding/json"

	"github.com/baldanca/hog-ingestor/record"
)

// HogRow is the flat columnar layout of a record. Timestamps are Unix
// milliseconds; log_data is kept as its JSON text.
type HogRow struct {
	HogUUID        string `parquet:"hog_uuid"`
	HogTimestampMs int64  `parquet:"hog_timestamp_ms"`
	CreatedAtMs    int64  `parquet:"created_at_ms"`
	LogTimestampMs int64  `parquet:"log_timestamp_ms"`
	LogLevel       string `parquet:"log_level"`
	LogMessage     string `parquet:"log_message"`
	LogData        string `parquet:"log_data"`
	LogType        string `parquet:"log_type"`
	LogSource      string `parquet:"log_source"`
	LogSourceID    string `parquet:"log_source_id"`
}

// HogRows flattens records for columnar encoding.
func HogRows(hogs []record.Hog) ([]HogRow, error) {
	rows := make([]HogRow, len(hogs))
	for i := range hogs {
		h := &hogs[i]
		row := HogRow{
			HogUUID:        h.HogUUID,
			HogTimestampMs: h.HogTimestamp.UnixMilli(),
			LogTimestampMs: h.LogTimestamp.UnixMilli(),
			LogLevel:       h.LogLevel,
			LogMessage:     h.LogMessage,
			LogType:        h.LogType,
			LogSource:      h.LogSource,
			LogSourceID:    h.LogSourceID,
		}
		if h.CreatedAt != nil {
			row.CreatedAtMs = h.CreatedAt.UnixMilli()
		}
		if h.LogData != nil {
			b, err := json.Marshal(h.LogData)
			if err != nil {
				return nil, err
			}
			row.LogData = string(b)
		}
		rows[i] = row
	}
	return rows, nil
}
