package orchestrate

import (
	"bytes"
	"encoding/json"
	"time"
)

// utcMinus3 is the fixed offset used to render start_timestamp, per spec
// §3.1 "ISO-8601 in UTC−3" / §6.5.
var utcMinus3 = time.FixedZone("UTC-3", -3*60*60)

// ErrorDetails carries the classification and diagnostic detail for a
// failed Outcome, per spec §3.1 "error_details (kind + full message +
// stack)".
type ErrorDetails struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// Outcome is the canonical per-request result record, per spec §3.1. Field
// order is fixed (ID, StartTimestamp, Success, ...) so that MarshalJSON
// presents a stable column order for row-wise consumers, per spec §4.2
// "Result field ordering".
type Outcome struct {
	ID              string
	StartTimestamp  time.Time
	Success         bool
	Content         string
	ParsedContent   any
	InputTokens     int
	OutputTokens    int
	CachedTokens    int
	TotalTokens     int
	Cost            float64
	Error           string
	ErrorDetails    *ErrorDetails
	APIResponseTime float64
	Attempts        int
}

// MarshalJSON fixes the key order to match the field declaration order
// above, so JSON consumers that read rows positionally (e.g. flattening
// to CSV) see a stable column layout regardless of map iteration order.
func (o Outcome) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeField := func(first bool, key string, value any) error {
		if !first {
			buf.WriteByte(',')
		}
		enc, err := json.Marshal(value)
		if err != nil {
			return err
		}
		buf.WriteByte('"')
		buf.WriteString(key)
		buf.WriteString(`":`)
		buf.Write(enc)
		return nil
	}

	fields := []struct {
		key   string
		value any
	}{
		{"id", o.ID},
		{"start_timestamp", o.StartTimestamp.In(utcMinus3).Format("2006-01-02T15:04:05-07:00")},
		{"success", o.Success},
		{"content", o.Content},
		{"parsed_content", o.ParsedContent},
		{"input_tokens", o.InputTokens},
		{"output_tokens", o.OutputTokens},
		{"cached_tokens", o.CachedTokens},
		{"total_tokens", o.TotalTokens},
		{"cost", o.Cost},
		{"error", o.Error},
		{"error_details", o.ErrorDetails},
		{"api_response_time", o.APIResponseTime},
		{"attempts", o.Attempts},
	}
	for i, f := range fields {
		if err := writeField(i == 0, f.key, f.value); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
