package orchestrate

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOutcomeMarshalJSONFixedFieldOrder(t *testing.T) {
	o := Outcome{
		ID:             "req_1",
		StartTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Success:        true,
		Content:        "hello",
		InputTokens:    10,
		OutputTokens:   5,
		CachedTokens:   0,
		TotalTokens:    15,
		Cost:           0.01,
		APIResponseTime: 0.5,
		Attempts:        1,
	}

	raw, err := json.Marshal(o)
	require.NoError(t, err)

	wantOrder := []string{
		"id", "start_timestamp", "success", "content", "parsed_content",
		"input_tokens", "output_tokens", "cached_tokens", "total_tokens",
		"cost", "error", "error_details", "api_response_time", "attempts",
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	tok, err := dec.Token()
	require.NoError(t, err)
	require.Equal(t, json.Delim('{'), tok)

	var gotOrder []string
	for dec.More() {
		keyTok, err := dec.Token()
		require.NoError(t, err)
		gotOrder = append(gotOrder, keyTok.(string))

		var discard json.RawMessage
		require.NoError(t, dec.Decode(&discard))
	}

	require.Equal(t, wantOrder, gotOrder)
}

func TestOutcomeMarshalJSONRoundTripsValues(t *testing.T) {
	o := Outcome{
		ID:      "req_2",
		Success: false,
		Error:   "boom",
		ErrorDetails: &ErrorDetails{
			Kind:    "RetryError",
			Message: "boom",
		},
		Attempts: 3,
	}

	raw, err := json.Marshal(o)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "req_2", decoded["id"])
	require.Equal(t, false, decoded["success"])
	require.Equal(t, "boom", decoded["error"])
	require.Equal(t, float64(3), decoded["attempts"])

	details, ok := decoded["error_details"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "RetryError", details["kind"])
}
