package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// PullEvent is the tagged variant decoded from one line of the upstream pull
// stream: progress, success, or failure.
type PullEvent interface {
	pullEvent()
}

// PullProgress reports downloaded bytes and the current phase label.
// Byte counters are BytesUnknown when the record did not carry them.
type PullProgress struct {
	Phase      string
	BytesDone  int64
	BytesTotal int64
}

// PullSuccess is the upstream's terminal success signal.
type PullSuccess struct{}

// PullFailure is the upstream's explicit error event.
type PullFailure struct {
	Message string
}

func (PullProgress) pullEvent() {}
func (PullSuccess) pullEvent()  {}
func (PullFailure) pullEvent()  {}

// pullRecord mirrors one NDJSON record of the Ollama pull stream.
// Byte counters stay raw so a non-numeric value degrades to "unknown"
// instead of rejecting the whole record.
type pullRecord struct {
	Status    string          `json:"status"`
	Error     string          `json:"error"`
	Total     json.RawMessage `json:"total"`
	Done      json.RawMessage `json:"done"`
	Completed json.RawMessage `json:"completed"`
}

// DecodePullRecord maps one raw stream line to a PullEvent. Blank lines
// decode to (nil, nil). A malformed line returns an error the caller should
// log and skip; it is never fatal to the stream.
func DecodePullRecord(line []byte) (PullEvent, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var rec pullRecord
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, fmt.Errorf("malformed pull record: %w", err)
	}

	if rec.Error != "" {
		return PullFailure{Message: rec.Error}, nil
	}
	if strings.EqualFold(rec.Status, "success") {
		return PullSuccess{}, nil
	}

	ev := PullProgress{
		Phase:      rec.Status,
		BytesDone:  parseByteCount(rec.Done),
		BytesTotal: parseByteCount(rec.Total),
	}
	// Ollama reports downloaded bytes as "completed"; older tooling says "done".
	if ev.BytesDone == BytesUnknown {
		ev.BytesDone = parseByteCount(rec.Completed)
	}
	return ev, nil
}

func parseByteCount(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return BytesUnknown
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil || n < 0 {
		return BytesUnknown
	}
	return n
}
