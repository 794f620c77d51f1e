package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Format is an export encoding
type Format string

const (
	FormatNDJSON Format = "ndjson"
	FormatCSV    Format = "csv"
)

// ParseFormat accepts "ndjson" (default when empty) or "csv"
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ndjson", "jsonl":
		return FormatNDJSON, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: unsupported export format %q", ErrInvalidFilter, s)
}

// ContentType returns the HTTP media type for f
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/x-ndjson"
}

// Encoder streams entries to a writer
type Encoder interface {
	Encode(e Entry) error
	// Close flushes buffered output
	Close() error
}

// NewEncoder returns an encoder for f
func NewEncoder(f Format, w io.Writer) (Encoder, error) {
	switch f {
	case FormatNDJSON:
		return &ndjsonEncoder{enc: json.NewEncoder(w)}, nil
	case FormatCSV:
		return newCSVEncoder(w), nil
	}
	return nil, fmt.Errorf("%w: unsupported export format %q", ErrInvalidFilter, f)
}

type ndjsonEncoder struct {
	enc *json.Encoder
}

func (n *ndjsonEncoder) Encode(e Entry) error {
	if err := n.enc.Encode(e); err != nil {
		return fmt.Errorf("failed to encode entry %s: %w", e.EventID, err)
	}
	return nil
}

func (n *ndjsonEncoder) Close() error { return nil }

var csvHeader = []string{
	"EventID",
	"Sequence",
	"Timestamp",
	"ActorType",
	"ActorID",
	"Action",
	"Category",
	"Severity",
	"TargetType",
	"TargetID",
	"TenantID",
	"ProtectedData",
	"ProtectedCategories",
	"Outcome",
	"OutcomeReason",
	"RefersTo",
	"Before",
	"After",
	"Metadata",
}

type csvEncoder struct {
	w           *csv.Writer
	wroteHeader bool
}

func newCSVEncoder(w io.Writer) *csvEncoder {
	return &csvEncoder{w: csv.NewWriter(w)}
}

func (c *csvEncoder) Encode(e Entry) error {
	if !c.wroteHeader {
		if err := c.w.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
		c.wroteHeader = true
	}

	row := []string{
		e.EventID,
		strconv.FormatInt(e.Sequence, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ActorType,
		e.ActorID,
		e.Action,
		string(e.Category),
		string(e.Severity),
		e.Target.Type,
		e.Target.ID,
		e.TenantID,
		strconv.FormatBool(e.ProtectedData),
		strings.Join(e.ProtectedCategories, ";"),
		string(e.Outcome),
		e.OutcomeReason,
		e.RefersTo,
		jsonCell(e.Before),
		jsonCell(e.After),
		jsonCell(e.Metadata),
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %w", err)
	}
	return nil
}

func (c *csvEncoder) Close() error {
	if !c.wroteHeader {
		if err := c.w.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

func jsonCell[T any](v map[string]T) string {
	if len(v) == 0 {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
