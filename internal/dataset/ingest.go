package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

type IngestOptions struct {
	MaxBytes int64
	MaxRows  int
}

func DefaultIngestOptions() IngestOptions {
	return IngestOptions{MaxBytes: 64 << 20, MaxRows: 1_000_000}
}

var ErrTooLarge = errors.New("dataset exceeds ingest limits")

// Ingest parses an upload into column storage. It does not assign identity;
// callers fill ID, OwnerID, Name and CreatedAt.
func Ingest(r io.Reader, format Format, opts IngestOptions) (Dataset, error) {
	if opts.MaxBytes <= 0 || opts.MaxRows <= 0 {
		defaults := DefaultIngestOptions()
		if opts.MaxBytes <= 0 {
			opts.MaxBytes = defaults.MaxBytes
		}
		if opts.MaxRows <= 0 {
			opts.MaxRows = defaults.MaxRows
		}
	}

	data, err := io.ReadAll(io.LimitReader(r, opts.MaxBytes+1))
	if err != nil {
		return Dataset{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > opts.MaxBytes {
		return Dataset{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, opts.MaxBytes)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Dataset{}, fmt.Errorf("upload is empty")
	}

	var columns []Column
	switch format {
	case FormatCSV:
		columns, err = readDelimited(data, ',', opts.MaxRows)
	case FormatTSV:
		columns, err = readDelimited(data, '\t', opts.MaxRows)
	case FormatParquet:
		columns, err = DecodeParquet(data, opts.MaxRows)
	default:
		return Dataset{}, fmt.Errorf("unsupported dataset format %q", format)
	}
	if err != nil {
		return Dataset{}, err
	}
	if len(columns) == 0 {
		return Dataset{}, fmt.Errorf("dataset has no columns")
	}
	return Dataset{Format: format, Columns: columns}, nil
}

func readDelimited(data []byte, comma rune, maxRows int) ([]Column, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header row: %w", err)
	}

	rows := make([][]string, 0, 256)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(rows)+2, err)
		}
		if len(rows) >= maxRows {
			return nil, fmt.Errorf("%w: more than %d rows", ErrTooLarge, maxRows)
		}
		rows = append(rows, record)
	}
	return FromRows(header, rows), nil
}
