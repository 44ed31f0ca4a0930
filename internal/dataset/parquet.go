package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// columnOrderKey stores the dataset's column order; parquet groups sort fields by name.
const columnOrderKey = "sheetqa.columns"

const rowBatchSize = 512

// EncodeParquet writes a snapshot with one optional string column per dataset
// column. Empty cells are stored as nulls so SQL readers see NULL.
func EncodeParquet(ds *Dataset) ([]byte, error) {
	if len(ds.Columns) == 0 {
		return nil, fmt.Errorf("dataset has no columns")
	}

	group := parquet.Group{}
	for _, col := range ds.Columns {
		group[col.Name] = parquet.Optional(parquet.String())
	}
	schema := parquet.NewSchema("dataset", group)

	leafIndex := make([]int, len(ds.Columns))
	for j, col := range ds.Columns {
		leaf, ok := schema.Lookup(col.Name)
		if !ok {
			return nil, fmt.Errorf("parquet schema is missing column %q", col.Name)
		}
		leafIndex[j] = leaf.ColumnIndex
	}

	order, err := json.Marshal(ds.ColumnNames())
	if err != nil {
		return nil, fmt.Errorf("marshal column order: %w", err)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema, parquet.KeyValueMetadata(columnOrderKey, string(order)))

	total := ds.RowCount()
	batch := make([]parquet.Row, 0, rowBatchSize)
	for i := 0; i < total; i++ {
		row := make(parquet.Row, len(ds.Columns))
		for j, col := range ds.Columns {
			idx := leafIndex[j]
			cell := col.Cells[i]
			if cell == "" {
				row[idx] = parquet.NullValue().Level(0, 0, idx)
				continue
			}
			row[idx] = parquet.ByteArrayValue([]byte(cell)).Level(0, 1, idx)
		}
		batch = append(batch, row)
		if len(batch) == rowBatchSize || i == total-1 {
			if _, err := writer.WriteRows(batch); err != nil {
				return nil, fmt.Errorf("write parquet rows: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeParquet reads a flat parquet file into raw string columns. Files
// written by EncodeParquet keep their original column order; other files use
// schema order.
func DecodeParquet(data []byte, maxRows int) ([]Column, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	leaves := file.Schema().Columns()
	if len(leaves) == 0 {
		return nil, fmt.Errorf("parquet file has no columns")
	}
	names := make([]string, len(leaves))
	for i, path := range leaves {
		names[i] = strings.Join(path, ".")
	}

	cells := make([][]string, len(leaves))
	rowCount := 0
	buf := make([]parquet.Row, rowBatchSize)
	for _, rowGroup := range file.RowGroups() {
		rows := rowGroup.Rows()
		for {
			n, readErr := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				if maxRows > 0 && rowCount >= maxRows {
					_ = rows.Close()
					return nil, fmt.Errorf("%w: more than %d rows", ErrTooLarge, maxRows)
				}
				values := make([]string, len(leaves))
				for _, value := range row {
					if value.IsNull() || value.Column() < 0 || value.Column() >= len(leaves) {
						continue
					}
					values[value.Column()] = valueString(value)
				}
				for j := range leaves {
					cells[j] = append(cells[j], values[j])
				}
				rowCount++
			}
			if errors.Is(readErr, io.EOF) {
				break
			}
			if readErr != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("read parquet rows: %w", readErr)
			}
			if n == 0 {
				break
			}
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("close parquet rows: %w", err)
		}
	}

	order := names
	if raw, ok := file.Lookup(columnOrderKey); ok {
		var stored []string
		if err := json.Unmarshal([]byte(raw), &stored); err == nil && len(stored) == len(names) {
			order = stored
		}
	}

	byName := make(map[string]int, len(names))
	for i, name := range names {
		byName[name] = i
	}
	columns := make([]Column, 0, len(order))
	for _, name := range order {
		idx, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("parquet column order references unknown column %q", name)
		}
		col := cells[idx]
		if col == nil {
			col = []string{}
		}
		columns = append(columns, Column{Name: name, Cells: col})
	}
	return columns, nil
}

func valueString(v parquet.Value) string {
	switch v.Kind() {
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean())
	case parquet.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case parquet.Int64:
		return strconv.FormatInt(v.Int64(), 10)
	case parquet.Float:
		return strconv.FormatFloat(float64(v.Float()), 'g', -1, 32)
	case parquet.Double:
		return strconv.FormatFloat(v.Double(), 'g', -1, 64)
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
