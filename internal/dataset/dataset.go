// Package dataset holds ingested tabular data. A Dataset is immutable once
// built; concurrent readers share it without locking.
package dataset

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Format string

const (
	FormatCSV     Format = "csv"
	FormatTSV     Format = "tsv"
	FormatParquet Format = "parquet"
)

func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "."))) {
	case FormatCSV, "":
		return FormatCSV, nil
	case FormatTSV, "tab":
		return FormatTSV, nil
	case FormatParquet, "pq":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported dataset format %q", raw)
	}
}

type Column struct {
	Name  string
	Cells []string
}

type Dataset struct {
	ID        string
	OwnerID   string
	Name      string
	Format    Format
	Columns   []Column
	CreatedAt time.Time
}

func NewID() string {
	return uuid.NewString()
}

func (d *Dataset) RowCount() int {
	if len(d.Columns) == 0 {
		return 0
	}
	return len(d.Columns[0].Cells)
}

func (d *Dataset) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, col := range d.Columns {
		names[i] = col.Name
	}
	return names
}

func (d *Dataset) Column(name string) (Column, bool) {
	for _, col := range d.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// Preview returns up to n leading rows in column order. It is for display only.
func (d *Dataset) Preview(n int) [][]string {
	rows := d.RowCount()
	if n < 0 || n > rows {
		n = rows
	}
	preview := make([][]string, n)
	for i := 0; i < n; i++ {
		row := make([]string, len(d.Columns))
		for j, col := range d.Columns {
			row[j] = col.Cells[i]
		}
		preview[i] = row
	}
	return preview
}

// FromRows builds column storage from a header and row-major cells. Short rows
// are padded with empty cells and blank or repeated header names are made
// unique. Non-blank cells past the header become extra columns named like
// blank headers; blank ones, such as a trailing delimiter, are dropped.
func FromRows(header []string, rows [][]string) []Column {
	width := len(header)
	for _, row := range rows {
		for j := len(row) - 1; j >= width; j-- {
			if strings.TrimSpace(row[j]) != "" {
				width = j + 1
				break
			}
		}
	}
	if width > len(header) {
		header = append(append(make([]string, 0, width), header...), make([]string, width-len(header))...)
	}
	names := uniqueNames(header)
	columns := make([]Column, len(names))
	for j, name := range names {
		cells := make([]string, len(rows))
		for i, row := range rows {
			if j < len(row) {
				cells[i] = row[j]
			}
		}
		columns[j] = Column{Name: name, Cells: cells}
	}
	return columns
}

func uniqueNames(header []string) []string {
	used := make(map[string]bool, len(header))
	names := make([]string, len(header))
	for i, raw := range header {
		name := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		candidate := name
		for n := 2; used[candidate]; n++ {
			candidate = fmt.Sprintf("%s_%d", name, n)
		}
		used[candidate] = true
		names[i] = candidate
	}
	return names
}
