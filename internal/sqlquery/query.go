// Package sqlquery runs read-only SQL against a dataset snapshot. It is a
// console for checking answers by hand and never touches query history.
package sqlquery

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ViewName is the relation the snapshot is exposed as.
const ViewName = "dataset"

var ErrNotReadOnly = errors.New("only a single SELECT or WITH statement is allowed")

type Snapshot struct {
	DatasetID  string
	ObjectPath string
	SizeBytes  int64
}

type Request struct {
	SQL      string
	RowLimit int
	Snapshot Snapshot
}

type Result struct {
	Columns      []string
	Rows         [][]any
	Truncated    bool
	ScannedBytes int64
	Duration     time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

// Normalize strips trailing semicolons and checks that sqlText is one
// SELECT or WITH statement. A semicolon anywhere else is rejected, including
// inside string literals.
func Normalize(sqlText string) (string, error) {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	if trimmed == "" {
		return "", errors.New("sql is required")
	}
	if strings.Contains(trimmed, ";") {
		return "", ErrNotReadOnly
	}
	head := strings.TrimLeft(trimmed, "( \t\r\n")
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return "", ErrNotReadOnly
	}
	switch strings.ToLower(fields[0]) {
	case "select", "with":
		return trimmed, nil
	default:
		return "", ErrNotReadOnly
	}
}
