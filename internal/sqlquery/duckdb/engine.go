// Package duckdb executes console SQL with an in-process DuckDB over a local
// copy of the dataset's parquet snapshot.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/sheetqa/sheetqa/internal/sqlquery"
	"github.com/sheetqa/sheetqa/internal/storage"
)

const DefaultRowLimit = 1000

type Engine struct {
	Store storage.ObjectStore
}

func NewEngine(store storage.ObjectStore) *Engine {
	return &Engine{Store: store}
}

func (e *Engine) Execute(ctx context.Context, request sqlquery.Request) (sqlquery.Result, error) {
	sqlText, err := sqlquery.Normalize(request.SQL)
	if err != nil {
		return sqlquery.Result{}, err
	}
	if request.Snapshot.ObjectPath == "" {
		return sqlquery.Result{}, fmt.Errorf("dataset snapshot path is required")
	}
	if e.Store == nil {
		return sqlquery.Result{}, fmt.Errorf("object store is required")
	}
	rowLimit := request.RowLimit
	if rowLimit <= 0 {
		rowLimit = DefaultRowLimit
	}

	start := time.Now()
	workDir, err := os.MkdirTemp("", "sheetqa-sql-")
	if err != nil {
		return sqlquery.Result{}, fmt.Errorf("create query temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	reader, err := e.Store.Get(ctx, request.Snapshot.ObjectPath)
	if err != nil {
		return sqlquery.Result{}, fmt.Errorf("get snapshot %q: %w", request.Snapshot.ObjectPath, err)
	}
	localPath := filepath.Join(workDir, "dataset.parquet")
	if err := writeFile(localPath, reader); err != nil {
		_ = reader.Close()
		return sqlquery.Result{}, fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	if err := reader.Close(); err != nil {
		return sqlquery.Result{}, fmt.Errorf("close snapshot %q: %w", request.Snapshot.ObjectPath, err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return sqlquery.Result{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()
	// One connection so the session settings below apply to the user query.
	db.SetMaxOpenConns(1)

	setup := []string{
		fmt.Sprintf(`CREATE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(sqlquery.ViewName), quoteString(localPath)),
		fmt.Sprintf(`SET allowed_directories = [%s]`, quoteString(workDir)),
		`SET enable_external_access = false`,
		`SET lock_configuration = true`,
	}
	for _, stmt := range setup {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return sqlquery.Result{}, fmt.Errorf("prepare dataset view: %w", err)
		}
	}

	limited := fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, rowLimit+1)
	rows, err := db.QueryContext(ctx, limited)
	if err != nil {
		return sqlquery.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return sqlquery.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if len(resultRows) == rowLimit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return sqlquery.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return sqlquery.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return sqlquery.Result{
		Columns:      columns,
		Rows:         resultRows,
		Truncated:    truncated,
		ScannedBytes: request.Snapshot.SizeBytes,
		Duration:     time.Since(start),
	}, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed.UTC().Format(time.RFC3339Nano)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func writeFile(path string, reader io.Reader) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
