package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sheetqa/sheetqa/internal/ledger"
)

// Ledger persists query records in the query_record table. Rows are only
// ever inserted.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Record(ctx context.Context, rec ledger.QueryRecord) (ledger.QueryRecord, error) {
	if rec.UserID == "" || rec.DatasetID == "" {
		return ledger.QueryRecord{}, fmt.Errorf("record query: user and dataset are required")
	}
	planJSON, err := json.Marshal(rec.Plan)
	if err != nil {
		return ledger.QueryRecord{}, fmt.Errorf("encode plan: %w", err)
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return ledger.QueryRecord{}, fmt.Errorf("encode result: %w", err)
	}

	query := `
INSERT INTO query_record (record_id, user_id, dataset_id, question, plan_json, plan_text, result_json, summary, provider, model, execution_time_ms, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7::jsonb, $8, $9, $10, $11, $12)
RETURNING sequence`
	if err := l.db.QueryRowContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.DatasetID,
		rec.Question,
		string(planJSON),
		rec.PlanText,
		string(resultJSON),
		rec.Summary,
		rec.Provider,
		rec.Model,
		rec.ExecutionTimeMs,
		rec.CreatedAt,
	).Scan(&rec.Sequence); err != nil {
		return ledger.QueryRecord{}, fmt.Errorf("insert query record: %w", err)
	}
	return rec, nil
}

func (l *Ledger) List(ctx context.Context, filter ledger.Filter) ([]ledger.QueryRecord, error) {
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT record_id, sequence, user_id, dataset_id, question, plan_json, plan_text, result_json, summary, provider, model, execution_time_ms, created_at
FROM query_record
WHERE user_id = $1 AND ($2 = '' OR dataset_id = $2)
ORDER BY created_at DESC, sequence DESC
LIMIT $3`, filter.UserID, filter.DatasetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]ledger.QueryRecord, 0)
	for rows.Next() {
		var (
			rec        ledger.QueryRecord
			planJSON   []byte
			resultJSON []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Sequence,
			&rec.UserID,
			&rec.DatasetID,
			&rec.Question,
			&planJSON,
			&rec.PlanText,
			&resultJSON,
			&rec.Summary,
			&rec.Provider,
			&rec.Model,
			&rec.ExecutionTimeMs,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan query record: %w", err)
		}
		if err := json.Unmarshal(planJSON, &rec.Plan); err != nil {
			return nil, fmt.Errorf("decode plan of record %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal(resultJSON, &rec.Result); err != nil {
			return nil, fmt.Errorf("decode result of record %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query records: %w", err)
	}
	return records, nil
}
