// Package ledger is the durable, append-only history of completed questions.
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/sheetqa/sheetqa/internal/executor"
	"github.com/sheetqa/sheetqa/internal/plan"
)

// QueryRecord is immutable once created. It is written to the ledger and
// copied into the live session at the same moment.
type QueryRecord struct {
	ID              string          `json:"id"`
	Sequence        int64           `json:"sequence"`
	UserID          string          `json:"user_id"`
	DatasetID       string          `json:"dataset_id"`
	Question        string          `json:"question"`
	Plan            plan.Plan       `json:"plan"`
	PlanText        string          `json:"plan_text"`
	Result          executor.Result `json:"result"`
	Summary         string          `json:"summary"`
	Provider        string          `json:"provider,omitempty"`
	Model           string          `json:"model,omitempty"`
	ExecutionTimeMs float64         `json:"execution_time_ms"`
	CreatedAt       time.Time       `json:"created_at"`
}

type Filter struct {
	UserID string
	// DatasetID narrows the listing to one dataset when set.
	DatasetID string
	// Limit caps the number of records; 0 means no cap.
	Limit int
}

type Ledger interface {
	// Record appends rec and returns it with its assigned sequence number.
	Record(ctx context.Context, rec QueryRecord) (QueryRecord, error)
	// List returns matching records most recent first.
	List(ctx context.Context, filter Filter) ([]QueryRecord, error)
}

// SortNewestFirst orders by creation time, breaking ties by sequence.
func SortNewestFirst(records []QueryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].Sequence > records[j].Sequence
	})
}
