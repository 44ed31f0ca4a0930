package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-process ledger for tests and single-node runs without Postgres.
type Memory struct {
	mu      sync.RWMutex
	seq     int64
	records []QueryRecord
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(ctx context.Context, rec QueryRecord) (QueryRecord, error) {
	if err := ctx.Err(); err != nil {
		return QueryRecord{}, err
	}
	if strings.TrimSpace(rec.UserID) == "" || strings.TrimSpace(rec.DatasetID) == "" {
		return QueryRecord{}, fmt.Errorf("query record needs a user and a dataset")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	rec.Sequence = m.seq
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *Memory) List(ctx context.Context, filter Filter) ([]QueryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]QueryRecord, 0, len(m.records))
	for _, rec := range m.records {
		if rec.UserID != filter.UserID {
			continue
		}
		if filter.DatasetID != "" && rec.DatasetID != filter.DatasetID {
			continue
		}
		out = append(out, rec)
	}
	m.mu.RUnlock()

	SortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
