package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Repository used by tests and by the dev profile
// when no catalog DSN is configured.
type Memory struct {
	mu          sync.RWMutex
	now         func() time.Time
	datasets    map[string]DatasetMeta
	credentials map[string]Credential
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, datasets: map[string]DatasetMeta{}, credentials: map[string]Credential{}}
}

func (m *Memory) HealthCheck(context.Context) error { return nil }

func (m *Memory) CreateDataset(_ context.Context, in CreateDatasetInput) (DatasetMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.datasets[in.DatasetID]; exists {
		return DatasetMeta{}, fmt.Errorf("create dataset: %s already exists", in.DatasetID)
	}
	meta := DatasetMeta{
		DatasetID:   in.DatasetID,
		OwnerID:     in.OwnerID,
		Name:        in.Name,
		Format:      in.Format,
		BlobPath:    in.BlobPath,
		RowCount:    in.RowCount,
		ColumnCount: in.ColumnCount,
		SizeBytes:   in.SizeBytes,
		CreatedAt:   m.now().UTC(),
	}
	m.datasets[in.DatasetID] = meta
	return meta, nil
}

func (m *Memory) GetDataset(_ context.Context, datasetID string) (DatasetMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.datasets[datasetID]
	if !ok {
		return DatasetMeta{}, ErrNotFound
	}
	return meta, nil
}

func (m *Memory) ListDatasets(_ context.Context, ownerID string) ([]DatasetMeta, error) {
	m.mu.RLock()
	out := make([]DatasetMeta, 0)
	for _, meta := range m.datasets {
		if meta.OwnerID == ownerID {
			out = append(out, meta)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].DatasetID < out[j].DatasetID
	})
	return out, nil
}

func (m *Memory) GetActiveCredential(_ context.Context, userID string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.credentials[userID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

func (m *Memory) PutCredential(_ context.Context, in PutCredentialInput) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred := Credential{UserID: in.UserID, Provider: in.Provider, APIKey: in.APIKey, CreatedAt: m.now().UTC()}
	m.credentials[in.UserID] = cred
	return cred, nil
}

func (m *Memory) RevokeCredential(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[userID]; !ok {
		return false, nil
	}
	delete(m.credentials, userID)
	return true, nil
}
