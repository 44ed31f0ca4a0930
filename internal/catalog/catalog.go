// Package catalog stores dataset metadata and per-user language-model
// credentials.
package catalog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("catalog: not found")

type Repository interface {
	HealthCheck(ctx context.Context) error
	CreateDataset(ctx context.Context, in CreateDatasetInput) (DatasetMeta, error)
	GetDataset(ctx context.Context, datasetID string) (DatasetMeta, error)
	ListDatasets(ctx context.Context, ownerID string) ([]DatasetMeta, error)
	// GetActiveCredential returns ErrNotFound when the user has no active key.
	GetActiveCredential(ctx context.Context, userID string) (Credential, error)
	// PutCredential revokes any active key of the user and stores the new one.
	PutCredential(ctx context.Context, in PutCredentialInput) (Credential, error)
	RevokeCredential(ctx context.Context, userID string) (bool, error)
}

type DatasetMeta struct {
	DatasetID   string    `json:"dataset_id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Format      string    `json:"format"`
	BlobPath    string    `json:"-"`
	RowCount    int       `json:"row_count"`
	ColumnCount int       `json:"column_count"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

type CreateDatasetInput struct {
	DatasetID   string
	OwnerID     string
	Name        string
	Format      string
	BlobPath    string
	RowCount    int
	ColumnCount int
	SizeBytes   int64
}

type Credential struct {
	UserID    string
	Provider  string
	APIKey    string
	CreatedAt time.Time
	RevokedAt *time.Time
}

type PutCredentialInput struct {
	UserID   string
	Provider string
	APIKey   string
}

// MaskKey keeps the last four characters of an API key for display.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
