package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sheetqa/sheetqa/internal/catalog"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) CreateDataset(ctx context.Context, in catalog.CreateDatasetInput) (catalog.DatasetMeta, error) {
	query := `
INSERT INTO dataset (dataset_id, owner_id, name, format, blob_path, row_count, column_count, size_bytes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING created_at`

	var createdAt time.Time
	if err := r.db.QueryRowContext(ctx, query,
		in.DatasetID,
		in.OwnerID,
		in.Name,
		in.Format,
		in.BlobPath,
		in.RowCount,
		in.ColumnCount,
		in.SizeBytes,
	).Scan(&createdAt); err != nil {
		return catalog.DatasetMeta{}, fmt.Errorf("create dataset: %w", err)
	}
	return catalog.DatasetMeta{
		DatasetID:   in.DatasetID,
		OwnerID:     in.OwnerID,
		Name:        in.Name,
		Format:      in.Format,
		BlobPath:    in.BlobPath,
		RowCount:    in.RowCount,
		ColumnCount: in.ColumnCount,
		SizeBytes:   in.SizeBytes,
		CreatedAt:   createdAt,
	}, nil
}

func (r *Repository) GetDataset(ctx context.Context, datasetID string) (catalog.DatasetMeta, error) {
	query := `
SELECT dataset_id, owner_id, name, format, blob_path, row_count, column_count, size_bytes, created_at
FROM dataset
WHERE dataset_id = $1`

	var meta catalog.DatasetMeta
	if err := scanDataset(r.db.QueryRowContext(ctx, query, datasetID), &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.DatasetMeta{}, catalog.ErrNotFound
		}
		return catalog.DatasetMeta{}, fmt.Errorf("get dataset: %w", err)
	}
	return meta, nil
}

func (r *Repository) ListDatasets(ctx context.Context, ownerID string) ([]catalog.DatasetMeta, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT dataset_id, owner_id, name, format, blob_path, row_count, column_count, size_bytes, created_at
FROM dataset
WHERE owner_id = $1
ORDER BY created_at DESC, dataset_id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	datasets := make([]catalog.DatasetMeta, 0)
	for rows.Next() {
		var meta catalog.DatasetMeta
		if err := scanDataset(rows, &meta); err != nil {
			return nil, fmt.Errorf("scan dataset row: %w", err)
		}
		datasets = append(datasets, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dataset rows: %w", err)
	}
	return datasets, nil
}

func (r *Repository) GetActiveCredential(ctx context.Context, userID string) (catalog.Credential, error) {
	return getActiveCredential(ctx, r.db, userID)
}

func (r *Repository) RevokeCredential(ctx context.Context, userID string) (bool, error) {
	return revokeCredential(ctx, r.db, userID)
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx *TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	txRepo := &TxRepository{q: tx}
	if err := fn(txRepo); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type TxRepository struct {
	q dbTX
}

func (r *TxRepository) RevokeCredential(ctx context.Context, userID string) (bool, error) {
	return revokeCredential(ctx, r.q, userID)
}

func (r *TxRepository) InsertCredential(ctx context.Context, in catalog.PutCredentialInput) (catalog.Credential, error) {
	query := `
INSERT INTO user_credential (user_id, provider, api_key)
VALUES ($1, $2, $3)
RETURNING created_at`

	cred := catalog.Credential{UserID: in.UserID, Provider: in.Provider, APIKey: in.APIKey}
	if err := r.q.QueryRowContext(ctx, query, in.UserID, in.Provider, in.APIKey).Scan(&cred.CreatedAt); err != nil {
		return catalog.Credential{}, fmt.Errorf("insert credential in tx: %w", err)
	}
	return cred, nil
}

func getActiveCredential(ctx context.Context, q dbTX, userID string) (catalog.Credential, error) {
	query := `
SELECT user_id, provider, api_key, created_at, revoked_at
FROM user_credential
WHERE user_id = $1 AND revoked_at IS NULL
ORDER BY created_at DESC
LIMIT 1`

	var cred catalog.Credential
	if err := q.QueryRowContext(ctx, query, userID).Scan(
		&cred.UserID,
		&cred.Provider,
		&cred.APIKey,
		&cred.CreatedAt,
		&cred.RevokedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Credential{}, catalog.ErrNotFound
		}
		return catalog.Credential{}, fmt.Errorf("get active credential: %w", err)
	}
	return cred, nil
}

func revokeCredential(ctx context.Context, q dbTX, userID string) (bool, error) {
	result, err := q.ExecContext(ctx, `
UPDATE user_credential
SET revoked_at = now()
WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return false, fmt.Errorf("revoke credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read revoked rows: %w", err)
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner, meta *catalog.DatasetMeta) error {
	return row.Scan(
		&meta.DatasetID,
		&meta.OwnerID,
		&meta.Name,
		&meta.Format,
		&meta.BlobPath,
		&meta.RowCount,
		&meta.ColumnCount,
		&meta.SizeBytes,
		&meta.CreatedAt,
	)
}
