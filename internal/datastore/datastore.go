// Package datastore persists uploaded datasets and loads them back for
// querying. Metadata lives in the catalog, content in the object store as a
// parquet snapshot.
package datastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/sheetqa/sheetqa/internal/catalog"
	"github.com/sheetqa/sheetqa/internal/dataset"
	"github.com/sheetqa/sheetqa/internal/storage"
)

// UploadError marks a rejected upload body. The wrapped error says why.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string { return "invalid upload: " + e.Err.Error() }

func (e *UploadError) Unwrap() error { return e.Err }

// DefaultCacheSize is the number of decoded datasets kept in memory when New
// is given a non-positive size.
const DefaultCacheSize = 64

type Store struct {
	repo    catalog.Repository
	objects storage.ObjectStore
	ingest  dataset.IngestOptions
	clock   clockwork.Clock
	logger  *slog.Logger

	group singleflight.Group
	// loaded holds the most recently used datasets. Evicted ones are read
	// back from their snapshot on the next Load.
	loaded *lru.Cache[string, *dataset.Dataset]
}

func New(repo catalog.Repository, objects storage.ObjectStore, ingest dataset.IngestOptions, cacheSize int, clock clockwork.Clock, logger *slog.Logger) *Store {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	// lru.New only fails for a non-positive size.
	loaded, _ := lru.New[string, *dataset.Dataset](cacheSize)
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:    repo,
		objects: objects,
		ingest:  ingest,
		clock:   clock,
		logger:  logger,
		loaded:  loaded,
	}
}

// Create ingests body, writes its snapshot and registers it in the catalog.
// The blob is removed again when the catalog write fails.
func (s *Store) Create(ctx context.Context, ownerID, name string, format dataset.Format, body io.Reader) (*dataset.Dataset, catalog.DatasetMeta, error) {
	if ownerID == "" {
		return nil, catalog.DatasetMeta{}, fmt.Errorf("owner id is required")
	}
	parsed, err := dataset.Ingest(body, format, s.ingest)
	if err != nil {
		return nil, catalog.DatasetMeta{}, &UploadError{Err: err}
	}
	ds := &parsed
	ds.ID = dataset.NewID()
	ds.OwnerID = ownerID
	ds.Name = name
	ds.Format = format
	ds.CreatedAt = s.clock.Now().UTC()

	blob, err := dataset.EncodeParquet(ds)
	if err != nil {
		return nil, catalog.DatasetMeta{}, fmt.Errorf("encode dataset snapshot: %w", err)
	}
	key, err := storage.BuildDatasetPath(ownerID, ds.ID)
	if err != nil {
		return nil, catalog.DatasetMeta{}, err
	}
	if _, err := s.objects.Put(ctx, key, bytes.NewReader(blob), int64(len(blob)), storage.PutOptions{
		ContentType: storage.ParquetContentType,
		Metadata:    map[string]string{"dataset-id": ds.ID, "owner-id": ownerID},
	}); err != nil {
		return nil, catalog.DatasetMeta{}, fmt.Errorf("store dataset snapshot: %w", err)
	}

	meta, err := s.repo.CreateDataset(ctx, catalog.CreateDatasetInput{
		DatasetID:   ds.ID,
		OwnerID:     ownerID,
		Name:        name,
		Format:      string(format),
		BlobPath:    key,
		RowCount:    ds.RowCount(),
		ColumnCount: len(ds.Columns),
		SizeBytes:   int64(len(blob)),
	})
	if err != nil {
		if delErr := s.objects.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.logger.Warn("orphaned dataset snapshot", "dataset_id", ds.ID, "path", key, "error", delErr)
		}
		return nil, catalog.DatasetMeta{}, err
	}
	ds.CreatedAt = meta.CreatedAt

	s.loaded.Add(ds.ID, ds)
	return ds, meta, nil
}

// Load returns the dataset if ownerID owns it. Datasets owned by someone else
// are reported as catalog.ErrNotFound.
func (s *Store) Load(ctx context.Context, ownerID, datasetID string) (*dataset.Dataset, catalog.DatasetMeta, error) {
	meta, err := s.Meta(ctx, ownerID, datasetID)
	if err != nil {
		return nil, catalog.DatasetMeta{}, err
	}

	if ds, ok := s.loaded.Get(datasetID); ok {
		return ds, meta, nil
	}

	loaded, err, _ := s.group.Do(datasetID, func() (any, error) {
		return s.fetch(ctx, meta)
	})
	if err != nil {
		return nil, catalog.DatasetMeta{}, err
	}
	return loaded.(*dataset.Dataset), meta, nil
}

// Meta is Load without reading the snapshot.
func (s *Store) Meta(ctx context.Context, ownerID, datasetID string) (catalog.DatasetMeta, error) {
	meta, err := s.repo.GetDataset(ctx, datasetID)
	if err != nil {
		return catalog.DatasetMeta{}, err
	}
	if meta.OwnerID != ownerID {
		return catalog.DatasetMeta{}, catalog.ErrNotFound
	}
	return meta, nil
}

func (s *Store) List(ctx context.Context, ownerID string) ([]catalog.DatasetMeta, error) {
	return s.repo.ListDatasets(ctx, ownerID)
}

// Cached reports how many datasets are held in memory.
func (s *Store) Cached() int {
	return s.loaded.Len()
}

func (s *Store) fetch(ctx context.Context, meta catalog.DatasetMeta) (*dataset.Dataset, error) {
	reader, err := s.objects.Get(ctx, meta.BlobPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("dataset %s snapshot is missing: %w", meta.DatasetID, err)
		}
		return nil, fmt.Errorf("read dataset %s snapshot: %w", meta.DatasetID, err)
	}
	defer func() { _ = reader.Close() }()

	blob, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s snapshot: %w", meta.DatasetID, err)
	}
	columns, err := dataset.DecodeParquet(blob, 0)
	if err != nil {
		return nil, fmt.Errorf("decode dataset %s snapshot: %w", meta.DatasetID, err)
	}

	ds := &dataset.Dataset{
		ID:        meta.DatasetID,
		OwnerID:   meta.OwnerID,
		Name:      meta.Name,
		Format:    dataset.Format(meta.Format),
		Columns:   columns,
		CreatedAt: meta.CreatedAt,
	}
	if evicted := s.loaded.Add(ds.ID, ds); evicted {
		s.logger.Debug("dataset cache full, evicted least recently used")
	}
	s.logger.Debug("dataset loaded", "dataset_id", ds.ID, "rows", ds.RowCount(), "columns", len(ds.Columns))
	return ds, nil
}
