// Package app assembles the API server from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sheetqa/sheetqa/internal/api"
	"github.com/sheetqa/sheetqa/internal/auth"
	"github.com/sheetqa/sheetqa/internal/catalog"
	catalogpostgres "github.com/sheetqa/sheetqa/internal/catalog/postgres"
	"github.com/sheetqa/sheetqa/internal/config"
	"github.com/sheetqa/sheetqa/internal/dataset"
	"github.com/sheetqa/sheetqa/internal/datastore"
	"github.com/sheetqa/sheetqa/internal/executor"
	"github.com/sheetqa/sheetqa/internal/ledger"
	"github.com/sheetqa/sheetqa/internal/llm"
	"github.com/sheetqa/sheetqa/internal/migrations"
	"github.com/sheetqa/sheetqa/internal/schema"
	"github.com/sheetqa/sheetqa/internal/service"
	"github.com/sheetqa/sheetqa/internal/session"
	"github.com/sheetqa/sheetqa/internal/sqlquery"
	duckdbengine "github.com/sheetqa/sheetqa/internal/sqlquery/duckdb"
	"github.com/sheetqa/sheetqa/internal/storage"
	s3store "github.com/sheetqa/sheetqa/internal/storage/s3"
	"github.com/sheetqa/sheetqa/internal/translator"
)

type App struct {
	Service *service.Service
	Handler http.Handler

	db *sql.DB
}

// Options overrides collaborators that are otherwise built from config.
type Options struct {
	Clock      clockwork.Clock
	Completers map[string]llm.Completer
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &App{}

	var repo catalog.Repository
	var history ledger.Ledger
	switch cfg.Catalog.Backend {
	case config.BackendPostgres:
		db, err := catalogpostgres.Open(ctx, catalogpostgres.DBConfig{
			DSN:             cfg.Catalog.DSN,
			MaxOpenConns:    cfg.Catalog.MaxOpenConns,
			MaxIdleConns:    cfg.Catalog.MaxIdleConns,
			ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open catalog db: %w", err)
		}
		a.db = db
		if cfg.Catalog.AutoMigrate {
			applied, err := migrations.NewRunner().Up(ctx, db, 0)
			if err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("catalog migrations applied", slog.Int("count", applied))
		}
		repo = catalogpostgres.NewRepository(db)
		history = catalogpostgres.NewLedger(db)
	default:
		logger.Warn("using in-memory catalog; datasets and history are lost on restart")
		repo = catalog.NewMemory(clock.Now)
		history = ledger.NewMemory()
	}

	var objects storage.ObjectStore
	switch cfg.ObjectStore.Backend {
	case config.BackendS3:
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize object store: %w", err)
		}
		objects = store
	default:
		objects = storage.NewMemoryStore()
	}

	completers := opts.Completers
	if completers == nil {
		var err error
		completers, err = buildCompleters(cfg.LLM)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	policy, err := session.ParsePolicy(cfg.Session.Policy)
	if err != nil {
		a.Close()
		return nil, err
	}
	inferencer := schema.NewInferencer(schema.Options{
		Threshold:    cfg.Inference.Threshold,
		NullMarkers:  cfg.Inference.NullMarkers,
		SampleValues: cfg.Inference.SampleValues,
	})
	var sqlEngine sqlquery.Engine
	if cfg.SQL.Enabled {
		sqlEngine = duckdbengine.NewEngine(objects)
	}

	a.Service = service.New(service.Config{
		PreviewRows:      cfg.Ingest.PreviewRows,
		TranslateTimeout: cfg.LLM.Timeout,
		ExecuteTimeout:   cfg.Executor.Timeout,
		SQLEnabled:       cfg.SQL.Enabled,
		SQLRowLimit:      cfg.SQL.RowLimit,
		SQLTimeout:       cfg.SQL.Timeout,
		DefaultProvider:  cfg.LLM.Provider,
	}, service.Deps{
		Datasets:   datastore.New(repo, objects, dataset.IngestOptions{MaxBytes: cfg.Ingest.MaxBytes, MaxRows: cfg.Ingest.MaxRows}, cfg.Ingest.CacheDatasets, clock, logger),
		Catalog:    repo,
		Schemas:    schema.NewCache(inferencer, cfg.Inference.CacheSchemas),
		Translator: translator.New(completers, cfg.LLM.Provider, logger),
		Executor: executor.New(executor.Options{
			MaxRows:  cfg.Executor.MaxRows,
			MaxCells: cfg.Executor.MaxCells,
			Epsilon:  cfg.Executor.Epsilon,
		}, inferencer.IsNull),
		Sessions: session.NewStore(session.Options{Policy: policy, MaxQueue: cfg.Session.MaxQueue, IdleTTL: cfg.Session.IdleTTL}, clock),
		Ledger:   history,
		SQL:      sqlEngine,
		Clock:    clock,
		Logger:   logger,
	})

	deps := api.Dependencies{
		Logger:  logger,
		Service: a.Service,
		Readiness: api.CombineReadinessChecks(
			a.Service.CheckReady,
			api.CheckCatalogDSN(cfg),
			api.CheckObjectStoreConfig(cfg),
			objects.Ping,
		),
		DependencyTimeout: 2 * time.Second,
		AskLimiter:        api.NewRateLimiter(cfg.RateLimit.AsksPerMinute, cfg.RateLimit.Burst, clock),
		MaxUploadBytes:    cfg.Ingest.MaxBytes,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse static auth keys: %w", err)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}
	a.Handler = api.NewHandler(cfg, deps)
	return a, nil
}

// buildCompleters creates a client for every supported provider. Model and
// base URL overrides apply to the configured default provider only.
func buildCompleters(cfg config.LLMConfig) (map[string]llm.Completer, error) {
	completers := map[string]llm.Completer{}
	for _, provider := range []string{llm.ProviderOpenAI, llm.ProviderAnthropic} {
		providerCfg := llm.Config{Provider: provider, Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
		if provider == cfg.Provider {
			providerCfg.BaseURL = cfg.BaseURL
			providerCfg.Model = cfg.Model
		}
		completer, err := llm.New(providerCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize %s client: %w", provider, err)
		}
		completers[provider] = completer
	}
	return completers, nil
}

// Close releases the catalog connection pool.
func (a *App) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}
