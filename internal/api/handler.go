package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sheetqa/sheetqa/internal/auth"
	"github.com/sheetqa/sheetqa/internal/catalog"
	"github.com/sheetqa/sheetqa/internal/config"
	"github.com/sheetqa/sheetqa/internal/dataset"
	"github.com/sheetqa/sheetqa/internal/ledger"
	"github.com/sheetqa/sheetqa/internal/observability"
	"github.com/sheetqa/sheetqa/internal/schema"
	"github.com/sheetqa/sheetqa/internal/service"
	"github.com/sheetqa/sheetqa/internal/sqlquery"
)

type ReadinessCheck func(ctx context.Context) error

// QuestionService is the surface of service.Service used by the handlers.
type QuestionService interface {
	UploadDataset(ctx context.Context, userID, name string, format dataset.Format, body io.Reader) (service.UploadResult, error)
	ListDatasets(ctx context.Context, userID string) ([]catalog.DatasetMeta, error)
	Schema(ctx context.Context, userID, datasetID string) (schema.Schema, error)
	Preview(ctx context.Context, userID, datasetID string, rows int) (service.Preview, error)
	BindSession(ctx context.Context, userID, datasetID string) (service.SessionInfo, error)
	SessionRecords(userID, datasetID string) (service.SessionInfo, error)
	Ask(ctx context.Context, userID, datasetID, question string) (ledger.QueryRecord, error)
	History(ctx context.Context, userID, datasetID string, limit int) ([]ledger.QueryRecord, error)
	SetCredential(ctx context.Context, userID, provider, apiKey string) (service.CredentialStatus, error)
	RevokeCredential(ctx context.Context, userID string) (bool, error)
	CredentialStatus(ctx context.Context, userID string) (service.CredentialStatus, error)
	RunSQL(ctx context.Context, userID, datasetID, sqlText string, rowLimit int) (sqlquery.Result, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Service           QuestionService
	// AskLimiter throttles questions per user; nil disables throttling.
	AskLimiter *RateLimiter
	// MaxUploadBytes bounds the request body of uploads; 0 means no bound.
	MaxUploadBytes int64
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := map[string]func(Dependencies, http.ResponseWriter, *http.Request){
		"POST /v1/datasets":                   handleUploadDataset,
		"GET /v1/datasets":                    handleListDatasets,
		"GET /v1/datasets/{dataset}/schema":   handleGetSchema,
		"GET /v1/datasets/{dataset}/preview":  handlePreview,
		"POST /v1/datasets/{dataset}/session": handleBindSession,
		"GET /v1/datasets/{dataset}/session":  handleGetSession,
		"POST /v1/datasets/{dataset}/ask":     handleAsk,
		"POST /v1/datasets/{dataset}/sql":     handleSQL,
		"GET /v1/history":                     handleHistory,
		"PUT /v1/credential":                  handlePutCredential,
		"GET /v1/credential":                  handleGetCredential,
		"DELETE /v1/credential":               handleDeleteCredential,
	}

	protected := http.NewServeMux()
	for pattern, handle := range routes {
		protected.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			if deps.Service == nil {
				writeError(r.Context(), w, http.StatusNotImplemented, "SERVICE_NOT_CONFIGURED", "question service is not configured", false, nil)
				return
			}
			handle(deps, w, r)
		})
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	} else {
		protectedHandler = auth.HeaderMiddleware("")(protectedHandler)
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckCatalogDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Catalog.Backend == config.BackendPostgres && cfg.Catalog.DSN == "" {
			return errors.New("catalog dsn is not configured")
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Backend != config.BackendS3 {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
