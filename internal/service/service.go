// Package service wires the question pipeline together: dataset storage,
// schema inference, translation, execution, sessions and history.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/sheetqa/sheetqa/internal/catalog"
	"github.com/sheetqa/sheetqa/internal/dataset"
	"github.com/sheetqa/sheetqa/internal/datastore"
	"github.com/sheetqa/sheetqa/internal/executor"
	"github.com/sheetqa/sheetqa/internal/ledger"
	"github.com/sheetqa/sheetqa/internal/llm"
	"github.com/sheetqa/sheetqa/internal/observability"
	"github.com/sheetqa/sheetqa/internal/plan"
	"github.com/sheetqa/sheetqa/internal/qerr"
	"github.com/sheetqa/sheetqa/internal/schema"
	"github.com/sheetqa/sheetqa/internal/session"
	"github.com/sheetqa/sheetqa/internal/sqlquery"
	"github.com/sheetqa/sheetqa/internal/translator"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxPreviewRows      = 200
)

var (
	ErrNoSession   = errors.New("no session is bound to this dataset")
	ErrSQLDisabled = errors.New("sql console is disabled")
)

// InputError reports a request the caller must fix.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

type Translator interface {
	Translate(ctx context.Context, sch schema.Schema, question string, credential translator.Credential) (translator.Translation, error)
}

type Config struct {
	PreviewRows      int
	TranslateTimeout time.Duration
	ExecuteTimeout   time.Duration
	SQLEnabled       bool
	SQLRowLimit      int
	SQLTimeout       time.Duration
	DefaultProvider  string
}

type Deps struct {
	Datasets   *datastore.Store
	Catalog    catalog.Repository
	Schemas    *schema.Cache
	Translator Translator
	Executor   *executor.Executor
	Sessions   *session.Store
	Ledger     ledger.Ledger
	SQL        sqlquery.Engine
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

type Service struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = 20
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = llm.ProviderOpenAI
	}
	return &Service{cfg: cfg, deps: deps}
}

type UploadResult struct {
	Dataset catalog.DatasetMeta `json:"dataset"`
	Schema  schema.Schema       `json:"schema"`
	Preview Preview             `json:"preview"`
}

type Preview struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// UploadDataset stores the upload, infers its schema and makes it the
// user's current dataset.
func (s *Service) UploadDataset(ctx context.Context, userID, name string, format dataset.Format, body io.Reader) (UploadResult, error) {
	ds, meta, err := s.deps.Datasets.Create(ctx, userID, strings.TrimSpace(name), format, body)
	if err != nil {
		return UploadResult{}, err
	}
	sch := s.deps.Schemas.Get(ds)
	if _, replaced := s.deps.Sessions.Bind(userID, ds, sch); replaced {
		s.deps.Logger.Info("session rebound", "user_id", userID, "dataset_id", ds.ID)
	}
	observability.ObserveIngest(string(format), ds.RowCount())
	observability.SetLiveSessions(s.deps.Sessions.Len())
	s.deps.Logger.Info("dataset uploaded",
		"user_id", userID,
		"dataset_id", ds.ID,
		"format", format,
		"rows", ds.RowCount(),
		"columns", len(ds.Columns),
	)
	return UploadResult{Dataset: meta, Schema: sch, Preview: previewOf(ds, s.cfg.PreviewRows)}, nil
}

func (s *Service) ListDatasets(ctx context.Context, userID string) ([]catalog.DatasetMeta, error) {
	return s.deps.Datasets.List(ctx, userID)
}

func (s *Service) Schema(ctx context.Context, userID, datasetID string) (schema.Schema, error) {
	ds, _, err := s.deps.Datasets.Load(ctx, userID, datasetID)
	if err != nil {
		return schema.Schema{}, err
	}
	return s.deps.Schemas.Get(ds), nil
}

// Preview returns up to rows leading rows; rows <= 0 uses the configured
// default.
func (s *Service) Preview(ctx context.Context, userID, datasetID string, rows int) (Preview, error) {
	ds, _, err := s.deps.Datasets.Load(ctx, userID, datasetID)
	if err != nil {
		return Preview{}, err
	}
	if rows <= 0 {
		rows = s.cfg.PreviewRows
	}
	return previewOf(ds, min(rows, maxPreviewRows)), nil
}

func previewOf(ds *dataset.Dataset, rows int) Preview {
	return Preview{Columns: ds.ColumnNames(), Rows: ds.Preview(rows)}
}

type SessionInfo struct {
	ID        string               `json:"session_id"`
	DatasetID string               `json:"dataset_id"`
	CreatedAt time.Time            `json:"created_at"`
	Replaced  bool                 `json:"replaced"`
	Records   []ledger.QueryRecord `json:"records"`
}

// BindSession makes datasetID the user's current dataset. Switching datasets
// drops the in-session results of the previous one.
func (s *Service) BindSession(ctx context.Context, userID, datasetID string) (SessionInfo, error) {
	ds, _, err := s.deps.Datasets.Load(ctx, userID, datasetID)
	if err != nil {
		return SessionInfo{}, err
	}
	sess, replaced := s.deps.Sessions.Bind(userID, ds, s.deps.Schemas.Get(ds))
	observability.SetLiveSessions(s.deps.Sessions.Len())
	info := sessionInfo(sess)
	info.Replaced = replaced
	return info, nil
}

func (s *Service) SessionRecords(userID, datasetID string) (SessionInfo, error) {
	sess, ok := s.deps.Sessions.Get(userID, datasetID)
	if !ok {
		return SessionInfo{}, ErrNoSession
	}
	return sessionInfo(sess), nil
}

func sessionInfo(sess *session.Session) SessionInfo {
	records := sess.Records()
	if records == nil {
		records = []ledger.QueryRecord{}
	}
	return SessionInfo{ID: sess.ID, DatasetID: sess.DatasetID, CreatedAt: sess.CreatedAt, Records: records}
}

// Ask answers question against datasetID. Questions for one session run one
// at a time. Nothing is written to the ledger or the session unless every
// stage succeeds.
func (s *Service) Ask(ctx context.Context, userID, datasetID, question string) (rec ledger.QueryRecord, err error) {
	start := s.deps.Clock.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = outcomeOf(err)
		}
		observability.ObserveAsk(outcome, s.deps.Clock.Since(start))
	}()

	question = strings.TrimSpace(question)
	if question == "" {
		return ledger.QueryRecord{}, &InputError{Message: "question is required"}
	}
	ds, _, err := s.deps.Datasets.Load(ctx, userID, datasetID)
	if err != nil {
		return ledger.QueryRecord{}, err
	}
	sch := s.deps.Schemas.Get(ds)
	sess, ok := s.deps.Sessions.Get(userID, datasetID)
	if !ok {
		sess, _ = s.deps.Sessions.Bind(userID, ds, sch)
		observability.SetLiveSessions(s.deps.Sessions.Len())
	}

	release, err := sess.Acquire(ctx)
	if err != nil {
		return ledger.QueryRecord{}, err
	}
	defer release()

	cred, err := s.deps.Catalog.GetActiveCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return ledger.QueryRecord{}, qerr.Credential("no api key configured; set one before asking questions", nil)
		}
		return ledger.QueryRecord{}, fmt.Errorf("look up credential: %w", err)
	}

	translation, err := s.translate(ctx, sch, question, translator.Credential{Provider: cred.Provider, APIKey: cred.APIKey})
	if err != nil {
		s.deps.Logger.Warn("question not translated",
			"user_id", userID, "dataset_id", datasetID, "kind", qerr.KindOf(err), "error", err)
		return ledger.QueryRecord{}, err
	}

	execStart := s.deps.Clock.Now()
	result, err := s.execute(ctx, translation.Plan, ds, sch)
	elapsed := s.deps.Clock.Since(execStart)
	if err != nil {
		s.deps.Logger.Warn("plan execution failed",
			"user_id", userID, "dataset_id", datasetID, "kind", qerr.KindOf(err), "error", err)
		return ledger.QueryRecord{}, err
	}
	observability.ObserveExecute(elapsed)

	rec = ledger.QueryRecord{
		ID:              uuid.NewString(),
		UserID:          userID,
		DatasetID:       datasetID,
		Question:        question,
		Plan:            translation.Plan,
		PlanText:        plan.Describe(translation.Plan),
		Result:          result,
		Summary:         result.Summary(),
		Provider:        translation.Provider,
		Model:           translation.Model,
		ExecutionTimeMs: float64(elapsed.Microseconds()) / 1000,
		CreatedAt:       s.deps.Clock.Now().UTC(),
	}
	rec, err = s.deps.Ledger.Record(ctx, rec)
	if err != nil {
		return ledger.QueryRecord{}, fmt.Errorf("record query: %w", err)
	}
	if !sess.Append(rec) {
		s.deps.Logger.Info("session discarded while question ran", "user_id", userID, "dataset_id", datasetID)
	}
	s.deps.Logger.Info("question answered",
		"user_id", userID,
		"dataset_id", datasetID,
		"record_id", rec.ID,
		"provider", rec.Provider,
		"attempts", translation.Attempts,
		"execution_ms", rec.ExecutionTimeMs,
	)
	return rec, nil
}

func (s *Service) translate(ctx context.Context, sch schema.Schema, question string, cred translator.Credential) (translator.Translation, error) {
	if s.cfg.TranslateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TranslateTimeout)
		defer cancel()
	}
	start := s.deps.Clock.Now()
	translation, err := s.deps.Translator.Translate(ctx, sch, question, cred)
	provider := cred.Provider
	if provider == "" {
		provider = s.cfg.DefaultProvider
	}
	observability.ObserveTranslate(provider, s.deps.Clock.Since(start))
	if err != nil {
		if qerr.KindOf(err) == "" {
			if ctxErr := qerr.FromContext(ctx, "translation"); ctxErr != nil {
				return translator.Translation{}, ctxErr
			}
		}
		return translator.Translation{}, err
	}
	return translation, nil
}

func (s *Service) execute(ctx context.Context, p plan.Plan, ds *dataset.Dataset, sch schema.Schema) (executor.Result, error) {
	if s.cfg.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExecuteTimeout)
		defer cancel()
	}
	result, err := s.deps.Executor.Execute(ctx, p, ds, sch)
	if err != nil && qerr.KindOf(err) == "" {
		if ctxErr := qerr.FromContext(ctx, "execution"); ctxErr != nil {
			return executor.Result{}, ctxErr
		}
	}
	return result, err
}

func outcomeOf(err error) string {
	if kind := qerr.KindOf(err); kind != "" {
		return strings.ToLower(string(kind))
	}
	var input *InputError
	switch {
	case errors.As(err, &input):
		return "invalid_input"
	case errors.Is(err, catalog.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// History lists the user's records most recent first, optionally for one
// dataset. limit <= 0 means the default page size.
func (s *Service) History(ctx context.Context, userID, datasetID string, limit int) ([]ledger.QueryRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	if datasetID != "" {
		if _, err := s.deps.Datasets.Meta(ctx, userID, datasetID); err != nil {
			return nil, err
		}
	}
	records, err := s.deps.Ledger.List(ctx, ledger.Filter{UserID: userID, DatasetID: datasetID, Limit: limit})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []ledger.QueryRecord{}
	}
	return records, nil
}

type CredentialStatus struct {
	Configured bool       `json:"configured"`
	Provider   string     `json:"provider,omitempty"`
	MaskedKey  string     `json:"masked_key,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// SetCredential replaces the user's active key.
func (s *Service) SetCredential(ctx context.Context, userID, provider, apiKey string) (CredentialStatus, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = s.cfg.DefaultProvider
	}
	switch provider {
	case llm.ProviderOpenAI, llm.ProviderAnthropic:
	default:
		return CredentialStatus{}, &InputError{Message: fmt.Sprintf("unsupported provider %q", provider)}
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return CredentialStatus{}, &InputError{Message: "api_key is required"}
	}
	cred, err := s.deps.Catalog.PutCredential(ctx, catalog.PutCredentialInput{UserID: userID, Provider: provider, APIKey: apiKey})
	if err != nil {
		return CredentialStatus{}, err
	}
	s.deps.Logger.Info("credential replaced", "user_id", userID, "provider", provider)
	return statusOf(cred), nil
}

func (s *Service) RevokeCredential(ctx context.Context, userID string) (bool, error) {
	revoked, err := s.deps.Catalog.RevokeCredential(ctx, userID)
	if err != nil {
		return false, err
	}
	if revoked {
		s.deps.Logger.Info("credential revoked", "user_id", userID)
	}
	return revoked, nil
}

func (s *Service) CredentialStatus(ctx context.Context, userID string) (CredentialStatus, error) {
	cred, err := s.deps.Catalog.GetActiveCredential(ctx, userID)
	if errors.Is(err, catalog.ErrNotFound) {
		return CredentialStatus{}, nil
	}
	if err != nil {
		return CredentialStatus{}, err
	}
	return statusOf(cred), nil
}

func statusOf(cred catalog.Credential) CredentialStatus {
	created := cred.CreatedAt
	return CredentialStatus{
		Configured: true,
		Provider:   cred.Provider,
		MaskedKey:  catalog.MaskKey(cred.APIKey),
		CreatedAt:  &created,
	}
}

// RunSQL runs a read-only statement against the dataset snapshot. Results
// are not recorded in history.
func (s *Service) RunSQL(ctx context.Context, userID, datasetID, sqlText string, rowLimit int) (sqlquery.Result, error) {
	if !s.cfg.SQLEnabled || s.deps.SQL == nil {
		return sqlquery.Result{}, ErrSQLDisabled
	}
	meta, err := s.deps.Datasets.Meta(ctx, userID, datasetID)
	if err != nil {
		return sqlquery.Result{}, err
	}
	if rowLimit <= 0 || (s.cfg.SQLRowLimit > 0 && rowLimit > s.cfg.SQLRowLimit) {
		rowLimit = s.cfg.SQLRowLimit
	}
	if s.cfg.SQLTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SQLTimeout)
		defer cancel()
	}
	result, err := s.deps.SQL.Execute(ctx, sqlquery.Request{
		SQL:      sqlText,
		RowLimit: rowLimit,
		Snapshot: sqlquery.Snapshot{DatasetID: meta.DatasetID, ObjectPath: meta.BlobPath, SizeBytes: meta.SizeBytes},
	})
	if err != nil {
		if ctxErr := qerr.FromContext(ctx, "sql query"); ctxErr != nil {
			return sqlquery.Result{}, ctxErr
		}
		return sqlquery.Result{}, err
	}
	s.deps.Logger.Info("sql console query", "user_id", userID, "dataset_id", datasetID, "rows", len(result.Rows), "truncated", result.Truncated)
	return result, nil
}

// RunSessionSweeper discards idle sessions until ctx is done.
func (s *Service) RunSessionSweeper(ctx context.Context, interval time.Duration) {
	s.deps.Sessions.RunSweeper(ctx, interval, func(removed int) {
		if removed > 0 {
			s.deps.Logger.Info("idle sessions discarded", "count", removed)
		}
		observability.SetLiveSessions(s.deps.Sessions.Len())
	})
}

// CheckReady reports whether the catalog is reachable.
func (s *Service) CheckReady(ctx context.Context) error {
	return s.deps.Catalog.HealthCheck(ctx)
}
