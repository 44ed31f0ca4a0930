package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sheetqa/sheetqa/internal/catalog"
	"github.com/sheetqa/sheetqa/internal/dataset"
	"github.com/sheetqa/sheetqa/internal/datastore"
	"github.com/sheetqa/sheetqa/internal/executor"
	"github.com/sheetqa/sheetqa/internal/ledger"
	"github.com/sheetqa/sheetqa/internal/llm"
	"github.com/sheetqa/sheetqa/internal/qerr"
	"github.com/sheetqa/sheetqa/internal/schema"
	"github.com/sheetqa/sheetqa/internal/session"
	"github.com/sheetqa/sheetqa/internal/storage"
	"github.com/sheetqa/sheetqa/internal/translator"
)

const peopleCSV = "name,age,city\nAna,25,Oslo\nBo,30,Bergen\nCy,40,Oslo\n"

const averageAgeReply = `{"steps":[{"op":"aggregate","func":"average","column":"age"}]}`

type fixture struct {
	svc     *Service
	repo    *catalog.Memory
	history *ledger.Memory
	clock   *clockwork.FakeClock
	calls   atomic.Int32
}

func newFixture(t *testing.T, policy session.Policy, reply func(ctx context.Context, req llm.Request) (llm.Response, error)) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	f := &fixture{clock: clock, history: ledger.NewMemory()}
	f.repo = catalog.NewMemory(clock.Now)

	completer := llm.CompleterFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		f.calls.Add(1)
		return reply(ctx, req)
	})
	inferencer := schema.NewInferencer(schema.DefaultOptions())
	f.svc = New(Config{PreviewRows: 2, TranslateTimeout: time.Second, ExecuteTimeout: time.Second}, Deps{
		Datasets:   datastore.New(f.repo, storage.NewMemoryStore(), dataset.DefaultIngestOptions(), 0, clock, nil),
		Catalog:    f.repo,
		Schemas:    schema.NewCache(inferencer, 0),
		Translator: translator.New(map[string]llm.Completer{llm.ProviderOpenAI: completer}, llm.ProviderOpenAI, nil),
		Executor:   executor.New(executor.DefaultOptions(), inferencer.IsNull),
		Sessions:   session.NewStore(session.Options{Policy: policy, MaxQueue: 2}, clock),
		Ledger:     f.history,
		Clock:      clock,
	})
	return f
}

func fixedReply(text string) func(context.Context, llm.Request) (llm.Response, error) {
	return func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{Text: text, Model: "fake-model"}, nil
	}
}

func (f *fixture) upload(t *testing.T, user, name string) UploadResult {
	t.Helper()
	got, err := f.svc.UploadDataset(context.Background(), user, name, dataset.FormatCSV, strings.NewReader(peopleCSV))
	if err != nil {
		t.Fatalf("UploadDataset() error = %v", err)
	}
	return got
}

func (f *fixture) setKey(t *testing.T, user string) {
	t.Helper()
	if _, err := f.svc.SetCredential(context.Background(), user, "openai", "sk-test-1234"); err != nil {
		t.Fatalf("SetCredential() error = %v", err)
	}
}

func TestUploadReturnsSchemaAndPreview(t *testing.T) {
	f := newFixture(t, session.PolicyQueue, fixedReply(averageAgeReply))
	got := f.upload(t, "u1", "people.csv")

	if got.Dataset.RowCount != 3 || got.Dataset.OwnerID != "u1" {
		t.Fatalf("UploadDataset() meta = %+v", got.Dataset)
	}
	age, ok := got.Schema.Column("age")
	if !ok || age.Type != schema.Integer {
		t.Fatalf("UploadDataset() schema = %+v", got.Schema)
	}
	if len(got.Preview.Rows) != 2 || got.Preview.Columns[2] != "city" {
		t.Fatalf("UploadDataset() preview = %+v", got.Preview)
	}
	info, err := f.svc.SessionRecords("u1", got.Dataset.DatasetID)
	if err != nil {
		t.Fatalf("SessionRecords() error = %v", err)
	}
	if len(info.Records) != 0 {
		t.Fatalf("SessionRecords() = %+v, want empty", info)
	}
}

func TestAskWithoutCredentialNeverCallsModel(t *testing.T) {
	f := newFixture(t, session.PolicyQueue, fixedReply(averageAgeReply))
	up := f.upload(t, "u1", "people.csv")

	_, err := f.svc.Ask(context.Background(), "u1", up.Dataset.DatasetID, "what is the average age?")
	if qerr.KindOf(err) != qerr.KindCredential {
		t.Fatalf("Ask() error = %v, want credential error", err)
	}
	if f.calls.Load() != 0 {
		t.Fatalf("model calls = %d, want 0", f.calls.Load())
	}
}

func TestAskAverageAge(t *testing.T) {
	f := newFixture(t, session.PolicyQueue, fixedReply(averageAgeReply))
	up := f.upload(t, "u1", "people.csv")
	f.setKey(t, "u1")

	rec, err := f.svc.Ask(context.Background(), "u1", up.Dataset.DatasetID, "What is the average age?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if rec.Result.Kind != executor.KindScalar || rec.Result.Value == nil {
		t.Fatalf("Ask() result = %+v, want scalar", rec.Result)
	}
	avg, _ := rec.Result.Value.Number()
	if math.Abs(avg-31.67) > 0.01 {
		t.Fatalf("average = %v, want about 31.67", avg)
	}
	if rec.Sequence == 0 || rec.ID == "" || rec.PlanText == "" || rec.Model != "fake-model" {
		t.Fatalf("Ask() record = %+v", rec)
	}

	history, err := f.svc.History(context.Background(), "u1", "", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].ID != rec.ID {
		t.Fatalf("History() = %+v", history)
	}
	info, _ := f.svc.SessionRecords("u1", up.Dataset.DatasetID)
	if len(info.Records) != 1 {
		t.Fatalf("session records = %d, want 1", len(info.Records))
	}
}

func TestAskUnknownColumnIsInvalidPlanAndLeavesNoTrace(t *testing.T) {
	f := newFixture(t, session.PolicyQueue, fixedReply(`{"steps":[{"op":"aggregate","func":"sum","column":"salary"}]}`))
	up := f.upload(t, "u1", "people.csv")
	f.setKey(t, "u1")

	_, err := f.svc.Ask(context.Background(), "u1", up.Dataset.DatasetID, "total salary")
	var qe *qerr.Error
	if !errors.As(err, &qe) || qe.Kind != qerr.KindInvalidPlan {
		t.Fatalf("Ask() error = %v, want invalid plan", err)
	}
	if qe.Column != "salary" {
		t.Fatalf("invalid plan column = %q, want salary", qe.Column)
	}
	history, _ := f.svc.History(context.Background(), "u1", up.Dataset.DatasetID, 0)
	if len(history) != 0 {
		t.Fatalf("History() = %d records, want none", len(history))
	}
	info, _ := f.svc.SessionRecords("u1", up.Dataset.DatasetID)
	if len(info.Records) != 0 {
		t.Fatalf("session records = %d, want none", len(info.Records))
	}
}

func TestAskTranslationTimeout(t *testing.T) {
	f := newFixture(t, session.PolicyQueue, func(ctx context.Context, _ llm.Request) (llm.Response, error) {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	})
	f.svc.cfg.TranslateTimeout = 10 * time.Millisecond
	up := f.upload(t, "u1", "people.csv")
	f.setKey(t, "u1")

	_, err := f.svc.Ask(context.Background(), "u1", up.Dataset.DatasetID, "average age")
	if !errors.Is(err, qerr.ErrTimeout) {
		t.Fatalf("Ask() error = %v, want timeout", err)
	}
}

func TestHistoryMostRecentFirst(t *testing.T) {
	f := newFixture(t, session.PolicyQueue, fixedReply(averageAgeReply))
	up := f.upload(t, "u1", "people.csv")
	f.setKey(t, "u1")

	for _, q := range []string{"first", "second", "third"} {
		if _, err := f.svc.Ask(context.Background(), "u1", up.Dataset.DatasetID, q); err != nil {
			t.Fatalf("Ask(%q) error = %v", q, err)
		}
		f.clock.Advance(time.Minute)
	}
	history, err := f.svc.History(context.Background(), "u1", up.Dataset.DatasetID, 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Question != "third" || history[1].Question != "second" {
		t.Fatalf("History() = %+v", history)
	}
	if _, err := f.svc.History(context.Background(), "u2", up.Dataset.DatasetID, 0); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("History() for another user error = %v, want ErrNotFound", err)
	}
}

func TestSwitchingDatasetResetsSession(t *testing.T) {
	f := newFixture(t, session.PolicyQueue, fixedReply(averageAgeReply))
	first := f.upload(t, "u1", "a.csv")
	f.setKey(t, "u1")
	if _, err := f.svc.Ask(context.Background(), "u1", first.Dataset.DatasetID, "average age"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	second := f.upload(t, "u1", "b.csv")
	if _, err := f.svc.SessionRecords("u1", first.Dataset.DatasetID); !errors.Is(err, ErrNoSession) {
		t.Fatalf("SessionRecords(first) error = %v, want ErrNoSession", err)
	}
	info, err := f.svc.BindSession(context.Background(), "u1", first.Dataset.DatasetID)
	if err != nil {
		t.Fatalf("BindSession() error = %v", err)
	}
	if !info.Replaced || len(info.Records) != 0 {
		t.Fatalf("BindSession() = %+v, want fresh replacing session", info)
	}
	if _, err := f.svc.SessionRecords("u1", second.Dataset.DatasetID); !errors.Is(err, ErrNoSession) {
		t.Fatalf("SessionRecords(second) error = %v, want ErrNoSession", err)
	}
	history, _ := f.svc.History(context.Background(), "u1", "", 0)
	if len(history) != 1 {
		t.Fatalf("History() = %d records, want 1 kept across switches", len(history))
	}
}

func TestRejectPolicyReportsBusy(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	f := newFixture(t, session.PolicyReject, func(context.Context, llm.Request) (llm.Response, error) {
		close(entered)
		<-unblock
		return llm.Response{Text: averageAgeReply}, nil
	})
	up := f.upload(t, "u1", "people.csv")
	f.setKey(t, "u1")

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Ask(context.Background(), "u1", up.Dataset.DatasetID, "average age")
		done <- err
	}()
	<-entered

	_, err := f.svc.Ask(context.Background(), "u1", up.Dataset.DatasetID, "average age again")
	if !errors.Is(err, qerr.ErrBusy) {
		t.Fatalf("second Ask() error = %v, want busy", err)
	}
	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first Ask() error = %v", err)
	}
	history, _ := f.svc.History(context.Background(), "u1", "", 0)
	if len(history) != 1 {
		t.Fatalf("History() = %d records, want 1", len(history))
	}
}

func TestCredentialLifecycle(t *testing.T) {
	f := newFixture(t, session.PolicyQueue, fixedReply(averageAgeReply))
	ctx := context.Background()

	status, err := f.svc.CredentialStatus(ctx, "u1")
	if err != nil || status.Configured {
		t.Fatalf("CredentialStatus() = %+v, %v, want unconfigured", status, err)
	}
	if _, err := f.svc.SetCredential(ctx, "u1", "gemini", "k"); err == nil {
		t.Fatalf("SetCredential() accepted unsupported provider")
	}
	if _, err := f.svc.SetCredential(ctx, "u1", "anthropic", "  "); err == nil {
		t.Fatalf("SetCredential() accepted blank key")
	}
	f.setKey(t, "u1")
	status, err = f.svc.CredentialStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("CredentialStatus() error = %v", err)
	}
	if !status.Configured || status.MaskedKey != "****1234" || status.Provider != "openai" {
		t.Fatalf("CredentialStatus() = %+v", status)
	}
	revoked, err := f.svc.RevokeCredential(ctx, "u1")
	if err != nil || !revoked {
		t.Fatalf("RevokeCredential() = %v, %v", revoked, err)
	}
	if status, _ := f.svc.CredentialStatus(ctx, "u1"); status.Configured {
		t.Fatalf("CredentialStatus() after revoke = %+v", status)
	}
}

func TestRunSQLDisabled(t *testing.T) {
	f := newFixture(t, session.PolicyQueue, fixedReply(averageAgeReply))
	up := f.upload(t, "u1", "people.csv")
	if _, err := f.svc.RunSQL(context.Background(), "u1", up.Dataset.DatasetID, "select 1", 0); !errors.Is(err, ErrSQLDisabled) {
		t.Fatalf("RunSQL() error = %v, want ErrSQLDisabled", err)
	}
}

func TestHistoryAndPreviewAreBounded(t *testing.T) {
	f := newFixture(t, session.PolicyQueue, fixedReply(averageAgeReply))
	up := f.upload(t, "u1", "people.csv")
	ctx := context.Background()
	for i := 0; i < defaultHistoryLimit+5; i++ {
		if _, err := f.history.Record(ctx, ledger.QueryRecord{UserID: "u1", DatasetID: up.Dataset.DatasetID, CreatedAt: f.clock.Now()}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := f.svc.History(ctx, "u1", "", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != defaultHistoryLimit {
		t.Fatalf("History() len = %d, want %d", len(got), defaultHistoryLimit)
	}
	if got[0].Sequence != int64(defaultHistoryLimit+5) {
		t.Fatalf("History()[0].Sequence = %d, want newest", got[0].Sequence)
	}

	preview, err := f.svc.Preview(ctx, "u1", up.Dataset.DatasetID, maxPreviewRows+1)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if len(preview.Rows) != 3 {
		t.Fatalf("Preview() rows = %d, want all 3", len(preview.Rows))
	}
}

func TestAskStaysSerialisedAcrossDatasetSwitch(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32
	f := newFixture(t, session.PolicyReject, func(ctx context.Context, _ llm.Request) (llm.Response, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-unblock:
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
		return llm.Response{Text: averageAgeReply, Model: "fake-model"}, nil
	})
	ctx := context.Background()
	a := f.upload(t, "u1", "a.csv")
	b := f.upload(t, "u1", "b.csv")
	f.setKey(t, "u1")

	firstErr := make(chan error, 1)
	go func() {
		_, err := f.svc.Ask(ctx, "u1", a.Dataset.DatasetID, "average age")
		firstErr <- err
	}()
	<-started

	if _, err := f.svc.BindSession(ctx, "u1", b.Dataset.DatasetID); err != nil {
		t.Fatalf("BindSession(b) error = %v", err)
	}
	if _, err := f.svc.Ask(ctx, "u1", a.Dataset.DatasetID, "average age"); !errors.Is(err, qerr.ErrBusy) {
		t.Fatalf("Ask(a) while the first question runs error = %v, want busy", err)
	}
	close(unblock)
	if err := <-firstErr; err != nil {
		t.Fatalf("first Ask(a) error = %v", err)
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max concurrent pipelines = %d, want 1", got)
	}
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("model calls = %d, want 1", got)
	}
}
