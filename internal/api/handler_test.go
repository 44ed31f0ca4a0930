package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sheetqa/sheetqa/internal/auth"
	"github.com/sheetqa/sheetqa/internal/catalog"
	"github.com/sheetqa/sheetqa/internal/config"
	"github.com/sheetqa/sheetqa/internal/dataset"
	"github.com/sheetqa/sheetqa/internal/datastore"
	"github.com/sheetqa/sheetqa/internal/executor"
	"github.com/sheetqa/sheetqa/internal/ledger"
	"github.com/sheetqa/sheetqa/internal/llm"
	"github.com/sheetqa/sheetqa/internal/schema"
	"github.com/sheetqa/sheetqa/internal/service"
	"github.com/sheetqa/sheetqa/internal/session"
	"github.com/sheetqa/sheetqa/internal/storage"
	"github.com/sheetqa/sheetqa/internal/translator"
)

const peopleCSV = "name,age,city\nAna,25,Oslo\nBo,30,Bergen\nCy,40,Oslo\n"

func TestHealthEndpoint(t *testing.T) {
	cfg := testConfig(t, nil)

	h := NewHandler(cfg, Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	cfg := testConfig(t, nil)

	h := NewHandler(cfg, Dependencies{
		Readiness: func(rctx context.Context) error {
			return errors.New("dependency down")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	cfg := testConfig(t, map[string]string{"SHEETQA_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:u1:viewer")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	svc, _ := newTestService(t, fixedReply(`{"steps":[{"op":"aggregate","func":"count"}]}`))

	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Service:        svc,
	})

	unauthResp := httptest.NewRecorder()
	h.ServeHTTP(unauthResp, httptest.NewRequest(http.MethodGet, "/v1/datasets", nil))
	if unauthResp.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", unauthResp.Code)
	}

	authReq := httptest.NewRequest(http.MethodGet, "/v1/datasets", nil)
	authReq.Header.Set("X-API-Key", "k1")
	authResp := httptest.NewRecorder()
	h.ServeHTTP(authResp, authReq)
	if authResp.Code != http.StatusOK {
		t.Fatalf("auth status = %d", authResp.Code)
	}
	body := decodeBody(t, authResp)
	if body["user_id"] != "u1" {
		t.Fatalf("user_id = %v", body["user_id"])
	}

	// viewers may read but not upload
	uploadReq := httptest.NewRequest(http.MethodPost, "/v1/datasets?name=people.csv", strings.NewReader(peopleCSV))
	uploadReq.Header.Set("X-API-Key", "k1")
	uploadResp := httptest.NewRecorder()
	h.ServeHTTP(uploadResp, uploadReq)
	if uploadResp.Code != http.StatusForbidden {
		t.Fatalf("viewer upload status = %d", uploadResp.Code)
	}
}

func TestHeaderIdentityRequiredWithoutAuth(t *testing.T) {
	cfg := testConfig(t, nil)
	svc, _ := newTestService(t, fixedReply(`{}`))
	h := NewHandler(cfg, Dependencies{Service: svc})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/datasets", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestUploadAskAndHistoryFlow(t *testing.T) {
	cfg := testConfig(t, nil)
	svc, _ := newTestService(t, fixedReply(`{"steps":[{"op":"aggregate","func":"average","column":"age"}]}`))
	h := NewHandler(cfg, Dependencies{Service: svc})

	upload := do(t, h, http.MethodPost, "/v1/datasets?name=people.csv", "u1", peopleCSV)
	if upload.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body=%s", upload.Code, upload.Body.String())
	}
	datasetID := datasetIDOf(t, upload)

	noKey := do(t, h, http.MethodPost, "/v1/datasets/"+datasetID+"/ask", "u1", `{"question":"average age?"}`)
	if noKey.Code != http.StatusPreconditionRequired {
		t.Fatalf("ask without key status = %d, body=%s", noKey.Code, noKey.Body.String())
	}
	if decodeBody(t, noKey)["error_code"] != "CREDENTIAL_ERROR" {
		t.Fatalf("ask without key body = %s", noKey.Body.String())
	}

	put := do(t, h, http.MethodPut, "/v1/credential", "u1", `{"api_key":"sk-abcdef","provider":"openai"}`)
	if put.Code != http.StatusOK || decodeBody(t, put)["masked_key"] != "****cdef" {
		t.Fatalf("put credential status = %d, body=%s", put.Code, put.Body.String())
	}

	ask := do(t, h, http.MethodPost, "/v1/datasets/"+datasetID+"/ask", "u1", `{"question":"average age?"}`)
	if ask.Code != http.StatusOK {
		t.Fatalf("ask status = %d, body=%s", ask.Code, ask.Body.String())
	}
	var record ledger.QueryRecord
	if err := json.Unmarshal(ask.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.Result.Kind != executor.KindScalar || record.Summary == "" {
		t.Fatalf("record = %+v", record)
	}

	history := do(t, h, http.MethodGet, "/v1/history?dataset_id="+datasetID, "u1", "")
	if history.Code != http.StatusOK {
		t.Fatalf("history status = %d", history.Code)
	}
	records, _ := decodeBody(t, history)["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("history records = %d, want 1", len(records))
	}

	otherUser := do(t, h, http.MethodGet, "/v1/datasets/"+datasetID+"/schema", "u2", "")
	if otherUser.Code != http.StatusNotFound {
		t.Fatalf("other user schema status = %d", otherUser.Code)
	}
}

func TestAskInvalidPlanCarriesColumn(t *testing.T) {
	cfg := testConfig(t, nil)
	svc, _ := newTestService(t, fixedReply(`{"steps":[{"op":"aggregate","func":"sum","column":"salary"}]}`))
	h := NewHandler(cfg, Dependencies{Service: svc})

	datasetID := datasetIDOf(t, do(t, h, http.MethodPost, "/v1/datasets?name=people.csv", "u1", peopleCSV))
	do(t, h, http.MethodPut, "/v1/credential", "u1", `{"api_key":"sk-abcdef"}`)

	rr := do(t, h, http.MethodPost, "/v1/datasets/"+datasetID+"/ask", "u1", `{"question":"total salary"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	extra, _ := body["context"].(map[string]any)
	if body["error_code"] != "INVALID_PLAN" || extra["column"] != "salary" {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestAskRateLimited(t *testing.T) {
	cfg := testConfig(t, nil)
	svc, _ := newTestService(t, fixedReply(`{"steps":[{"op":"aggregate","func":"count"}]}`))
	clock := clockwork.NewFakeClock()
	h := NewHandler(cfg, Dependencies{Service: svc, AskLimiter: NewRateLimiter(1, 1, clock)})

	datasetID := datasetIDOf(t, do(t, h, http.MethodPost, "/v1/datasets?name=people.csv", "u1", peopleCSV))
	do(t, h, http.MethodPut, "/v1/credential", "u1", `{"api_key":"sk-abcdef"}`)

	first := do(t, h, http.MethodPost, "/v1/datasets/"+datasetID+"/ask", "u1", `{"question":"how many?"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, body=%s", first.Code, first.Body.String())
	}
	second := do(t, h, http.MethodPost, "/v1/datasets/"+datasetID+"/ask", "u1", `{"question":"how many?"}`)
	if second.Code != http.StatusTooManyRequests || second.Header().Get("Retry-After") == "" {
		t.Fatalf("second status = %d, retry-after = %q", second.Code, second.Header().Get("Retry-After"))
	}
}

func TestMultipartUploadUsesFileName(t *testing.T) {
	cfg := testConfig(t, nil)
	svc, _ := newTestService(t, fixedReply(`{}`))
	h := NewHandler(cfg, Dependencies{Service: svc})

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "people.tsv")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = part.Write([]byte("name\tage\nAna\t25\n"))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/datasets", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(auth.UserIDHeader, "u1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	ds, _ := decodeBody(t, rr)["dataset"].(map[string]any)
	if ds["name"] != "people.tsv" || ds["format"] != "tsv" {
		t.Fatalf("dataset = %v", ds)
	}
}

func TestUploadRejectsUnknownFormat(t *testing.T) {
	cfg := testConfig(t, nil)
	svc, _ := newTestService(t, fixedReply(`{}`))
	h := NewHandler(cfg, Dependencies{Service: svc})

	rr := do(t, h, http.MethodPost, "/v1/datasets?name=people.xlsx", "u1", peopleCSV)
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error_code"] != "UNSUPPORTED_FORMAT" {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestSessionRoutes(t *testing.T) {
	cfg := testConfig(t, nil)
	svc, _ := newTestService(t, fixedReply(`{}`))
	h := NewHandler(cfg, Dependencies{Service: svc})

	first := datasetIDOf(t, do(t, h, http.MethodPost, "/v1/datasets?name=a.csv", "u1", peopleCSV))
	second := datasetIDOf(t, do(t, h, http.MethodPost, "/v1/datasets?name=b.csv", "u1", peopleCSV))

	if rr := do(t, h, http.MethodGet, "/v1/datasets/"+first+"/session", "u1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("stale session status = %d", rr.Code)
	}
	bind := do(t, h, http.MethodPost, "/v1/datasets/"+first+"/session", "u1", "")
	if bind.Code != http.StatusOK || decodeBody(t, bind)["replaced"] != true {
		t.Fatalf("bind status = %d, body=%s", bind.Code, bind.Body.String())
	}
	if rr := do(t, h, http.MethodGet, "/v1/datasets/"+second+"/session", "u1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("replaced session status = %d", rr.Code)
	}
}

func TestSQLRejectsWrites(t *testing.T) {
	cfg := testConfig(t, nil)
	svc, _ := newTestService(t, fixedReply(`{}`))
	h := NewHandler(cfg, Dependencies{Service: svc})
	datasetID := datasetIDOf(t, do(t, h, http.MethodPost, "/v1/datasets?name=people.csv", "u1", peopleCSV))

	rr := do(t, h, http.MethodPost, "/v1/datasets/"+datasetID+"/sql", "u1", `{"sql":"DELETE FROM dataset"}`)
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error_code"] != "SQL_NOT_ALLOWED" {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	disabled := do(t, h, http.MethodPost, "/v1/datasets/"+datasetID+"/sql", "u1", `{"sql":"select count(*) from dataset"}`)
	if disabled.Code != http.StatusNotImplemented {
		t.Fatalf("disabled status = %d", disabled.Code)
	}
}

func TestRateLimiterIsPerUser(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(60, 2, clock)
	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow("u1"); !ok {
			t.Fatalf("request %d denied", i+1)
		}
	}
	ok, retry := limiter.Allow("u1")
	if ok || retry <= 0 {
		t.Fatalf("Allow() = %v, %v, want denied with delay", ok, retry)
	}
	if ok, _ := limiter.Allow("u2"); !ok {
		t.Fatalf("other user denied")
	}
	clock.Advance(time.Second)
	if ok, _ := limiter.Allow("u1"); !ok {
		t.Fatalf("request after refill denied")
	}
	if NewRateLimiter(0, 5, clock) != nil {
		t.Fatalf("NewRateLimiter(0) should disable limiting")
	}
}

func testConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	values := map[string]string{"SHEETQA_PROFILE": "test"}
	for k, v := range env {
		values[k] = v
	}
	cfg, err := config.Load("sheetqa-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func fixedReply(text string) llm.CompleterFunc {
	return func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{Text: text, Model: "fake-model"}, nil
	}
}

func newTestService(t *testing.T, completer llm.Completer) (*service.Service, *catalog.Memory) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	repo := catalog.NewMemory(clock.Now)
	inferencer := schema.NewInferencer(schema.DefaultOptions())
	svc := service.New(service.Config{PreviewRows: 5}, service.Deps{
		Datasets:   datastore.New(repo, storage.NewMemoryStore(), dataset.DefaultIngestOptions(), 0, clock, nil),
		Catalog:    repo,
		Schemas:    schema.NewCache(inferencer, 0),
		Translator: translator.New(map[string]llm.Completer{llm.ProviderOpenAI: completer}, llm.ProviderOpenAI, nil),
		Executor:   executor.New(executor.DefaultOptions(), inferencer.IsNull),
		Sessions:   session.NewStore(session.DefaultOptions(), clock),
		Ledger:     ledger.NewMemory(),
		Clock:      clock,
	})
	return svc, repo
}

func do(t *testing.T, h http.Handler, method, target, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if userID != "" {
		req.Header.Set(auth.UserIDHeader, userID)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v, body=%s", err, rr.Body.String())
	}
	return body
}

func datasetIDOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body=%s", rr.Code, rr.Body.String())
	}
	ds, _ := decodeBody(t, rr)["dataset"].(map[string]any)
	id, _ := ds["dataset_id"].(string)
	if id == "" {
		t.Fatalf("upload body has no dataset id: %s", rr.Body.String())
	}
	return id
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
