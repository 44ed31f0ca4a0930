// Package sheetqactl is the command-line client for the sheetqa API.
package sheetqactl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

type Options struct {
	BaseURL    string
	APIKey     string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sheetqactl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sheetqa API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	userID := fs.String("user", defaults.UserID, "user id header (used when auth is disabled)")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")
	name := fs.String("name", "", "dataset name for upload (defaults to the file name)")
	format := fs.String("format", "", "dataset format for upload: csv, tsv or parquet")
	limit := fs.Int("limit", 0, "maximum history records (0 = all)")
	provider := fs.String("provider", "", "model provider for set-key: openai or anthropic")
	rowLimit := fs.Int("row-limit", 0, "row limit for sql (0 = server default)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	var req request
	switch command {
	case "health":
		req = request{method: http.MethodGet, path: "/v1/health"}
	case "ready":
		req = request{method: http.MethodGet, path: "/v1/ready"}
	case "datasets":
		req = request{method: http.MethodGet, path: "/v1/datasets"}
	case "upload":
		if len(rest) != 1 {
			return usageError(stderr, "upload needs exactly one file")
		}
		data, err := os.ReadFile(rest[0])
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "read %s: %v\n", rest[0], err)
			return 1
		}
		query := url.Values{}
		query.Set("name", firstNonEmpty(*name, filepath.Base(rest[0])))
		if strings.TrimSpace(*format) != "" {
			query.Set("format", *format)
		}
		req = request{method: http.MethodPost, path: "/v1/datasets", query: query, body: bytes.NewReader(data), contentType: "application/octet-stream"}
	case "schema", "preview":
		if len(rest) != 1 {
			return usageError(stderr, command+" needs a dataset id")
		}
		req = request{method: http.MethodGet, path: "/v1/datasets/" + url.PathEscape(rest[0]) + "/" + command}
	case "session":
		if len(rest) != 1 {
			return usageError(stderr, "session needs a dataset id")
		}
		req = request{method: http.MethodPost, path: "/v1/datasets/" + url.PathEscape(rest[0]) + "/session"}
	case "ask":
		if len(rest) < 2 {
			return usageError(stderr, "ask needs a dataset id and a question")
		}
		req = jsonRequest(http.MethodPost, "/v1/datasets/"+url.PathEscape(rest[0])+"/ask", map[string]any{"question": strings.Join(rest[1:], " ")})
	case "sql":
		if len(rest) < 2 {
			return usageError(stderr, "sql needs a dataset id and a statement")
		}
		req = jsonRequest(http.MethodPost, "/v1/datasets/"+url.PathEscape(rest[0])+"/sql", map[string]any{"sql": strings.Join(rest[1:], " "), "row_limit": *rowLimit})
	case "history":
		if len(rest) > 1 {
			return usageError(stderr, "history takes at most one dataset id")
		}
		query := url.Values{}
		if len(rest) == 1 {
			query.Set("dataset_id", rest[0])
		}
		if *limit > 0 {
			query.Set("limit", strconv.Itoa(*limit))
		}
		req = request{method: http.MethodGet, path: "/v1/history", query: query}
	case "set-key":
		if len(rest) != 1 {
			return usageError(stderr, "set-key needs exactly one key")
		}
		req = jsonRequest(http.MethodPut, "/v1/credential", map[string]any{"api_key": rest[0], "provider": *provider})
	case "key-status":
		req = request{method: http.MethodGet, path: "/v1/credential"}
	case "revoke-key":
		req = request{method: http.MethodDelete, path: "/v1/credential"}
	default:
		return usageError(stderr, fmt.Sprintf("unknown command %q", command))
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}
	code, responseBody, err := doRequest(ctx, client, req, endpoint, *apiKey, *userID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func jsonRequest(method, path string, payload map[string]any) request {
	encoded, _ := json.Marshal(payload)
	return request{method: method, path: path, body: bytes.NewReader(encoded), contentType: "application/json"}
}

func doRequest(ctx context.Context, client *http.Client, r request, endpoint, apiKey, userID string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, r.body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
	if strings.TrimSpace(userID) != "" {
		req.Header.Set("X-User-ID", strings.TrimSpace(userID))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func usageError(w io.Writer, message string) int {
	_, _ = fmt.Fprintf(w, "%s\n\n", message)
	writeUsage(w)
	return 2
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sheetqactl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                     GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                      GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  upload <file>              POST /v1/datasets")
	_, _ = fmt.Fprintln(w, "  datasets                   GET /v1/datasets")
	_, _ = fmt.Fprintln(w, "  schema <dataset>           GET /v1/datasets/{dataset}/schema")
	_, _ = fmt.Fprintln(w, "  preview <dataset>          GET /v1/datasets/{dataset}/preview")
	_, _ = fmt.Fprintln(w, "  session <dataset>          POST /v1/datasets/{dataset}/session")
	_, _ = fmt.Fprintln(w, "  ask <dataset> <question>   POST /v1/datasets/{dataset}/ask")
	_, _ = fmt.Fprintln(w, "  sql <dataset> <statement>  POST /v1/datasets/{dataset}/sql")
	_, _ = fmt.Fprintln(w, "  history [dataset]          GET /v1/history")
	_, _ = fmt.Fprintln(w, "  set-key <key>              PUT /v1/credential")
	_, _ = fmt.Fprintln(w, "  key-status                 GET /v1/credential")
	_, _ = fmt.Fprintln(w, "  revoke-key                 DELETE /v1/credential")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
