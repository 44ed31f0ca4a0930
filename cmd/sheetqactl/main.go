package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sheetqa/sheetqa/internal/cli/sheetqactl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("SHEETQA_CLI_TIMEOUT")), 60*time.Second)
	options := sheetqactl.Options{
		BaseURL: envOr("SHEETQA_API_URL", "http://localhost:8080"),
		APIKey:  strings.TrimSpace(os.Getenv("SHEETQA_API_KEY")),
		UserID:  strings.TrimSpace(os.Getenv("SHEETQA_USER_ID")),
		Timeout: timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	code := sheetqactl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid SHEETQA_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
