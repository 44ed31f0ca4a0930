// Package llm calls the external language model on behalf of a user. The
// user's API key travels with each request; clients hold no key of their own.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sheetqa/sheetqa/internal/qerr"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

type Request struct {
	System string
	Prompt string
	APIKey string
}

type Response struct {
	Text     string
	Model    string
	Provider string
}

type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (Response, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

type Config struct {
	Provider    string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

// New builds the completer for cfg.Provider.
func New(cfg Config) (Completer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderOpenAI:
		return NewOpenAI(cfg), nil
	case ProviderAnthropic:
		return NewAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// classify maps transport failures onto the query error taxonomy. status is
// the HTTP status reported by the provider, or 0 when none was received.
func classify(ctx context.Context, provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return qerr.Credential(fmt.Sprintf("%s rejected the api key (HTTP %d)", provider, status), err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return qerr.Timeout("language model call exceeded its deadline", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s completion: %w", provider, err)
}

func requireKey(req Request) error {
	if strings.TrimSpace(req.APIKey) == "" {
		return qerr.Credential("no api key configured", nil)
	}
	return nil
}

func defaultHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 2 * time.Minute}
}
