// Package translator turns a natural-language question into a validated
// query plan by asking a language model with the user's own credential.
package translator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sheetqa/sheetqa/internal/llm"
	"github.com/sheetqa/sheetqa/internal/plan"
	"github.com/sheetqa/sheetqa/internal/qerr"
	"github.com/sheetqa/sheetqa/internal/schema"
)

type Credential struct {
	Provider string
	APIKey   string
}

type Translation struct {
	Plan        plan.Plan
	ModelOutput string
	Provider    string
	Model       string
	Attempts    int
}

type Translator struct {
	completers      map[string]llm.Completer
	defaultProvider string
	logger          *slog.Logger
}

// New builds a translator. completers is keyed by provider name;
// defaultProvider serves credentials that name no provider.
func New(completers map[string]llm.Completer, defaultProvider string, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{completers: completers, defaultProvider: defaultProvider, logger: logger}
}

// Translate calls the model at most twice: a reply that does not parse gets
// one corrective retry, after which the question is reported as ambiguous.
// Credential, timeout and cancellation errors from the model call are
// returned unchanged and never retried.
func (t *Translator) Translate(ctx context.Context, sch schema.Schema, question string, credential Credential) (Translation, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Translation{}, qerr.Ambiguous("question is empty", "")
	}
	if strings.TrimSpace(credential.APIKey) == "" {
		return Translation{}, qerr.Credential("no api key configured", nil)
	}
	provider := strings.ToLower(strings.TrimSpace(credential.Provider))
	if provider == "" {
		provider = t.defaultProvider
	}
	completer, ok := t.completers[provider]
	if !ok {
		return Translation{}, qerr.Credential(fmt.Sprintf("api key is for unsupported provider %q", provider), nil)
	}

	prompt := buildPrompt(sch, question)
	out := Translation{Provider: provider}
	var parseErr error
	for attempt := 1; attempt <= 2; attempt++ {
		req := llm.Request{System: systemPrompt, Prompt: prompt, APIKey: credential.APIKey}
		if attempt > 1 {
			req.Prompt = buildRetryPrompt(prompt, out.ModelOutput, parseErr)
		}
		resp, err := completer.Complete(ctx, req)
		if err != nil {
			return Translation{}, err
		}
		out.Attempts = attempt
		out.ModelOutput = resp.Text
		out.Model = resp.Model

		parsed, refusal, err := parseReply(resp.Text)
		if refusal != "" {
			return Translation{}, qerr.Ambiguous(refusal, resp.Text)
		}
		if err != nil {
			parseErr = err
			t.logger.Warn("model reply did not parse", "attempt", attempt, "provider", provider, "error", err)
			continue
		}
		if err := plan.Validate(parsed, sch); err != nil {
			return Translation{}, attachOutput(err, resp.Text)
		}
		out.Plan = parsed
		return out, nil
	}
	return Translation{}, qerr.Ambiguous(fmt.Sprintf("could not read a query plan from the model reply: %v", parseErr), out.ModelOutput)
}

// parseReply returns the plan, or a refusal reason when the model answered
// with {"error": ...}.
func parseReply(text string) (plan.Plan, string, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return plan.Plan{}, "", err
	}
	var envelope struct {
		Error string          `json:"error"`
		Steps json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return plan.Plan{}, "", err
	}
	if envelope.Error != "" && len(envelope.Steps) == 0 {
		return plan.Plan{}, envelope.Error, nil
	}
	parsed, err := plan.Parse([]byte(raw))
	if err != nil {
		return plan.Plan{}, "", err
	}
	return parsed, "", nil
}

func attachOutput(err error, modelOutput string) error {
	var qe *qerr.Error
	if errors.As(err, &qe) && qe.ModelOutput == "" {
		copied := *qe
		copied.ModelOutput = modelOutput
		return &copied
	}
	return err
}
