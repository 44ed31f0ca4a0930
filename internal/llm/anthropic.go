package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const DefaultAnthropicModel = "claude-sonnet-4-5"

type Anthropic struct {
	cfg Config
}

func NewAnthropic(cfg Config) *Anthropic {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.HTTPClient = defaultHTTPClient(cfg.HTTPClient)
	return &Anthropic{cfg: cfg}
}

func (c *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	if err := requireKey(req); err != nil {
		return Response{}, err
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(req.APIKey)),
		option.WithHTTPClient(c.cfg.HTTPClient),
		option.WithMaxRetries(0),
	}
	if c.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: int64(c.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(c.cfg.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classify(ctx, ProviderAnthropic, anthropicStatus(err), err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return Response{Text: block.Text, Model: string(msg.Model), Provider: ProviderAnthropic}, nil
		}
	}
	return Response{}, fmt.Errorf("anthropic completion: no text content in response")
}

func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
