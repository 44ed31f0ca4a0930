package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIBaseURL points at Groq's OpenAI-compatible endpoint.
const (
	DefaultOpenAIBaseURL = "https://api.groq.com/openai/v1"
	DefaultOpenAIModel   = "llama-3.3-70b-versatile"
)

type OpenAI struct {
	cfg Config
}

func NewOpenAI(cfg Config) *OpenAI {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultOpenAIModel
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.HTTPClient = defaultHTTPClient(cfg.HTTPClient)
	return &OpenAI{cfg: cfg}
}

func (c *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	if err := requireKey(req); err != nil {
		return Response{}, err
	}
	clientConfig := openai.DefaultConfig(strings.TrimSpace(req.APIKey))
	clientConfig.BaseURL = c.cfg.BaseURL
	clientConfig.HTTPClient = c.cfg.HTTPClient
	client := openai.NewClientWithConfig(clientConfig)

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: float32(c.cfg.Temperature),
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return Response{}, classify(ctx, ProviderOpenAI, openAIStatus(err), err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("openai completion: no choices in response")
	}
	model := resp.Model
	if model == "" {
		model = c.cfg.Model
	}
	return Response{Text: resp.Choices[0].Message.Content, Model: model, Provider: ProviderOpenAI}, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
