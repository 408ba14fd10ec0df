// Package openaimodel implements model.LanguageModel on top of the OpenAI
// Chat Completions API, using OpenAI's native JSON-schema response format
// rather than a tool-call translation, since it is a direct match for the
// engine's single structured-output call.
package openaimodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/cronicorn/engine/internal/model"
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// adapter, so tests can substitute a fake.
	ChatClient interface {
		New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// Options configures the adapter.
	Options struct {
		Client       ChatClient
		DefaultModel string
	}

	// Client implements model.LanguageModel on the OpenAI Chat Completions API.
	Client struct {
		chat  ChatClient
		model string
	}
)

// New builds an OpenAI-backed language model from the supplied options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openaimodel: chat client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("openaimodel: default model is required")
	}
	return &Client{chat: opts.Client, model: modelID}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openaimodel: api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &c.Chat.Completions, DefaultModel: defaultModel})
}

// Generate issues a Chat Completions call constrained to req.Schema via the
// response_format=json_schema mechanism and returns the raw JSON content.
func (c *Client) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openaimodel: messages are required")
	}
	if req.Schema == nil {
		return model.Response{}, errors.New("openaimodel: schema is required")
	}

	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, err
	}

	schemaName := req.SchemaName
	if schemaName == "" {
		schemaName = "result"
	}

	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schemaName,
					Schema: req.Schema,
					Strict: openai.Bool(true),
				},
			},
		},
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openaimodel: chat completion: %w", err)
	}
	return translateResponse(resp)
}

func encodeMessages(msgs []model.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("openaimodel: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openaimodel: at least one user message is required")
	}
	return out, nil
}

func translateResponse(resp *openai.ChatCompletion) (model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return model.Response{}, errors.New("openaimodel: empty response")
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return model.Response{}, errors.New("openaimodel: response has no content")
	}
	// Validate the content is well-formed JSON before handing it off; a
	// strict json_schema response should already guarantee this.
	var probe json.RawMessage
	if err := json.Unmarshal([]byte(content), &probe); err != nil {
		return model.Response{}, fmt.Errorf("openaimodel: response content is not valid JSON: %w", err)
	}
	return model.Response{
		Raw: content,
		Usage: model.TokenUsage{
			InputTokens:     int(resp.Usage.PromptTokens),
			OutputTokens:    int(resp.Usage.CompletionTokens),
			TotalTokens:     int(resp.Usage.TotalTokens),
			ReasoningTokens: int(resp.Usage.CompletionTokensDetails.ReasoningTokens),
			CachedInputTokens: int(resp.Usage.PromptTokensDetails.CachedTokens),
		},
	}, nil
}

func isRateLimited(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
