// Package anthropicmodel implements model.LanguageModel on top of the
// Anthropic Claude Messages API using a single forced-tool-use call that
// turns a JSON Schema into a structured response: Claude has no native
// "response format" mode, so structured output is obtained by declaring
// one tool whose input_schema is the caller's schema and forcing
// tool_choice to it.
package anthropicmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cronicorn/engine/internal/model"
)

const resultToolName = "emit_result"

type (
	// MessagesClient captures the subset of the Anthropic SDK client used
	// by the adapter, so tests can substitute a fake.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used for every call.
		DefaultModel string

		// MaxTokens caps the completion when a request does not specify one.
		MaxTokens int
	}

	// Client implements model.LanguageModel on Anthropic Claude Messages.
	Client struct {
		msg   MessagesClient
		model string
		maxTok int
	}
)

// New builds an Anthropic-backed language model from the supplied Messages
// client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropicmodel: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropicmodel: default model is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 4096
	}
	return &Client{msg: msg, model: opts.DefaultModel, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// transport, reading connection defaults from the environment.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropicmodel: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Generate issues a Messages.New call with a single forced tool matching
// req.Schema, and returns the tool's input as raw JSON text.
func (c *Client) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("anthropicmodel: messages are required")
	}
	if req.Schema == nil {
		return model.Response{}, errors.New("anthropicmodel: schema is required")
	}

	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, err
	}

	schemaParam, err := toolInputSchema(req.Schema)
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropicmodel: encode schema: %w", err)
	}
	toolName := req.SchemaName
	if toolName == "" {
		toolName = resultToolName
	}
	tool := sdk.ToolUnionParamOfTool(schemaParam, toolName)
	if tool.OfTool != nil {
		tool.OfTool.Description = sdk.String("Emit the result conforming to the required schema.")
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(c.model),
		Tools:     []sdk.ToolUnionParam{tool},
		ToolChoice: sdk.ToolChoiceParamOfTool(toolName),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("anthropicmodel: messages.new: %w", err)
	}
	return translateResponse(msg, toolName)
}

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, nil, fmt.Errorf("anthropicmodel: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropicmodel: at least one user message is required")
	}
	return conversation, system, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message, toolName string) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropicmodel: response message is nil")
	}
	usage := model.TokenUsage{
		InputTokens:       int(msg.Usage.InputTokens),
		OutputTokens:      int(msg.Usage.OutputTokens),
		TotalTokens:       int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		CachedInputTokens: int(msg.Usage.CacheReadInputTokens),
	}
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		var use struct {
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}
		raw, err := block.MarshalJSON()
		if err != nil {
			return model.Response{}, fmt.Errorf("anthropicmodel: marshal tool_use block: %w", err)
		}
		if err := json.Unmarshal(raw, &use); err != nil {
			return model.Response{}, fmt.Errorf("anthropicmodel: decode tool_use block: %w", err)
		}
		if use.Name != toolName {
			continue
		}
		return model.Response{Raw: string(use.Input), Usage: usage}, nil
	}
	return model.Response{}, fmt.Errorf("anthropicmodel: no %q tool_use block in response", toolName)
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
