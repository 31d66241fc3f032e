// Package openai adapts OpenAI's Chat Completions API to the
// model.Provider interface.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	oa "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/dshills/agentflow-go/agent/model"
)

// maxToolRounds caps the internal tool-call loop.
const maxToolRounds = 8

// Provider implements model.Provider over the official openai-go client.
// Safe for concurrent use after creation.
type Provider struct {
	client *oa.Client
	model  string
}

// New creates a Provider for the given model, e.g. "gpt-4o".
func New(apiKey, modelName string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if modelName == "" {
		return nil, fmt.Errorf("openai: model name is required")
	}
	client := oa.NewClient(option.WithAPIKey(apiKey))
	return &Provider{client: &client, model: modelName}, nil
}

func (p *Provider) buildParams(req model.Request) oa.ChatCompletionNewParams {
	msgs := make([]oa.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, oa.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			msgs = append(msgs, oa.SystemMessage(m.Content))
		case model.RoleAssistant:
			msgs = append(msgs, oa.AssistantMessage(m.Content))
		case model.RoleTool:
			msgs = append(msgs, oa.ToolMessage(m.Content, m.ToolCallID))
		default:
			msgs = append(msgs, oa.UserMessage(m.Content))
		}
	}

	params := oa.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = oa.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = oa.Float(*req.Temperature)
	}
	if req.JSONMode {
		params.ResponseFormat = oa.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: oa.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}
	return params
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, req model.Request) (*model.Completion, error) {
	params := p.buildParams(req)
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty response")
	}
	return toCompletion(completion, 0, 0), nil
}

// CompleteWithTools implements model.Provider, running the tool-call loop
// until the model produces a final answer or the round cap is reached.
func (p *Provider) CompleteWithTools(ctx context.Context, req model.Request, tools []model.ToolSpec, exec model.ToolExecutor) (*model.Completion, error) {
	params := p.buildParams(req)
	params.Tools = encodeTools(tools)

	var totalIn, totalOut int64
	for round := 0; ; round++ {
		completion, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, mapError(err)
		}
		if len(completion.Choices) == 0 {
			return nil, fmt.Errorf("openai: empty response")
		}
		totalIn += completion.Usage.PromptTokens
		totalOut += completion.Usage.CompletionTokens

		choice := completion.Choices[0]
		if len(choice.Message.ToolCalls) == 0 || round >= maxToolRounds {
			return toCompletion(completion,
				totalIn-completion.Usage.PromptTokens,
				totalOut-completion.Usage.CompletionTokens), nil
		}

		params.Messages = append(params.Messages, choice.Message.ToParam())
		for _, call := range choice.Message.ToolCalls {
			var input map[string]any
			if args := call.Function.Arguments; args != "" {
				if err := json.Unmarshal([]byte(args), &input); err != nil {
					params.Messages = append(params.Messages,
						oa.ToolMessage(fmt.Sprintf("invalid tool arguments: %v", err), call.ID))
					continue
				}
			}
			content, isErr := exec(ctx, call.Function.Name, input)
			if isErr && content == "" {
				content = "tool call failed"
			}
			params.Messages = append(params.Messages, oa.ToolMessage(content, call.ID))
		}
	}
}

func encodeTools(tools []model.ToolSpec) []oa.ChatCompletionToolUnionParam {
	out := make([]oa.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn := shared.FunctionDefinitionParam{Name: t.Name}
		if t.Description != "" {
			fn.Description = oa.String(t.Description)
		}
		if t.InputSchema != nil {
			fn.Parameters = shared.FunctionParameters(t.InputSchema)
		}
		out = append(out, oa.ChatCompletionFunctionTool(fn))
	}
	return out
}

func toCompletion(c *oa.ChatCompletion, priorIn, priorOut int64) *model.Completion {
	return &model.Completion{
		Content:      c.Choices[0].Message.Content,
		Model:        c.Model,
		InputTokens:  int(priorIn + c.Usage.PromptTokens),
		OutputTokens: int(priorOut + c.Usage.CompletionTokens),
	}
}

func mapError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") {
		return fmt.Errorf("%w: %v", model.ErrRateLimited, err)
	}
	return fmt.Errorf("openai: %w", err)
}
