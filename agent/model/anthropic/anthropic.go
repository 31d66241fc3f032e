// Package anthropic adapts Anthropic's Claude Messages API to the
// model.Provider interface.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/agentflow-go/agent/model"
)

const defaultMaxTokens = 4096

// maxToolRounds caps the internal tool-call loop so a model that keeps
// requesting tools cannot spin forever.
const maxToolRounds = 8

// Provider implements model.Provider over the official anthropic-sdk-go
// client. Safe for concurrent use after creation.
type Provider struct {
	client *sdk.Client
	model  string
}

// New creates a Provider for the given model, e.g.
// "claude-sonnet-4-20250514".
func New(apiKey, modelName string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if modelName == "" {
		return nil, fmt.Errorf("anthropic: model name is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Provider{client: &client, model: modelName}, nil
}

func (p *Provider) buildParams(req model.Request) (sdk.MessageNewParams, error) {
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleUser, model.RoleTool:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleSystem:
			// System turns fold into the top-level system prompt below.
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, fmt.Errorf("anthropic: at least one user message is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	system := req.System
	for _, m := range req.Messages {
		if m.Role == model.RoleSystem && m.Content != "" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
		}
	}
	if req.JSONMode {
		// Claude has no structured-output switch; steer via the system
		// prompt instead.
		if system != "" {
			system += "\n"
		}
		system += "Respond with valid JSON only, no surrounding text."
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	return params, nil
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, req model.Request) (*model.Completion, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}
	return toCompletion(msg, 0, 0), nil
}

// CompleteWithTools implements model.Provider. Tool calls requested by the
// model run through exec; results feed back until the model stops asking or
// the round cap is reached.
func (p *Provider) CompleteWithTools(ctx context.Context, req model.Request, tools []model.ToolSpec, exec model.ToolExecutor) (*model.Completion, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	params.Tools = encodeTools(tools)

	var totalIn, totalOut int64
	for round := 0; ; round++ {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return nil, mapError(err)
		}
		totalIn += msg.Usage.InputTokens
		totalOut += msg.Usage.OutputTokens

		if string(msg.StopReason) != "tool_use" || round >= maxToolRounds {
			return toCompletion(msg, totalIn-msg.Usage.InputTokens, totalOut-msg.Usage.OutputTokens), nil
		}

		assistant := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
		results := make([]sdk.ContentBlockParamUnion, 0, 2)
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					assistant = append(assistant, sdk.NewTextBlock(block.Text))
				}
			case "tool_use":
				assistant = append(assistant, sdk.NewToolUseBlock(block.ID, block.Input, block.Name))
				var input map[string]any
				if len(block.Input) > 0 {
					if err := json.Unmarshal(block.Input, &input); err != nil {
						results = append(results, sdk.NewToolResultBlock(block.ID,
							fmt.Sprintf("invalid tool input: %v", err), true))
						continue
					}
				}
				content, isErr := exec(ctx, block.Name, input)
				results = append(results, sdk.NewToolResultBlock(block.ID, content, isErr))
			}
		}
		if len(results) == 0 {
			return toCompletion(msg, totalIn-msg.Usage.InputTokens, totalOut-msg.Usage.OutputTokens), nil
		}
		params.Messages = append(params.Messages,
			sdk.NewAssistantMessage(assistant...),
			sdk.NewUserMessage(results...))
	}
}

func encodeTools(tools []model.ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := sdk.ToolInputSchemaParam{}
		if t.InputSchema != nil {
			schema.ExtraFields = t.InputSchema
		}
		u := sdk.ToolUnionParamOfTool(schema, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out
}

// toCompletion converts a response, adding previously accumulated tokens
// from earlier tool-loop rounds.
func toCompletion(msg *sdk.Message, priorIn, priorOut int64) *model.Completion {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &model.Completion{
		Content:      text.String(),
		Model:        string(msg.Model),
		InputTokens:  int(priorIn + msg.Usage.InputTokens),
		OutputTokens: int(priorOut + msg.Usage.OutputTokens),
	}
}

// mapError surfaces rate limits as model.ErrRateLimited so the retry helper
// can back off.
func mapError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") {
		return fmt.Errorf("%w: %v", model.ErrRateLimited, err)
	}
	return fmt.Errorf("anthropic: %w", err)
}
