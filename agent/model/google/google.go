// Package google adapts Google's Gemini API to the model.Provider
// interface.
package google

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/agentflow-go/agent/model"
)

// maxToolRounds caps the internal function-call loop.
const maxToolRounds = 8

// Provider implements model.Provider for Gemini models.
//
// A fresh genai client is created per call; the SDK client holds an open
// connection and the runtime's rate-limited call helper already spaces
// requests out.
type Provider struct {
	apiKey string
	model  string
}

// New creates a Provider. An empty model name defaults to
// "gemini-2.5-flash".
func New(apiKey, modelName string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google: API key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &Provider{apiKey: apiKey, model: modelName}, nil
}

func (p *Provider) newModel(ctx context.Context, req model.Request) (*genai.Client, *genai.GenerativeModel, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return nil, nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	gm := client.GenerativeModel(p.model)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.JSONMode {
		gm.ResponseMIMEType = "application/json"
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		gm.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := int32(req.MaxTokens)
		gm.MaxOutputTokens = &mt
	}
	return client, gm, nil
}

// messageParts flattens conversation turns into Gemini text parts.
func messageParts(msgs []model.Message) []genai.Part {
	var parts []genai.Part
	for _, m := range msgs {
		if m.Content != "" {
			parts = append(parts, genai.Text(m.Content))
		}
	}
	return parts
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, req model.Request) (*model.Completion, error) {
	client, gm, err := p.newModel(ctx, req)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	resp, err := gm.GenerateContent(ctx, messageParts(req.Messages)...)
	if err != nil {
		return nil, mapError(err)
	}
	return p.toCompletion(resp, 0, 0), nil
}

// CompleteWithTools implements model.Provider using a chat session so
// function responses thread back into the conversation.
func (p *Provider) CompleteWithTools(ctx context.Context, req model.Request, tools []model.ToolSpec, exec model.ToolExecutor) (*model.Completion, error) {
	client, gm, err := p.newModel(ctx, req)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	gm.Tools = encodeTools(tools)

	session := gm.StartChat()
	resp, err := session.SendMessage(ctx, messageParts(req.Messages)...)
	if err != nil {
		return nil, mapError(err)
	}

	var priorIn, priorOut int32
	for round := 0; round < maxToolRounds; round++ {
		calls := functionCalls(resp)
		if len(calls) == 0 {
			break
		}
		if resp.UsageMetadata != nil {
			priorIn += resp.UsageMetadata.PromptTokenCount
			priorOut += resp.UsageMetadata.CandidatesTokenCount
		}

		replies := make([]genai.Part, 0, len(calls))
		for _, call := range calls {
			content, isErr := exec(ctx, call.Name, call.Args)
			replies = append(replies, genai.FunctionResponse{
				Name: call.Name,
				Response: map[string]any{
					"content":  content,
					"is_error": isErr,
				},
			})
		}
		resp, err = session.SendMessage(ctx, replies...)
		if err != nil {
			return nil, mapError(err)
		}
	}
	return p.toCompletion(resp, priorIn, priorOut), nil
}

func functionCalls(resp *genai.GenerateContentResponse) []genai.FunctionCall {
	var calls []genai.FunctionCall
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if fc, ok := part.(genai.FunctionCall); ok {
			calls = append(calls, fc)
		}
	}
	return calls
}

func encodeTools(tools []model.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaFromMap(t.InputSchema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// schemaFromMap converts a JSON schema map to the genai schema type.
// Handles the object/properties/required shape tool specs use; nested
// schemas convert recursively.
func schemaFromMap(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}
	if ts, ok := schema["type"].(string); ok {
		result.Type = typeFromString(ts)
	}
	if desc, ok := schema["description"].(string); ok {
		result.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		result.Properties = make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			if pm, ok := val.(map[string]any); ok {
				result.Properties[key] = schemaFromMap(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		result.Items = schemaFromMap(items)
	}
	switch required := schema["required"].(type) {
	case []string:
		result.Required = required
	case []any:
		for _, v := range required {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}

func typeFromString(s string) genai.Type {
	switch s {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func (p *Provider) toCompletion(resp *genai.GenerateContentResponse, priorIn, priorOut int32) *model.Completion {
	out := &model.Completion{Model: p.model}
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		var text strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
		out.Content = text.String()
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(priorIn + u.PromptTokenCount)
		out.OutputTokens = int(priorOut + u.CandidatesTokenCount)
	}
	return out
}

func mapError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "quota") {
		return fmt.Errorf("%w: %v", model.ErrRateLimited, err)
	}
	return fmt.Errorf("google: %w", err)
}
