package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"metaboliq/internal/block"
	"metaboliq/internal/config"
	"metaboliq/internal/logging"
)

// OpenAIAdapter speaks the chat completion protocol for any
// OpenAI-compatible endpoint.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

// NewOpenAIAdapter builds an adapter from model configuration.
func NewOpenAIAdapter(cfg config.ModelConfig) (*OpenAIAdapter, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIAdapter{client: openai.NewClient(opts...), model: cfg.Model}, nil
}

// Complete sends the working context and tool surface, then maps the
// response to an action. A response with neither text nor tool calls
// is ErrInvalidOutput.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (Action, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(a.model),
		Messages: buildMessages(req.Blocks),
	}
	if tools := buildTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Action{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Action{}, fmt.Errorf("%w: empty choice list", ErrInvalidOutput)
	}

	msg := resp.Choices[0].Message
	action := Action{Text: strings.TrimSpace(msg.Content)}
	for i, tc := range msg.ToolCalls {
		name := strings.TrimSpace(tc.Function.Name)
		if name == "" {
			return Action{}, fmt.Errorf("%w: tool call %d has no name", ErrInvalidOutput, i)
		}
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return Action{}, fmt.Errorf("%w: tool call %s arguments are not JSON", ErrInvalidOutput, name)
		}
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			id = fmt.Sprintf("call_%d", i+1)
		}
		action.Calls = append(action.Calls, ToolCall{ID: id, Name: name, Args: json.RawMessage(args)})
	}

	switch {
	case len(action.Calls) > 0:
		action.Type = ActionToolCalls
	case action.Text != "":
		action.Type = ActionFinal
	default:
		return Action{}, fmt.Errorf("%w: no text and no tool calls", ErrInvalidOutput)
	}

	logging.Get(logging.CategoryModel).Debugw("completion mapped",
		"type", action.Type, "calls", len(action.Calls),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return action, nil
}

// buildMessages flattens working context blocks into chat messages.
// Tool blocks become labeled user messages rather than protocol tool
// messages: erasure can remove the assistant turn that issued a call
// while its result survives, and a strict tool message with a dangling
// call id would be rejected by the endpoint.
func buildMessages(blocks []block.Block) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(blocks))
	for _, b := range blocks {
		text := renderBlock(b)
		if text == "" {
			continue
		}
		switch b.Class {
		case block.ClassSystem:
			out = append(out, openai.SystemMessage(text))
		case block.ClassAssistant:
			out = append(out, openai.AssistantMessage(text))
		case block.ClassTool:
			out = append(out, openai.UserMessage("[tool result] "+text))
		default:
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

// renderBlock produces the model-visible text for a block. Handle
// content renders as its reference, never as bytes.
func renderBlock(b block.Block) string {
	if b.Content.Handle != nil {
		h := b.Content.Handle
		s := fmt.Sprintf("handle=%s kind=%s size=%d sha256=%s", h.HandleID, h.Kind, h.Size, h.SHA256)
		if b.Content.Text != "" {
			s = b.Content.Text + "\n" + s
		}
		return s
	}
	return b.Content.Text
}

func buildTools(schemas []ToolSchema) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(schemas))
	for _, s := range schemas {
		fn := shared.FunctionDefinitionParam{
			Name:        s.Name,
			Description: openai.String(s.Description),
		}
		if len(s.Parameters) > 0 {
			fn.Parameters = shared.FunctionParameters(s.Parameters)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}
