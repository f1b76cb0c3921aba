package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"metaboliq/internal/block"
	"metaboliq/internal/config"
)

func TestNewOpenAIAdapterRequiresModel(t *testing.T) {
	_, err := NewOpenAIAdapter(config.ModelConfig{})
	require.Error(t, err, "empty model name must be rejected")

	_, err = NewOpenAIAdapter(config.ModelConfig{Model: "gpt-4o-mini", APIKey: "sk-test"})
	require.NoError(t, err)
}

func TestBuildMessagesRoleMapping(t *testing.T) {
	blocks := []block.Block{
		{Class: block.ClassSystem, Content: block.Content{Text: "identity"}},
		{Class: block.ClassUser, Content: block.Content{Text: "do the thing"}},
		{Class: block.ClassAssistant, Content: block.Content{Text: "working on it"}},
		{Class: block.ClassTool, Content: block.Content{Text: "result data"}},
		{Class: block.ClassAssistant, Content: block.Content{Text: ""}}, // empty, skipped
	}
	msgs := buildMessages(blocks)
	require.Len(t, msgs, 4, "empty block should be skipped")
}

func TestRenderBlockHandleNeverInlinesBytes(t *testing.T) {
	b := block.Block{
		Class: block.ClassTool,
		Content: block.Content{
			Text: "loaded data.csv",
			Handle: &block.HandleRef{
				HandleID: "h-9", Kind: "table", SHA256: "cafe", Size: 12345,
			},
		},
	}
	text := renderBlock(b)
	require.Contains(t, text, "handle=h-9")
	require.Contains(t, text, "sha256=cafe")
	require.Contains(t, text, "loaded data.csv", "caption should survive")
}

func TestBuildTools(t *testing.T) {
	tools := buildTools([]ToolSchema{
		{
			Name:        "load",
			Description: "Load a file and get a handle.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
				"required":   []string{"path"},
			},
		},
		{Name: "save", Description: "Write a handle back to disk."},
	})
	require.Len(t, tools, 2)
	require.Equal(t, "load", tools[0].Function.Name)
	require.NotNil(t, tools[0].Function.Parameters)
	require.Nil(t, tools[1].Function.Parameters)
}
