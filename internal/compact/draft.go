package compact

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DraftEnhancer proposes an alternative tier-1 description, layered on top
// of the deterministic SummarizeTier1 result. It is advisory only: the
// deterministic summary is always what gets applied if the enhancer errs,
// times out, or is unconfigured (spec.md §9 design note — AI assistance
// never replaces the deterministic guarantee).
type DraftEnhancer interface {
	EnhanceTier1(ctx context.Context, title, description, deterministic string) (string, error)
}

// defaultModel is the Haiku snapshot used for draft enhancement, matching
// the teacher's compaction client's pinned model string.
const defaultModel = "claude-3-5-haiku-20241022"

// anthropicDraftEnhancer calls Claude to propose a tighter tier-1 summary,
// grounded on the teacher's Haiku-backed summarizer client.
type anthropicDraftEnhancer struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicDraftEnhancer returns a DraftEnhancer backed by the Anthropic
// API, or nil if apiKey is empty (no enhancer configured).
func NewAnthropicDraftEnhancer(apiKey string) DraftEnhancer {
	if apiKey == "" {
		return nil
	}
	return &anthropicDraftEnhancer{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  defaultModel,
	}
}

func (e *anthropicDraftEnhancer) EnhanceTier1(ctx context.Context, title, description, deterministic string) (string, error) {
	msg, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: 200,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(
				"Tighten this issue summary to at most %d characters, preserving its meaning.\n\nTitle: %s\n\nCurrent summary: %s",
				Tier1MaxLen, title, deterministic,
			))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("compact: anthropic enhancement request: %w", err)
	}
	if len(msg.Content) == 0 || msg.Content[0].Type != "text" {
		return "", fmt.Errorf("compact: anthropic returned no text content")
	}
	text := msg.Content[0].Text
	if text == "" || len(text) > Tier1MaxLen {
		return "", fmt.Errorf("compact: anthropic draft rejected (empty or over length)")
	}
	return text, nil
}
