// Package oracle wraps the generative text/vision service the application
// consults for identity matching, translation, summarization and content
// transforms. All of its judgments are advisory except the security verdict
// on critical-priority sends; every method degrades to a documented default
// when the service is unreachable or returns garbage.
package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// generator is the minimal surface the oracle methods need; tests provide a
// fake, production uses the Anthropic-backed implementation.
type generator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	GenerateVision(ctx context.Context, imageBase64, prompt string) (string, error)
}

type anthropicGenerator struct {
	client      anthropic.Client
	model       string
	visionModel string
	timeout     time.Duration
}

func newAnthropicGenerator(apiKey, model, visionModel string, timeout time.Duration) *anthropicGenerator {
	return &anthropicGenerator{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       model,
		visionModel: visionModel,
		timeout:     timeout,
	}
}

func (g *anthropicGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("oracle text call: %w", err)
	}
	return collectText(resp), nil
}

func (g *anthropicGenerator) GenerateVision(ctx context.Context, imageBase64, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.visionModel),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64("image/jpeg", imageBase64),
				anthropic.NewTextBlock(prompt),
			),
		},
	})
	if err != nil {
		return "", fmt.Errorf("oracle vision call: %w", err)
	}
	return collectText(resp), nil
}

func collectText(resp *anthropic.Message) string {
	var out string
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.AsText().Text
		}
	}
	return out
}
