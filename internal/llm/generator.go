package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/normanking/edubuddy/internal/safety"
	"github.com/normanking/edubuddy/internal/specialist"
)

// ChatGenerator adapts a Provider to specialist.Generator for one model.
type ChatGenerator struct {
	provider Provider
	model    string
}

// NewChatGenerator binds provider to model.
func NewChatGenerator(provider Provider, model string) *ChatGenerator {
	return &ChatGenerator{provider: provider, model: model}
}

// Model returns the bound model identifier.
func (g *ChatGenerator) Model() string { return g.model }

// Generate implements specialist.Generator.
func (g *ChatGenerator) Generate(ctx context.Context, req specialist.GenerateRequest) (string, error) {
	resp, err := g.provider.Chat(ctx, &ChatRequest{
		Model:        g.model,
		SystemPrompt: req.System,
		Messages:     []Message{{Role: "user", Content: req.Prompt}},
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Content, nil
}

const checkerSystemPrompt = "你是儿童内容安全审核员。判断下面这段将要发给儿童的回复是否安全。" +
	"只回答一行：安全则回答 SAFE；不安全则回答 UNSAFE: 后接简短原因。"

// ChatChecker implements safety.SemanticChecker by asking a model to answer
// SAFE or UNSAFE: <reason>.
type ChatChecker struct {
	provider Provider
	model    string
}

// NewChatChecker creates a semantic checker on provider and model.
func NewChatChecker(provider Provider, model string) *ChatChecker {
	return &ChatChecker{provider: provider, model: model}
}

// Classify implements safety.SemanticChecker. Output other than SAFE or
// UNSAFE is a malformed-output error.
func (c *ChatChecker) Classify(ctx context.Context, text string) (safety.SemanticVerdict, error) {
	resp, err := c.provider.Chat(ctx, &ChatRequest{
		Model:        c.model,
		SystemPrompt: checkerSystemPrompt,
		Messages:     []Message{{Role: "user", Content: text}},
		MaxTokens:    64,
	})
	if err != nil {
		return safety.SemanticVerdict{}, err
	}
	return parseVerdict(resp.Content)
}

func parseVerdict(s string) (safety.SemanticVerdict, error) {
	line := strings.TrimSpace(s)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	upper := strings.ToUpper(line)

	switch {
	case upper == "SAFE" || upper == "SAFE.":
		return safety.SemanticVerdict{Safe: true}, nil
	case strings.HasPrefix(upper, "UNSAFE"):
		reason := strings.TrimSpace(line[len("UNSAFE"):])
		reason = strings.TrimSpace(strings.TrimLeft(reason, ":："))
		if reason == "" {
			reason = "unsafe content"
		}
		return safety.SemanticVerdict{Safe: false, Reason: reason}, nil
	default:
		return safety.SemanticVerdict{}, fmt.Errorf("malformed classifier output: %q", line)
	}
}
