// Package classify decides whether a chat message describes a product need.
package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/affbot/internal/llm"
)

// Completer is the chat completion capability the classifier needs.
type Completer interface {
	Complete(ctx context.Context, model, system, user string, temperature *float64) (string, error)
}

// Classifier asks an LLM a Yes/No question about each message.
type Classifier struct {
	client Completer
	model  string
}

func New(client Completer, model string) *Classifier {
	return &Classifier{client: client, model: model}
}

// Classify reports whether text is a product need. Any answer other than
// "yes" (case-insensitive, trailing punctuation ignored) is false.
func (c *Classifier) Classify(ctx context.Context, text string) (bool, error) {
	answer, err := c.client.Complete(ctx, c.model, systemPrompt, BuildUserPrompt(text), llm.Temperature(0))
	if err != nil {
		return false, fmt.Errorf("classifying message: %w", err)
	}
	answer = strings.ToLower(strings.TrimRight(strings.TrimSpace(answer), ".!"))
	return answer == "yes", nil
}
