// Package research turns a product need into a recommendation message.
package research

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/affbot/internal/llm"
)

// ErrEmptyResponse is returned when the model answers with no text.
var ErrEmptyResponse = errors.New("research returned an empty response")

const temperature = 0.7

// Completer is the chat completion capability the researcher needs.
type Completer interface {
	Complete(ctx context.Context, model, system, user string, temperature *float64) (string, error)
}

// Researcher writes recommendation text for a need using an LLM.
type Researcher struct {
	client Completer
	model  string
}

func New(client Completer, model string) *Researcher {
	return &Researcher{client: client, model: model}
}

// Enrich returns recommendation text for query addressed to contact.
func (r *Researcher) Enrich(ctx context.Context, query, contact string) (string, error) {
	text, err := r.client.Complete(ctx, r.model, systemPrompt, BuildUserPrompt(query, contact), llm.Temperature(temperature))
	if err != nil {
		return "", fmt.Errorf("researching need: %w", err)
	}
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
