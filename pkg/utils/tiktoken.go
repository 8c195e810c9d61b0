// Package utils provides tiktoken-based token counting.
package utils

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts for submitted prompts.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter on the GPT-4 encoding. The agent binary
// does not publish its tokenizer, so counts are estimates for accounting,
// never limits enforced against the agent.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the estimated number of tokens in text. Falls back to
// a character-based estimate (4 chars per token) when no codec is available
// or encoding fails.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}

	ids, _, err := tc.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}
