// Package budget estimates prompt size and trims retrieved context and
// conversation history to fit a model's input window. Generation may fail over
// between backends with different tokenizers, so estimation uses one
// character heuristic for all of them: 1 token ~ 4 characters.
package budget

import (
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/medrag-go/internal/rag"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// chunkOverhead covers the numbering, source label framing and type tag
	// added around each chunk in the context block.
	chunkOverhead = 8

	// DefaultMaxContextTokens is the default input context budget in tokens.
	// Conservative enough to fit within 8k-context models (Llama 3 8B, GPT-3.5)
	// while leaving room for the output. Override via Config.MaxContextTokens.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// Each message has a small per-message overhead (~4 tokens in most APIs).
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// TrimHistory removes the oldest messages from history until the total
// estimated token count of fixed + history + current fits within maxTokens.
// fixed contains messages that must not be trimmed (system prompt, retrieved
// context, current user message). history contains prior conversation turns
// that may be dropped oldest-first.
//
// Returns the trimmed history slice. If even an empty history exceeds the
// budget, the empty slice is returned. Fixed messages are never dropped here;
// callers should warn separately if fixed alone exceeds the budget.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	if len(history) == 0 {
		return history
	}

	fixedTokens := EstimateMessages(fixed)

	for len(history) > 0 {
		if fixedTokens+EstimateMessages(history) <= maxTokens {
			break
		}
		// Drop the oldest message.
		history = history[1:]
	}
	return history
}

// EstimateChunk returns the estimated prompt cost of one ranked chunk.
func EstimateChunk(c rag.RankedChunk) int {
	return chunkOverhead + Estimate(c.SourceLabel) + Estimate(string(c.Type)) + Estimate(c.Content)
}

// TrimChunks keeps the highest-ranked prefix of chunks whose estimated cost
// fits in maxTokens minus fixedTokens. chunks must already be ranked; the
// lowest-ranked chunks are dropped first. A chunk that does not fit ends the
// prefix even if a later, smaller one would, so the context never skips rank.
func TrimChunks(fixedTokens int, chunks []rag.RankedChunk, maxTokens int) []rag.RankedChunk {
	remaining := maxTokens - fixedTokens
	for i, c := range chunks {
		remaining -= EstimateChunk(c)
		if remaining < 0 {
			return chunks[:i]
		}
	}
	return chunks
}
