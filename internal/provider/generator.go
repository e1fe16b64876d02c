package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/medrag-go/internal/rag"
)

// DefaultSystemPrompt frames generation when the caller supplies no messages.
const DefaultSystemPrompt = `You are a medical education assistant. Answer using the reference material
provided in the context block when it is relevant, cite the source label of any
material you rely on, and say plainly when the context does not cover the
question. Never invent dosages or protocols.`

// Request is one generation call: the user query, the ranked context chunks and,
// optionally, a fully built message list that takes precedence over both.
type Request struct {
	Query    string
	Chunks   []rag.RankedChunk
	Messages []*schema.Message
}

// Response is a provider's answer.
type Response struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// Generator is a single generation provider.
type Generator interface {
	// Name identifies the provider in ProviderRecord, events and responses.
	Name() string
	// Generate answers req. It must honour ctx cancellation.
	Generate(ctx context.Context, req Request) (Response, error)
}

// ChatGenerator adapts an eino chat model into a Generator.
type ChatGenerator struct {
	name  string
	model string
	chat  model.BaseChatModel
}

// NewChatGenerator wraps chat. modelName is reported in responses.
func NewChatGenerator(name, modelName string, chat model.BaseChatModel) (*ChatGenerator, error) {
	if name == "" {
		return nil, fmt.Errorf("provider: generator name must not be empty")
	}
	if chat == nil {
		return nil, fmt.Errorf("provider: chat model for %s must not be nil", name)
	}
	return &ChatGenerator{name: name, model: modelName, chat: chat}, nil
}

// Name implements Generator.
func (g *ChatGenerator) Name() string { return g.name }

// Generate implements Generator.
func (g *ChatGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	msgs := req.Messages
	if len(msgs) == 0 {
		msgs = BuildMessages(DefaultSystemPrompt, req.Query, req.Chunks)
	}

	out, err := g.chat.Generate(ctx, msgs)
	if err != nil {
		return Response{}, fmt.Errorf("provider: %s generate: %w", g.name, err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return Response{}, fmt.Errorf("provider: %s returned an empty response", g.name)
	}
	return Response{Text: out.Content, Model: g.model}, nil
}

// BuildMessages assembles the system prompt, a context block listing each
// chunk with its source label, and the user query. With no chunks the context
// block is omitted and the model answers from general knowledge.
func BuildMessages(systemPrompt, query string, chunks []rag.RankedChunk) []*schema.Message {
	msgs := make([]*schema.Message, 0, 3)
	if systemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(systemPrompt))
	}
	if len(chunks) > 0 {
		msgs = append(msgs, schema.SystemMessage(FormatContext(chunks)))
	}
	msgs = append(msgs, schema.UserMessage(query))
	return msgs
}

// FormatContext renders ranked chunks as a numbered reference list.
func FormatContext(chunks []rag.RankedChunk) string {
	var sb strings.Builder
	sb.WriteString("Reference material:\n")
	for i, c := range chunks {
		label := c.SourceLabel
		if label == "" {
			label = c.ID
		}
		fmt.Fprintf(&sb, "\n[%d] %s (%s)\n%s\n", i+1, label, c.Type, strings.TrimSpace(c.Content))
	}
	return sb.String()
}
