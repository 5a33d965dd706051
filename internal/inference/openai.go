package inference

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Default models for the OpenAI-backed client.
const (
	defaultEmbeddingModel   = openai.SmallEmbedding3
	defaultTranslationModel = "gpt-4o-mini"
)

// OpenAIClient implements Client against the OpenAI API (or any
// OpenAI-compatible endpoint).
type OpenAIClient struct {
	client           *openai.Client
	embeddingModel   openai.EmbeddingModel
	translationModel string
}

// NewOpenAIClient creates an OpenAI-backed inference client.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return newOpenAIClientWithClient(openai.NewClient(apiKey))
}

// NewOpenAIClientWithBaseURL creates an OpenAI-backed client pointed at a
// custom base URL (e.g. a compatible local server, or a mock in e2e tests).
// baseURL should be scheme+host without path; the client appends /v1.
func NewOpenAIClientWithBaseURL(apiKey, baseURL string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"
	return newOpenAIClientWithClient(openai.NewClientWithConfig(config))
}

func newOpenAIClientWithClient(client *openai.Client) *OpenAIClient {
	return &OpenAIClient{
		client:           client,
		embeddingModel:   defaultEmbeddingModel,
		translationModel: defaultTranslationModel,
	}
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Embed returns one embedding vector per input text.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "inference.embed",
		trace.WithAttributes(
			attribute.String("inference.provider", "openai"),
			attribute.Int("inference.input_count", len(texts)),
		))
	defer span.End()

	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	ctx, cancel := context.WithTimeout(ctx, TimeoutEmbed)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: c.embeddingModel,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("openai embeddings call: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings call: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	// Response order is not guaranteed to match input order; use Index.
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("openai embeddings call: index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}

	return vectors, nil
}

// Translate translates text between locales via a chat completion.
func (c *OpenAIClient) Translate(ctx context.Context, text, sourceLocale, targetLocale string) (string, error) {
	ctx, span := tracer.Start(ctx, "inference.translate",
		trace.WithAttributes(
			attribute.String("inference.provider", "openai"),
			attribute.String("translate.source_locale", sourceLocale),
			attribute.String("translate.target_locale", targetLocale),
		))
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}

	ctx, cancel := context.WithTimeout(ctx, TimeoutTranslate)
	defer cancel()

	system := fmt.Sprintf(
		"You are a translation engine. Translate the user message from %s to %s. "+
			"Output only the translation, with no commentary.",
		sourceLocale, targetLocale)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.translationModel,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("openai translation call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai translation call: no choices returned")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
