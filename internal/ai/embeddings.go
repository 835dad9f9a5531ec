package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"clinical-fhir-extractor/internal/apperrors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"
)

const DefaultEmbeddingModel = "text-embedding-004"

// embedCall is the single SDK call the embedder depends on.
type embedCall func(ctx context.Context, taskType genai.TaskType, text string) ([]float32, error)

// GeminiEmbedder returns embedding vectors from Google Generative AI. Document
// chunks and search queries use their respective retrieval task types.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	logger *slog.Logger
	embed  embedCall
}

type EmbedderOptions struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

func NewGeminiEmbedder(ctx context.Context, opts EmbedderOptions) (*GeminiEmbedder, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY for embeddings")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, err
	}

	e := newGeminiEmbedder(opts.Model, opts.Logger, nil)
	e.client = client
	e.embed = func(ctx context.Context, taskType genai.TaskType, text string) ([]float32, error) {
		model := client.EmbeddingModel(e.model)
		model.TaskType = taskType
		resp, err := model.EmbedContent(ctx, genai.Text(text))
		if err != nil {
			return nil, err
		}
		if resp.Embedding == nil {
			return nil, errors.New("no embedding returned")
		}
		// genai SDK returns []float32 for Embedding.Values
		return resp.Embedding.Values, nil
	}
	return e, nil
}

func newGeminiEmbedder(model string, logger *slog.Logger, call embedCall) *GeminiEmbedder {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiEmbedder{model: model, logger: logger, embed: call}
}

// Embed encodes a document chunk.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.do(ctx, genai.TaskTypeRetrievalDocument, text)
}

// EmbedQuery encodes a search query.
func (e *GeminiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.do(ctx, genai.TaskTypeRetrievalQuery, text)
}

func (e *GeminiEmbedder) do(ctx context.Context, taskType genai.TaskType, text string) ([]float32, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.embed_content")
	defer span.End()
	span.SetAttributes(
		attribute.String("gemini.model", e.model),
		attribute.String("gemini.task_type", taskType.String()),
		attribute.Int("gemini.input_chars", len(text)),
	)

	vec, err := e.embed(ctx, taskType, text)
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("embedding call failed", "model", e.model, "error", err)
		return nil, apperrors.Wrap(apperrors.EmbeddingFailure, err, "embedding model %s", e.model)
	}
	if len(vec) == 0 {
		return nil, apperrors.New(apperrors.EmbeddingFailure, "embedding model %s returned an empty vector", e.model)
	}
	span.SetAttributes(attribute.Int("gemini.dimension", len(vec)))
	return vec, nil
}

func (e *GeminiEmbedder) Model() string { return e.model }

func (e *GeminiEmbedder) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
