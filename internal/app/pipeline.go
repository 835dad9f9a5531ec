// Package app assembles the extraction pipeline shared by the API server and
// the queue worker.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"clinical-fhir-extractor/internal/ai"
	"clinical-fhir-extractor/internal/config"
	"clinical-fhir-extractor/internal/extractor"
	"clinical-fhir-extractor/internal/ocr"
	"clinical-fhir-extractor/internal/telemetry"
	"clinical-fhir-extractor/internal/textlayer"
)

// Pipeline is a built extractor plus the clients it owns.
type Pipeline struct {
	*extractor.Pipeline
	OCR *ocr.Service

	embedder  *ai.GeminiEmbedder
	generator *ai.GeminiClient
}

// Close releases the model clients.
func (p *Pipeline) Close() error {
	var firstErr error
	if err := p.generator.Close(); err != nil {
		firstErr = err
	}
	if err := p.embedder.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ProbeOCR checks the OCR binaries once. A disabled OCR config yields an
// unavailable capability without touching the host.
func ProbeOCR(ctx context.Context, cfg *config.Config, runner ocr.Runner) ocr.Capability {
	if !cfg.OCREnabled {
		return ocr.Unavailable("OCR disabled by configuration")
	}
	return ocr.CommandProber{
		Tesseract: cfg.TesseractPath,
		Pdftoppm:  cfg.PdftoppmPath,
		Runner:    runner,
	}.Probe(ctx)
}

func BuildPipeline(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) (*Pipeline, error) {
	runner := ocr.ExecRunner{Logger: logger}
	capability := ProbeOCR(ctx, cfg, runner)
	if capability.Available {
		logger.Info("OCR available", "version", capability.Version, "pdf_rendering", capability.PDFRendering)
	} else {
		logger.Warn("OCR unavailable, image uploads will be rejected", "reason", capability.Reason)
	}
	ocrService := ocr.NewService(
		ocr.NewTesseract(cfg.TesseractPath, cfg.TesseractLang, runner),
		&ocr.Pdftoppm{Path: cfg.PdftoppmPath, Runner: runner},
		capability,
		ocr.Options{
			MinDimension: cfg.OCRMinDimension,
			DPI:          cfg.OCRDPI,
			PageWorkers:  cfg.OCRPageWorkers,
			Logger:       logger,
		},
	)

	splitter, err := textlayer.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("text splitter: %w", err)
	}

	embedder, err := ai.NewGeminiEmbedder(ctx, ai.EmbedderOptions{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.GoogleEmbeddingsModel,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings client: %w", err)
	}
	queryCache, err := ai.NewQueryCache(embedder, cfg.EmbeddingCacheSize)
	if err != nil {
		_ = embedder.Close()
		return nil, err
	}

	generator, err := ai.NewGeminiClient(ctx, ai.GeminiOptions{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.LLMModel,
		Tier:    cfg.LLMTier,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		_ = embedder.Close()
		return nil, fmt.Errorf("generation client: %w", err)
	}

	pipeline, err := extractor.New(extractor.Config{
		Loader:           textlayer.NewLoader(splitter, logger),
		OCR:              ocrService,
		Embedder:         queryCache,
		Generator:        generator,
		Logger:           logger,
		TopK:             cfg.VectorSearchK,
		OCRDPI:           cfg.OCRDPI,
		EmbedConcurrency: cfg.EmbedConcurrency,
	})
	if err != nil {
		_ = generator.Close()
		_ = embedder.Close()
		return nil, err
	}

	return &Pipeline{
		Pipeline:  pipeline,
		OCR:       ocrService,
		embedder:  embedder,
		generator: generator,
	}, nil
}
