package extractor

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"clinical-fhir-extractor/internal/apperrors"
	"clinical-fhir-extractor/internal/document"
	"clinical-fhir-extractor/internal/fhir"
	"clinical-fhir-extractor/internal/index"
	"clinical-fhir-extractor/internal/textlayer"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetrievalQuery is the fixed question used to rank chunks.
const RetrievalQuery = "Extract all patient information, observations, diagnoses, and medications from this clinical document"

// Source records how the document's text was obtained.
type Source string

const (
	SourceTextLayer  Source = "text_layer"
	SourceOCRImage   Source = "ocr_image"
	SourceOCRScanned Source = "ocr_scanned_pdf"
)

// Generator is the LLM port. Implementations call the model once at
// temperature 0.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// OCR is the subset of the OCR layer the pipeline drives.
type OCR interface {
	Available() bool
	CanRenderPDF() bool
	Recognize(ctx context.Context, image []byte) (string, error)
	RecognizeScannedPDF(ctx context.Context, pdf []byte, dpi int) (string, error)
	IsScanOnly(pdf []byte) bool
}

// TextLoader loads native text and chunks arbitrary text.
type TextLoader interface {
	Load(ctx context.Context, doc *document.Document) ([]textlayer.Chunk, error)
	Chunk(source, text string) ([]textlayer.Chunk, error)
}

// Config holds the pipeline's ports and tunables.
type Config struct {
	Loader    TextLoader
	OCR       OCR
	Embedder  index.Embedder
	Generator Generator
	Prompt    *Prompt
	Logger    *slog.Logger

	TopK             int
	Query            string
	OCRDPI           int
	EmbedConcurrency int
}

// Pipeline turns one clinical document into a validated FHIR Bundle. It holds
// no per-request state and is safe for concurrent use.
type Pipeline struct {
	loader    TextLoader
	ocr       OCR
	embedder  index.Embedder
	generator Generator
	prompt    *Prompt
	logger    *slog.Logger
	tracer    trace.Tracer

	topK             int
	query            string
	ocrDPI           int
	embedConcurrency int
}

// Result is a successful extraction with bookkeeping for persistence.
type Result struct {
	Bundle   fhir.Bundle
	Document *document.Document
	Source   Source
	// OCRChars is the length of recognised text, 0 for the text layer.
	OCRChars        int
	Chunks          int
	RetrievedChunks []int
	Duration        time.Duration
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Loader == nil {
		return nil, errors.New("extractor: loader is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("extractor: embedder is required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("extractor: generator is required")
	}
	p := &Pipeline{
		loader:           cfg.Loader,
		ocr:              cfg.OCR,
		embedder:         cfg.Embedder,
		generator:        cfg.Generator,
		prompt:           cfg.Prompt,
		logger:           cfg.Logger,
		tracer:           otel.Tracer("fhir-extractor"),
		topK:             cfg.TopK,
		query:            cfg.Query,
		ocrDPI:           cfg.OCRDPI,
		embedConcurrency: cfg.EmbedConcurrency,
	}
	if p.prompt == nil {
		p.prompt = DefaultPrompt()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.topK <= 0 {
		p.topK = index.DefaultK
	}
	if p.query == "" {
		p.query = RetrievalQuery
	}
	return p, nil
}

// OCRAvailable reports the capability probed at startup.
func (p *Pipeline) OCRAvailable() bool {
	return p.ocr != nil && p.ocr.Available()
}

// Extract runs the pipeline and returns only the Bundle.
func (p *Pipeline) Extract(ctx context.Context, data []byte, filename string) (fhir.Bundle, error) {
	res, err := p.Run(ctx, data, filename)
	if err != nil {
		return nil, err
	}
	return res.Bundle, nil
}

// Run executes classify, obtain text, chunk, index, retrieve, prompt,
// generate, parse and validate, in that order. It returns either a valid
// Bundle or a typed error, never a partial result.
func (p *Pipeline) Run(ctx context.Context, data []byte, filename string) (*Result, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "extractor.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("document.filename", filename),
		attribute.Int("document.bytes", len(data)),
	)

	res, err := p.run(ctx, data, filename)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.KindOf(err)))
		p.logger.Warn("extraction failed",
			"filename", filename,
			"kind", apperrors.KindOf(err),
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.String("extraction.source", string(res.Source)),
		attribute.Int("extraction.chunks", res.Chunks),
		attribute.Int("extraction.entries", len(res.Bundle.Entries())),
	)
	p.logger.Info("extraction complete",
		"filename", filename,
		"source", res.Source,
		"chunks", res.Chunks,
		"entries", len(res.Bundle.Entries()),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, data []byte, filename string) (*Result, error) {
	// Every known extension is classified here; OCR-only formats fail below
	// with OCRUnavailable when the backend is missing.
	doc, err := document.New(filename, data, true)
	if err != nil {
		return nil, err
	}
	res := &Result{Document: doc}

	chunks, err := p.obtainChunks(ctx, doc, res)
	if err != nil {
		return nil, err
	}
	res.Chunks = len(chunks)

	ictx, span := p.tracer.Start(ctx, "extractor.index")
	ix, err := index.Build(ictx, p.embedder, chunks, index.Options{Concurrency: p.embedConcurrency})
	if err != nil {
		span.End()
		return nil, err
	}
	retrieved, err := ix.Search(ictx, p.query, p.topK)
	span.End()
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(retrieved))
	for i, c := range retrieved {
		texts[i] = c.Text
		res.RetrievedChunks = append(res.RetrievedChunks, c.Index)
	}
	prompt := p.prompt.Format(JoinContext(texts))
	p.logger.Debug("prompt assembled", "filename", doc.Filename, "retrieved", len(retrieved), "prompt_chars", utf8.RuneCountInString(prompt))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := p.generator.Generate(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if apperrors.IsKind(err, apperrors.GenerationFailure) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.GenerationFailure, err, "model call failed")
	}

	parsed, err := ParseModelOutput(raw)
	if err != nil {
		return nil, err
	}
	if err := fhir.Validate(parsed); err != nil {
		return nil, err
	}
	res.Bundle = fhir.Bundle(parsed.(map[string]any))
	return res, nil
}

// obtainChunks picks the text source: OCR for images and scan-only PDFs, the
// native text layer otherwise.
func (p *Pipeline) obtainChunks(ctx context.Context, doc *document.Document, res *Result) ([]textlayer.Chunk, error) {
	switch doc.Format {
	case document.FormatImage:
		if !p.OCRAvailable() {
			return nil, apperrors.New(apperrors.OCRUnavailable, "%s files require OCR, which is not available", doc.Extension)
		}
		res.Source = SourceOCRImage
		text, err := p.ocr.Recognize(ctx, doc.Content)
		if err != nil {
			return nil, err
		}
		return p.chunkOCRText(doc, text, res)

	case document.FormatPDF:
		if p.ocr != nil && p.ocr.IsScanOnly(doc.Content) {
			if !p.OCRAvailable() || !p.ocr.CanRenderPDF() {
				return nil, apperrors.New(apperrors.OCRUnavailable, "%q has no text layer and scanned PDF OCR is not available", doc.Filename)
			}
			p.logger.Info("pdf looks scanned, using OCR", "filename", doc.Filename)
			res.Source = SourceOCRScanned
			text, err := p.ocr.RecognizeScannedPDF(ctx, doc.Content, p.ocrDPI)
			if err != nil {
				return nil, err
			}
			return p.chunkOCRText(doc, text, res)
		}
	}

	res.Source = SourceTextLayer
	return p.loader.Load(ctx, doc)
}

func (p *Pipeline) chunkOCRText(doc *document.Document, text string, res *Result) ([]textlayer.Chunk, error) {
	res.OCRChars = utf8.RuneCountInString(text)
	if res.OCRChars == 0 {
		return nil, apperrors.New(apperrors.NoExtractableContent, "OCR found no text in %q", doc.Filename)
	}
	return p.loader.Chunk(doc.Filename, text)
}
