package ocr

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"clinical-fhir-extractor/internal/apperrors"
	"clinical-fhir-extractor/internal/textlayer"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

const (
	// ScanCheckPages is how many leading pages the scan heuristic samples.
	ScanCheckPages = 3
	// ScanTextThreshold is the native character count below which a PDF is
	// treated as scan-only.
	ScanTextThreshold = 100
)

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	Configs      []RecognitionConfig
	MinDimension int
	DPI          int
	PageWorkers  int
	Logger       *slog.Logger
}

// Service is the OCR layer: preprocessing, multi-config recognition, scanned
// PDF handling and scan detection. Its capability is fixed at construction.
type Service struct {
	engine     Engine
	rasterizer Rasterizer
	capability Capability

	configs      []RecognitionConfig
	minDimension int
	dpi          int
	workers      int
	logger       *slog.Logger

	nativeText func(content []byte, pages int) ([]string, error)
}

func NewService(engine Engine, rasterizer Rasterizer, capability Capability, opts Options) *Service {
	s := &Service{
		engine:       engine,
		rasterizer:   rasterizer,
		capability:   capability,
		configs:      opts.Configs,
		minDimension: opts.MinDimension,
		dpi:          opts.DPI,
		workers:      opts.PageWorkers,
		logger:       opts.Logger,
		nativeText:   textlayer.FirstPageTexts,
	}
	if len(s.configs) == 0 {
		s.configs = DefaultConfigs()
	}
	if s.minDimension <= 0 {
		s.minDimension = DefaultMinDimension
	}
	if s.dpi <= 0 {
		s.dpi = DefaultDPI
	}
	if s.workers <= 0 {
		s.workers = 1
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) Capability() Capability { return s.capability }

func (s *Service) Available() bool { return s.capability.Available }

// CanRenderPDF reports whether scanned PDFs can be processed.
func (s *Service) CanRenderPDF() bool {
	return s.capability.Available && s.capability.PDFRendering && s.rasterizer != nil
}

func (s *Service) DPI() int { return s.dpi }

// Recognize decodes, preprocesses and recognises an image.
func (s *Service) Recognize(ctx context.Context, imageBytes []byte) (string, error) {
	if !s.Available() {
		return "", apperrors.New(apperrors.OCRUnavailable, "OCR backend unavailable: %s", s.capability.Reason)
	}
	img, err := Decode(imageBytes)
	if err != nil {
		return "", apperrors.Wrap(apperrors.DecodeError, err, "cannot decode image")
	}
	return s.ExtractWithConfigs(ctx, Preprocess(img, s.minDimension))
}

// ExtractWithConfigs runs every recognition config on img and returns the
// longest non-empty result. Failing configs are logged and skipped; if all
// fail the result is "" with a nil error. Only cancellation is returned.
func (s *Service) ExtractWithConfigs(ctx context.Context, img image.Image) (string, error) {
	if !s.Available() {
		return "", apperrors.New(apperrors.OCRUnavailable, "OCR backend unavailable: %s", s.capability.Reason)
	}

	path, cleanup, err := stageImage(img)
	if err != nil {
		s.logger.Warn("ocr staging failed", "error", err)
		return "", nil
	}
	defer cleanup()

	best := ""
	bestLen := 0
	for _, cfg := range s.configs {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := s.engine.Recognize(ctx, path, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			s.logger.Warn("ocr config failed", "config", cfg.Name, "error", err)
			continue
		}
		text = strings.TrimSpace(text)
		n := utf8.RuneCountInString(text)
		s.logger.Debug("ocr config result", "config", cfg.Name, "chars", n)
		if n > bestLen {
			best, bestLen = text, n
		}
	}
	return best, nil
}

// RecognizeScannedPDF renders every page at dpi and recognises each one.
// Non-empty pages are joined in ascending order with a page marker; empty
// pages are left out.
func (s *Service) RecognizeScannedPDF(ctx context.Context, pdf []byte, dpi int) (string, error) {
	if !s.CanRenderPDF() {
		reason := s.capability.Reason
		if reason == "" {
			reason = "PDF rendering is not configured"
		}
		return "", apperrors.New(apperrors.OCRUnavailable, "scanned PDF OCR unavailable: %s", reason)
	}
	if dpi <= 0 {
		dpi = s.dpi
	}

	pages, err := s.rasterizer.Render(ctx, pdf, dpi)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperrors.Wrap(apperrors.DecodeError, err, "cannot render PDF pages")
	}

	texts := make([]string, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, page := range pages {
		g.Go(func() error {
			img, err := Decode(page.PNG)
			if err != nil {
				s.logger.Warn("rendered page unreadable", "page", page.Number, "error", err)
				return nil
			}
			text, err := s.ExtractWithConfigs(gctx, Preprocess(img, s.minDimension))
			if err != nil {
				return err
			}
			texts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	parts := make([]string, 0, len(pages))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", pages[i].Number, text))
	}
	combined := strings.Join(parts, "\n\n")
	s.logger.Info("scanned pdf recognised", "pages", len(pages), "pages_with_text", len(parts), "chars", utf8.RuneCountInString(combined))
	return combined, nil
}

// IsScanOnly samples the first pages' native text. PDFs that cannot be read
// are treated as scan-only.
func (s *Service) IsScanOnly(pdf []byte) bool {
	pages, err := s.nativeText(pdf, ScanCheckPages)
	if err != nil {
		s.logger.Warn("scan check failed, assuming scanned", "error", err)
		return true
	}
	scanned := ScanOnly(pages)
	s.logger.Debug("scan check", "scanned", scanned, "pages_sampled", min(len(pages), ScanCheckPages))
	return scanned
}

// ScanOnly applies the scan heuristic to native page texts: fewer than
// ScanTextThreshold trimmed characters across the first ScanCheckPages pages.
func ScanOnly(pages []string) bool {
	total := 0
	for i, p := range pages {
		if i >= ScanCheckPages {
			break
		}
		total += utf8.RuneCountInString(strings.TrimSpace(p))
	}
	return total < ScanTextThreshold
}

// stageImage writes img as PNG to a private temp file for the engine.
func stageImage(img image.Image) (string, func(), error) {
	f, err := os.CreateTemp("", "fhir-ocr-*.png")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.Remove(f.Name()) }

	if err := imaging.Encode(f, img, imaging.PNG); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}
