package ocr

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"sync"
	"testing"

	"clinical-fhir-extractor/internal/apperrors"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type configResult struct {
	text string
	err  error
}

// stubEngine answers per config name and counts calls.
type stubEngine struct {
	mu      sync.Mutex
	results map[string]configResult
	byWidth map[int]string
	calls   int
	paths   []string
}

func (e *stubEngine) Recognize(ctx context.Context, path string, cfg RecognitionConfig) (string, error) {
	e.mu.Lock()
	e.calls++
	e.paths = append(e.paths, path)
	e.mu.Unlock()

	if e.byWidth != nil {
		img, err := imaging.Open(path)
		if err != nil {
			return "", err
		}
		return e.byWidth[img.Bounds().Dx()], nil
	}
	r, ok := e.results[cfg.Name]
	if !ok {
		return "", errors.New("no result configured")
	}
	return r.text, r.err
}

func (e *stubEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type stubRasterizer struct {
	pages []PageImage
	err   error
	calls int
	dpi   int
}

func (r *stubRasterizer) Render(ctx context.Context, pdf []byte, dpi int) ([]PageImage, error) {
	r.calls++
	r.dpi = dpi
	return r.pages, r.err
}

func solidPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var available = Capability{Available: true, PDFRendering: true, Version: "tesseract 5.3.0"}

func testConfigs() []RecognitionConfig {
	return []RecognitionConfig{
		{Name: "a", PSM: 6},
		{Name: "b", PSM: 3},
		{Name: "c", PSM: 11},
	}
}

func TestExtractWithConfigsPicksLongest(t *testing.T) {
	engine := &stubEngine{results: map[string]configResult{
		"a": {text: "BP 120/80"},
		"b": {text: "  BP 120/80 mmHg HR 72  "},
		"c": {err: errors.New("segfault")},
	}}
	svc := NewService(engine, nil, available, Options{Configs: testConfigs()})

	got, err := svc.ExtractWithConfigs(context.Background(), image.NewGray(image.Rect(0, 0, 10, 10)))
	require.NoError(t, err)
	assert.Equal(t, "BP 120/80 mmHg HR 72", got)
	assert.Equal(t, 3, engine.Calls())

	for name, r := range engine.results {
		if r.err == nil {
			assert.GreaterOrEqual(t, len(got), len(strings.TrimSpace(r.text)), "shorter than config %s", name)
		}
	}
}

func TestExtractWithConfigsTieKeepsFirst(t *testing.T) {
	engine := &stubEngine{results: map[string]configResult{
		"a": {text: "abc"},
		"b": {text: "xyz"},
		"c": {text: ""},
	}}
	svc := NewService(engine, nil, available, Options{Configs: testConfigs()})

	got, err := svc.ExtractWithConfigs(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}

func TestExtractWithConfigsAllFailIsEmpty(t *testing.T) {
	engine := &stubEngine{results: map[string]configResult{
		"a": {err: errors.New("bad")},
		"b": {err: errors.New("worse")},
		"c": {text: "   \n  "},
	}}
	svc := NewService(engine, nil, available, Options{Configs: testConfigs()})

	got, err := svc.ExtractWithConfigs(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestExtractWithConfigsRemovesStagedImage(t *testing.T) {
	engine := &stubEngine{results: map[string]configResult{"a": {text: "x"}}}
	svc := NewService(engine, nil, available, Options{Configs: testConfigs()[:1]})

	_, err := svc.ExtractWithConfigs(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	require.Len(t, engine.paths, 1)

	_, statErr := os.Stat(engine.paths[0])
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractWithConfigsCancelled(t *testing.T) {
	engine := &stubEngine{results: map[string]configResult{"a": {text: "x"}}}
	svc := NewService(engine, nil, available, Options{Configs: testConfigs()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.ExtractWithConfigs(ctx, image.NewGray(image.Rect(0, 0, 4, 4)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, engine.Calls())
}

func TestRecognizeUnavailable(t *testing.T) {
	engine := &stubEngine{}
	svc := NewService(engine, nil, Unavailable("tesseract not installed"), Options{})

	_, err := svc.Recognize(context.Background(), solidPNG(t, 20, 20))
	assert.Equal(t, apperrors.OCRUnavailable, apperrors.KindOf(err))
	assert.Equal(t, 0, engine.Calls())
}

func TestRecognizeUndecodableImage(t *testing.T) {
	engine := &stubEngine{}
	svc := NewService(engine, nil, available, Options{})

	_, err := svc.Recognize(context.Background(), []byte("definitely not an image"))
	assert.Equal(t, apperrors.DecodeError, apperrors.KindOf(err))
	assert.Equal(t, 0, engine.Calls())
}

func TestRecognizeImage(t *testing.T) {
	engine := &stubEngine{results: map[string]configResult{
		"a": {text: "Patient: John Smith"},
		"b": {text: "Patient John"},
		"c": {text: ""},
	}}
	svc := NewService(engine, nil, available, Options{Configs: testConfigs()})

	got, err := svc.Recognize(context.Background(), solidPNG(t, 40, 20))
	require.NoError(t, err)
	assert.Equal(t, "Patient: John Smith", got)
}

func TestRecognizeScannedPDFJoinsPagesInOrder(t *testing.T) {
	rast := &stubRasterizer{pages: []PageImage{
		{Number: 1, PNG: solidPNG(t, 401, 400)},
		{Number: 2, PNG: solidPNG(t, 402, 400)},
		{Number: 3, PNG: solidPNG(t, 403, 400)},
		{Number: 4, PNG: solidPNG(t, 404, 400)},
	}}
	engine := &stubEngine{byWidth: map[int]string{
		401: "Name: Jane Doe",
		402: "",
		403: "Dx: Hypertension",
		404: "Rx: Lisinopril 10mg",
	}}
	svc := NewService(engine, rast, available, Options{Configs: testConfigs()[:1], PageWorkers: 4})

	got, err := svc.RecognizeScannedPDF(context.Background(), []byte("%PDF"), 0)
	require.NoError(t, err)
	assert.Equal(t, 300, rast.dpi)
	assert.Equal(t,
		"--- Page 1 ---\nName: Jane Doe\n\n--- Page 3 ---\nDx: Hypertension\n\n--- Page 4 ---\nRx: Lisinopril 10mg",
		got)
}

func TestRecognizeScannedPDFRenderFailure(t *testing.T) {
	rast := &stubRasterizer{err: errors.New("syntax error")}
	svc := NewService(&stubEngine{}, rast, available, Options{})

	_, err := svc.RecognizeScannedPDF(context.Background(), []byte("%PDF"), 150)
	assert.Equal(t, apperrors.DecodeError, apperrors.KindOf(err))
	assert.Equal(t, 150, rast.dpi)
}

func TestRecognizeScannedPDFWithoutRenderer(t *testing.T) {
	rast := &stubRasterizer{}
	svc := NewService(&stubEngine{}, rast, Capability{Available: true}, Options{})

	_, err := svc.RecognizeScannedPDF(context.Background(), []byte("%PDF"), 0)
	assert.Equal(t, apperrors.OCRUnavailable, apperrors.KindOf(err))
	assert.Equal(t, 0, rast.calls)
}

func TestScanOnlyBoundary(t *testing.T) {
	assert.True(t, ScanOnly([]string{strings.Repeat("a", 99)}))
	assert.False(t, ScanOnly([]string{strings.Repeat("a", 100)}))

	// Spread over three pages.
	assert.True(t, ScanOnly([]string{strings.Repeat("a", 33), strings.Repeat("b", 33), strings.Repeat("c", 33)}))
	assert.False(t, ScanOnly([]string{strings.Repeat("a", 33), strings.Repeat("b", 33), strings.Repeat("c", 34)}))

	// Only the first three pages are sampled.
	assert.True(t, ScanOnly([]string{"", "", "", strings.Repeat("d", 500)}))

	// Surrounding whitespace does not count.
	assert.True(t, ScanOnly([]string{"\n\n" + strings.Repeat("a", 99) + "   "}))
	assert.True(t, ScanOnly(nil))
}

func TestIsScanOnlyUsesFirstThreePages(t *testing.T) {
	svc := NewService(&stubEngine{}, nil, available, Options{})

	var requested int
	svc.nativeText = func(content []byte, pages int) ([]string, error) {
		requested = pages
		return []string{strings.Repeat("x", 99)}, nil
	}
	assert.True(t, svc.IsScanOnly([]byte("%PDF")))
	assert.Equal(t, 3, requested)

	svc.nativeText = func(content []byte, pages int) ([]string, error) {
		return []string{strings.Repeat("x", 60), strings.Repeat("y", 40)}, nil
	}
	assert.False(t, svc.IsScanOnly([]byte("%PDF")))

	svc.nativeText = func(content []byte, pages int) ([]string, error) {
		return nil, errors.New("broken xref")
	}
	assert.True(t, svc.IsScanOnly([]byte("%PDF")))
}
