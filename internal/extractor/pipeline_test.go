package extractor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"clinical-fhir-extractor/internal/apperrors"
	"clinical-fhir-extractor/internal/textlayer"
	"clinical-fhir-extractor/internal/textlayer/textlayertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const janeDoe = "Patient: Jane Doe, DOB 1985-03-15, Diagnosis: Hypertension, Medication: Lisinopril 10mg"

const janeBundle = `{
  "resourceType": "Bundle",
  "type": "collection",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "p1", "name": [{"given": ["Jane"], "family": "Doe"}], "birthDate": "1985-03-15"}},
    {"resource": {"resourceType": "Condition", "subject": {"reference": "Patient/p1"}, "code": {"text": "Hypertension"}}},
    {"resource": {"resourceType": "MedicationStatement", "subject": {"reference": "Patient/p1"}, "medicationCodeableConcept": {"text": "Lisinopril 10mg"}}}
  ]
}`

type countingEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	lower := strings.ToLower(text)
	return []float32{
		float32(strings.Count(lower, "patient")) + 0.1,
		float32(strings.Count(lower, "medication")),
		float32(strings.Count(lower, "diagnos")),
	}, nil
}

func (e *countingEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type stubGenerator struct {
	output  string
	err     error
	calls   int
	prompts []string
}

func (g *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.calls++
	g.prompts = append(g.prompts, prompt)
	return g.output, g.err
}

type stubOCR struct {
	available    bool
	renders      bool
	scanOnly     bool
	text         string
	err          error
	recognize    int
	scanned      int
	scanChecks   int
	requestedDPI int
}

func (o *stubOCR) Available() bool    { return o.available }
func (o *stubOCR) CanRenderPDF() bool { return o.available && o.renders }

func (o *stubOCR) Recognize(context.Context, []byte) (string, error) {
	o.recognize++
	return o.text, o.err
}

func (o *stubOCR) RecognizeScannedPDF(_ context.Context, _ []byte, dpi int) (string, error) {
	o.scanned++
	o.requestedDPI = dpi
	return o.text, o.err
}

func (o *stubOCR) IsScanOnly([]byte) bool {
	o.scanChecks++
	return o.scanOnly
}

type fixture struct {
	embedder  *countingEmbedder
	generator *stubGenerator
	ocr       *stubOCR
	pipeline  *Pipeline
}

func newFixture(t *testing.T, output string, ocr *stubOCR) *fixture {
	t.Helper()
	splitter, err := textlayer.NewSplitter(1000, 200)
	require.NoError(t, err)

	f := &fixture{
		embedder:  &countingEmbedder{},
		generator: &stubGenerator{output: output},
		ocr:       ocr,
	}
	cfg := Config{
		Loader:    textlayer.NewLoader(splitter, nil),
		Embedder:  f.embedder,
		Generator: f.generator,
		OCRDPI:    200,
	}
	if ocr != nil {
		cfg.OCR = ocr
	}
	f.pipeline, err = New(cfg)
	require.NoError(t, err)
	return f
}

func TestExtractTextDocument(t *testing.T) {
	f := newFixture(t, janeBundle, &stubOCR{available: true, renders: true})

	res, err := f.pipeline.Run(context.Background(), []byte(janeDoe), "note.txt")
	require.NoError(t, err)

	assert.True(t, res.Bundle.HasResourceType("Patient"))
	assert.Equal(t, SourceTextLayer, res.Source)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, []int{0}, res.RetrievedChunks)

	assert.Equal(t, 2, f.embedder.Calls(), "one chunk plus the query")
	require.Equal(t, 1, f.generator.calls)
	assert.Contains(t, f.generator.prompts[0], janeDoe)
	assert.NotContains(t, f.generator.prompts[0], ContextSlot)
	assert.Equal(t, 0, f.ocr.recognize+f.ocr.scanned+f.ocr.scanChecks)
}

func TestExtractUnsupportedFormat(t *testing.T) {
	f := newFixture(t, janeBundle, &stubOCR{available: true, renders: true})

	_, err := f.pipeline.Extract(context.Background(), []byte("PK\x03\x04"), "discharge.docx")
	assert.Equal(t, apperrors.UnsupportedFormat, apperrors.KindOf(err))

	assert.Equal(t, 0, f.embedder.Calls())
	assert.Equal(t, 0, f.generator.calls)
	assert.Equal(t, 0, f.ocr.recognize+f.ocr.scanned+f.ocr.scanChecks)
}

func TestExtractEmptyText(t *testing.T) {
	f := newFixture(t, janeBundle, nil)

	_, err := f.pipeline.Extract(context.Background(), []byte{}, "empty.txt")
	assert.Equal(t, apperrors.NoExtractableContent, apperrors.KindOf(err))
	assert.Equal(t, 0, f.embedder.Calls())
	assert.Equal(t, 0, f.generator.calls)
}

func TestExtractImageWithoutOCR(t *testing.T) {
	f := newFixture(t, janeBundle, &stubOCR{available: false})

	_, err := f.pipeline.Extract(context.Background(), []byte("\x89PNG\r\n"), "scan.PNG")
	assert.Equal(t, apperrors.OCRUnavailable, apperrors.KindOf(err))
	assert.Equal(t, 0, f.ocr.recognize)
	assert.Equal(t, 0, f.embedder.Calls())
	assert.Equal(t, 0, f.generator.calls)

	noOCR := newFixture(t, janeBundle, nil)
	_, err = noOCR.pipeline.Extract(context.Background(), []byte("\x89PNG\r\n"), "scan.jpg")
	assert.Equal(t, apperrors.OCRUnavailable, apperrors.KindOf(err))
}

func TestExtractStripsCodeFences(t *testing.T) {
	f := newFixture(t, "```json\n{\"resourceType\":\"Bundle\",\"entry\":[]}\n```", nil)

	bundle, err := f.pipeline.Extract(context.Background(), []byte(janeDoe), "note.txt")
	require.NoError(t, err)
	assert.Equal(t, "Bundle", bundle["resourceType"])
	assert.NotNil(t, bundle.Entries())
	assert.Empty(t, bundle.Entries())
}

func TestExtractMalformedOutput(t *testing.T) {
	raw := "Sure! Here is the bundle: {resourceType: Bundle"
	f := newFixture(t, raw, nil)

	_, err := f.pipeline.Extract(context.Background(), []byte(janeDoe), "note.txt")
	var e *apperrors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, apperrors.MalformedModelOutput, e.Kind)
	assert.Equal(t, raw, e.Raw)
	assert.Equal(t, 1, f.generator.calls, "malformed output is never retried")
}

func TestExtractInvalidBundle(t *testing.T) {
	out := `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient"}},{"resource":{"id":"c1"}}]}`
	f := newFixture(t, out, nil)

	_, err := f.pipeline.Extract(context.Background(), []byte(janeDoe), "note.txt")
	var e *apperrors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, apperrors.InvalidBundle, e.Kind)
	assert.Equal(t, 1, e.EntryIndex)
	assert.Equal(t, "resource.resourceType", e.Field)
}

func TestExtractEmbeddingFailure(t *testing.T) {
	f := newFixture(t, janeBundle, nil)
	f.embedder.err = errors.New("embedding quota exhausted")

	_, err := f.pipeline.Extract(context.Background(), []byte(janeDoe), "note.txt")
	assert.Equal(t, apperrors.EmbeddingFailure, apperrors.KindOf(err))
	assert.Equal(t, 0, f.generator.calls)
}

func TestExtractGenerationFailure(t *testing.T) {
	f := newFixture(t, "", nil)
	f.generator.err = errors.New("503 model overloaded")

	_, err := f.pipeline.Extract(context.Background(), []byte(janeDoe), "note.txt")
	assert.Equal(t, apperrors.GenerationFailure, apperrors.KindOf(err))
}

func TestExtractCancelled(t *testing.T) {
	f := newFixture(t, janeBundle, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bundle, err := f.pipeline.Extract(ctx, []byte(janeDoe), "note.txt")
	assert.Nil(t, bundle)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.generator.calls)
}

func TestExtractImageViaOCR(t *testing.T) {
	ocr := &stubOCR{available: true, text: janeDoe}
	f := newFixture(t, janeBundle, ocr)

	res, err := f.pipeline.Run(context.Background(), []byte("\x89PNG"), "chart.tiff")
	require.NoError(t, err)
	assert.Equal(t, SourceOCRImage, res.Source)
	assert.Equal(t, len(janeDoe), res.OCRChars)
	assert.Equal(t, 1, ocr.recognize)
	assert.Contains(t, f.generator.prompts[0], "Lisinopril")
}

func TestExtractImageOCRFindsNothing(t *testing.T) {
	ocr := &stubOCR{available: true, text: ""}
	f := newFixture(t, janeBundle, ocr)

	_, err := f.pipeline.Extract(context.Background(), []byte("\x89PNG"), "blank.png")
	assert.Equal(t, apperrors.NoExtractableContent, apperrors.KindOf(err))
	assert.Equal(t, 0, f.embedder.Calls())
}

func TestExtractScannedPDF(t *testing.T) {
	ocr := &stubOCR{available: true, renders: true, scanOnly: true, text: "--- Page 1 ---\n" + janeDoe}
	f := newFixture(t, janeBundle, ocr)

	res, err := f.pipeline.Run(context.Background(), []byte("%PDF-1.4"), "scan.pdf")
	require.NoError(t, err)
	assert.Equal(t, SourceOCRScanned, res.Source)
	assert.Equal(t, 1, ocr.scanChecks)
	assert.Equal(t, 1, ocr.scanned)
	assert.Equal(t, 200, ocr.requestedDPI)
}

func TestExtractNativePDF(t *testing.T) {
	ocr := &stubOCR{available: true, renders: true, scanOnly: false}
	f := newFixture(t, janeBundle, ocr)

	pdf := textlayertest.BuildPDF(janeDoe, "", "Follow-up in 6 weeks")
	res, err := f.pipeline.Run(context.Background(), pdf, "discharge.pdf")
	require.NoError(t, err)

	assert.Equal(t, SourceTextLayer, res.Source)
	assert.Equal(t, 2, res.Chunks)
	assert.Zero(t, res.OCRChars)
	assert.Equal(t, 1, ocr.scanChecks)
	assert.Equal(t, 0, ocr.recognize)
	assert.Equal(t, 0, ocr.scanned)
	require.Equal(t, 1, f.generator.calls)
	assert.Contains(t, f.generator.prompts[0], "Lisinopril")
}

func TestExtractScannedPDFOCRFindsNothing(t *testing.T) {
	ocr := &stubOCR{available: true, renders: true, scanOnly: true, text: ""}
	f := newFixture(t, janeBundle, ocr)

	_, err := f.pipeline.Extract(context.Background(), []byte("%PDF-1.4"), "blank.pdf")
	assert.Equal(t, apperrors.NoExtractableContent, apperrors.KindOf(err))
	assert.Equal(t, 1, ocr.scanned)
	assert.Equal(t, 0, f.embedder.Calls())
	assert.Equal(t, 0, f.generator.calls)
}

func TestExtractScannedPDFWithoutRenderer(t *testing.T) {
	ocr := &stubOCR{available: true, renders: false, scanOnly: true}
	f := newFixture(t, janeBundle, ocr)

	_, err := f.pipeline.Extract(context.Background(), []byte("%PDF-1.4"), "scan.pdf")
	assert.Equal(t, apperrors.OCRUnavailable, apperrors.KindOf(err))
	assert.Equal(t, 0, ocr.scanned)
}

func TestExtractContextFollowsRank(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 12; i++ {
		if i%3 == 0 {
			b.WriteString(strings.Repeat("Patient history medication review. ", 25))
		} else {
			b.WriteString(strings.Repeat("Administrative billing footer text. ", 25))
		}
		b.WriteString("\n\n")
	}
	f := newFixture(t, janeBundle, nil)

	res, err := f.pipeline.Run(context.Background(), []byte(b.String()), "long.txt")
	require.NoError(t, err)
	require.Greater(t, res.Chunks, 4)
	assert.Len(t, res.RetrievedChunks, 4)
	assert.Equal(t, res.Chunks+1, f.embedder.Calls())

	again, err := f.pipeline.Run(context.Background(), []byte(b.String()), "long.txt")
	require.NoError(t, err)
	assert.Equal(t, res.RetrievedChunks, again.RetrievedChunks)
	assert.Equal(t, f.generator.prompts[0], f.generator.prompts[1])
}

func TestNewRequiresPorts(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
