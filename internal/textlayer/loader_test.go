package textlayer

import (
	"context"
	"testing"

	"clinical-fhir-extractor/internal/apperrors"
	"clinical-fhir-extractor/internal/document"
	"clinical-fhir-extractor/internal/textlayer/textlayertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T, size, overlap int) *Loader {
	t.Helper()
	s, err := NewSplitter(size, overlap)
	require.NoError(t, err)
	return NewLoader(s, nil)
}

func TestLoadText(t *testing.T) {
	l := newTestLoader(t, 1000, 200)
	doc := &document.Document{
		Filename: "note.txt",
		Format:   document.FormatText,
		Content:  []byte("Patient: Jane Doe, DOB 1985-03-15, Diagnosis: Hypertension, Medication: Lisinopril 10mg"),
	}

	chunks, err := l.Load(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "note.txt", chunks[0].Source)
	assert.Contains(t, chunks[0].Text, "Lisinopril")
}

func TestLoadTextStripsBOM(t *testing.T) {
	l := newTestLoader(t, 1000, 200)
	doc := &document.Document{
		Filename: "note.txt",
		Format:   document.FormatText,
		Content:  append([]byte{0xEF, 0xBB, 0xBF}, []byte("BP 120/80")...),
	}

	chunks, err := l.Load(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "BP 120/80", chunks[0].Text)
}

func TestLoadTextIndexesChunksInOrder(t *testing.T) {
	l := newTestLoader(t, 100, 20)
	doc := &document.Document{
		Filename: "long.txt",
		Format:   document.FormatText,
		Content:  []byte(clinicalNote(5)),
	}

	chunks, err := l.Load(context.Background(), doc)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
}

func TestLoadErrors(t *testing.T) {
	l := newTestLoader(t, 1000, 200)

	tests := []struct {
		name string
		doc  *document.Document
		kind apperrors.Kind
	}{
		{"empty text", &document.Document{Filename: "empty.txt", Format: document.FormatText}, apperrors.NoExtractableContent},
		{"whitespace text", &document.Document{Filename: "blank.txt", Format: document.FormatText, Content: []byte(" \n\t ")}, apperrors.NoExtractableContent},
		{"invalid utf8", &document.Document{Filename: "bad.txt", Format: document.FormatText, Content: []byte{0xff, 0xfe, 0x00}}, apperrors.DecodeError},
		{"image", &document.Document{Filename: "scan.png", Format: document.FormatImage, Content: []byte{1}}, apperrors.UnsupportedFormat},
		{"garbage pdf", &document.Document{Filename: "bad.pdf", Format: document.FormatPDF, Content: []byte("not a pdf")}, apperrors.DecodeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Load(context.Background(), tt.doc)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperrors.KindOf(err))
		})
	}
}

func TestLoadHonoursCancellation(t *testing.T) {
	l := newTestLoader(t, 1000, 200)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Load(ctx, &document.Document{Filename: "a.txt", Format: document.FormatText, Content: []byte("x")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadPDFPerPage(t *testing.T) {
	l := newTestLoader(t, 1000, 200)
	doc := &document.Document{
		Filename: "note.pdf",
		Format:   document.FormatPDF,
		Content:  textlayertest.BuildPDF("Patient Jane Doe", "", "Metformin 500mg twice daily"),
	}

	chunks, err := l.Load(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].Page)
	assert.Contains(t, chunks[0].Text, "Jane Doe")
	assert.Equal(t, 3, chunks[1].Page)
	assert.Contains(t, chunks[1].Text, "Metformin")
}

func TestFirstPageTextsLimits(t *testing.T) {
	pages, err := FirstPageTexts(textlayertest.BuildPDF("one", "two", "three", "four"), 3)
	require.NoError(t, err)
	assert.Len(t, pages, 3)
}

func TestChunkOCRText(t *testing.T) {
	l := newTestLoader(t, 1000, 200)

	chunks, err := l.Chunk("scan.png", "--- Page 1 ---\nHbA1c 7.2%")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Page)

	_, err = l.Chunk("scan.png", "   ")
	assert.Equal(t, apperrors.NoExtractableContent, apperrors.KindOf(err))
}
