package document

import (
	"testing"

	"clinical-fhir-extractor/internal/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		ocr      bool
		want     Format
		wantErr  bool
	}{
		{"pdf", "note.pdf", false, FormatPDF, false},
		{"upper case pdf", "NOTE.PDF", false, FormatPDF, false},
		{"txt", "note.txt", false, FormatText, false},
		{"text", "note.TEXT", false, FormatText, false},
		{"final suffix only", "archive.pdf.docx", true, "", true},
		{"double suffix ending in txt", "scan.png.txt", false, FormatText, false},
		{"docx", "note.docx", true, "", true},
		{"no extension", "README", true, "", true},
		{"png with ocr", "scan.png", true, FormatImage, false},
		{"png without ocr", "scan.png", false, "", true},
		{"jpeg with ocr", "scan.JPEG", true, FormatImage, false},
		{"tif with ocr", "scan.tif", true, FormatImage, false},
		{"gif with ocr", "scan.gif", true, FormatImage, false},
		{"bmp with ocr", "scan.bmp", true, FormatImage, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.filename, tt.ocr)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperrors.UnsupportedFormat, apperrors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllowedExtensions(t *testing.T) {
	assert.Equal(t, []string{".pdf", ".txt", ".text"}, AllowedExtensions(false))

	withOCR := AllowedExtensions(true)
	assert.Len(t, withOCR, 10)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".tiff", ".tif", ".bmp", ".gif"} {
		assert.Contains(t, withOCR, ext)
	}
}

func TestNewSniffsMIME(t *testing.T) {
	doc, err := New("note.txt", []byte("Patient: Jane Doe"), false)
	require.NoError(t, err)

	assert.Equal(t, FormatText, doc.Format)
	assert.Equal(t, ".txt", doc.Extension)
	assert.Equal(t, 17, doc.Size())
	assert.Contains(t, doc.MIMEType, "text/plain")
}
