package textlayer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"clinical-fhir-extractor/internal/apperrors"
	"clinical-fhir-extractor/internal/document"
)

var (
	utf8BOM        = []byte{0xEF, 0xBB, 0xBF}
	errInvalidUTF8 = errors.New("content is not valid UTF-8")
)

// Chunk is one retrievable text segment.
type Chunk struct {
	Index  int    // position across the whole document
	Page   int    // 1-based PDF page, 0 for text and OCR sources
	Source string // originating filename
	Text   string
}

// Loader turns PDF and text documents into chunks.
type Loader struct {
	splitter *Splitter
	logger   *slog.Logger
}

func NewLoader(splitter *Splitter, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{splitter: splitter, logger: logger}
}

func (l *Loader) Splitter() *Splitter { return l.splitter }

// Load reads the document's native text and chunks it. PDFs are chunked page
// by page so no chunk spans a page break.
func (l *Loader) Load(ctx context.Context, doc *document.Document) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var chunks []Chunk
	switch doc.Format {
	case document.FormatPDF:
		pages, err := PageTexts(doc.Content)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.DecodeError, err, "cannot read PDF %q", doc.Filename)
		}
		for i, text := range pages {
			chunks = l.appendChunks(chunks, doc.Filename, i+1, text)
		}
		l.logger.Debug("pdf loaded", "filename", doc.Filename, "pages", len(pages))

	case document.FormatText:
		text, err := DecodeText(doc.Content)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.DecodeError, err, "cannot decode %q", doc.Filename)
		}
		chunks = l.appendChunks(chunks, doc.Filename, 0, text)

	default:
		return nil, apperrors.New(apperrors.UnsupportedFormat,
			"text layer cannot load %s documents", doc.Format)
	}

	if len(chunks) == 0 {
		return nil, apperrors.New(apperrors.NoExtractableContent, "%q contains no extractable text", doc.Filename)
	}
	l.logger.Info("document loaded and split", "filename", doc.Filename, "chunks", len(chunks))
	return chunks, nil
}

// Chunk splits already-extracted text, e.g. OCR output.
func (l *Loader) Chunk(source, text string) ([]Chunk, error) {
	chunks := l.appendChunks(nil, source, 0, text)
	if len(chunks) == 0 {
		return nil, apperrors.New(apperrors.NoExtractableContent, "%q contains no extractable text", source)
	}
	return chunks, nil
}

func (l *Loader) appendChunks(chunks []Chunk, source string, page int, text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return chunks
	}
	for _, part := range l.splitter.Split(text) {
		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Page:   page,
			Source: source,
			Text:   part,
		})
	}
	return chunks
}

// DecodeText validates content as UTF-8 and strips a leading byte-order mark.
func DecodeText(content []byte) (string, error) {
	content = bytes.TrimPrefix(content, utf8BOM)
	if !utf8.Valid(content) {
		return "", errInvalidUTF8
	}
	return string(content), nil
}
