package document

import (
	"path/filepath"
	"sort"
	"strings"

	"clinical-fhir-extractor/internal/apperrors"

	"github.com/gabriel-vasile/mimetype"
)

// Format is the coarse document kind inferred from the filename extension.
type Format string

const (
	FormatPDF   Format = "pdf"
	FormatText  Format = "text"
	FormatImage Format = "image"
)

var textExtensions = map[string]Format{
	".pdf":  FormatPDF,
	".txt":  FormatText,
	".text": FormatText,
}

var imageExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".tiff": {},
	".tif":  {},
	".bmp":  {},
	".gif":  {},
}

// Document is one uploaded file, held in memory for the lifetime of a request.
type Document struct {
	Filename  string
	Extension string
	Format    Format
	Content   []byte
	MIMEType  string
}

func (d *Document) Size() int { return len(d.Content) }

// Extension returns the lower-cased final dot-suffix of filename, e.g. ".pdf".
func Extension(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// Classify derives the format from the final extension. Image formats are only
// accepted when ocrAvailable is true.
func Classify(filename string, ocrAvailable bool) (Format, error) {
	ext := Extension(filename)
	if f, ok := textExtensions[ext]; ok {
		return f, nil
	}
	if _, ok := imageExtensions[ext]; ok {
		if ocrAvailable {
			return FormatImage, nil
		}
		return "", apperrors.New(apperrors.UnsupportedFormat,
			"extension %q requires OCR, which is not available; allowed: %s",
			ext, strings.Join(AllowedExtensions(false), ", "))
	}
	if ext == "" {
		return "", apperrors.New(apperrors.UnsupportedFormat, "filename %q has no extension", filename)
	}
	return "", apperrors.New(apperrors.UnsupportedFormat,
		"unsupported file type %q; allowed: %s", ext, strings.Join(AllowedExtensions(ocrAvailable), ", "))
}

// IsImageExtension reports whether ext (with dot, any case) is an OCR-only format.
func IsImageExtension(ext string) bool {
	_, ok := imageExtensions[strings.ToLower(ext)]
	return ok
}

// AllowedExtensions lists accepted extensions, text formats first.
func AllowedExtensions(ocrAvailable bool) []string {
	out := []string{".pdf", ".txt", ".text"}
	if ocrAvailable {
		images := make([]string, 0, len(imageExtensions))
		for ext := range imageExtensions {
			images = append(images, ext)
		}
		sort.Strings(images)
		out = append(out, images...)
	}
	return out
}

// New classifies filename and wraps content into a Document. The MIME type is
// sniffed from the bytes and only recorded; classification is by extension.
func New(filename string, content []byte, ocrAvailable bool) (*Document, error) {
	format, err := Classify(filename, ocrAvailable)
	if err != nil {
		return nil, err
	}
	return &Document{
		Filename:  filename,
		Extension: Extension(filename),
		Format:    format,
		Content:   content,
		MIMEType:  mimetype.Detect(content).String(),
	}, nil
}
