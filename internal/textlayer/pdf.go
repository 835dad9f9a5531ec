package textlayer

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PageTexts returns the native text of every page in order. Pages whose
// content cannot be read yield an empty string so page numbers stay aligned.
func PageTexts(content []byte) (pages []string, err error) {
	return pageTexts(content, 0)
}

// FirstPageTexts is PageTexts limited to the first n pages.
func FirstPageTexts(content []byte, n int) ([]string, error) {
	return pageTexts(content, n)
}

func pageTexts(content []byte, limit int) (pages []string, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("failed to parse PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}

	total := reader.NumPage()
	if limit > 0 && total > limit {
		total = limit
	}

	pages = make([]string, 0, total)
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(fonts)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}
