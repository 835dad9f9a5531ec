package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultDPI is the resolution scanned PDF pages are rendered at.
const DefaultDPI = 300

// PageImage is one rendered PDF page.
type PageImage struct {
	Number int // 1-based
	PNG    []byte
}

// Rasterizer renders every page of a PDF to an image.
type Rasterizer interface {
	Render(ctx context.Context, pdf []byte, dpi int) ([]PageImage, error)
}

// Pdftoppm renders pages with poppler's pdftoppm.
type Pdftoppm struct {
	Path   string
	Runner Runner
}

func (p *Pdftoppm) Render(ctx context.Context, pdf []byte, dpi int) ([]PageImage, error) {
	if dpi <= 0 {
		dpi = DefaultDPI
	}

	tmpDir, err := os.MkdirTemp("", "fhir-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	in := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(in, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("stage pdf: %w", err)
	}

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r <dpi> -png <in.pdf> <tmp/page>
	_, errb, err := p.Runner.Run(ctx, p.Path, "-r", strconv.Itoa(dpi), "-png", in, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: %w: %s", err, truncate(string(errb), 512))
	}

	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}

	pages := make([]PageImage, 0, len(matches))
	for _, m := range matches {
		n, ok := pageNumber(prefix, m)
		if !ok {
			continue
		}
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("read rendered page %d: %w", n, err)
		}
		pages = append(pages, PageImage{Number: n, PNG: data})
	}
	// pdftoppm zero-pads by page count, so sort numerically rather than by name.
	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })

	if len(pages) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages")
	}
	return pages, nil
}

func pageNumber(prefix, path string) (int, bool) {
	s := strings.TrimSuffix(strings.TrimPrefix(path, prefix+"-"), ".png")
	n, err := strconv.Atoi(s)
	return n, err == nil
}
