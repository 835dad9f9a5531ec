package ocr

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Capability is the result of probing the OCR backend once at startup.
type Capability struct {
	Available bool
	Reason    string
	Version   string
	// PDFRendering is true when scanned PDFs can be rasterised.
	PDFRendering bool
}

func Unavailable(reason string) Capability {
	return Capability{Reason: reason}
}

// Prober checks whether OCR can run on this host.
type Prober interface {
	Probe(ctx context.Context) Capability
}

// CommandProber probes the tesseract and pdftoppm binaries.
type CommandProber struct {
	Tesseract string
	Pdftoppm  string
	Runner    Runner
	Timeout   time.Duration
}

func (p CommandProber) Probe(ctx context.Context) Capability {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, errb, err := p.Runner.Run(ctx, p.Tesseract, "--version")
	if err != nil {
		return Unavailable(fmt.Sprintf("tesseract not usable at %q: %v", p.Tesseract, err))
	}
	// Older releases print the banner to stderr.
	banner := string(out)
	if strings.TrimSpace(banner) == "" {
		banner = string(errb)
	}

	capability := Capability{
		Available: true,
		Version:   firstLine(banner),
	}
	if p.Pdftoppm != "" {
		if _, _, err := p.Runner.Run(ctx, p.Pdftoppm, "-v"); err == nil {
			capability.PDFRendering = true
		} else {
			capability.Reason = fmt.Sprintf("pdftoppm not usable at %q: %v", p.Pdftoppm, err)
		}
	}
	return capability
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
