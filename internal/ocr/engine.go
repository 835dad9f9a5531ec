package ocr

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RecognitionConfig is one named engine setting tried during recognition.
type RecognitionConfig struct {
	Name string
	// PSM is the tesseract page segmentation mode.
	PSM int
	// OEM is the engine mode; 0 leaves the engine default.
	OEM int
	// Whitelist restricts recognised characters when non-empty.
	Whitelist string
}

const clinicalCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789 .,:;/-()%+#'&"

// DefaultConfigs covers uniform blocks, automatic layout, sparse forms and
// single columns, plus a clinical character whitelist on the block mode.
func DefaultConfigs() []RecognitionConfig {
	return []RecognitionConfig{
		{Name: "uniform-block", PSM: 6},
		{Name: "auto-layout", PSM: 3},
		{Name: "single-column", PSM: 4},
		{Name: "sparse-text", PSM: 11},
		{Name: "clinical-charset", PSM: 6, Whitelist: clinicalCharset},
	}
}

// Engine recognises text in an image file.
type Engine interface {
	Recognize(ctx context.Context, imagePath string, cfg RecognitionConfig) (string, error)
}

// Tesseract drives the tesseract CLI.
type Tesseract struct {
	Path     string
	Language string
	Runner   Runner
}

func NewTesseract(path, language string, runner Runner) *Tesseract {
	if path == "" {
		path = "tesseract"
	}
	if language == "" {
		language = "eng"
	}
	return &Tesseract{Path: path, Language: language, Runner: runner}
}

func (t *Tesseract) Recognize(ctx context.Context, imagePath string, cfg RecognitionConfig) (string, error) {
	// tesseract <file> stdout -l <lang> --psm <n> [--oem <n>] [-c tessedit_char_whitelist=...]
	args := []string{imagePath, "stdout", "-l", t.Language, "--psm", strconv.Itoa(cfg.PSM)}
	if cfg.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(cfg.OEM))
	}
	if cfg.Whitelist != "" {
		args = append(args, "-c", "tessedit_char_whitelist="+cfg.Whitelist)
	}

	out, errb, err := t.Runner.Run(ctx, t.Path, args...)
	if err != nil {
		return "", fmt.Errorf("tesseract %s: %w: %s", cfg.Name, err, truncate(string(errb), 512))
	}
	return Normalize(string(out)), nil
}

var (
	reTrailingSpace = regexp.MustCompile(`[ \t]+\n`)
	reManyBlank     = regexp.MustCompile(`\n{3,}`)
	reBoxNoise      = regexp.MustCompile(`[|_]{3,}`)
)

// Normalize cleans engine output: unified newlines, no form feeds, no ruled
// box borders, at most one blank line in a row, trimmed.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\f", "\n")
	s = reBoxNoise.ReplaceAllString(s, "")
	s = reTrailingSpace.ReplaceAllString(s, "\n")
	s = reManyBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
