package corpus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultPDFTool is the poppler command used to extract PDF text.
const DefaultPDFTool = "pdftotext"

// ErrPDFToolNotFound is returned when pdftotext cannot be executed.
var ErrPDFToolNotFound = errors.New("pdftotext not found: install poppler (brew install poppler, apt install poppler-utils)")

// CommandRunner runs an external command and returns its standard output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// PDFExtractor turns PDF files into text with pdftotext.
type PDFExtractor struct {
	tool   string
	runner CommandRunner
}

// NewPDFExtractor returns an extractor running tool, or DefaultPDFTool
// when tool is empty.
func NewPDFExtractor(tool string) *PDFExtractor {
	return NewPDFExtractorWithRunner(tool, execRunner{})
}

// NewPDFExtractorWithRunner returns an extractor that runs commands
// through runner.
func NewPDFExtractorWithRunner(tool string, runner CommandRunner) *PDFExtractor {
	if tool == "" {
		tool = DefaultPDFTool
	}
	return &PDFExtractor{tool: tool, runner: runner}
}

// Tool returns the command the extractor runs.
func (p *PDFExtractor) Tool() string {
	return p.tool
}

// Extract returns the text of the PDF at path. Pages are separated by a
// blank line. A missing tool yields ErrPDFToolNotFound.
func (p *PDFExtractor) Extract(ctx context.Context, path string) (string, error) {
	out, err := p.runner.Run(ctx, p.tool, "-enc", "UTF-8", "-q", path, "-")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", ErrPDFToolNotFound
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("pdftotext failed: %w", err)
	}

	out = bytes.ToValidUTF8(out, nil)
	pages := strings.Split(string(out), "\f")
	kept := pages[:0]
	for _, page := range pages {
		if page = strings.TrimSpace(page); page != "" {
			kept = append(kept, page)
		}
	}
	return strings.Join(kept, "\n\n"), nil
}
