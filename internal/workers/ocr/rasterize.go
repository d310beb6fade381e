package ocr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultDPI is the rasterization resolution. Architectural sheets need the
// full 300 to keep title-block text legible.
const DefaultDPI = 300

// Rasterizer renders one PDF page to PNG bytes. Page indices are 0-based.
type Rasterizer interface {
	RenderPage(ctx context.Context, pdfPath string, pageIndex int) ([]byte, error)
}

// Pdftoppm shells out to pdftoppm (poppler-utils).
type Pdftoppm struct {
	DPI int
}

// RenderPage renders a single page.
func (p *Pdftoppm) RenderPage(ctx context.Context, pdfPath string, pageIndex int) ([]byte, error) {
	dpi := p.DPI
	if dpi == 0 {
		dpi = DefaultDPI
	}

	tmpDir, err := os.MkdirTemp("", "buildtrace-page-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outputPrefix := filepath.Join(tmpDir, "page")

	// pdftoppm pages are 1-based.
	pageStr := fmt.Sprintf("%d", pageIndex+1)
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", fmt.Sprintf("%d", dpi),
		"-singlefile",
		pdfPath,
		outputPrefix,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}

	// -singlefile creates <prefix>.png
	data, err := os.ReadFile(outputPrefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}
	return data, nil
}
