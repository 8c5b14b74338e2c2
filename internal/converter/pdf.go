package converter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFConverter extracts text from single-page PDF blobs produced by the
// split step, adapted from the teacher's pdf.Extractor. pdfcpu has no
// dedicated text-extraction API, so content streams are pulled raw via
// ExtractContentFile the same way the teacher's extractor does, and the
// printable runs within them are kept as the page's markdown body.
type PDFConverter struct {
	tempDir string
}

func NewPDFConverter(tempDir string) *PDFConverter {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &PDFConverter{tempDir: tempDir}
}

func (c *PDFConverter) Convert(data []byte, hintFormat string) (string, Meta, error) {
	if len(data) == 0 {
		return "", Meta{}, &ConvertError{Kind: ErrCorruptInput, Err: errors.New("empty input")}
	}
	if hintFormat != "" && hintFormat != "pdf" && hintFormat != "application/pdf" {
		return "", Meta{}, &ConvertError{Kind: ErrUnsupportedFormat, Err: fmt.Errorf("unsupported hint format %q", hintFormat)}
	}

	workDir, err := os.MkdirTemp(c.tempDir, "docuflow-pdfconv-")
	if err != nil {
		return "", Meta{}, &ConvertError{Kind: ErrCorruptInput, Err: err}
	}
	defer os.RemoveAll(workDir)

	inFile := filepath.Join(workDir, "page.pdf")
	if err := os.WriteFile(inFile, data, 0o644); err != nil {
		return "", Meta{}, &ConvertError{Kind: ErrCorruptInput, Err: err}
	}

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadContextFile(inFile)
	if err != nil {
		return "", Meta{}, &ConvertError{Kind: ErrCorruptInput, Err: err}
	}

	outDir := filepath.Join(workDir, "content")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", Meta{}, &ConvertError{Kind: ErrCorruptInput, Err: err}
	}

	var text string
	if err := api.ExtractContentFile(inFile, outDir, nil, conf); err != nil {
		text = ""
	} else {
		text = readExtractedText(outDir)
	}

	markdown := contentStreamToMarkdown(text)
	return markdown, Meta{
		Pages:  pdfCtx.PageCount,
		Words:  countWords([]byte(markdown)),
		Format: "pdf",
		Size:   len(data),
	}, nil
}

func readExtractedText(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		b.Write(content)
		b.WriteByte('\n')
	}
	return b.String()
}

// contentStreamToMarkdown pulls the parenthesized and bracketed text-showing
// operands out of a raw PDF content stream (Tj/TJ operators) and joins them
// into plain paragraphs. It is a best-effort approximation, not a PDF text
// layout engine.
func contentStreamToMarkdown(raw string) string {
	var runs []string
	var buf strings.Builder
	depth := 0
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '(':
			depth++
			if depth == 1 {
				buf.Reset()
				continue
			}
		case ')':
			depth--
			if depth == 0 {
				if s := strings.TrimSpace(buf.String()); s != "" {
					runs = append(runs, s)
				}
				continue
			}
		case '\\':
			if depth > 0 && i+1 < len(raw) {
				i++
				buf.WriteByte(raw[i])
				continue
			}
		}
		if depth > 0 {
			buf.WriteByte(raw[i])
		}
	}
	return strings.Join(runs, " ")
}
