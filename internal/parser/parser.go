package parser

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dgallion1/docrag/internal/doctree"
)

// Parser converts raw document bytes into a DocTree.
type Parser interface {
	Parse(r io.Reader, filename string) (*doctree.DocTree, error)
}

// Options selects which formats are recognised.
type Options struct {
	// Extended enables Markdown, HTML and CSV on top of the core formats.
	Extended bool
	// FallbackPdftotext retries PDF extraction with the pdftotext binary.
	FallbackPdftotext bool
}

// CoreExtensions are always recognised.
var CoreExtensions = map[string]bool{
	".pdf":  true,
	".docx": true,
	".doc":  true,
	".txt":  true,
}

// ExtendedExtensions are recognised only with Options.Extended.
var ExtendedExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".html":     true,
	".htm":      true,
	".csv":      true,
}

// ForFile returns the appropriate parser for a filename.
func ForFile(filename string, opts Options) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !IsSupportedExtension(filename, opts) {
		return nil, fmt.Errorf("unsupported file extension: %q", ext)
	}
	switch ext {
	case ".txt":
		return &TextParser{}, nil
	case ".pdf":
		return &PDFParser{FallbackPdftotext: opts.FallbackPdftotext}, nil
	case ".docx", ".doc":
		// Legacy binary .doc files fail in the zip reader and surface as a
		// parse error.
		return &DOCXParser{}, nil
	case ".md", ".markdown":
		return &MarkdownParser{}, nil
	case ".html", ".htm":
		return &HTMLParser{}, nil
	case ".csv":
		return &CSVParser{}, nil
	}
	return nil, fmt.Errorf("unsupported file extension: %q", ext)
}

// IsSupportedExtension checks if a file extension is recognised under opts.
func IsSupportedExtension(filename string, opts Options) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	if CoreExtensions[ext] {
		return true
	}
	return opts.Extended && ExtendedExtensions[ext]
}

func trimExt(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
