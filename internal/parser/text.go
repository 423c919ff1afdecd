package parser

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/dgallion1/docrag/internal/doctree"
)

// maxTextBytes bounds how much of a plain text file is read.
const maxTextBytes = 64 << 20

var errInvalidUTF8 = errors.New("content is not valid utf-8")

// TextParser handles plain text files. The content is kept verbatim as a
// single node.
type TextParser struct{}

func (p *TextParser) Parse(r io.Reader, filename string) (*doctree.DocTree, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTextBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	if len(data) > maxTextBytes {
		return nil, fmt.Errorf("text file exceeds %d bytes", maxTextBytes)
	}
	if !utf8.Valid(data) {
		return nil, errInvalidUTF8
	}
	// Drop a UTF-8 byte order mark.
	content := strings.TrimPrefix(string(data), "\ufeff")

	tree := &doctree.DocTree{Title: trimExt(filename)}
	if strings.TrimSpace(content) != "" {
		tree.Children = []*doctree.DocNode{{Text: content}}
	}
	return tree, nil
}
