package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dgallion1/docrag/internal/doctree"
)

// csvBatchRows is the number of data rows rendered into one node.
const csvBatchRows = 20

// CSVParser handles CSV files. The first record is the header; data rows
// are rendered as "header: value" pairs in batches.
type CSVParser struct{}

func (p *CSVParser) Parse(r io.Reader, filename string) (*doctree.DocTree, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	tree := &doctree.DocTree{Title: trimExt(filename)}

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return tree, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	var batch []string
	first := 2 // 1-based line of the first row in the batch
	line := 1
	flush := func() {
		if len(batch) == 0 {
			return
		}
		tree.Children = append(tree.Children, &doctree.DocNode{
			Title: fmt.Sprintf("Rows %d-%d", first, line),
			Text:  strings.Join(batch, "\n"),
		})
		batch = batch[:0]
		first = line + 1
	}

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv line %d: %w", line+1, err)
		}
		line++
		batch = append(batch, csvRowText(headers, row))
		if len(batch) == csvBatchRows {
			flush()
		}
	}
	flush()

	return tree, nil
}

func csvRowText(headers, row []string) string {
	parts := make([]string, 0, len(row))
	for j, cell := range row {
		if j < len(headers) && headers[j] != "" {
			parts = append(parts, headers[j]+": "+cell)
		} else {
			parts = append(parts, cell)
		}
	}
	return strings.Join(parts, ", ")
}
