package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dgallion1/docrag/internal/doctree"
	"github.com/dgallion1/docrag/internal/parser"
)

// ErrNoDocuments is returned when a directory yields no usable Document.
var ErrNoDocuments = errors.New("no documents found")

const maxFileSize = 256 << 20

// Skipped records a file that produced no Document.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result is the outcome of loading a directory.
type Result struct {
	Dir       string
	Documents []doctree.Document
	Skipped   []Skipped
}

// Loader reads supported files under a directory into Documents.
type Loader struct {
	opts parser.Options
	log  *slog.Logger
}

func New(opts parser.Options, log *slog.Logger) *Loader {
	return &Loader{opts: opts, log: log.With("component", "loader")}
}

// ResolveDir returns the first candidate that is a directory with at least
// one entry.
func ResolveDir(candidates []string) (string, bool) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		entries, err := os.ReadDir(c)
		if err == nil && len(entries) > 0 {
			return c, true
		}
	}
	return "", false
}

// LoadFirst loads the first usable candidate directory.
func (l *Loader) LoadFirst(ctx context.Context, candidates []string) (Result, error) {
	dir, ok := ResolveDir(candidates)
	if !ok {
		l.log.Warn("no document directory found", "candidates", candidates)
		return Result{}, fmt.Errorf("%w: none of %v is a non-empty directory", ErrNoDocuments, candidates)
	}
	l.log.Info("loading documents", "dir", dir)
	return l.Load(ctx, dir)
}

// Load walks dir recursively in lexical order. Files that cannot be read or
// parsed are logged and recorded in Result.Skipped.
func (l *Loader) Load(ctx context.Context, dir string) (Result, error) {
	res := Result{Dir: dir}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return res, fmt.Errorf("%w: %s is not a directory", ErrNoDocuments, dir)
	}

	files, err := doublestar.Glob(os.DirFS(dir), "**", doublestar.WithFilesOnly())
	if err != nil {
		return res, fmt.Errorf("walk %s: %w", dir, err)
	}
	slices.Sort(files)
	if len(files) == 0 {
		return res, fmt.Errorf("%w: %s is empty", ErrNoDocuments, dir)
	}

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		path := filepath.Join(dir, filepath.FromSlash(rel))

		if !parser.IsSupportedExtension(path, l.opts) {
			l.log.Info("skipping unsupported file", "path", path)
			res.Skipped = append(res.Skipped, Skipped{Path: path, Reason: "unsupported extension"})
			continue
		}

		docs, err := l.loadFile(path)
		if err != nil {
			l.log.Error("failed to load file", "path", path, "error", err)
			res.Skipped = append(res.Skipped, Skipped{Path: path, Reason: err.Error()})
			continue
		}
		if len(docs) == 0 {
			l.log.Info("file has no text", "path", path)
			res.Skipped = append(res.Skipped, Skipped{Path: path, Reason: "no text content"})
			continue
		}
		res.Documents = append(res.Documents, docs...)
	}

	l.log.Info("documents loaded",
		"dir", dir,
		"files", len(files),
		"documents", len(res.Documents),
		"skipped", len(res.Skipped),
	)
	if len(res.Documents) == 0 {
		return res, fmt.Errorf("%w: no readable files in %s", ErrNoDocuments, dir)
	}
	return res, nil
}

// loadFile parses one file. Parser panics on malformed input are turned into
// errors.
func (l *Loader) loadFile(path string) (docs []doctree.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			docs, err = nil, fmt.Errorf("parser panic: %v", r)
		}
	}()

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("file too large (%d bytes)", info.Size())
	}

	p, err := parser.ForFile(path, l.opts)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tree, err := p.Parse(f, filepath.Base(path))
	if err != nil {
		return nil, err
	}
	return toDocuments(tree, path), nil
}

// toDocuments flattens a tree into Documents. Paginated trees give one
// Document per page; everything else gives one per file.
func toDocuments(tree *doctree.DocTree, source string) []doctree.Document {
	if tree == nil || len(tree.Children) == 0 {
		return nil
	}
	if paginated(tree.Children) {
		docs := make([]doctree.Document, 0, len(tree.Children))
		for _, n := range tree.Children {
			text := doctree.Flatten([]*doctree.DocNode{n})
			if strings.TrimSpace(text) == "" {
				continue
			}
			docs = append(docs, doctree.Document{
				Content:  text,
				Metadata: doctree.Metadata{Source: source, Page: doctree.PageOf(n.Page)},
			})
		}
		return docs
	}

	var text string
	if len(tree.Children) == 1 && tree.Children[0].Title == "" && len(tree.Children[0].Children) == 0 {
		// Plain text keeps its content verbatim.
		text = tree.Children[0].Text
	} else {
		text = doctree.Flatten(tree.Children)
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []doctree.Document{{Content: text, Metadata: doctree.Metadata{Source: source}}}
}

func paginated(nodes []*doctree.DocNode) bool {
	for _, n := range nodes {
		if n.Page <= 0 {
			return false
		}
	}
	return true
}
