package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dgallion1/docrag/internal/doctree"
)

// DefaultSeparators are tried in order: paragraph, line, word, character.
// The empty separator always matches and cuts between runes.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Config controls chunking behavior. Sizes are measured in runes.
type Config struct {
	ChunkSize    int      // Maximum chunk length.
	ChunkOverlap int      // Text carried from the end of one chunk into the next.
	Separators   []string // Boundary preference, highest first.
}

// DefaultConfig returns the 800/200 character defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    800,
		ChunkOverlap: 200,
		Separators:   DefaultSeparators,
	}
}

// Validate checks that the sizes describe a usable window.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("chunk overlap must not be negative, got %d", c.ChunkOverlap)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

// Splitter cuts text into overlapping windows, preferring the earliest
// separator in its list that occurs in the text.
type Splitter struct {
	cfg Config
}

// New validates cfg and returns a Splitter.
func New(cfg Config) (*Splitter, error) {
	if len(cfg.Separators) == 0 {
		cfg.Separators = DefaultSeparators
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Splitter{cfg: cfg}, nil
}

// Split chunks every document with cfg. Chunks keep their document's
// metadata and appear in document order.
func Split(docs []doctree.Document, cfg Config) ([]doctree.Chunk, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return s.SplitDocuments(docs), nil
}

// SplitDocuments chunks docs in order.
func (s *Splitter) SplitDocuments(docs []doctree.Document) []doctree.Chunk {
	var chunks []doctree.Chunk
	for _, doc := range docs {
		for _, text := range s.SplitText(doc.Content) {
			chunks = append(chunks, doctree.Chunk{
				Text:     text,
				Metadata: doc.Metadata,
			})
		}
	}
	return chunks
}

// SplitText chunks a single text. Output is deterministic for a given
// input and configuration.
func (s *Splitter) SplitText(text string) []string {
	return s.split(text, s.cfg.Separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var rest []string
	for i, sep := range separators {
		if sep == "" {
			separator = ""
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var out, small []string
	for _, piece := range splitKeepSeparator(text, separator) {
		if utf8.RuneCountInString(piece) < s.cfg.ChunkSize {
			small = append(small, piece)
			continue
		}
		if len(small) > 0 {
			out = append(out, s.merge(small)...)
			small = nil
		}
		if len(rest) == 0 {
			out = append(out, piece)
		} else {
			out = append(out, s.split(piece, rest)...)
		}
	}
	if len(small) > 0 {
		out = append(out, s.merge(small)...)
	}
	return out
}

// merge packs pieces into windows of at most ChunkSize runes. When a window
// closes, leading pieces are dropped until what remains fits within
// ChunkOverlap; that remainder opens the next window.
func (s *Splitter) merge(pieces []string) []string {
	size, overlap := s.cfg.ChunkSize, s.cfg.ChunkOverlap

	var out []string
	var window []string
	var lengths []int
	total := 0

	for _, piece := range pieces {
		n := utf8.RuneCountInString(piece)
		if total+n > size && len(window) > 0 {
			if chunk := joinWindow(window); chunk != "" {
				out = append(out, chunk)
			}
			for total > overlap || (total+n > size && total > 0) {
				total -= lengths[0]
				window, lengths = window[1:], lengths[1:]
			}
		}
		window = append(window, piece)
		lengths = append(lengths, n)
		total += n
	}
	if chunk := joinWindow(window); chunk != "" {
		out = append(out, chunk)
	}
	return out
}

func joinWindow(window []string) string {
	return strings.TrimSpace(strings.Join(window, ""))
}

// splitKeepSeparator splits text on sep, attaching each separator to the
// start of the piece that follows it. Empty pieces are dropped.
func splitKeepSeparator(text, sep string) []string {
	if sep == "" {
		pieces := make([]string, 0, len(text))
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
		return pieces
	}
	parts := strings.Split(text, sep)
	pieces := make([]string, 0, len(parts))
	if parts[0] != "" {
		pieces = append(pieces, parts[0])
	}
	for _, p := range parts[1:] {
		pieces = append(pieces, sep+p)
	}
	return pieces
}
