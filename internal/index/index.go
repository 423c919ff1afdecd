// Package index holds chunk embeddings and answers nearest-neighbour
// queries by exhaustive Euclidean search.
package index

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgallion1/docrag/internal/doctree"
)

var (
	ErrNotFound  = errors.New("index not found")
	ErrEmpty     = errors.New("index has no entries")
	ErrDimension = errors.New("vector dimension mismatch")
)

// Entry pairs a chunk with its embedding.
type Entry struct {
	Vector doctree.Vector
	Chunk  doctree.Chunk
}

// Meta describes a built index.
type Meta struct {
	Dim        int       `json:"dim"`
	Count      int       `json:"count"`
	CreatedAt  time.Time `json:"created_at"`
	EmbedModel string    `json:"embed_model"`
}

// Index is an immutable in-memory vector index.
type Index struct {
	entries []Entry
	meta    Meta
}

// Build validates entries and creates an index over them. embedModel is
// recorded in the metadata and may be empty.
func Build(entries []Entry, embedModel string) (*Index, error) {
	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	dim := len(entries[0].Vector)
	if dim == 0 {
		return nil, fmt.Errorf("entry 0: %w: empty vector", ErrDimension)
	}
	for i, e := range entries {
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("entry %d: %w: got %d, expected %d", i, ErrDimension, len(e.Vector), dim)
		}
	}
	return &Index{
		entries: slices.Clone(entries),
		meta: Meta{
			Dim:        dim,
			Count:      len(entries),
			CreatedAt:  time.Now().UTC().Truncate(time.Second),
			EmbedModel: embedModel,
		},
	}, nil
}

func (ix *Index) Meta() Meta { return ix.meta }

func (ix *Index) Len() int { return len(ix.entries) }

// Entries returns the entries in insertion order.
func (ix *Index) Entries() []Entry { return slices.Clone(ix.entries) }

// Search returns up to k entries nearest to query, closest first. Equal
// distances keep insertion order.
func (ix *Index) Search(query doctree.Vector, k int) ([]Entry, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(query) != ix.meta.Dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimension, len(query), ix.meta.Dim)
	}

	type scored struct {
		pos  int
		dist float64
	}
	hits := make([]scored, len(ix.entries))
	for i, e := range ix.entries {
		hits[i] = scored{pos: i, dist: squaredL2(query, e.Vector)}
	}
	slices.SortStableFunc(hits, func(a, b scored) int {
		return cmp.Compare(a.dist, b.dist)
	})

	if k > len(hits) {
		k = len(hits)
	}
	out := make([]Entry, k)
	for i := range out {
		out[i] = ix.entries[hits[i].pos]
	}
	return out, nil
}

// squaredL2 orders identically to Euclidean distance.
func squaredL2(a, b doctree.Vector) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
