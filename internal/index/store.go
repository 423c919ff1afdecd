package index

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dgallion1/docrag/internal/doctree"
	"go.etcd.io/bbolt"
)

var (
	bucketMeta    = []byte("meta")
	bucketEntries = []byte("entries")
)

// renameFile is swapped in tests to simulate a failed replace.
var renameFile = os.Rename

type storedEntry struct {
	Text   string         `json:"text"`
	Source string         `json:"source"`
	Page   *int           `json:"page"`
	Vector doctree.Vector `json:"vector"`
}

// Exists reports whether a persisted index is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Save writes the index to a temporary file beside path and renames it into
// place. A failed save leaves any existing file at path untouched.
func (ix *Index) Save(path string) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if err := ix.writeBolt(tmpPath); err != nil {
		return err
	}
	if err := syncFile(tmpPath); err != nil {
		return fmt.Errorf("sync index: %w", err)
	}
	if err := renameFile(tmpPath, path); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	// Best effort: persist the rename itself.
	if d, derr := os.Open(dir); derr == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func (ix *Index) writeBolt(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("open index db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		for k, v := range map[string]string{
			"dim":         strconv.Itoa(ix.meta.Dim),
			"count":       strconv.Itoa(ix.meta.Count),
			"created_at":  ix.meta.CreatedAt.Format(time.RFC3339),
			"embed_model": ix.meta.EmbedModel,
		} {
			if err := meta.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}

		entries, err := tx.CreateBucket(bucketEntries)
		if err != nil {
			return err
		}
		entries.FillPercent = 1.0
		for i, e := range ix.entries {
			data, err := json.Marshal(storedEntry{
				Text:   e.Chunk.Text,
				Source: e.Chunk.Metadata.Source,
				Page:   e.Chunk.Metadata.Page,
				Vector: e.Vector,
			})
			if err != nil {
				return fmt.Errorf("encode entry %d: %w", i, err)
			}
			if err := entries.Put(ordinalKey(uint64(i)), data); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := db.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// Load reads a persisted index. It returns ErrNotFound when path is absent.
func Load(path string) (*Index, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat index: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{ReadOnly: true, Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	defer db.Close()

	ix := &Index{}
	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		entries := tx.Bucket(bucketEntries)
		if meta == nil || entries == nil {
			return errors.New("missing buckets")
		}
		var err error
		if ix.meta, err = readMeta(meta); err != nil {
			return err
		}

		ix.entries = make([]Entry, 0, ix.meta.Count)
		return entries.ForEach(func(k, v []byte) error {
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				return fmt.Errorf("decode entry %x: %w", k, err)
			}
			if len(se.Vector) != ix.meta.Dim {
				return fmt.Errorf("entry %x: %w: got %d, expected %d", k, ErrDimension, len(se.Vector), ix.meta.Dim)
			}
			ix.entries = append(ix.entries, Entry{
				Vector: se.Vector,
				Chunk: doctree.Chunk{
					Text:     se.Text,
					Metadata: doctree.Metadata{Source: se.Source, Page: se.Page},
				},
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}
	if len(ix.entries) != ix.meta.Count {
		return nil, fmt.Errorf("read index %s: count %d, found %d entries", path, ix.meta.Count, len(ix.entries))
	}
	if len(ix.entries) == 0 {
		return nil, fmt.Errorf("read index %s: %w", path, ErrEmpty)
	}
	return ix, nil
}

func readMeta(b *bbolt.Bucket) (Meta, error) {
	var m Meta
	var err error
	if m.Dim, err = strconv.Atoi(string(b.Get([]byte("dim")))); err != nil {
		return m, fmt.Errorf("meta dim: %w", err)
	}
	if m.Count, err = strconv.Atoi(string(b.Get([]byte("count")))); err != nil {
		return m, fmt.Errorf("meta count: %w", err)
	}
	if ts := b.Get([]byte("created_at")); len(ts) > 0 {
		if m.CreatedAt, err = time.Parse(time.RFC3339, string(ts)); err != nil {
			return m, fmt.Errorf("meta created_at: %w", err)
		}
	}
	m.EmbedModel = string(b.Get([]byte("embed_model")))
	return m, nil
}

func ordinalKey(i uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, i)
	return k
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
