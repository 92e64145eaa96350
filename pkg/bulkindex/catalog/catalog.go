// Package catalog stores the versioned index metadata of a collection.
// Every mutation produces a new immutable generation file and flips a
// CURRENT pointer to it, so readers always see a complete state and a torn
// write can only lose the newest generation, never corrupt an older one.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/btree"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/utils"
)

// IndexMeta describes one index.
type IndexMeta struct {
	Name     string          `json:"name"`
	Spec     json.RawMessage `json:"spec,omitempty"`
	Ready    bool            `json:"ready"`
	Multikey bool            `json:"multikey"`
	Head     *btree.Ref      `json:"head,omitempty"`
}

// Version is one immutable catalog generation.
type Version struct {
	Seq           uint64      `json:"seq"`
	CreatedAtUnix int64       `json:"createdAtUnix"`
	Indexes       []IndexMeta `json:"indexes"`
}

func (v *Version) clone() *Version {
	out := &Version{
		Seq:           v.Seq,
		CreatedAtUnix: v.CreatedAtUnix,
		Indexes:       make([]IndexMeta, len(v.Indexes)),
	}
	copy(out.Indexes, v.Indexes)
	for i := range out.Indexes {
		if h := out.Indexes[i].Head; h != nil {
			hc := *h
			out.Indexes[i].Head = &hc
		}
		if s := out.Indexes[i].Spec; s != nil {
			out.Indexes[i].Spec = append(json.RawMessage(nil), s...)
		}
	}
	return out
}

func (v *Version) find(name string) *IndexMeta {
	for i := range v.Indexes {
		if v.Indexes[i].Name == name {
			return &v.Indexes[i]
		}
	}
	return nil
}

// Catalog is the mutable handle over the generation chain.
type Catalog struct {
	dir    string
	logger common.Logger

	mu      sync.Mutex
	current *Version
}

// Open loads the newest generation from dir, creating an empty catalog if
// none exists. Corrupt generation files are quarantined and skipped.
func Open(dir string, logger common.Logger) (*Catalog, error) {
	if logger == nil {
		logger = common.NewNullLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	c := &Catalog{dir: dir, logger: logger}

	v, err := loadNewest(dir, logger)
	if err == nil {
		c.current = v
		logger.Info("loaded catalog", "seq", v.Seq, "indexes", len(v.Indexes))
		return c, nil
	}
	if !errors.Is(err, common.ErrCatalogNotFound) {
		return nil, err
	}

	c.current = &Version{Seq: 1, CreatedAtUnix: time.Now().Unix()}
	if err := c.save(c.current); err != nil {
		return nil, fmt.Errorf("save initial catalog: %w", err)
	}
	logger.Info("created catalog", "dir", dir)
	return c, nil
}

// LoadVersion reads the newest generation without creating anything. Used by
// tooling that must not touch the catalog.
func LoadVersion(dir string) (*Version, error) {
	return loadNewest(dir, common.NewNullLogger())
}

func loadNewest(dir string, logger common.Logger) (*Version, error) {
	candidates := generationFiles(dir)

	// The CURRENT pointer names the authoritative generation; try it first.
	if data, err := os.ReadFile(filepath.Join(dir, common.FileCurrent)); err == nil {
		name := strings.TrimSpace(string(data))
		path := filepath.Join(dir, name)
		if utils.FileExists(path) {
			candidates = promote(candidates, path)
		} else {
			logger.Warn("CURRENT points at a missing generation", "name", name)
		}
	}

	for _, path := range candidates {
		v, err := readGeneration(path)
		if err != nil {
			logger.Warn("quarantining corrupt catalog generation", "path", path, "error", err.Error())
			if qerr := utils.QuarantineFile(path); qerr != nil {
				logger.Warn("quarantine failed", "path", path, "error", qerr.Error())
			}
			continue
		}
		return v, nil
	}
	return nil, common.ErrCatalogNotFound
}

// generationFiles lists generation files newest first.
func generationFiles(dir string) []string {
	files, _ := filepath.Glob(filepath.Join(dir, "catalog-*.json"))
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files
}

// promote moves path to the front of the candidate list.
func promote(files []string, path string) []string {
	out := []string{path}
	for _, f := range files {
		if f != path {
			out = append(out, f)
		}
	}
	return out
}

func readGeneration(path string) (*Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v Version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse catalog generation: %w", err)
	}
	if v.Seq == 0 {
		return nil, fmt.Errorf("catalog generation without sequence number")
	}
	return &v, nil
}

// save writes one generation and flips CURRENT to it. On failure the partial
// generation file is removed so it can never be mistaken for state.
func (c *Catalog) save(v *Version) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}

	name := fmt.Sprintf(common.CatalogPattern, v.Seq)
	path := filepath.Join(c.dir, name)

	af, err := utils.NewAtomicFile(path)
	if err != nil {
		return fmt.Errorf("create generation file: %w", err)
	}
	defer af.Close()
	if _, err := af.Write(data); err != nil {
		return fmt.Errorf("write generation: %w", err)
	}
	if err := af.Commit(); err != nil {
		return fmt.Errorf("commit generation: %w", err)
	}

	cur, err := utils.NewAtomicFile(filepath.Join(c.dir, common.FileCurrent))
	if err == nil {
		if _, werr := cur.Write([]byte(name + "\n")); werr == nil {
			err = cur.Commit()
		} else {
			err = werr
		}
		cur.Close()
	}
	if err != nil {
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			c.logger.Warn("failed to remove orphaned generation", "path", path, "error", rerr.Error())
		}
		return fmt.Errorf("flip CURRENT: %w", err)
	}

	c.logger.Debug("saved catalog generation", "seq", v.Seq)
	return nil
}

// update clones the current version, applies the mutator, persists the
// result and swaps it in. Any failure leaves both memory and disk on the old
// version.
func (c *Catalog) update(mutate func(v *Version) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.current.clone()
	next.Seq++
	next.CreatedAtUnix = time.Now().Unix()

	if err := mutate(next); err != nil {
		return err
	}
	if err := c.save(next); err != nil {
		return err
	}

	old := c.current
	c.current = next

	// The superseded generation is garbage once CURRENT moved on.
	oldPath := filepath.Join(c.dir, fmt.Sprintf(common.CatalogPattern, old.Seq))
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove superseded generation", "path", oldPath, "error", err.Error())
	}
	return nil
}

// AddIndex registers a new index. It is born not ready; MarkIndexReady
// flips it once a head is recorded.
func (c *Catalog) AddIndex(meta IndexMeta) error {
	if meta.Name == "" {
		return fmt.Errorf("%w: empty index name", common.ErrInvalidConfig)
	}
	meta.Ready = false
	return c.update(func(v *Version) error {
		if v.find(meta.Name) != nil {
			return fmt.Errorf("index %q already exists", meta.Name)
		}
		v.Indexes = append(v.Indexes, meta)
		return nil
	})
}

// SetMultikey flags an index as multikey. The flag only ever goes up.
func (c *Catalog) SetMultikey(name string) error {
	return c.update(func(v *Version) error {
		m := v.find(name)
		if m == nil {
			return fmt.Errorf("%w: %q", common.ErrIndexNotFound, name)
		}
		m.Multikey = true
		return nil
	})
}

// SetIndexHead records the committed tree for an index.
func (c *Catalog) SetIndexHead(name string, ref btree.Ref) error {
	return c.update(func(v *Version) error {
		m := v.find(name)
		if m == nil {
			return fmt.Errorf("%w: %q", common.ErrIndexNotFound, name)
		}
		m.Head = &ref
		return nil
	})
}

// MarkIndexReady publishes an index for use. An index without a recorded
// head cannot be ready.
func (c *Catalog) MarkIndexReady(name string) error {
	return c.update(func(v *Version) error {
		m := v.find(name)
		if m == nil {
			return fmt.Errorf("%w: %q", common.ErrIndexNotFound, name)
		}
		if m.Head == nil {
			return fmt.Errorf("%w: %q", common.ErrNoIndexHead, name)
		}
		m.Ready = true
		return nil
	})
}

// GetIndex returns a copy of one index's metadata.
func (c *Catalog) GetIndex(name string) (IndexMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.current.find(name)
	if m == nil {
		return IndexMeta{}, fmt.Errorf("%w: %q", common.ErrIndexNotFound, name)
	}
	out := *m
	if m.Head != nil {
		h := *m.Head
		out.Head = &h
	}
	if m.Spec != nil {
		out.Spec = append(json.RawMessage(nil), m.Spec...)
	}
	return out, nil
}

// ListIndexes returns copies of all index metadata in registration order.
func (c *Catalog) ListIndexes() []IndexMeta {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current.clone().Indexes
}

// CurrentSeq returns the sequence number of the live generation.
func (c *Catalog) CurrentSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Seq
}
