// idxcheck validates on-disk index artifacts.
//
//	idxcheck -dir /path/indexes/user_email      check one tree directory
//	idxcheck -catalog /path/indexes             check the catalog and every ready tree
//	idxcheck -runs /path/tmp/user_email-123     verify leftover spill run files
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/btree"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/catalog"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/extsort"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
)

func orderingFor(cfg *bulkindex.IndexConfig) (keys.Ordering, error) {
	if cfg == nil {
		return keys.NewOrdering(keys.CurrentFormatVersion)
	}
	version := cfg.Version
	if version == 0 {
		version = keys.CurrentFormatVersion
	}
	dirs := make([]keys.Direction, len(cfg.Fields))
	for i, f := range cfg.Fields {
		dirs[i] = f.Dir
		if dirs[i] == 0 {
			dirs[i] = keys.Ascending
		}
	}
	return keys.NewOrdering(version, dirs...)
}

// checkTree opens and structurally verifies one tree directory. cfg supplies
// the comparison semantics; nil assumes the current format with every element
// ascending.
func checkTree(ctx context.Context, dir string, cfg *bulkindex.IndexConfig) (btree.Ref, error) {
	ord, err := orderingFor(cfg)
	if err != nil {
		return btree.Ref{}, err
	}

	t, err := btree.Open(dir, ord.CompareKeys, &btree.ReaderOptions{VerifyChecksums: true})
	if err != nil {
		return btree.Ref{}, err
	}
	defer t.Close()

	if err := t.Verify(ctx); err != nil {
		return btree.Ref{}, err
	}

	ref := t.Ref()
	fmt.Printf("TREE: OK (%d entries, %d pages)\n", ref.Entries, ref.Pages)
	if minKey, ok := t.MinKey(); ok {
		maxKey, _ := t.MaxKey()
		fmt.Printf("RANGE: %s .. %s\n", keys.Describe(minKey), keys.Describe(maxKey))
	}
	return ref, nil
}

// checkRuns verifies every spill run file left in dir.
func checkRuns(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "run-*.run"))
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Println("no run files found")
		return nil
	}
	for _, path := range paths {
		count, err := extsort.VerifyRun(path)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		fmt.Printf("RUN %s: OK (%d entries)\n", filepath.Base(path), count)
	}
	return nil
}

// checkCatalog loads the newest catalog generation and verifies every ready
// tree against its recorded head. With name set, only that index is checked.
func checkCatalog(ctx context.Context, root, name string) error {
	v, err := catalog.LoadVersion(root)
	if err != nil {
		if errors.Is(err, common.ErrCatalogNotFound) {
			return fmt.Errorf("no catalog in %s", root)
		}
		return err
	}
	fmt.Printf("CATALOG: seq %d, %d indexes\n", v.Seq, len(v.Indexes))

	checked := 0
	for _, meta := range v.Indexes {
		if name != "" && meta.Name != name {
			continue
		}
		checked++
		fmt.Printf("INDEX %s: ready=%v multikey=%v\n", meta.Name, meta.Ready, meta.Multikey)
		if !meta.Ready || meta.Head == nil {
			continue
		}

		var cfg bulkindex.IndexConfig
		if len(meta.Spec) > 0 {
			if err := json.Unmarshal(meta.Spec, &cfg); err != nil {
				return fmt.Errorf("index %q: parse spec: %w", meta.Name, err)
			}
		}
		ref, err := checkTree(ctx, filepath.Join(root, meta.Name), &cfg)
		if err != nil {
			return fmt.Errorf("index %q: %w", meta.Name, err)
		}
		if ref != *meta.Head {
			return fmt.Errorf("index %q: tree %+v does not match catalog head %+v", meta.Name, ref, *meta.Head)
		}
		fmt.Printf("HEAD %s: OK\n", meta.Name)
	}
	if name != "" && checked == 0 {
		return fmt.Errorf("index %q not in catalog", name)
	}
	return nil
}

func main() {
	dir := flag.String("dir", "", "tree directory to verify")
	catalogDir := flag.String("catalog", "", "index root directory with a catalog to verify")
	index := flag.String("index", "", "restrict -catalog mode to one index")
	runs := flag.String("runs", "", "directory with spill run files to verify")
	flag.Parse()

	modes := 0
	for _, s := range []string{*dir, *catalogDir, *runs} {
		if s != "" {
			modes++
		}
	}
	if modes != 1 {
		fmt.Println("exactly one of -dir, -catalog or -runs is required")
		os.Exit(2)
	}

	ctx := context.Background()
	var err error
	switch {
	case *dir != "":
		_, err = checkTree(ctx, *dir, nil)
	case *catalogDir != "":
		err = checkCatalog(ctx, *catalogDir, *index)
	case *runs != "":
		err = checkRuns(*runs)
	}
	if err != nil {
		fmt.Println("FAIL:", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}
