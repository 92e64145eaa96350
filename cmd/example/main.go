package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/CVDpl/go-bulkindex/pkg/bulkindex"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/btree"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/catalog"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/monitoring"
)

func main() {
	// Create a temporary directory for the example
	tempDir, err := os.MkdirTemp(".", "bulkindex-example-*")
	if err != nil {
		log.Fatalf("Failed to create temp directory: %v", err)
	}
	defer func() {
		fmt.Printf("\nIndex data persisted in: %s\n", tempDir)
		fmt.Println("Remove with: rm -rf", tempDir)
	}()

	// Optional pprof: enable by setting BULKINDEX_PPROF_ADDR (e.g., ":6060")
	if addr := os.Getenv("BULKINDEX_PPROF_ADDR"); addr != "" {
		srv, err := monitoring.StartOpsServer(addr, nil)
		if err == nil {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = monitoring.StopOpsServer(ctx, srv)
				cancel()
			}()
			fmt.Printf("pprof listening on %s\n", addr)
		} else {
			fmt.Printf("failed to start pprof on %s: %v\n", addr, err)
		}
	}

	fmt.Printf("Bulkindex Example\n")
	fmt.Printf("=================\n")
	fmt.Printf("Using temporary directory: %s\n\n", tempDir)

	ctx := context.Background()
	logger := bulkindex.NewDefaultLogger()

	// Write a small NDJSON corpus
	fmt.Println("1. Writing sample corpus...")
	corpusPath := filepath.Join(tempDir, "users.ndjson")
	corpus := `{"user": {"email": "john@example.com", "name": "John"}, "tags": ["admin", "staff"]}
{"user": {"email": "jane@example.com", "name": "Jane"}, "tags": ["moderator"]}
{"user": {"email": "bob@example.com", "name": "Bob"}, "tags": ["staff"]}
{"user": {"email": "alice@example.com", "name": "Alice"}, "tags": ["admin"]}
{"user": {"email": "charlie@example.com", "name": "Charlie"}, "tags": []}
`
	if err := os.WriteFile(corpusPath, []byte(corpus), 0o644); err != nil {
		log.Fatalf("Failed to write corpus: %v", err)
	}
	fmt.Printf("   ✓ Wrote 5 documents to %s\n", corpusPath)

	// Open the catalog that tracks built indexes
	fmt.Println("\n2. Opening catalog...")
	cat, err := catalog.Open(tempDir, logger)
	if err != nil {
		log.Fatalf("Failed to open catalog: %v", err)
	}
	fmt.Println("   ✓ Catalog opened")

	// Build a unique index over the email field
	fmt.Println("\n3. Building unique index on user.email...")
	f, err := os.Open(corpusPath)
	if err != nil {
		log.Fatalf("Failed to open corpus: %v", err)
	}
	opts := bulkindex.DefaultOptions()
	opts.Logger = logger
	opts.IndexDir = filepath.Join(tempDir, "user_email")
	result, err := bulkindex.BuildIndex(ctx, cat, bulkindex.NewJSONLSource(f), bulkindex.IndexConfig{
		Name:   "user_email",
		Fields: []bulkindex.FieldSpec{{Path: "user.email"}},
		Unique: true,
	}, opts)
	if err != nil {
		log.Fatalf("Failed to build user_email: %v", err)
	}
	fmt.Printf("   ✓ Built in %s: %d docs, %d keys\n", result.Elapsed.Round(time.Millisecond), result.Docs, result.KeysCommitted)

	// Build a multikey index over the tags array
	fmt.Println("\n4. Building multikey index on tags...")
	f, err = os.Open(corpusPath)
	if err != nil {
		log.Fatalf("Failed to open corpus: %v", err)
	}
	tagOpts := bulkindex.DefaultOptions()
	tagOpts.Logger = logger
	tagOpts.IndexDir = filepath.Join(tempDir, "tags")
	tagResult, err := bulkindex.BuildIndex(ctx, cat, bulkindex.NewJSONLSource(f), bulkindex.IndexConfig{
		Name:   "tags",
		Fields: []bulkindex.FieldSpec{{Path: "tags"}},
	}, tagOpts)
	if err != nil {
		log.Fatalf("Failed to build tags: %v", err)
	}
	fmt.Printf("   ✓ Built in %s: %d docs, %d keys, multikey=%v\n",
		tagResult.Elapsed.Round(time.Millisecond), tagResult.Docs, tagResult.KeysCommitted, tagResult.Multikey)

	// Point lookup in the committed tree
	fmt.Println("\n5. Looking up a key...")
	ord, err := keys.NewOrdering(keys.CurrentFormatVersion, keys.Ascending)
	if err != nil {
		log.Fatalf("Failed to create ordering: %v", err)
	}
	tree, err := btree.Open(opts.IndexDir, ord.CompareKeys, &btree.ReaderOptions{Logger: logger})
	if err != nil {
		log.Fatalf("Failed to open tree: %v", err)
	}
	key, err := keys.Encode("jane@example.com")
	if err != nil {
		log.Fatalf("Failed to encode key: %v", err)
	}
	locs, found, err := tree.Lookup(key)
	if err != nil {
		log.Fatalf("Lookup failed: %v", err)
	}
	if found {
		fmt.Printf("   ✓ jane@example.com found on corpus line %d\n", locs[0])
	} else {
		fmt.Println("   ⚠ jane@example.com not found")
	}

	// Scan the smallest keys in order
	fmt.Println("\n6. Scanning the index...")
	errEnough := errors.New("enough")
	shown := 0
	err = tree.Scan(ctx, func(k []byte, loc keys.Location) error {
		fmt.Printf("   %s -> line %d\n", keys.Describe(k), loc)
		shown++
		if shown == 3 {
			return errEnough
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnough) {
		log.Printf("Warning: scan failed: %v", err)
	}
	tree.Close()

	// Inspect the catalog
	fmt.Println("\n7. Catalog state...")
	for _, meta := range cat.ListIndexes() {
		fmt.Printf("   index %s: ready=%v multikey=%v entries=%d\n",
			meta.Name, meta.Ready, meta.Multikey, meta.Head.Entries)
	}

	// Reopen the catalog to show persistence
	fmt.Println("\n8. Reloading catalog from disk...")
	v, err := catalog.LoadVersion(tempDir)
	if err != nil {
		log.Fatalf("Failed to reload catalog: %v", err)
	}
	fmt.Printf("   ✓ Generation %d with %d indexes survives a restart\n", v.Seq, len(v.Indexes))

	fmt.Println("\n✅ Example completed successfully!")
}
