package btree

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/utils"
)

// Metadata describes a built tree, stored next to it in tree.json.
type Metadata struct {
	Format        string            `json:"format"`
	Version       string            `json:"version"`
	RootPage      uint64            `json:"rootPage"`
	Pages         uint64            `json:"pages"`
	LeafEnd       uint64            `json:"leafEnd"`
	Height        int               `json:"height"`
	Entries       uint64            `json:"entries"`
	Unique        bool              `json:"unique"`
	MinKeyHex     string            `json:"minKeyHex"`
	MaxKeyHex     string            `json:"maxKeyHex"`
	CreatedAtUnix int64             `json:"createdAtUnix"`
	Blake3        map[string]string `json:"blake3,omitempty"`
}

const metadataFormat = "bulkindex-tree"

// SetKeyRange records the smallest and largest committed keys.
func (m *Metadata) SetKeyRange(minKey, maxKey []byte) {
	m.MinKeyHex = hex.EncodeToString(minKey)
	m.MaxKeyHex = hex.EncodeToString(maxKey)
}

// GetMinKey returns the minimum key as bytes.
func (m *Metadata) GetMinKey() ([]byte, error) {
	return hex.DecodeString(m.MinKeyHex)
}

// GetMaxKey returns the maximum key as bytes.
func (m *Metadata) GetMaxKey() ([]byte, error) {
	return hex.DecodeString(m.MaxKeyHex)
}

// SaveToFile writes the metadata atomically.
func (m *Metadata) SaveToFile(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	af, err := utils.NewAtomicFile(path)
	if err != nil {
		return err
	}
	defer af.Close()
	if _, err := af.Write(data); err != nil {
		return err
	}
	return af.Commit()
}

// LoadMetadata reads and validates tree metadata.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse tree metadata: %w", err)
	}
	if m.Format != metadataFormat {
		return nil, fmt.Errorf("unexpected tree metadata format %q", m.Format)
	}
	return &m, nil
}
