package common

import (
	"errors"
)

// File format magic numbers (little-endian)
const (
	MagicRun   uint32 = 0x314E5552 // "RUN1" in little-endian
	MagicTree  uint32 = 0x31525442 // "BTR1" in little-endian
	MagicBloom uint32 = 0x4D4F4C42 // "BLOM" in little-endian
)

// File format versions
const (
	VersionRun  uint16 = 0x0100
	VersionTree uint16 = 0x0100
)

// Run block compression codecs
const (
	CodecNone uint8 = 0
	CodecLZ4  uint8 = 1
	CodecZstd uint8 = 2
)

// Size limits
const (
	MaxIndexKeySize = 1024            // keys above this are skipped, not fatal
	MaxKeySize      = 16 * 1024 * 1024 // hard cap on any key the spool accepts
)

// Default configuration values
const (
	DefaultMemoryCeiling   = 100 * 1024 * 1024 // 100MB spool buffer before spill
	DefaultBloomFPR        = 0.01
	RunBlockSize           = 256 * 1024 // target uncompressed block size
	RunWriterBufferSize    = 256 * 1024
	RunReaderBufferSize    = 256 * 1024
	TreePageSize           = 4096
	EntryOverhead          = 16 // accounted per buffered entry beyond key bytes
	MaxTrackedDuplicates   = 1000000
	DefaultProgressEntries = 1000000 // log progress every N consumed entries
)

// Common errors
var (
	ErrClosed             = errors.New("builder is closed")
	ErrBuildFinalized     = errors.New("build already finalized")
	ErrSpoolFinalized     = errors.New("spool already finalized")
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrTooManyDuplicates  = errors.New("too many duplicate keys to track")
	ErrSpillDisabled      = errors.New("memory ceiling exceeded and spilling is disabled")
	ErrKeyTooLarge        = errors.New("key exceeds maximum size")
	ErrKeyOrder           = errors.New("keys must be added in non-decreasing order")
	ErrEmptyKey           = errors.New("empty key not allowed")
	ErrInvalidConfig      = errors.New("invalid index configuration")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrInvalidMagic       = errors.New("invalid file magic number")
	ErrCRCMismatch        = errors.New("CRC checksum mismatch")
	ErrCorruptedRun       = errors.New("run file corrupted")
	ErrCorruptedTree      = errors.New("tree file corrupted")
	ErrIndexNotFound      = errors.New("index not found")
	ErrCatalogNotFound    = errors.New("catalog not found")
	ErrNoIndexHead        = errors.New("index has no head recorded")
)

// File and directory names
const (
	DirTemp         = "_tmp"
	FileCurrent     = "CURRENT"
	CatalogPattern  = "catalog-%06d.json"
	RunFilePattern  = "run-%06d.run"
	FileTreeData    = "tree.dat"
	FileTreeMeta    = "tree.json"
	FileTreeBloom   = "filter.blm"
)

// Logger provides structured logging.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// NullLogger discards all log messages. Packages fall back to it when the
// caller provides no logger.
type NullLogger struct{}

// NewNullLogger creates a logger that discards all messages.
func NewNullLogger() Logger { return &NullLogger{} }

func (n *NullLogger) Debug(msg string, fields ...interface{}) {}
func (n *NullLogger) Info(msg string, fields ...interface{})  {}
func (n *NullLogger) Warn(msg string, fields ...interface{})  {}
func (n *NullLogger) Error(msg string, fields ...interface{}) {}
