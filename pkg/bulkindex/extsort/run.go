package extsort

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/internal/encoding"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/utils"
)

// errEndOfBlocks marks the sentinel frame between the block stream and the
// run footer.
var errEndOfBlocks = errors.New("end of run blocks")

// Run file layout:
//
//	header:  Magic uint32 | Version uint16 | Codec uint8 | Reserved uint8 | CreatedAt int64
//	body:    framed blocks (see compress.go), records packed back to back:
//	         uvarint keyLen | key | Location uint64 LE
//	sentinel: zero frame header
//	footer:  EntryCount uint64 | BLAKE3-256 of the uncompressed record stream
//
// Records within a run ascend under the build's ordering; the merge relies
// on that and nothing re-sorts.
const (
	runHeaderSize = 16
	runFooterSize = 8 + 32
)

func writeRunHeader(w io.Writer, codec uint8, createdAt int64) error {
	if err := binary.Write(w, binary.LittleEndian, common.MagicRun); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, common.VersionRun); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, codec); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(0)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, createdAt)
}

func readRunHeader(r io.Reader) (codec uint8, createdAt int64, err error) {
	var magic uint32
	var version uint16
	var reserved uint8

	if err = binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return 0, 0, fmt.Errorf("read run magic: %w", err)
	}
	if magic != common.MagicRun {
		return 0, 0, fmt.Errorf("%w: got 0x%08x, expected 0x%08x", common.ErrInvalidMagic, magic, common.MagicRun)
	}
	if err = binary.Read(r, binary.LittleEndian, &version); err != nil {
		return 0, 0, fmt.Errorf("read run version: %w", err)
	}
	if version != common.VersionRun {
		return 0, 0, fmt.Errorf("%w: run version 0x%04x", common.ErrUnsupportedVersion, version)
	}
	if err = binary.Read(r, binary.LittleEndian, &codec); err != nil {
		return 0, 0, fmt.Errorf("read run codec: %w", err)
	}
	if err = binary.Read(r, binary.LittleEndian, &reserved); err != nil {
		return 0, 0, fmt.Errorf("read run reserved byte: %w", err)
	}
	if err = binary.Read(r, binary.LittleEndian, &createdAt); err != nil {
		return 0, 0, fmt.Errorf("read run timestamp: %w", err)
	}
	return codec, createdAt, nil
}

// runWriter persists one sorted batch of entries.
type runWriter struct {
	af    *utils.AtomicFile
	bw    *bufio.Writer
	codec uint8
	ctrl  *Controller
	block []byte
	hash  hash.Hash
	count uint64
}

func newRunWriter(path string, codec uint8, createdAt int64, ctrl *Controller) (*runWriter, error) {
	af, err := utils.NewAtomicFile(path)
	if err != nil {
		return nil, fmt.Errorf("create run file: %w", err)
	}

	bw := bufio.NewWriterSize(af, common.RunWriterBufferSize)
	if err := writeRunHeader(bw, codec, createdAt); err != nil {
		af.Close()
		return nil, fmt.Errorf("write run header: %w", err)
	}

	return &runWriter{
		af:    af,
		bw:    bw,
		codec: codec,
		ctrl:  ctrl,
		block: make([]byte, 0, common.RunBlockSize),
		hash:  utils.NewBLAKE3(),
	}, nil
}

func (w *runWriter) add(ctx context.Context, e keys.Entry) error {
	start := len(w.block)
	w.block = encoding.AppendUvarint(w.block, uint64(len(e.Key)))
	w.block = append(w.block, e.Key...)
	var loc [8]byte
	binary.LittleEndian.PutUint64(loc[:], uint64(e.Loc))
	w.block = append(w.block, loc[:]...)

	w.hash.Write(w.block[start:])
	w.count++

	if len(w.block) >= common.RunBlockSize {
		return w.flushBlock(ctx)
	}
	return nil
}

func (w *runWriter) flushBlock(ctx context.Context) error {
	if len(w.block) == 0 {
		return nil
	}

	frame, err := encodeBlock(w.block, w.codec)
	if err != nil {
		return fmt.Errorf("encode run block: %w", err)
	}
	if err := w.ctrl.throttleIO(ctx, len(frame)); err != nil {
		return err
	}
	if err := utils.WriteAll(w.bw, frame); err != nil {
		return fmt.Errorf("write run block: %w", err)
	}
	w.block = w.block[:0]
	return nil
}

// finish flushes the remaining block, writes the sentinel and footer, and
// atomically publishes the file.
func (w *runWriter) finish(ctx context.Context) error {
	if err := w.flushBlock(ctx); err != nil {
		return err
	}

	var sentinel [blockFrameSize]byte
	if err := utils.WriteAll(w.bw, sentinel[:]); err != nil {
		return fmt.Errorf("write run sentinel: %w", err)
	}

	var footer [runFooterSize]byte
	binary.LittleEndian.PutUint64(footer[:8], w.count)
	copy(footer[8:], w.hash.Sum(nil))
	if err := utils.WriteAll(w.bw, footer[:]); err != nil {
		return fmt.Errorf("write run footer: %w", err)
	}

	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flush run: %w", err)
	}
	if err := w.af.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// abort drops the partially written temp file.
func (w *runWriter) abort() {
	_ = w.af.Close()
}

// runReader streams a run back in order.
type runReader struct {
	f     *os.File
	br    *bufio.Reader
	path  string
	codec uint8
	ctrl  *Controller
	hash  hash.Hash
	block []byte
	off   int
	count uint64
	done  bool
}

func openRun(path string, ctrl *Controller) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run: %w", err)
	}

	br := bufio.NewReaderSize(f, common.RunReaderBufferSize)
	codec, _, err := readRunHeader(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &runReader{
		f:     f,
		br:    br,
		path:  path,
		codec: codec,
		ctrl:  ctrl,
		hash:  utils.NewBLAKE3(),
	}, nil
}

// next returns the next entry or io.EOF after the footer verifies. Returned
// keys alias the current block, which stays allocated while the entry is
// referenced.
func (r *runReader) next(ctx context.Context) (keys.Entry, error) {
	if r.done {
		return keys.Entry{}, io.EOF
	}

	for r.off >= len(r.block) {
		block, err := readBlock(r.br, r.codec)
		if err == errEndOfBlocks {
			r.done = true
			if err := r.checkFooter(); err != nil {
				return keys.Entry{}, err
			}
			return keys.Entry{}, io.EOF
		}
		if err != nil {
			return keys.Entry{}, fmt.Errorf("%s: %w", r.path, err)
		}
		if err := r.ctrl.throttleIO(ctx, len(block)); err != nil {
			return keys.Entry{}, err
		}
		r.hash.Write(block)
		r.block = block
		r.off = 0
	}

	kl, n, err := encoding.Uvarint(r.block[r.off:])
	if err != nil {
		return keys.Entry{}, fmt.Errorf("%s: %w: record length: %v", r.path, common.ErrCorruptedRun, err)
	}
	r.off += n
	if r.off+int(kl)+8 > len(r.block) {
		return keys.Entry{}, fmt.Errorf("%s: %w: record crosses block boundary", r.path, common.ErrCorruptedRun)
	}

	key := r.block[r.off : r.off+int(kl)]
	r.off += int(kl)
	loc := binary.LittleEndian.Uint64(r.block[r.off:])
	r.off += 8
	r.count++

	return keys.Entry{Key: key, Loc: keys.Location(loc)}, nil
}

func (r *runReader) checkFooter() error {
	var footer [runFooterSize]byte
	if _, err := io.ReadFull(r.br, footer[:]); err != nil {
		return fmt.Errorf("%s: %w: footer: %v", r.path, common.ErrCorruptedRun, err)
	}

	count := binary.LittleEndian.Uint64(footer[:8])
	if count != r.count {
		return fmt.Errorf("%s: %w: footer count %d, read %d entries", r.path, common.ErrCorruptedRun, count, r.count)
	}
	if !bytes.Equal(footer[8:], r.hash.Sum(nil)) {
		return fmt.Errorf("%s: %w: content hash mismatch", r.path, common.ErrCorruptedRun)
	}
	return nil
}

func (r *runReader) close() error {
	return r.f.Close()
}

// VerifyRun scans a run file end to end, verifying frame CRCs and the footer
// hash. It returns the entry count. Used by tooling; the merge performs the
// same checks as a side effect of reading.
func VerifyRun(path string) (uint64, error) {
	r, err := openRun(path, nil)
	if err != nil {
		return 0, err
	}
	defer r.close()

	ctx := context.Background()
	for {
		if _, err := r.next(ctx); err != nil {
			if err == io.EOF {
				return r.count, nil
			}
			return r.count, err
		}
	}
}
