// Package btree builds and reads immutable on-disk B+ trees. Trees are
// constructed bottom-up from a stream of ascending entries; once written
// they are never modified.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/internal/encoding"
)

// Page layout. Page 0 is the file header:
//
//	Magic uint32 | Version uint16 | Flags uint16 | PageSize uint32 | CreatedAt int64
//
// zero-padded to the page size. Every other page starts with a page header:
//
//	Magic uint32 | Kind uint8 | Reserved [3]uint8 | Count uint32 | Used uint32
//
// followed by Count records packed back to back:
//
//	uvarint keyLen | key | payload uint64 LE
//
// The payload is a Location in leaves and a child page number in internal
// nodes. Leaves are written first and occupy a contiguous page range, so an
// in-order walk of the key space is a linear scan of pages 1..leafEnd.
const (
	pageMagic      uint32 = 0x31475042 // "BPG1"
	pageHeaderSize        = 16

	pageKindLeaf     uint8 = 1
	pageKindInternal uint8 = 2

	fileFlagUnique uint16 = 1 << 0
)

// maxPageKeySize is the largest key a single record can carry and still fit
// a page with room for the header and payload.
const maxPageKeySize = common.TreePageSize - pageHeaderSize - 8 - 2

// pageRecordSize returns the encoded size of one record.
func pageRecordSize(keyLen int) int {
	return encoding.SizeUvarint(uint64(keyLen)) + keyLen + 8
}

// page assembles one fixed-size page.
type page struct {
	buf   []byte
	kind  uint8
	count uint32
}

func newPage(kind uint8) *page {
	p := &page{buf: make([]byte, pageHeaderSize, common.TreePageSize)}
	p.reset(kind)
	return p
}

func (p *page) reset(kind uint8) {
	p.buf = p.buf[:pageHeaderSize]
	p.kind = kind
	p.count = 0
}

// fits reports whether a record with the given key length still fits.
func (p *page) fits(keyLen int) bool {
	return len(p.buf)+pageRecordSize(keyLen) <= common.TreePageSize
}

// add appends one record. The caller has already checked fits.
func (p *page) add(key []byte, payload uint64) {
	p.buf = encoding.AppendUvarint(p.buf, uint64(len(key)))
	p.buf = append(p.buf, key...)
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], payload)
	p.buf = append(p.buf, v[:]...)
	p.count++
}

// finalize fills in the page header and zero-pads to the page size. The
// returned slice is p.buf; it is invalidated by the next reset.
func (p *page) finalize() []byte {
	used := len(p.buf)
	binary.LittleEndian.PutUint32(p.buf[0:], pageMagic)
	p.buf[4] = p.kind
	p.buf[5] = 0
	p.buf[6] = 0
	p.buf[7] = 0
	binary.LittleEndian.PutUint32(p.buf[8:], p.count)
	binary.LittleEndian.PutUint32(p.buf[12:], uint32(used))

	p.buf = p.buf[:common.TreePageSize]
	for i := used; i < common.TreePageSize; i++ {
		p.buf[i] = 0
	}
	return p.buf
}

// pageView is a parsed, read-only page inside a mapped file.
type pageView struct {
	data  []byte
	kind  uint8
	count uint32
	used  uint32
}

// viewPage validates the header of page number n inside data.
func viewPage(data []byte, n uint64) (pageView, error) {
	off := int64(n) * common.TreePageSize
	if n == 0 || off+common.TreePageSize > int64(len(data)) {
		return pageView{}, fmt.Errorf("%w: page %d out of range", common.ErrCorruptedTree, n)
	}
	pg := data[off : off+common.TreePageSize]

	if binary.LittleEndian.Uint32(pg[0:]) != pageMagic {
		return pageView{}, fmt.Errorf("%w: bad magic on page %d", common.ErrCorruptedTree, n)
	}
	kind := pg[4]
	if kind != pageKindLeaf && kind != pageKindInternal {
		return pageView{}, fmt.Errorf("%w: unknown kind %d on page %d", common.ErrCorruptedTree, kind, n)
	}
	count := binary.LittleEndian.Uint32(pg[8:])
	used := binary.LittleEndian.Uint32(pg[12:])
	if used < pageHeaderSize || used > common.TreePageSize {
		return pageView{}, fmt.Errorf("%w: used %d on page %d", common.ErrCorruptedTree, used, n)
	}

	return pageView{data: pg, kind: kind, count: count, used: used}, nil
}

// pageCursor walks a page's records in order. Keys alias the page data.
type pageCursor struct {
	pv   pageView
	off  uint32
	seen uint32
}

func (pv pageView) cursor() pageCursor {
	return pageCursor{pv: pv, off: pageHeaderSize}
}

// next returns the next record. ok is false at the end; a non-nil error
// means the page is malformed.
func (c *pageCursor) next() (key []byte, payload uint64, ok bool, err error) {
	if c.seen >= c.pv.count {
		if c.off != c.pv.used {
			return nil, 0, false, fmt.Errorf("%w: page used %d, records end at %d", common.ErrCorruptedTree, c.pv.used, c.off)
		}
		return nil, 0, false, nil
	}

	kl, n, err := encoding.Uvarint(c.pv.data[c.off:c.pv.used])
	if err != nil {
		return nil, 0, false, fmt.Errorf("%w: record length: %v", common.ErrCorruptedTree, err)
	}
	c.off += uint32(n)
	if int64(c.off)+int64(kl)+8 > int64(c.pv.used) {
		return nil, 0, false, fmt.Errorf("%w: record overruns page", common.ErrCorruptedTree)
	}

	key = c.pv.data[c.off : c.off+uint32(kl)]
	c.off += uint32(kl)
	payload = binary.LittleEndian.Uint64(c.pv.data[c.off:])
	c.off += 8
	c.seen++
	return key, payload, true, nil
}

// writeFileHeader renders page 0.
func writeFileHeader(unique bool, createdAt int64) []byte {
	buf := make([]byte, common.TreePageSize)
	binary.LittleEndian.PutUint32(buf[0:], common.MagicTree)
	binary.LittleEndian.PutUint16(buf[4:], common.VersionTree)
	var flags uint16
	if unique {
		flags |= fileFlagUnique
	}
	binary.LittleEndian.PutUint16(buf[6:], flags)
	binary.LittleEndian.PutUint32(buf[8:], common.TreePageSize)
	binary.LittleEndian.PutUint64(buf[12:], uint64(createdAt))
	return buf
}

// readFileHeader validates page 0 and returns the flags.
func readFileHeader(data []byte) (uint16, error) {
	if len(data) < common.TreePageSize {
		return 0, fmt.Errorf("%w: file shorter than one page", common.ErrCorruptedTree)
	}
	if binary.LittleEndian.Uint32(data[0:]) != common.MagicTree {
		return 0, fmt.Errorf("%w: got 0x%08x", common.ErrInvalidMagic, binary.LittleEndian.Uint32(data[0:]))
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != common.VersionTree {
		return 0, fmt.Errorf("%w: tree version 0x%04x", common.ErrUnsupportedVersion, v)
	}
	if ps := binary.LittleEndian.Uint32(data[8:]); ps != common.TreePageSize {
		return 0, fmt.Errorf("%w: page size %d, expected %d", common.ErrCorruptedTree, ps, common.TreePageSize)
	}
	return binary.LittleEndian.Uint16(data[6:]), nil
}
