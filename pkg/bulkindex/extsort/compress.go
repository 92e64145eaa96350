package extsort

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/utils"
)

// Run bodies are sequences of framed blocks:
//
//	[UncompressedSize uint32][StoredSize uint32][CRC32C uint32][payload]
//
// StoredSize == UncompressedSize means the payload is raw; compression that
// saves less than 10% is not worth the decode cost and is dropped. The CRC
// covers the payload as stored, so corruption is caught before decompression.
const blockFrameSize = 12

// zstd encoder/decoder pools; EncodeAll/DecodeAll are safe per instance but
// instances are expensive to create.
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// encodeBlock frames one block, compressing per codec when it pays off.
func encodeBlock(data []byte, codec uint8) ([]byte, error) {
	var compressed []byte
	var err error

	switch codec {
	case common.CodecNone:
		// stored raw below
	case common.CodecLZ4:
		compressed, err = compressLZ4(data)
	case common.CodecZstd:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		putZstdEncoder(enc)
	default:
		return nil, fmt.Errorf("unknown run codec %d", codec)
	}
	if err != nil {
		return nil, err
	}

	payload := data
	if compressed != nil && float64(len(compressed)) <= float64(len(data))*0.9 {
		payload = compressed
	}

	frame := make([]byte, blockFrameSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[8:], utils.ComputeCRC32C(payload))
	copy(frame[blockFrameSize:], payload)
	return frame, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	dst := make([]byte, bound)
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // incompressible
	}
	return dst[:n], nil
}

// readBlock reads and verifies the next framed block. The returned slice is
// freshly allocated for compressed blocks and for raw blocks alike, so it
// stays valid after subsequent reads.
func readBlock(r io.Reader, codec uint8) ([]byte, error) {
	var frame [blockFrameSize]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// A well-formed run ends with a sentinel frame, never at a
			// frame boundary.
			return nil, fmt.Errorf("%w: truncated block frame", common.ErrCorruptedRun)
		}
		return nil, err
	}

	ulen := binary.LittleEndian.Uint32(frame[0:])
	slen := binary.LittleEndian.Uint32(frame[4:])
	crc := binary.LittleEndian.Uint32(frame[8:])

	if ulen == 0 && slen == 0 && crc == 0 {
		return nil, errEndOfBlocks
	}
	if ulen > maxBlockSize || slen > maxBlockSize {
		return nil, fmt.Errorf("%w: block sizes %d/%d", common.ErrCorruptedRun, ulen, slen)
	}

	payload := make([]byte, slen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: short block payload: %v", common.ErrCorruptedRun, err)
	}
	if !utils.VerifyCRC32C(payload, crc) {
		return nil, fmt.Errorf("%w: %v", common.ErrCorruptedRun, common.ErrCRCMismatch)
	}

	if slen == ulen {
		return payload, nil
	}

	out := make([]byte, ulen)
	switch codec {
	case common.CodecLZ4:
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", common.ErrCorruptedRun, err)
		}
		if uint32(n) != ulen {
			return nil, fmt.Errorf("%w: decompressed size mismatch", common.ErrCorruptedRun)
		}
		return out, nil
	case common.CodecZstd:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(payload, out[:0])
		putZstdDecoder(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", common.ErrCorruptedRun, err)
		}
		if uint32(len(decoded)) != ulen {
			return nil, fmt.Errorf("%w: decompressed size mismatch", common.ErrCorruptedRun)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: stored size differs from raw size under codec %d", common.ErrCorruptedRun, codec)
	}
}

// maxBlockSize bounds a single decoded block; anything larger in a frame
// header is corruption, not data.
const maxBlockSize = 64 * 1024 * 1024
