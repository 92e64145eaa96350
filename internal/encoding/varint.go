package encoding

import (
	"encoding/binary"
	"fmt"
)

// AppendVarint appends a variable-length encoded integer to dst.
func AppendVarint(dst []byte, v int64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutVarint(buf, v)
	return append(dst, buf[:n]...)
}

// AppendUvarint appends a variable-length encoded unsigned integer to dst.
func AppendUvarint(dst []byte, v uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	return append(dst, buf[:n]...)
}

// Varint decodes a variable-length integer from the start of b and returns
// the value and the number of bytes consumed.
func Varint(b []byte) (int64, int, error) {
	v, n := binary.Varint(b)
	if n <= 0 {
		return 0, 0, fmt.Errorf("truncated or malformed varint")
	}
	return v, n, nil
}

// Uvarint decodes a variable-length unsigned integer from the start of b and
// returns the value and the number of bytes consumed.
func Uvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, fmt.Errorf("truncated or malformed uvarint")
	}
	return v, n, nil
}

// SizeVarint returns the number of bytes required to encode v.
func SizeVarint(v int64) int {
	buf := make([]byte, binary.MaxVarintLen64)
	return binary.PutVarint(buf, v)
}

// SizeUvarint returns the number of bytes required to encode v.
func SizeUvarint(v uint64) int {
	buf := make([]byte, binary.MaxVarintLen64)
	return binary.PutUvarint(buf, v)
}
