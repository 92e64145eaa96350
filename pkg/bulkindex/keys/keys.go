// Package keys defines the entries flowing through a bulk index build: the
// canonical tuple encoding of extracted field values, the opaque document
// location, and the versioned ordering that sorts them.
package keys

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/CVDpl/go-bulkindex/internal/encoding"
)

// Location is an opaque stable reference to a source document, such as a
// record number or a packed file/offset pair. Locations are unique per
// document and order numerically, which is the tie-break order for equal keys.
type Location uint64

// Entry is one (key, location) pair extracted from a document. The key is a
// canonical tuple encoding produced by Append* or Encode. Entries are
// immutable once created.
type Entry struct {
	Key []byte
	Loc Location
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	k := make([]byte, len(e.Key))
	copy(k, e.Key)
	return Entry{Key: k, Loc: e.Loc}
}

// Element kind tags. The numeric order of the tags is the legacy (V1)
// cross-kind order, so new kinds must only ever be appended.
const (
	kindNull   byte = 0x00
	kindFalse  byte = 0x01
	kindTrue   byte = 0x02
	kindInt    byte = 0x03
	kindFloat  byte = 0x04
	kindString byte = 0x05
	kindBytes  byte = 0x06
)

// AppendNull appends a null element to a key.
func AppendNull(dst []byte) []byte {
	return append(dst, kindNull)
}

// AppendBool appends a boolean element to a key.
func AppendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, kindTrue)
	}
	return append(dst, kindFalse)
}

// AppendInt64 appends an integer element to a key.
func AppendInt64(dst []byte, v int64) []byte {
	dst = append(dst, kindInt)
	return encoding.AppendVarint(dst, v)
}

// AppendFloat64 appends a floating-point element to a key.
func AppendFloat64(dst []byte, v float64) []byte {
	dst = append(dst, kindFloat)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	return append(dst, buf[:]...)
}

// AppendString appends a string element to a key.
func AppendString(dst []byte, v string) []byte {
	dst = append(dst, kindString)
	dst = encoding.AppendUvarint(dst, uint64(len(v)))
	return append(dst, v...)
}

// AppendBytes appends a raw byte element to a key.
func AppendBytes(dst []byte, v []byte) []byte {
	dst = append(dst, kindBytes)
	dst = encoding.AppendUvarint(dst, uint64(len(v)))
	return append(dst, v...)
}

// Encode builds a key from Go values. Supported: nil, bool, int, int32,
// int64, float32, float64, string, []byte.
func Encode(values ...interface{}) ([]byte, error) {
	var dst []byte
	for _, v := range values {
		switch x := v.(type) {
		case nil:
			dst = AppendNull(dst)
		case bool:
			dst = AppendBool(dst, x)
		case int:
			dst = AppendInt64(dst, int64(x))
		case int32:
			dst = AppendInt64(dst, int64(x))
		case int64:
			dst = AppendInt64(dst, x)
		case float32:
			dst = AppendFloat64(dst, float64(x))
		case float64:
			dst = AppendFloat64(dst, x)
		case string:
			dst = AppendString(dst, x)
		case []byte:
			dst = AppendBytes(dst, x)
		default:
			return nil, fmt.Errorf("unsupported key element type %T", v)
		}
	}
	return dst, nil
}

// element is one decoded key element. Exactly one of the value fields is
// meaningful, selected by kind.
type element struct {
	kind byte
	i    int64
	f    float64
	s    []byte
}

// decodeElement decodes one element from the front of b and returns it with
// the number of bytes consumed.
func decodeElement(b []byte) (element, int, error) {
	if len(b) == 0 {
		return element{}, 0, fmt.Errorf("empty element")
	}
	kind := b[0]
	rest := b[1:]
	switch kind {
	case kindNull, kindFalse, kindTrue:
		return element{kind: kind}, 1, nil
	case kindInt:
		v, n, err := encoding.Varint(rest)
		if err != nil {
			return element{}, 0, fmt.Errorf("int element: %w", err)
		}
		return element{kind: kind, i: v}, 1 + n, nil
	case kindFloat:
		if len(rest) < 8 {
			return element{}, 0, fmt.Errorf("float element: truncated")
		}
		bits := binary.LittleEndian.Uint64(rest)
		return element{kind: kind, f: math.Float64frombits(bits)}, 9, nil
	case kindString, kindBytes:
		l, n, err := encoding.Uvarint(rest)
		if err != nil {
			return element{}, 0, fmt.Errorf("length prefix: %w", err)
		}
		if uint64(len(rest)-n) < l {
			return element{}, 0, fmt.Errorf("element payload: truncated")
		}
		return element{kind: kind, s: rest[n : n+int(l)]}, 1 + n + int(l), nil
	default:
		return element{}, 0, fmt.Errorf("unknown element kind 0x%02x", kind)
	}
}

// Validate checks that key is a well-formed element tuple.
func Validate(key []byte) error {
	for len(key) > 0 {
		_, n, err := decodeElement(key)
		if err != nil {
			return err
		}
		key = key[n:]
	}
	return nil
}

// Describe renders a key as a human-readable tuple for logs and tooling.
// Malformed suffixes render as "!corrupt".
func Describe(key []byte) string {
	var sb strings.Builder
	sb.WriteByte('(')
	first := true
	for len(key) > 0 {
		el, n, err := decodeElement(key)
		if err != nil {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString("!corrupt")
			break
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		switch el.kind {
		case kindNull:
			sb.WriteString("null")
		case kindFalse:
			sb.WriteString("false")
		case kindTrue:
			sb.WriteString("true")
		case kindInt:
			sb.WriteString(strconv.FormatInt(el.i, 10))
		case kindFloat:
			sb.WriteString(strconv.FormatFloat(el.f, 'g', -1, 64))
		case kindString:
			sb.WriteString(strconv.Quote(string(el.s)))
		case kindBytes:
			sb.WriteString(fmt.Sprintf("0x%x", el.s))
		}
		key = key[n:]
	}
	sb.WriteByte(')')
	return sb.String()
}
