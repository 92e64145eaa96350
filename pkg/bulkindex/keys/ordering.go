package keys

import (
	"bytes"
	"fmt"
	"math"

	"github.com/CVDpl/go-bulkindex/internal/common"
)

// FormatVersion selects the comparison semantics an index was created with.
// The version is fixed for the life of a build and recorded in the catalog;
// mixing versions within one index is a corruption hazard, so construction
// rejects anything it does not know.
type FormatVersion uint8

const (
	// FormatV1 is the legacy ordering: elements of different kinds order by
	// their kind tag, so an integer and a float never compare equal.
	FormatV1 FormatVersion = 1

	// FormatV2 is the current ordering: kinds are grouped into canonical
	// classes (null < bool < number < string < bytes) and integers compare
	// numerically against floats.
	FormatV2 FormatVersion = 2
)

// CurrentFormatVersion is the version new indexes are created with.
const CurrentFormatVersion = FormatV2

// Direction is a per-element sort direction.
type Direction int8

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

// Ordering is the single comparator for a build. The same value is injected
// into the spool, the run merge and the tree builder; nothing along the
// pipeline re-derives its own comparison.
//
// The order is strict and total: keys compare element-wise under the
// version's semantics with per-element directions applied, a well-formed
// prefix orders before any extension of it, and ties on the full key break on
// Location. A malformed suffix orders before any element; the encoder never
// produces one.
type Ordering struct {
	version FormatVersion
	dirs    []Direction
}

// NewOrdering creates an ordering for the given format version and
// per-element directions. Elements beyond len(dirs) sort ascending.
func NewOrdering(version FormatVersion, dirs ...Direction) (Ordering, error) {
	if version != FormatV1 && version != FormatV2 {
		return Ordering{}, fmt.Errorf("%w: format version %d", common.ErrUnsupportedVersion, version)
	}
	for i, d := range dirs {
		if d != Ascending && d != Descending {
			return Ordering{}, fmt.Errorf("%w: direction %d at element %d", common.ErrInvalidConfig, d, i)
		}
	}
	ds := make([]Direction, len(dirs))
	copy(ds, dirs)
	return Ordering{version: version, dirs: ds}, nil
}

// Version returns the format version this ordering implements.
func (o Ordering) Version() FormatVersion { return o.version }

// Compare orders two entries: keys first, Location tie-break. The result is
// never ambiguous because locations are unique.
func (o Ordering) Compare(a, b Entry) int {
	if c := o.CompareKeys(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Loc < b.Loc:
		return -1
	case a.Loc > b.Loc:
		return 1
	default:
		return 0
	}
}

// Less reports whether a orders before b. Convenience for sort functions.
func (o Ordering) Less(a, b Entry) bool { return o.Compare(a, b) < 0 }

// CompareKeys orders two keys without the location tie-break. Equal result
// here is what the duplicate policy calls a conflict.
func (o Ordering) CompareKeys(a, b []byte) int {
	idx := 0
	for len(a) > 0 && len(b) > 0 {
		ea, na, errA := decodeElement(a)
		eb, nb, errB := decodeElement(b)
		if errA != nil || errB != nil {
			// A malformed suffix behaves as end-of-key, so it orders first.
			switch {
			case errA != nil && errB != nil:
				return 0
			case errA != nil:
				return -1
			default:
				return 1
			}
		}

		var c int
		if o.version == FormatV1 {
			c = compareElementsV1(ea, eb)
		} else {
			c = compareElementsV2(ea, eb)
		}
		if c != 0 {
			if o.direction(idx) == Descending {
				return -c
			}
			return c
		}

		a = a[na:]
		b = b[nb:]
		idx++
	}

	// Shared prefix exhausted one side; the shorter tuple orders first
	// regardless of direction.
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return -1
	default:
		return 1
	}
}

func (o Ordering) direction(i int) Direction {
	if i < len(o.dirs) {
		return o.dirs[i]
	}
	return Ascending
}

// compareElementsV1 implements the legacy routine: the kind tag orders
// cross-kind comparisons, values order within a kind.
func compareElementsV1(a, b element) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case kindInt:
		return compareInt64(a.i, b.i)
	case kindFloat:
		return compareFloat64(a.f, b.f)
	case kindString, kindBytes:
		return bytes.Compare(a.s, b.s)
	default:
		// null/false/true carry no payload
		return 0
	}
}

// Canonical classes for V2. Int and Float share a class and compare
// numerically.
const (
	classNull   = 0
	classBool   = 1
	classNumber = 2
	classString = 3
	classBytes  = 4
)

func classOf(kind byte) int {
	switch kind {
	case kindNull:
		return classNull
	case kindFalse, kindTrue:
		return classBool
	case kindInt, kindFloat:
		return classNumber
	case kindString:
		return classString
	default:
		return classBytes
	}
}

func compareElementsV2(a, b element) int {
	ca, cb := classOf(a.kind), classOf(b.kind)
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}
	switch ca {
	case classBool:
		// false < true, encoded in the kind tags
		return compareInt64(int64(a.kind), int64(b.kind))
	case classNumber:
		return compareNumbers(a, b)
	case classString, classBytes:
		return bytes.Compare(a.s, b.s)
	default:
		return 0
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareFloat64 orders floats with NaN before everything, so the order
// stays total in the presence of garbage input.
func compareFloat64(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareNumbers bridges Int and Float under V2 semantics.
func compareNumbers(a, b element) int {
	if a.kind == kindInt && b.kind == kindInt {
		return compareInt64(a.i, b.i)
	}
	if a.kind == kindFloat && b.kind == kindFloat {
		return compareFloat64(a.f, b.f)
	}
	if a.kind == kindInt {
		return compareInt64Float64(a.i, b.f)
	}
	return -compareInt64Float64(b.i, a.f)
}

// compareInt64Float64 compares an int64 against a float64 without a lossy
// round-trip through float64 for values beyond 2^53.
func compareInt64Float64(i int64, f float64) int {
	if math.IsNaN(f) {
		return 1 // NaN orders before all numbers
	}
	// 2^63 and -2^63 are exactly representable as float64.
	if f >= 9223372036854775808.0 {
		return -1
	}
	if f < -9223372036854775808.0 {
		return 1
	}
	// f is within int64 range; truncation is exact for the integer part.
	fi := int64(f)
	if c := compareInt64(i, fi); c != 0 {
		return c
	}
	frac := f - math.Trunc(f)
	switch {
	case frac > 0:
		return -1
	case frac < 0:
		return 1
	default:
		return 0
	}
}
