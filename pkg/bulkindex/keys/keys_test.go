package keys

import (
	"errors"
	"math"
	"testing"

	"github.com/CVDpl/go-bulkindex/internal/common"
)

func mustKey(t *testing.T, values ...interface{}) []byte {
	t.Helper()
	k, err := Encode(values...)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return k
}

func TestEncodeValidate(t *testing.T) {
	k := mustKey(t, nil, true, false, int64(-42), 3.25, "hello", []byte{0xde, 0xad})
	if err := Validate(k); err != nil {
		t.Fatalf("validate well-formed key: %v", err)
	}

	if err := Validate(k[:len(k)-1]); err == nil {
		t.Error("expected error for truncated key")
	}

	if err := Validate([]byte{0x7f}); err == nil {
		t.Error("expected error for unknown element kind")
	}
}

func TestEncodeUnsupportedType(t *testing.T) {
	if _, err := Encode(struct{}{}); err == nil {
		t.Error("expected error for unsupported element type")
	}
}

func TestDescribe(t *testing.T) {
	k := mustKey(t, int64(7), "ab", nil)
	got := Describe(k)
	want := `(7, "ab", null)`
	if got != want {
		t.Errorf("Describe = %s, want %s", got, want)
	}

	if got := Describe([]byte{0x7f}); got != "(!corrupt)" {
		t.Errorf("Describe corrupt = %s", got)
	}
}

func TestNewOrderingRejectsUnknownVersion(t *testing.T) {
	if _, err := NewOrdering(FormatVersion(9)); !errors.Is(err, common.ErrUnsupportedVersion) {
		t.Errorf("version 9: got %v, want ErrUnsupportedVersion", err)
	}
	if _, err := NewOrdering(FormatV2, Direction(0)); !errors.Is(err, common.ErrInvalidConfig) {
		t.Errorf("zero direction: got %v, want ErrInvalidConfig", err)
	}
}

func TestCompareKeysBasic(t *testing.T) {
	ord, err := NewOrdering(FormatV2)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		a, b []byte
		want int
	}{
		{"equal strings", mustKey(t, "abc"), mustKey(t, "abc"), 0},
		{"string order", mustKey(t, "abc"), mustKey(t, "abd"), -1},
		{"int order", mustKey(t, int64(1)), mustKey(t, int64(2)), -1},
		{"negative ints", mustKey(t, int64(-5)), mustKey(t, int64(3)), -1},
		{"null before bool", mustKey(t, nil), mustKey(t, false), -1},
		{"bool before number", mustKey(t, true), mustKey(t, int64(0)), -1},
		{"number before string", mustKey(t, int64(999)), mustKey(t, ""), -1},
		{"string before bytes", mustKey(t, "zzz"), mustKey(t, []byte{0x00}), -1},
		{"false before true", mustKey(t, false), mustKey(t, true), -1},
		{"prefix first", mustKey(t, "a"), mustKey(t, "a", int64(1)), -1},
		{"second element decides", mustKey(t, "a", int64(2)), mustKey(t, "a", int64(1)), 1},
	}

	for _, tc := range cases {
		got := ord.CompareKeys(tc.a, tc.b)
		if sign(got) != tc.want {
			t.Errorf("%s: CompareKeys = %d, want sign %d", tc.name, got, tc.want)
		}
		if back := ord.CompareKeys(tc.b, tc.a); sign(back) != -tc.want {
			t.Errorf("%s: reverse CompareKeys = %d, want sign %d", tc.name, back, -tc.want)
		}
	}
}

func TestVersionSemanticsDiverge(t *testing.T) {
	v1, err := NewOrdering(FormatV1)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := NewOrdering(FormatV2)
	if err != nil {
		t.Fatal(err)
	}

	ki := mustKey(t, int64(3))
	kf := mustKey(t, 3.0)

	if c := v2.CompareKeys(ki, kf); c != 0 {
		t.Errorf("V2: int 3 vs float 3.0 = %d, want 0", c)
	}
	if c := v1.CompareKeys(ki, kf); c >= 0 {
		t.Errorf("V1: int 3 vs float 3.0 = %d, want < 0 (kind tag order)", c)
	}
}

func TestDescendingDirection(t *testing.T) {
	ord, err := NewOrdering(FormatV2, Descending, Ascending)
	if err != nil {
		t.Fatal(err)
	}

	a := mustKey(t, int64(1), "x")
	b := mustKey(t, int64(2), "x")
	if c := ord.CompareKeys(a, b); c <= 0 {
		t.Errorf("descending first element: CompareKeys = %d, want > 0", c)
	}

	// Second element still ascending.
	c1 := mustKey(t, int64(1), "a")
	c2 := mustKey(t, int64(1), "b")
	if c := ord.CompareKeys(c1, c2); c >= 0 {
		t.Errorf("ascending second element: CompareKeys = %d, want < 0", c)
	}
}

func TestLocationTieBreak(t *testing.T) {
	ord, err := NewOrdering(FormatV2)
	if err != nil {
		t.Fatal(err)
	}

	k := mustKey(t, "same")
	a := Entry{Key: k, Loc: 10}
	b := Entry{Key: k, Loc: 20}

	if c := ord.Compare(a, b); c >= 0 {
		t.Errorf("Compare same key = %d, want < 0 by location", c)
	}
	if c := ord.Compare(b, a); c <= 0 {
		t.Errorf("Compare same key reversed = %d, want > 0", c)
	}
	if c := ord.Compare(a, a); c != 0 {
		t.Errorf("Compare identical entries = %d, want 0", c)
	}
}

func TestNaNOrdersFirstAmongNumbers(t *testing.T) {
	ord, err := NewOrdering(FormatV2)
	if err != nil {
		t.Fatal(err)
	}

	nan := mustKey(t, math.NaN())
	for _, other := range [][]byte{
		mustKey(t, math.Inf(-1)),
		mustKey(t, int64(math.MinInt64)),
		mustKey(t, -1.5),
		mustKey(t, int64(0)),
		mustKey(t, math.Inf(1)),
	} {
		if c := ord.CompareKeys(nan, other); c >= 0 {
			t.Errorf("NaN vs %s = %d, want < 0", Describe(other), c)
		}
	}
	if c := ord.CompareKeys(nan, mustKey(t, math.NaN())); c != 0 {
		t.Errorf("NaN vs NaN = %d, want 0", c)
	}
}

func TestLargeIntFloatPrecision(t *testing.T) {
	ord, err := NewOrdering(FormatV2)
	if err != nil {
		t.Fatal(err)
	}

	// 2^53+1 is not representable as float64; the comparison must still see
	// the difference against 2^53.
	big := int64(1<<53 + 1)
	f := float64(1 << 53)
	if c := ord.CompareKeys(mustKey(t, big), mustKey(t, f)); c <= 0 {
		t.Errorf("2^53+1 vs float 2^53 = %d, want > 0", c)
	}

	if c := ord.CompareKeys(mustKey(t, int64(0)), mustKey(t, 1e300)); c >= 0 {
		t.Errorf("0 vs 1e300 = %d, want < 0", c)
	}
	if c := ord.CompareKeys(mustKey(t, int64(0)), mustKey(t, -1e300)); c <= 0 {
		t.Errorf("0 vs -1e300 = %d, want > 0", c)
	}

	// Fractions right at an integer boundary.
	if c := ord.CompareKeys(mustKey(t, int64(3)), mustKey(t, 3.5)); c >= 0 {
		t.Errorf("3 vs 3.5 = %d, want < 0", c)
	}
	if c := ord.CompareKeys(mustKey(t, int64(-3)), mustKey(t, -3.5)); c <= 0 {
		t.Errorf("-3 vs -3.5 = %d, want > 0", c)
	}
}

func TestMalformedKeyOrdersFirst(t *testing.T) {
	ord, err := NewOrdering(FormatV2)
	if err != nil {
		t.Fatal(err)
	}

	corrupt := []byte{0x7f}
	good := mustKey(t, nil)
	if c := ord.CompareKeys(corrupt, good); c >= 0 {
		t.Errorf("corrupt vs null = %d, want < 0", c)
	}
	if c := ord.CompareKeys(corrupt, []byte{0x7e}); c != 0 {
		t.Errorf("corrupt vs corrupt = %d, want 0", c)
	}
}

func TestCloneIsDeep(t *testing.T) {
	e := Entry{Key: mustKey(t, "k"), Loc: 1}
	c := e.Clone()
	c.Key[0] ^= 0xff
	if e.Key[0] == c.Key[0] {
		t.Error("Clone shares key storage with original")
	}
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}
