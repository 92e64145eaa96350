package bulkindex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
)

// KeyExtractor turns one document into its encoded index keys.
type KeyExtractor interface {
	// Extract returns the keys for doc, deduplicated, in first-seen order.
	// More than one key means the document fanned out over an array.
	Extract(doc []byte) ([][]byte, error)
}

type fieldPath struct {
	name string
	segs []string
}

type fieldExtractor struct {
	fields []fieldPath
}

// NewFieldExtractor builds the extractor for cfg's fields. Paths are dotted:
// "user.email" reads field "email" inside object "user". An array anywhere
// along a path fans out over its elements; at most one field per index may
// fan out.
func NewFieldExtractor(cfg IndexConfig) (KeyExtractor, error) {
	fields := make([]fieldPath, len(cfg.Fields))
	for i, f := range cfg.Fields {
		segs := strings.Split(f.Path, ".")
		for _, s := range segs {
			if s == "" {
				return nil, fmt.Errorf("%w: field path %q has an empty segment", common.ErrInvalidConfig, f.Path)
			}
		}
		fields[i] = fieldPath{name: f.Path, segs: segs}
	}
	return &fieldExtractor{fields: fields}, nil
}

func (fe *fieldExtractor) Extract(doc []byte) ([][]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var root map[string]interface{}
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	// One value list per field. A missing or explicitly null field indexes
	// as a single null element.
	lists := make([][]interface{}, len(fe.fields))
	wide := -1
	for i, f := range fe.fields {
		var vals []interface{}
		if err := resolvePath(root, f.segs, &vals); err != nil {
			return nil, fmt.Errorf("field %q: %w", f.name, err)
		}
		if len(vals) == 0 {
			vals = []interface{}{nil}
		}
		if len(vals) > 1 {
			if wide >= 0 {
				return nil, fmt.Errorf("cannot index parallel arrays: %q and %q", fe.fields[wide].name, f.name)
			}
			wide = i
		}
		lists[i] = vals
	}

	fanout := 1
	if wide >= 0 {
		fanout = len(lists[wide])
	}

	out := make([][]byte, 0, fanout)
	seen := make(map[string]struct{}, fanout)
	for k := 0; k < fanout; k++ {
		var key []byte
		for i, vals := range lists {
			v := vals[0]
			if i == wide {
				v = vals[k]
			}
			enc, err := appendValue(key, v)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", fe.fields[i].name, err)
			}
			key = enc
		}
		if _, dup := seen[string(key)]; dup {
			continue
		}
		seen[string(key)] = struct{}{}
		out = append(out, key)
	}
	return out, nil
}

// resolvePath walks one dotted path through the document, fanning out over
// arrays. Missing fields and scalars hit mid-path contribute nothing.
func resolvePath(v interface{}, segs []string, out *[]interface{}) error {
	if len(segs) == 0 {
		if arr, ok := v.([]interface{}); ok {
			for _, el := range arr {
				switch el.(type) {
				case []interface{}, map[string]interface{}:
					return fmt.Errorf("array element is not a scalar")
				}
				*out = append(*out, el)
			}
			return nil
		}
		if _, ok := v.(map[string]interface{}); ok {
			return fmt.Errorf("value is an object, not a scalar")
		}
		*out = append(*out, v)
		return nil
	}

	switch x := v.(type) {
	case map[string]interface{}:
		child, ok := x[segs[0]]
		if !ok {
			return nil
		}
		return resolvePath(child, segs[1:], out)
	case []interface{}:
		for _, el := range x {
			if _, ok := el.(map[string]interface{}); ok {
				if err := resolvePath(el, segs, out); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return nil
	}
}

// appendValue encodes one JSON value as a key element. Integral numbers
// encode as integers so the ordering's numeric bridging applies.
func appendValue(dst []byte, v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return keys.AppendNull(dst), nil
	case bool:
		return keys.AppendBool(dst, x), nil
	case json.Number:
		if i, err := strconv.ParseInt(string(x), 10, 64); err == nil {
			return keys.AppendInt64(dst, i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("unparseable number %q", string(x))
		}
		return keys.AppendFloat64(dst, f), nil
	case string:
		return keys.AppendString(dst, x), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
