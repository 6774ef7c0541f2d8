package rates

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PathSegment addresses one step into a decoded JSON document: a string for
// object keys, an int for array indices.
type PathSegment interface{}

// ParseJSONPath converts a config-supplied path into typed segments. Accepts
// either a dotted string ("data.rates.0.price") or a list of raw segments;
// purely numeric string segments address arrays.
func ParseJSONPath(raw interface{}) ([]PathSegment, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil, errors.New("empty json path")
		}
		parts := strings.Split(v, ".")
		segments := make([]PathSegment, 0, len(parts))
		for _, p := range parts {
			if idx, err := strconv.Atoi(p); err == nil {
				segments = append(segments, idx)
				continue
			}
			segments = append(segments, p)
		}
		return segments, nil
	case []interface{}:
		if len(v) == 0 {
			return nil, errors.New("empty json path")
		}
		segments := make([]PathSegment, 0, len(v))
		for _, p := range v {
			switch s := p.(type) {
			case string:
				segments = append(segments, s)
			case int:
				segments = append(segments, s)
			case int64:
				segments = append(segments, int(s))
			case uint64:
				segments = append(segments, int(s))
			case float64:
				segments = append(segments, int(s))
			default:
				return nil, errors.Errorf("unsupported json path segment type %T", p)
			}
		}
		return segments, nil
	default:
		return nil, errors.Errorf("unsupported json path type %T", raw)
	}
}

// WalkJSON resolves a path against a decoded JSON document.
func WalkJSON(doc interface{}, path []PathSegment) (interface{}, error) {
	current := doc
	for i, seg := range path {
		switch key := seg.(type) {
		case string:
			obj, ok := current.(map[string]interface{})
			if !ok {
				return nil, errors.Errorf("path segment %d (%q): expected object, got %T", i, key, current)
			}
			next, ok := obj[key]
			if !ok {
				return nil, errors.Errorf("path segment %d: key %q not found", i, key)
			}
			current = next
		case int:
			arr, ok := current.([]interface{})
			if !ok {
				return nil, errors.Errorf("path segment %d (%d): expected array, got %T", i, key, current)
			}
			if key < 0 || key >= len(arr) {
				return nil, errors.Errorf("path segment %d: index %d out of range (len %d)", i, key, len(arr))
			}
			current = arr[key]
		default:
			return nil, errors.Errorf("path segment %d: unsupported type %T", i, seg)
		}
	}
	return current, nil
}

// ExtractDecimal walks the path in a raw JSON body and coerces the leaf into
// a decimal. Numbers are decoded with json.Number to avoid float precision
// loss on the way in.
func ExtractDecimal(body []byte, path []PathSegment) (decimal.Decimal, error) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return zeroPrice, errors.Wrap(err, "failed to decode response body")
	}
	leaf, err := WalkJSON(doc, path)
	if err != nil {
		return zeroPrice, err
	}
	return coerceDecimal(leaf)
}

func coerceDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return zeroPrice, errors.Wrapf(err, "cannot parse number %q", n.String())
		}
		return d, nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return zeroPrice, errors.Wrapf(err, "cannot parse price string %q", n)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	default:
		return zeroPrice, errors.Errorf("leaf value has unsupported type %T", v)
	}
}
