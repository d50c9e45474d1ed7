package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// The canonical form must match what the collector computes byte for byte:
// ", " and ": " separators, keys sorted at every depth, everything outside
// printable ASCII escaped as \uXXXX, and floats in shortest round-trip form.

const hexDigits = "0123456789abcdef"

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if x {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		return appendString(buf, x), nil
	case json.Number:
		return appendNumber(buf, x)
	case int:
		return strconv.AppendInt(buf, int64(x), 10), nil
	case int8:
		return strconv.AppendInt(buf, int64(x), 10), nil
	case int16:
		return strconv.AppendInt(buf, int64(x), 10), nil
	case int32:
		return strconv.AppendInt(buf, int64(x), 10), nil
	case int64:
		return strconv.AppendInt(buf, x, 10), nil
	case uint:
		return strconv.AppendUint(buf, uint64(x), 10), nil
	case uint8:
		return strconv.AppendUint(buf, uint64(x), 10), nil
	case uint16:
		return strconv.AppendUint(buf, uint64(x), 10), nil
	case uint32:
		return strconv.AppendUint(buf, uint64(x), 10), nil
	case uint64:
		return strconv.AppendUint(buf, x, 10), nil
	case float32:
		return appendFloat(buf, float64(x))
	case float64:
		return appendFloat(buf, x)
	case map[string]any:
		return appendObject(buf, x)
	case []any:
		buf = append(buf, '[')
		for i, elem := range x {
			if i > 0 {
				buf = append(buf, ", "...)
			}
			var err error
			if buf, err = appendCanonical(buf, elem); err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	default:
		generic, err := toGeneric(v)
		if err != nil {
			return nil, err
		}
		return appendCanonical(buf, generic)
	}
}

func appendObject(buf []byte, m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ", "...)
		}
		buf = appendString(buf, k)
		buf = append(buf, ": "...)
		var err error
		if buf, err = appendCanonical(buf, m[k]); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
	}
	return append(buf, '}'), nil
}

// toGeneric converts structs, typed maps and typed slices into the
// map[string]any / []any / json.Number tree that JSON decoding produces.
func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalizing %T: %w", v, err)
	}
	return out, nil
}

func appendNumber(buf []byte, n json.Number) ([]byte, error) {
	s := string(n)
	if s == "" {
		return nil, fmt.Errorf("empty number")
	}
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", s, err)
		}
		return appendFloat(buf, f)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.AppendInt(buf, i, 10), nil
	}
	// Integers beyond int64 are kept verbatim.
	for i, c := range s {
		if (c < '0' || c > '9') && !(i == 0 && c == '-') {
			return nil, fmt.Errorf("invalid number %q", s)
		}
	}
	return append(buf, s...), nil
}

func appendFloat(buf []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("unsupported float value %v", f)
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.AppendFloat(buf, f, 'e', -1, 64), nil
	}
	start := len(buf)
	buf = strconv.AppendFloat(buf, f, 'f', -1, 64)
	if bytes.IndexByte(buf[start:], '.') < 0 {
		buf = append(buf, ".0"...)
	}
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		case '\b':
			buf = append(buf, '\\', 'b')
		case '\f':
			buf = append(buf, '\\', 'f')
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				buf = append(buf, byte(r))
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				buf = appendEscape(buf, hi)
				buf = appendEscape(buf, lo)
			default:
				buf = appendEscape(buf, r)
			}
		}
	}
	return append(buf, '"')
}

func appendEscape(buf []byte, r rune) []byte {
	return append(buf, '\\', 'u',
		hexDigits[(r>>12)&0xf],
		hexDigits[(r>>8)&0xf],
		hexDigits[(r>>4)&0xf],
		hexDigits[r&0xf],
	)
}
