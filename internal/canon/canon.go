// Package canon implements the canonical serialization used to derive every
// stable identity in cellar: manifest bytes, fingerprint bytes, and the
// snapshot_id digest itself. Canonical form sorts object keys lexicographically
// at every depth, emits no insignificant whitespace, preserves array order,
// and encodes integers minimally. It never accepts floats or non-UTF-8 strings.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Marshal renders v into its canonical byte form. v must be built only from
// nil, bool, string, int/int64/uint64, []any, and map[string]any; anything else
// (in particular float64, as produced by naive encoding/json decoding into
// interface{}) is rejected so identity derivation can never silently drift
// across platforms with different float formatting.
func Marshal(v any) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf, err := appendValue(buf, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if t {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		return appendString(buf, t)
	case int:
		return strconv.AppendInt(buf, int64(t), 10), nil
	case int64:
		return strconv.AppendInt(buf, t, 10), nil
	case uint64:
		return strconv.AppendUint(buf, t, 10), nil
	case []any:
		return appendArray(buf, t)
	case map[string]any:
		return appendObject(buf, t)
	case float32, float64:
		return nil, fmt.Errorf("canon: floating-point values are not representable in canonical form")
	default:
		return nil, fmt.Errorf("canon: unsupported type %T", v)
	}
}

func appendString(buf []byte, s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("canon: string is not valid UTF-8")
	}
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
		default:
			if r < 0x20 {
				buf = append(buf, fmt.Sprintf(`\u%04x`, r)...)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	buf = append(buf, '"')
	return buf, nil
}

func appendArray(buf []byte, arr []any) ([]byte, error) {
	buf = append(buf, '[')
	for i, elem := range arr {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = appendValue(buf, elem)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, ']')
	return buf, nil
}

func appendObject(buf []byte, obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = appendString(buf, k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, ':')
		buf, err = appendValue(buf, obj[k])
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, '}')
	return buf, nil
}

// Sha256Hex returns "sha256:" followed by the lowercase hex digest of data.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Digest computes "sha256:" + hex(SHA256(join(parts))) over the raw
// concatenation of parts, with no separators inserted. Callers that need the
// mandatory 0x0A separator between fingerprint and manifest bytes must
// include it themselves as one of the parts.
func Digest(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
