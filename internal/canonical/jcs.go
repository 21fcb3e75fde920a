// Package canonical implements RFC 8785 JSON Canonicalization (JCS) and the
// SHA-256 digests that every checkpoint, receipt, and catalog hash in this
// engine is built from. Canonical JSON is a protocol, not a library choice:
// every hash in the system is taken over these bytes, never over
// encoding/json's default (unsorted, HTML-escaped) output.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// JSON canonicalizes v by decoding through json.Number-preserving
// interface{} and re-marshaling with sorted object keys, no HTML escaping,
// and no insignificant whitespace. Identical values produce byte-identical
// output on any host.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, parsed); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// MustJSON is JSON but panics on error; used only where v's shape is known
// at compile time (internal struct literals), never on untrusted input.
func MustJSON(v any) []byte {
	b, err := JSON(v)
	if err != nil {
		panic(err)
	}
	return b
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case float64:
		// Only reachable for values that did not pass through UseNumber
		// (e.g. constructed in-process as float64 literals).
		num := json.Number(fmt.Sprintf("%g", val))
		buf.WriteString(num.String())
		return nil
	case string:
		return encodeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
}

// encodeString writes v as a JSON string without HTML-escaping angle
// brackets or ampersands, matching RFC 8785 rather than encoding/json's
// default SetEscapeHTML(true) behavior.
func encodeString(buf *bytes.Buffer, v string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encoder.Encode appends a trailing newline; trim it back off.
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("canonical: encode string: %w", err)
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}

// Sha256Hex returns the lowercase hex SHA-256 digest of b.
func Sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashJSON canonicalizes v and returns its SHA-256 hex digest in one step.
func HashJSON(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return Sha256Hex(b), nil
}
