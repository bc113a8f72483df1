// Package canon implements RFC 8785-shaped JSON canonicalization and the
// record-hash function used to derive the idempotency key of a publishing
// intent.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var ErrUnsupportedType = errors.New("canon: unsupported value type")

// Canonicalize renders v (already unmarshaled from JSON, e.g. a
// map[string]any / []any / string / float64 / bool / nil tree) into its
// canonical byte form: object keys sorted by code point, no insignificant
// whitespace, arrays left in original order.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeJSON parses raw JSON and re-encodes it in canonical form.
// Canonicalizing twice is idempotent: Canonicalize(Parse(Canonicalize(x)))
// == Canonicalize(x).
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	return Canonicalize(v)
}

// Hash returns the lowercase hex SHA-256 digest of the canonical bytes.
func Hash(canonicalBytes []byte) string {
	sum := sha256.Sum256(canonicalBytes)
	return hex.EncodeToString(sum[:])
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return encodeString(buf, t)
	case json.Number:
		buf.WriteString(t.String())
		return nil
	case float64:
		// Re-encoding via encoding/json gives the shortest round-trippable
		// form, which is what "standard minimal JSON" means for numbers.
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canon: encode number: %w", err)
		}
		buf.Write(b)
		return nil
	case map[string]any:
		return encodeObject(buf, t)
	case []any:
		return encodeArray(buf, t)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
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
		if err := encode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, a []any) error {
	buf.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canon: encode string: %w", err)
	}
	buf.Write(b)
	return nil
}
