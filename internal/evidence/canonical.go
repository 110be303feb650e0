// Package evidence assembles damage-evidence bundles and publishes them to
// the content-addressed pin store. Publication depends on byte-identical
// re-encoding, so the encoder here is deliberately stricter than
// encoding/json alone.
package evidence

import (
	"bytes"
	"encoding/json"
	"sort"

	"microcrop-processor/internal/fault"
)

// Canonical renders v as canonical JSON: object keys sorted
// lexicographically at every depth, no insignificant whitespace, numbers in
// Go's shortest round-trip form. Equal values yield byte-identical output,
// which is what makes the pin store content-addressing reproducible.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(fault.Permanent, "evidence.canonical", err)
	}
	// Round-trip through a generic tree to drop struct-order dependence.
	// UseNumber keeps the literal exactly as Marshal rendered it.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fault.Wrap(fault.Permanent, "evidence.canonical", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, fault.Wrap(fault.Permanent, "evidence.canonical", err)
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(x.String())
	case string:
		escaped, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(escaped)
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			escaped, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(escaped)
			buf.WriteByte(':')
			if err := writeCanonical(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		escaped, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(escaped)
	}
	return nil
}
