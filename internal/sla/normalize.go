// Package sla implements the solution layer analyzer plugin: an
// indexer that ingests the layered component model into the embedded
// store, a query engine over the result, and an attribute-level diff.
package sla

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ddk-dev/ddk/internal/domain"
)

// normalizeValue recursively undoes double-encoding: a string whose
// trimmed content is itself a JSON object or array is parsed and
// normalized in place. Failed parses stay plain strings. Numbers are
// decoded as json.Number so integers keep their shape.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		trimmed := strings.TrimSpace(t)
		if !wrappedJSON(trimmed) {
			return t
		}
		if !gjson.Valid(trimmed) {
			return t
		}
		dec := json.NewDecoder(strings.NewReader(trimmed))
		dec.UseNumber()
		var inner any
		if err := dec.Decode(&inner); err != nil {
			return t
		}
		return normalizeValue(inner)
	case map[string]any:
		for k, child := range t {
			t[k] = normalizeValue(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = normalizeValue(child)
		}
		return t
	default:
		return v
	}
}

func wrappedJSON(s string) bool {
	return (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"))
}

// typeTagOf names the normalized value's shape for attribute rows.
func typeTagOf(v any) (tag string, complex bool) {
	switch v.(type) {
	case nil:
		return "null", false
	case bool:
		return "bool", false
	case json.Number:
		return "number", false
	case string:
		return "string", false
	case []any:
		return "array", true
	case map[string]any:
		return "object", true
	default:
		return "string", false
	}
}

// encodeCanonical renders a normalized value as stable JSON with
// sorted object keys, so equal values always produce equal strings.
func encodeCanonical(v any) string {
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.String()
}

func writeCanonical(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, child := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, child)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeCanonical(buf, t[k])
		}
		buf.WriteByte('}')
	default:
		b, _ := json.Marshal(t)
		buf.Write(b)
	}
}

// formatValue renders a normalized value for display. Scalars show
// bare; complex values show compact canonical JSON.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return "false"
	case json.Number:
		return t.String()
	case string:
		return t
	default:
		return encodeCanonical(v)
	}
}

// extractAttributes parses a layer's componentJson, normalizes it, and
// returns one attribute row per top-level key. changed carries the
// source system's change flags and is surfaced exactly as received.
func extractAttributes(layerID, componentJSON string, changed map[string]bool) ([]domain.LayerAttribute, error) {
	dec := json.NewDecoder(strings.NewReader(componentJSON))
	dec.UseNumber()
	var top map[string]any
	if err := dec.Decode(&top); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(top))
	for name := range top {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := make([]domain.LayerAttribute, 0, len(names))
	for _, name := range names {
		norm := normalizeValue(top[name])
		tag, complex := typeTagOf(norm)
		attrs = append(attrs, domain.LayerAttribute{
			ID:             uuid.NewString(),
			LayerID:        layerID,
			Name:           name,
			FormattedValue: formatValue(norm),
			RawValue:       encodeCanonical(norm),
			TypeTag:        tag,
			IsComplex:      complex,
			IsChanged:      changed[name],
		})
	}
	return attrs, nil
}
