package sla

import (
	"testing"
)

func TestExtractAttributes_NormalizesDoubleEncoding(t *testing.T) {
	payload := `{"settings": "{\"depth\": 2, \"name\": \"inner\"}", "plain": "hello"}`

	attrs, err := extractAttributes("l1", payload, nil)
	if err != nil {
		t.Fatalf("extractAttributes: %v", err)
	}
	if len(attrs) != 2 {
		t.Fatalf("got %d attributes", len(attrs))
	}

	// Sorted by name: plain, settings.
	if attrs[0].Name != "plain" || attrs[0].TypeTag != "string" || attrs[0].FormattedValue != "hello" {
		t.Fatalf("plain = %+v", attrs[0])
	}
	settings := attrs[1]
	if settings.TypeTag != "object" || !settings.IsComplex {
		t.Fatalf("settings = %+v", settings)
	}
	if settings.RawValue != `{"depth":2,"name":"inner"}` {
		t.Fatalf("settings raw = %q", settings.RawValue)
	}
}

func TestExtractAttributes_FailedParseStaysString(t *testing.T) {
	payload := `{"broken": "{not json at all"}`

	attrs, err := extractAttributes("l1", payload, nil)
	if err != nil {
		t.Fatalf("extractAttributes: %v", err)
	}
	if attrs[0].TypeTag != "string" || attrs[0].FormattedValue != "{not json at all" {
		t.Fatalf("broken = %+v", attrs[0])
	}
}

func TestExtractAttributes_IntegersKeepShape(t *testing.T) {
	payload := `{"count": 42, "ratio": 0.5}`

	attrs, err := extractAttributes("l1", payload, nil)
	if err != nil {
		t.Fatalf("extractAttributes: %v", err)
	}
	if attrs[0].Name != "count" || attrs[0].RawValue != "42" {
		t.Fatalf("count = %+v", attrs[0])
	}
	if attrs[1].Name != "ratio" || attrs[1].RawValue != "0.5" {
		t.Fatalf("ratio = %+v", attrs[1])
	}
}

func TestEncodeCanonical_SortsKeys(t *testing.T) {
	a := normalizeValue(map[string]any{"b": "1", "a": map[string]any{"z": true, "y": nil}})
	got := encodeCanonical(a)
	want := `{"a":{"y":null,"z":true},"b":"1"}`
	if got != want {
		t.Fatalf("canonical = %q, want %q", got, want)
	}
}

func TestExtractAttributes_ChangeFlags(t *testing.T) {
	payload := `{"name": "x", "color": "blue"}`
	changed := map[string]bool{"name": true}

	attrs, err := extractAttributes("l1", payload, changed)
	if err != nil {
		t.Fatalf("extractAttributes: %v", err)
	}
	for _, a := range attrs {
		want := a.Name == "name"
		if a.IsChanged != want {
			t.Fatalf("attribute %s changed=%v", a.Name, a.IsChanged)
		}
	}
}
