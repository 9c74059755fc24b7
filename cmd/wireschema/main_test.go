package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildSchemasCoversWireTypes(t *testing.T) {
	schemas := buildSchemas()
	if len(schemas) != len(wireTypes) {
		t.Fatalf("expected %d schemas, got %d", len(wireTypes), len(schemas))
	}
	for name, schema := range schemas {
		if !strings.HasSuffix(schema.Title, name) {
			t.Fatalf("expected title for %s, got %q", name, schema.Title)
		}
	}
}

func TestTimestampAcceptsNumberOrString(t *testing.T) {
	data, err := json.Marshal(buildSchemas()["domain_event"])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, `"oneOf":[{"type":"number"},{"type":"string"}]`) {
		t.Fatalf("expected timestamp oneOf in schema, got %s", body)
	}
	if !strings.Contains(body, `"event_type"`) {
		t.Fatalf("expected event_type property, got %s", body)
	}
}

func TestWriteSchemaReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alert.schema.json")
	if err := writeSchema(path, buildSchemas()["alert"]); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"rule_name"`) {
		t.Fatalf("expected alert properties, got %s", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away")
	}
}
