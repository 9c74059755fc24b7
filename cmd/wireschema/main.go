package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"

	"github.com/invopop/jsonschema"

	"void-reckoning/dashboard/internal/net/proto"
)

// wireTypes are the feed payloads published as schemas, keyed by file stem.
var wireTypes = map[string]any{
	"inbound_message":    new(proto.InboundMessage),
	"outbound_message":   new(proto.OutboundMessage),
	"domain_event":       new(proto.DomainEvent),
	"alert":              new(proto.Alert),
	"error_notification": new(proto.ErrorNotification),
	"status":             new(proto.Status),
	"metrics":            new(proto.Metrics),
	"planet_status":      new(proto.PlanetStatus),
	"galaxy_topology":    new(proto.Topology),
}

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "", "directory to write the JSON schemas into")
	flag.Parse()

	if outDir == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	schemas := buildSchemas()
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(outDir, name+".schema.json")
		if err := writeSchema(path, schemas[name]); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", path, err)
			os.Exit(1)
		}
	}
}

var (
	timestampType = reflect.TypeOf(proto.Timestamp{})
	rawType       = reflect.TypeOf(json.RawMessage{})
)

// mapWireType describes the types whose JSON form differs from their Go
// shape.
func mapWireType(t reflect.Type) *jsonschema.Schema {
	switch t {
	case timestampType:
		return &jsonschema.Schema{
			Description: "Epoch seconds or an ISO 8601 string",
			OneOf: []*jsonschema.Schema{
				{Type: "number"},
				{Type: "string"},
			},
		}
	case rawType:
		return &jsonschema.Schema{}
	}
	return nil
}

func buildSchemas() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
		Mapper:                    mapWireType,
	}
	out := make(map[string]*jsonschema.Schema, len(wireTypes))
	for name, v := range wireTypes {
		schema := reflector.Reflect(v)
		schema.Title = "Void Reckoning feed: " + name
		out[name] = schema
	}
	return out
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
