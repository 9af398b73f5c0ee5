package shared

import (
	"testing"

	"gopkg.in/yaml.v3"
)

const testSchema = `{
	"type": "object",
	"required": ["id", "weight"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"weight": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

func TestValidateValueFromYAML(t *testing.T) {
	schema, err := CompileSchema("test.json", testSchema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	var good any
	if err := yaml.Unmarshal([]byte("id: rules\nweight: 0.5\n"), &good); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if err := ValidateValue(schema, good); err != nil {
		t.Fatalf("expected valid document, got %v", err)
	}

	var bad any
	if err := yaml.Unmarshal([]byte("id: \"\"\nweight: 3\n"), &bad); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if err := ValidateValue(schema, bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestCompileSchemaRejectsGarbage(t *testing.T) {
	if _, err := CompileSchema("bad.json", "{not json"); err == nil {
		t.Fatal("expected error for malformed schema")
	}
}
