package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Location: {
	floor: string
	index: int & >=0
}
`
	if err := sr.RegisterSchema("location", customSchema, "#Location"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	names := sr.ListSchemas()
	if len(names) != 2 || names[0] != SchemaDeclaration || names[1] != "location" {
		t.Errorf("Unexpected schemas %v", names)
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "location", map[string]interface{}{"floor": "1", "index": 2}); err != nil {
		t.Errorf("Expected valid data, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "location", map[string]interface{}{"floor": "1", "index": -1}); err == nil {
		t.Error("Expected constraint violation")
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "#X: {", "#X"); err == nil {
		t.Error("Expected compile error")
	}
	if err := sr.RegisterSchema("nodef", "#X: {a: int}", "#Y"); err == nil {
		t.Error("Expected missing definition error")
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "nope", nil); err == nil {
		t.Error("Expected unknown schema error")
	}
}

func TestDeclarationSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		data    map[string]interface{}
		wantErr bool
	}{
		{"minimal", map[string]interface{}{"kind": "tag"}, false},
		{"complete", map[string]interface{}{
			"kind": "wireless-ssid", "name": "corp", "state": "absent",
			"fields": map[string]interface{}{"name": "corp"}, "compareSensitive": true,
		}, false},
		{"null fields", map[string]interface{}{"kind": "tag", "fields": nil}, false},
		{"missing kind", map[string]interface{}{"name": "x"}, true},
		{"bad kind", map[string]interface{}{"kind": "9tag"}, true},
		{"bad state", map[string]interface{}{"kind": "tag", "state": "merged"}, true},
		{"fields not a map", map[string]interface{}{"kind": "tag", "fields": "name=x"}, true},
		{"unknown key", map[string]interface{}{"kind": "tag", "labels": map[string]interface{}{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, SchemaDeclaration, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
