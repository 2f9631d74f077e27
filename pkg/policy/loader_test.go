package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoader_LoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"naming.rego": namingPolicy,
		"ssid.json": `{
  "name": "no-guest",
  "description": "No guest SSIDs",
  "severity": "warning",
  "rego": "package ssid.guest\n\nimport rego.v1\n\ndeny contains msg if {\n\tinput.resource.fields.name == \"guest\"\n\tmsg := \"guest SSID\"\n}\n"
}`,
		"README.md":         "ignored",
		"nested/extra.rego": "package nested\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"x\"\n}\n",
		"broken.json":       `{"name": "broken"`,
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	byName := make(map[string]Policy)
	for _, p := range policies {
		byName[p.Name] = p
	}
	if len(byName) != 3 {
		t.Fatalf("Expected 3 policies, got %d: %v", len(byName), byName)
	}

	if p := byName["no-guest"]; p.Severity != SeverityWarning || !p.Enabled || p.Description != "No guest SSIDs" {
		t.Errorf("Unexpected JSON policy %+v", p)
	}
	if p := byName["naming"]; p.Severity != SeverityError || p.Metadata["source"] != filepath.Join(dir, "naming.rego") {
		t.Errorf("Unexpected rego policy %+v", p)
	}
	if _, ok := byName["extra"]; !ok {
		t.Error("Expected nested policy to be loaded")
	}
}

func TestLoader_Errors(t *testing.T) {
	dir := t.TempDir()
	noRego := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(noRego, []byte(`{"name": "empty"}`), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	unsupported := filepath.Join(dir, "policy.txt")
	if err := os.WriteFile(unsupported, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing path", filepath.Join(dir, "missing.rego")},
		{"json without rego", noRego},
		{"unsupported extension", unsupported},
	}

	loader := NewLoader(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loader.LoadFromPaths(context.Background(), []string{tt.path}); err == nil {
				t.Errorf("Expected error for %s", tt.path)
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := loader.LoadFromPaths(ctx, []string{dir}); err == nil {
		t.Error("Expected error for a cancelled context")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"leading comments", "# First line.\n# Second line.\npackage x\n# later\n", "First line. Second line."},
		{"no comments", "package x\n", ""},
		{"blank lines before", "\n\n# Only.\n\npackage x\n", "Only."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSeverity_Blocks(t *testing.T) {
	for sev, want := range map[Severity]bool{
		SeverityInfo:     false,
		SeverityWarning:  false,
		SeverityError:    true,
		SeverityCritical: true,
	} {
		if got := sev.Blocks(); got != want {
			t.Errorf("%s: expected %v, got %v", sev, want, got)
		}
	}
}

func TestDeniedError(t *testing.T) {
	err := &DeniedError{
		Resource: "site/HQ",
		Violations: []Violation{
			{Policy: "a", Message: "first"},
			{Policy: "b", Message: "second"},
		},
	}
	want := "site/HQ denied by policy (a: first; b: second)"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
