package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/openfroyo/ccrecon/pkg/engine"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func mustLoad(t *testing.T, paths ...string) *DeclarationSet {
	t.Helper()
	set, err := LoadDeclarations(context.Background(), paths...)
	if err != nil {
		t.Fatalf("LoadDeclarations failed: %v", err)
	}
	return set
}

func TestLoadDeclarations_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "site.yaml", `
resources:
  - kind: site
    fields:
      name: HQ
      parentName: Global
      type: area
  - kind: tag
    name: legacy-tag
    state: absent
    fields: {name: legacy}
`)

	set := mustLoad(t, path)
	if err := set.Err(); err != nil {
		t.Fatalf("Unexpected errors: %v", err)
	}

	want := []engine.Declaration{
		{Kind: "site", Fields: map[string]interface{}{"name": "HQ", "parentName": "Global", "type": "area"}},
		{Kind: "tag", Name: "legacy-tag", State: engine.StateAbsent, Fields: map[string]interface{}{"name": "legacy"}},
	}
	if diff := cmp.Diff(want, set.Declarations); diff != "" {
		t.Errorf("Declarations mismatch (-want +got):\n%s", diff)
	}
	if len(set.SourceFiles) != 1 || set.SourceFiles[0] != path {
		t.Errorf("Unexpected source files %v", set.SourceFiles)
	}
}

func TestLoadDeclarations_YAMLForms(t *testing.T) {
	dir := t.TempDir()

	list := writeFile(t, dir, "list.yml", "- kind: tag\n  fields: {name: a}\n")
	keyed := writeFile(t, dir, "keyed.yaml", "resources:\n  core:\n    kind: tag\n    fields: {name: core}\n")
	jsonFile := writeFile(t, dir, "tags.json", `{"resources": [{"kind": "tag", "fields": {"name": "j"}}]}`)
	empty := writeFile(t, dir, "empty.yaml", "# nothing yet\n")

	set := mustLoad(t, list, keyed, jsonFile, empty)
	if err := set.Err(); err != nil {
		t.Fatalf("Unexpected errors: %v", err)
	}

	var names []string
	for _, d := range set.Declarations {
		names = append(names, d.Name+"/"+d.Fields["name"].(string))
	}
	if diff := cmp.Diff([]string{"/a", "core/core", "/j"}, names); diff != "" {
		t.Errorf("Unexpected declarations (-want +got):\n%s", diff)
	}
}

func TestLoadDeclarations_SchemaProblems(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", `
resources:
  - kind: tag
    fields: {name: ok}
  - kind: Tag
    fields: {name: upper}
  - kind: tag
    state: gone
  - kind: tag
    feilds: {name: typo}
  - fields: {name: nokind}
`)

	set := mustLoad(t, path)
	if len(set.Declarations) != 1 || set.Declarations[0].Fields["name"] != "ok" {
		t.Errorf("Expected only the valid declaration to survive, got %+v", set.Declarations)
	}
	if len(set.Errors) != 4 {
		t.Fatalf("Expected 4 errors, got %v", set.Errors)
	}

	wantPaths := []string{"resources[1]", "resources[2]", "resources[3]", "resources[4]"}
	for i, e := range set.Errors {
		if e.Path != wantPaths[i] || e.File != path || e.Line == 0 {
			t.Errorf("Error %d: expected location %s in %s, got %+v", i, wantPaths[i], path, e)
		}
	}
	if set.Err() == nil {
		t.Error("Expected Err to report the problems")
	}
}

func TestLoadDeclarations_YAMLSyntax(t *testing.T) {
	path := writeFile(t, t.TempDir(), "broken.yaml", "resources: [\n")

	set := mustLoad(t, path)
	if len(set.Errors) != 1 || set.Errors[0].File != path {
		t.Errorf("Expected one syntax error, got %v", set.Errors)
	}
}

func TestLoadDeclarations_CUE(t *testing.T) {
	path := writeFile(t, t.TempDir(), "wireless.cue", `
_site: "HQ"

resources: {
	"corp-ssid": {
		kind: "wireless-ssid"
		fields: {
			name:          "corp"
			securityLevel: "wpa2_enterprise"
		}
	}
	hq: {
		kind: "site"
		fields: {name: _site, parentName: "Global", type: "area"}
	}
}
`)

	set := mustLoad(t, path)
	if err := set.Err(); err != nil {
		t.Fatalf("Unexpected errors: %v", err)
	}
	if len(set.Declarations) != 2 {
		t.Fatalf("Expected 2 declarations, got %d", len(set.Declarations))
	}

	ssid := set.Declarations[0]
	if ssid.Name != "corp-ssid" || ssid.Kind != "wireless-ssid" || ssid.Fields["securityLevel"] != "wpa2_enterprise" {
		t.Errorf("Unexpected first declaration %+v", ssid)
	}
	if set.Declarations[1].Fields["name"] != "HQ" {
		t.Errorf("Expected hidden field reference to resolve, got %+v", set.Declarations[1])
	}
}

func TestLoadDeclarations_CUEErrors(t *testing.T) {
	dir := t.TempDir()
	syntax := writeFile(t, dir, "syntax.cue", "resources: [\n")
	conflict := writeFile(t, dir, "conflict.cue", `resources: [{kind: "tag", fields: {name: "a" & "b"}}]`)
	unknown := writeFile(t, dir, "unknown.cue", `resources: [{kind: "tag", colour: "red"}]`)

	tests := []struct {
		name string
		path string
	}{
		{"syntax", syntax},
		{"conflict", conflict},
		{"unknown key", unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := mustLoad(t, tt.path)
			if len(set.Errors) == 0 {
				t.Error("Expected errors")
			}
			if len(set.Declarations) != 0 {
				t.Errorf("Expected no declarations, got %+v", set.Declarations)
			}
		})
	}
}

func TestLoadDeclarations_Starlark(t *testing.T) {
	t.Setenv("CCRECON_TEST_PARENT", "Global")

	path := writeFile(t, t.TempDir(), "floors.star", `
def floor(n):
    return resource("site", name = "floor-%d" % n, state = "present",
                    type = "floor", parentName = "HQ", rfModel = "Cubes And Walled Offices")

resources = [
    resource("site", name = "hq", type = "building", parentName = env("CCRECON_TEST_PARENT"), address = "1 Main St"),
] + [floor(n) for n in range(1, 3)]
`)

	set := mustLoad(t, path)
	if err := set.Err(); err != nil {
		t.Fatalf("Unexpected errors: %v", err)
	}

	var names []string
	for _, d := range set.Declarations {
		names = append(names, d.Name)
	}
	if diff := cmp.Diff([]string{"hq", "floor-1", "floor-2"}, names); diff != "" {
		t.Errorf("Unexpected declarations (-want +got):\n%s", diff)
	}

	hq := set.Declarations[0]
	want := map[string]interface{}{"type": "building", "parentName": "Global", "address": "1 Main St"}
	if diff := cmp.Diff(want, hq.Fields); diff != "" {
		t.Errorf("Fields mismatch (-want +got):\n%s", diff)
	}
	if set.Declarations[1].State != engine.StatePresent {
		t.Errorf("Expected explicit state, got %q", set.Declarations[1].State)
	}
}

func TestLoadDeclarations_StarlarkErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"no resources", "x = 1\n", `does not define "resources"`},
		{"runtime error", "resources = [1 // 0]\n", "division by zero"},
		{"wrong type", "resources = 3\n", "must be a list or a dict"},
		{"bad entry", "resources = [{\"kind\": \"tag\", \"extra\": True}]\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".star", tt.script)
			set := mustLoad(t, path)
			if len(set.Errors) != 1 {
				t.Fatalf("Expected one error, got %v", set.Errors)
			}
			if !strings.Contains(set.Errors[0].Message, tt.want) {
				t.Errorf("Expected %q in %q", tt.want, set.Errors[0].Message)
			}
		})
	}
}

func TestLoadDeclarations_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yaml", "- kind: tag\n  fields: {name: b}\n")
	writeFile(t, dir, "a.cue", `resources: [{kind: "tag", fields: {name: "a"}}]`)
	writeFile(t, dir, "nested/c.star", `resources = [resource("tag", name = "c")]`)
	writeFile(t, dir, "README.md", "ignored")
	writeFile(t, dir, ".hidden/d.yaml", "- kind: tag\n  fields: {name: d}\n")

	set := mustLoad(t, dir)
	if err := set.Err(); err != nil {
		t.Fatalf("Unexpected errors: %v", err)
	}
	if len(set.SourceFiles) != 3 {
		t.Errorf("Expected 3 source files, got %v", set.SourceFiles)
	}

	var got []string
	for _, d := range set.Declarations {
		if n, ok := d.Fields["name"].(string); ok {
			got = append(got, n)
		} else {
			got = append(got, d.Name)
		}
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Expected lexical file order (-want +got):\n%s", diff)
	}
}

func TestLoadDeclarations_Errors(t *testing.T) {
	dir := t.TempDir()
	txt := writeFile(t, dir, "notes.txt", "hi")

	if _, err := LoadDeclarations(context.Background()); err == nil {
		t.Error("Expected error for no paths")
	}
	if _, err := LoadDeclarations(context.Background(), txt); err == nil {
		t.Error("Expected error for an unsupported extension")
	}
	if _, err := LoadDeclarations(context.Background(), filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for a missing file")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := writeFile(t, dir, "ok.yaml", "- kind: tag\n  fields: {name: a}\n")
	if _, err := LoadDeclarations(ctx, path); err == nil {
		t.Error("Expected cancellation error")
	}
}
