package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/ccrecon/pkg/engine"
	"github.com/openfroyo/ccrecon/pkg/telemetry"
)

// Declaration file formats, by extension.
const (
	formatYAML     = "yaml"
	formatCUE      = "cue"
	formatStarlark = "starlark"
)

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return formatYAML
	case ".cue":
		return formatCUE
	case ".star", ".bzl":
		return formatStarlark
	default:
		return ""
	}
}

// IsDeclarationFile reports whether path has a supported extension.
func IsDeclarationFile(path string) bool {
	return formatOf(path) != ""
}

// DeclarationLoader reads resource declarations from YAML, JSON, CUE and
// Starlark files. Every raw declaration is checked against the CUE
// declaration schema and decoded into an engine.Declaration; catalog level
// validation happens later, at ingest.
type DeclarationLoader struct {
	cue      *CUEParser
	starlark *StarlarkEvaluator
	schemas  *SchemaRegistry
	validate *validator.Validate
	logger   *telemetry.Logger
}

// NewDeclarationLoader creates a loader. The logger may be nil.
func NewDeclarationLoader(logger *telemetry.Logger) *DeclarationLoader {
	return &DeclarationLoader{
		cue:      NewCUEParser(),
		starlark: NewStarlarkEvaluator(30*time.Second, logger),
		schemas:  NewSchemaRegistry(),
		validate: validator.New(),
		logger:   logger.NewComponentLogger("declarations"),
	}
}

// LoadDeclarations loads declarations with a default loader.
func LoadDeclarations(ctx context.Context, paths ...string) (*DeclarationSet, error) {
	return NewDeclarationLoader(nil).Load(ctx, paths...)
}

// Load reads every path in order. Directories contribute their supported
// files in lexical order. Problems with individual declarations are
// collected in the set; I/O failures and cancellation are returned.
func (l *DeclarationLoader) Load(ctx context.Context, paths ...string) (*DeclarationSet, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no declaration files given")
	}

	files, err := expandDeclarationPaths(paths)
	if err != nil {
		return nil, err
	}

	set := &DeclarationSet{LoadedAt: time.Now()}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		set.SourceFiles = append(set.SourceFiles, file)

		before := len(set.Declarations)
		if err := l.loadFile(ctx, file, set); err != nil {
			return nil, err
		}
		l.logger.WithField("file", file).Debugf("loaded %d declarations", len(set.Declarations)-before)
	}

	return set, nil
}

func expandDeclarationPaths(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			if !IsDeclarationFile(path) {
				return nil, fmt.Errorf("%s: unsupported declaration format", path)
			}
			files = append(files, path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != path && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if IsDeclarationFile(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func (l *DeclarationLoader) loadFile(ctx context.Context, file string, set *DeclarationSet) error {
	switch formatOf(file) {
	case formatCUE:
		raws, errs, err := l.cue.Parse(ctx, []string{file})
		if err != nil {
			return err
		}
		set.Errors = append(set.Errors, errs...)
		l.accept(ctx, raws, set)
		return nil

	case formatStarlark:
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		result, err := l.starlark.Evaluate(ctx, file, string(data), nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			set.addError(ValidationError{File: file, Message: result.Error})
			return nil
		}
		raws, verr := rawFromStarlark(file, result.Output)
		if verr != nil {
			set.addError(*verr)
			return nil
		}
		l.accept(ctx, raws, set)
		return nil

	default:
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		raws, verr := rawFromYAML(file, data)
		if verr != nil {
			set.addError(*verr)
			return nil
		}
		l.accept(ctx, raws, set)
		return nil
	}
}

// rawFromYAML accepts either a top-level list or a mapping with a
// "resources" key holding a list or a name-keyed mapping.
func rawFromYAML(file string, data []byte) ([]rawDeclaration, *ValidationError) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{File: file, Message: err.Error(), Severity: severityError}
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	items := doc.Content[0]
	if items.Kind == yaml.ScalarNode && items.Tag == "!!null" {
		return nil, nil
	}
	if items.Kind == yaml.MappingNode {
		items = mappingValue(items, "resources")
		if items == nil {
			return nil, &ValidationError{File: file, Line: doc.Content[0].Line, Message: `missing "resources"`, Severity: severityError}
		}
	}

	decode := func(path, key string, n *yaml.Node) (rawDeclaration, *ValidationError) {
		raw := rawDeclaration{file: file, path: path, line: n.Line, column: n.Column, key: key}
		var value map[string]interface{}
		if err := n.Decode(&value); err != nil {
			verr := raw.location(err.Error())
			return raw, &verr
		}
		raw.value = value
		return raw, nil
	}

	var raws []rawDeclaration
	switch items.Kind {
	case yaml.SequenceNode:
		for i, n := range items.Content {
			raw, verr := decode(fmt.Sprintf("resources[%d]", i), "", n)
			if verr != nil {
				return nil, verr
			}
			raws = append(raws, raw)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(items.Content); i += 2 {
			key := items.Content[i].Value
			raw, verr := decode(fmt.Sprintf("resources.%s", key), key, items.Content[i+1])
			if verr != nil {
				return nil, verr
			}
			raws = append(raws, raw)
		}
	default:
		return nil, &ValidationError{File: file, Line: items.Line, Path: "resources", Message: "resources must be a list or a mapping", Severity: severityError}
	}
	return raws, nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// rawFromStarlark reads the "resources" global of a script.
func rawFromStarlark(file string, output map[string]interface{}) ([]rawDeclaration, *ValidationError) {
	resources, ok := output["resources"]
	if !ok {
		return nil, &ValidationError{File: file, Message: `script does not define "resources"`, Severity: severityError}
	}

	var raws []rawDeclaration
	switch v := resources.(type) {
	case []interface{}:
		for i, item := range v {
			raws = append(raws, rawDeclaration{file: file, path: fmt.Sprintf("resources[%d]", i), value: item})
		}
	case map[string]interface{}:
		for _, key := range sortedKeys(v) {
			raws = append(raws, rawDeclaration{file: file, path: fmt.Sprintf("resources.%s", key), key: key, value: v[key]})
		}
	default:
		return nil, &ValidationError{File: file, Path: "resources", Message: fmt.Sprintf("resources must be a list or a dict, got %T", resources), Severity: severityError}
	}
	return raws, nil
}

// accept checks and decodes raw declarations into the set.
func (l *DeclarationLoader) accept(ctx context.Context, raws []rawDeclaration, set *DeclarationSet) {
	for _, raw := range raws {
		decl, err := l.decode(ctx, raw)
		if err != nil {
			set.addError(raw.location(err.Error()))
			continue
		}
		set.Declarations = append(set.Declarations, decl)
	}
}

func (l *DeclarationLoader) decode(ctx context.Context, raw rawDeclaration) (engine.Declaration, error) {
	var decl engine.Declaration

	if err := l.schemas.ValidateAgainstSchema(ctx, SchemaDeclaration, raw.value); err != nil {
		var msgs []string
		for _, e := range l.cue.convertCUEErrors(err) {
			msgs = append(msgs, e.Message)
		}
		if len(msgs) == 0 {
			msgs = append(msgs, err.Error())
		}
		return decl, fmt.Errorf("%s", strings.Join(msgs, "; "))
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		Result:      &decl,
	})
	if err != nil {
		return decl, err
	}
	if err := decoder.Decode(raw.value); err != nil {
		return decl, err
	}

	if decl.Name == "" && raw.key != "" {
		decl.Name = raw.key
	}
	if decl.Fields == nil {
		decl.Fields = map[string]interface{}{}
	}

	if err := l.validate.Struct(decl); err != nil {
		return decl, err
	}
	return decl, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
