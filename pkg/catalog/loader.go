package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

//go:embed schema.cue
var schemaSource string

//go:embed builtin.cue
var builtinSource string

// Loader compiles CUE catalog documents against the catalog schema.
type Loader struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewLoader creates a loader with the embedded schema compiled.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile catalog schema: %w", err)
	}
	return &Loader{
		ctx:      ctx,
		schema:   schema,
		validate: validator.New(),
	}, nil
}

// Decode compiles one CUE document and returns its entries.
func (l *Loader) Decode(filename string, src []byte) ([]Entry, error) {
	val := l.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile %s: %s", filename, errors.Details(err, nil))
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("catalog %s does not match schema: %s", filename, errors.Details(err, nil))
	}

	raw, err := unified.LookupPath(cue.ParsePath("catalog")).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", filename, err)
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
	}

	for i := range entries {
		if err := l.validate.Struct(&entries[i]); err != nil {
			return nil, fmt.Errorf("catalog %s kind %s: %w", filename, entries[i].Kind, err)
		}
	}
	return entries, nil
}

// Builtin returns the kinds shipped with the binary.
func (l *Loader) Builtin() ([]Entry, error) {
	return l.Decode("builtin.cue", []byte(builtinSource))
}

// Load builds a catalog from the built-in kinds plus any extra CUE files.
// Kinds in extra files replace built-in kinds with the same name.
func Load(paths ...string) (*Catalog, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}

	entries, err := l.Builtin()
	if err != nil {
		return nil, err
	}

	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
		}
		extra, err := l.Decode(path, src)
		if err != nil {
			return nil, err
		}
		entries = append(entries, extra...)
	}

	return New(entries...)
}

// MustBuiltin returns the built-in catalog and panics if it does not load.
func MustBuiltin() *Catalog {
	c, err := Load()
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}
