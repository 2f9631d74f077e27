package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// rawDeclaration is an undecoded resource together with where it came from.
type rawDeclaration struct {
	file   string
	path   string
	line   int
	column int

	// key is the map key when resources are written as a struct.
	key   string
	value interface{}
}

func (r rawDeclaration) location(msg string) ValidationError {
	return ValidationError{
		File:     r.file,
		Line:     r.line,
		Column:   r.column,
		Path:     r.path,
		Message:  msg,
		Severity: severityError,
	}
}

// CUEParser extracts resource declarations from CUE files. Every file of
// one Parse call is unified into a single value, so resources written as a
// struct can be split across files.
type CUEParser struct {
	ctx *cue.Context
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{ctx: cuecontext.New()}
}

// Parse unifies the sources and returns the entries of their top-level
// "resources" field. A directory contributes all of its .cue files.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) ([]rawDeclaration, []ValidationError, error) {
	if len(sources) == 0 {
		return nil, nil, fmt.Errorf("no sources provided")
	}

	files, err := expandCUESources(sources)
	if err != nil {
		return nil, nil, err
	}

	var cueValue cue.Value
	var parseErrors []ValidationError
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		val, errs := cp.loadFile(file)
		if len(errs) > 0 {
			parseErrors = append(parseErrors, errs...)
			continue
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	if len(parseErrors) > 0 {
		return nil, parseErrors, nil
	}
	if !cueValue.Exists() {
		return nil, nil, nil
	}

	if err := cueValue.Err(); err != nil {
		return nil, cp.convertCUEErrors(err), nil
	}

	file := ""
	if len(files) == 1 {
		file = files[0]
	}
	raws, errs := cp.extractResources(cueValue, file)
	return raws, errs, nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) ([]rawDeclaration, []ValidationError, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(err), nil
	}
	raws, errs := cp.extractResources(val, "inline")
	return raws, errs, nil
}

func expandCUESources(sources []string) ([]string, error) {
	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if !info.IsDir() {
			files = append(files, source)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(source, "*.cue"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: severityError,
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractResources walks the "resources" field, which may be a list or a
// struct keyed by name.
func (cp *CUEParser) extractResources(val cue.Value, file string) ([]rawDeclaration, []ValidationError) {
	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if !resourcesVal.Exists() {
		return nil, nil
	}

	var raws []rawDeclaration
	var errs []ValidationError

	add := func(path, key string, v cue.Value) {
		raw := rawDeclaration{file: file, path: path, key: key}
		if pos := v.Pos(); pos.IsValid() {
			raw.file = pos.Filename()
			raw.line = pos.Line()
			raw.column = pos.Column()
		}
		if err := v.Validate(cue.Concrete(true)); err != nil {
			for _, e := range cp.convertCUEErrors(err) {
				e.Path = path
				errs = append(errs, e)
			}
			return
		}
		if err := v.Decode(&raw.value); err != nil {
			errs = append(errs, raw.location(fmt.Sprintf("failed to decode resource: %v", err)))
			return
		}
		raws = append(raws, raw)
	}

	switch resourcesVal.IncompleteKind() {
	case cue.StructKind:
		iter, err := resourcesVal.Fields()
		if err != nil {
			return nil, cp.convertCUEErrors(err)
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			add(fmt.Sprintf("resources.%s", iter.Selector()), key, iter.Value())
		}
	case cue.ListKind:
		list, err := resourcesVal.List()
		if err != nil {
			return nil, cp.convertCUEErrors(err)
		}
		for idx := 0; list.Next(); idx++ {
			add(fmt.Sprintf("resources[%d]", idx), "", list.Value())
		}
	default:
		errs = append(errs, ValidationError{
			File:     file,
			Path:     "resources",
			Message:  "resources must be a list or a struct",
			Severity: severityError,
		})
	}

	return raws, errs
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: severityError,
		})
	}

	return validationErrors
}
