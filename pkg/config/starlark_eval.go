package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/ccrecon/pkg/telemetry"
)

// defaultMaxSteps bounds the computation of one declaration script.
const defaultMaxSteps = 10_000_000

// StarlarkEvaluator executes declaration scripts. A script exports its
// resources by assigning a list of dicts to the global "resources".
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
	logger   *telemetry.Logger
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration, logger *telemetry.Logger) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout:  timeout,
		maxSteps: defaultMaxSteps,
		logger:   logger.NewComponentLogger("starlark"),
	}
}

// Evaluate executes a Starlark script with the given input and returns its
// exported globals. Input values are predeclared under their keys.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.WithField("script", filename).Debug(msg)
		},
	}
	thread.SetMaxExecutionSteps(se.maxSteps)

	type outcome struct {
		result *StarlarkResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := se.evaluateSync(thread, filename, script, input)
		done <- outcome{result, err}
	}()

	var out outcome
	select {
	case <-evalCtx.Done():
		thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
		<-done
		out.err = fmt.Errorf("starlark execution of %s stopped: %w", filename, evalCtx.Err())
	case out = <-done:
	}

	if out.err != nil {
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Steps:         thread.ExecutionSteps(),
			Error:         out.err.Error(),
		}, out.err
	}

	out.result.ExecutionTime = time.Since(startTime)
	out.result.Steps = thread.ExecutionSteps()
	return out.result, nil
}

// evaluateSync performs the actual Starlark evaluation synchronously.
func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	predeclared := starlark.StringDict{
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
		"resource": starlark.NewBuiltin("resource", builtinResource),
		"env":      starlark.NewBuiltin("env", builtinEnv),
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return nil, fmt.Errorf("starlark execution failed: %s", evalErr.Backtrace())
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		// Private globals and helper functions are not exported.
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output: output,
	}, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value. Tuples become
// lists so that they can be used for list-typed catalog fields.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Indexable:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// builtinResource implements resource(kind, name=, state=, compare_sensitive=, **fields).
// It returns a declaration dict.
func builtinResource(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s: expected the kind as the only positional argument, got %d", b.Name(), len(args))
	}
	kind, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: kind must be a string, got %s", b.Name(), args[0].Type())
	}

	decl := starlark.NewDict(4)
	fields := starlark.NewDict(len(kwargs))
	if err := decl.SetKey(starlark.String("kind"), starlark.String(kind)); err != nil {
		return nil, err
	}

	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		var err error
		switch key {
		case "name", "state":
			err = decl.SetKey(starlark.String(key), kv[1])
		case "compare_sensitive":
			err = decl.SetKey(starlark.String("compareSensitive"), kv[1])
		default:
			err = fields.SetKey(starlark.String(key), kv[1])
		}
		if err != nil {
			return nil, err
		}
	}

	if err := decl.SetKey(starlark.String("fields"), fields); err != nil {
		return nil, err
	}
	return decl, nil
}

// builtinEnv implements env(name, default="").
func builtinEnv(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, def string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if val := os.Getenv(name); val != "" {
		return starlark.String(val), nil
	}
	return starlark.String(def), nil
}
