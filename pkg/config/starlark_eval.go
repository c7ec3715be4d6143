package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// StarlarkEvaluator runs procedural manifest scripts. A script declares
// resource nodes either by calling the predeclared resource(...) builtin or
// by leaving a top-level `resources` value (a dict keyed by identifier, or a
// list of dicts carrying their own "id"). Stack variables are predeclared
// under `vars`.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator with an execution budget per
// script. A zero timeout selects the 30 second default.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate executes a script and returns its exported globals. Functions
// and underscore-prefixed globals are not exported.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	started := time.Now()

	run, err := se.run(ctx, "script.star", script, input)
	if err != nil {
		return &StarlarkResult{
			ExecutionTime: time.Since(started),
			Error:         err.Error(),
		}, err
	}

	output := make(map[string]interface{})
	for name, val := range run.globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		// Helper functions are scaffolding, not output.
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
		Output:        output,
		ExecutionTime: time.Since(started),
	}, nil
}

// EvaluateManifest executes a manifest script and returns the resource
// declarations it emitted, in emission order with `resources` globals last.
func (se *StarlarkEvaluator) EvaluateManifest(ctx context.Context, filename, script string, vars map[string]interface{}) ([]ResourceManifest, error) {
	run, err := se.run(ctx, filename, script, map[string]interface{}{"vars": varsOrEmpty(vars)})
	if err != nil {
		return nil, err
	}

	resources := run.emitted

	global, ok := run.globals["resources"]
	if !ok {
		return resources, nil
	}
	declared, err := fromStarlarkValue(global)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid resources value: %w", filename, err)
	}

	switch decl := declared.(type) {
	case map[string]interface{}:
		// Dict keyed by identifier; iterate a sorted copy for determinism.
		for _, id := range sortedKeys(decl) {
			body, ok := decl[id].(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s: resource %q must be a dict", filename, id)
			}
			rm, err := resourceFromValue(body)
			if err != nil {
				return nil, fmt.Errorf("%s: resource %q: %w", filename, id, err)
			}
			if rm.ID == "" {
				rm.ID = id
			}
			resources = append(resources, rm)
		}
	case []interface{}:
		for i, item := range decl {
			body, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s: resources[%d] must be a dict", filename, i)
			}
			rm, err := resourceFromValue(body)
			if err != nil {
				return nil, fmt.Errorf("%s: resources[%d]: %w", filename, i, err)
			}
			resources = append(resources, rm)
		}
	default:
		return nil, fmt.Errorf("%s: resources must be a dict or list, got %T", filename, declared)
	}

	return resources, nil
}

// scriptRun holds the results of one script execution.
type scriptRun struct {
	globals starlark.StringDict
	emitted []ResourceManifest
}

// run executes a script under the evaluator's timeout. Cancellation is
// cooperative: the goroutine finishes on its own, only the wait is bounded.
func (se *StarlarkEvaluator) run(ctx context.Context, filename, script string, input map[string]interface{}) (*scriptRun, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	resultCh := make(chan *scriptRun, 1)
	errCh := make(chan error, 1)

	go func() {
		run, err := se.exec(filename, script, input)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- run
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("starlark execution timeout after %v", se.timeout)
	case err := <-errCh:
		return nil, err
	case run := <-resultCh:
		return run, nil
	}
}

// exec performs the actual script execution synchronously.
func (se *StarlarkEvaluator) exec(filename, script string, input map[string]interface{}) (*scriptRun, error) {
	run := &scriptRun{}

	thread := &starlark.Thread{
		Name: "manifest",
		Print: func(_ *starlark.Thread, _ string) {
			// Scripts have no output channel.
		},
	}

	predeclared := starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"resource": starlark.NewBuiltin("resource", run.emitResource),
	}
	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{TopLevelControl: true}, thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	run.globals = globals
	return run, nil
}

// emitResource is the resource(...) builtin. It appends one declaration to
// the run in call order.
func (run *scriptRun) emitResource(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		id, kind, provider, namespace string
		spec                          starlark.Value
		dependsOn                     *starlark.List
		labels                        *starlark.Dict
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"id", &id,
		"kind", &kind,
		"spec", &spec,
		"provider?", &provider,
		"namespace?", &namespace,
		"depends_on?", &dependsOn,
		"labels?", &labels,
	); err != nil {
		return nil, err
	}

	rm := ResourceManifest{
		ID:        id,
		Kind:      kind,
		Provider:  provider,
		Namespace: namespace,
	}

	specVal, err := fromStarlarkValue(spec)
	if err != nil {
		return nil, fmt.Errorf("resource %q: spec: %w", id, err)
	}
	rm.Spec, err = json.Marshal(specVal)
	if err != nil {
		return nil, fmt.Errorf("resource %q: spec: %w", id, err)
	}

	if dependsOn != nil {
		for i := 0; i < dependsOn.Len(); i++ {
			dep, ok := dependsOn.Index(i).(starlark.String)
			if !ok {
				return nil, fmt.Errorf("resource %q: depends_on[%d] must be a string", id, i)
			}
			rm.DependsOn = append(rm.DependsOn, string(dep))
		}
	}
	if labels != nil {
		rm.Labels = make(map[string]string, labels.Len())
		for _, item := range labels.Items() {
			key, kok := item[0].(starlark.String)
			val, vok := item[1].(starlark.String)
			if !kok || !vok {
				return nil, fmt.Errorf("resource %q: labels must map strings to strings", id)
			}
			rm.Labels[string(key)] = string(val)
		}
	}

	run.emitted = append(run.emitted, rm)
	return starlark.None, nil
}

// resourceFromValue decodes a converted dict into a resource manifest.
func resourceFromValue(body map[string]interface{}) (ResourceManifest, error) {
	var rm ResourceManifest
	raw, err := json.Marshal(body)
	if err != nil {
		return rm, err
	}
	if err := json.Unmarshal(raw, &rm); err != nil {
		return rm, err
	}
	return rm, nil
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

// fromStarlarkValue converts a Starlark value to a Go value. Dict keys are
// stringified so comprehension results with int keys survive the trip.
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
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			converted, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	case *starlark.List:
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
			key, err := dictKeyString(item[0])
			if err != nil {
				return nil, err
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[key] = value
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

// dictKeyString renders a scalar dict key as a string.
func dictKeyString(v starlark.Value) (string, error) {
	switch key := v.(type) {
	case starlark.String:
		return string(key), nil
	case starlark.Int:
		return key.String(), nil
	case starlark.Bool:
		if bool(key) {
			return "true", nil
		}
		return "false", nil
	default:
		return "", fmt.Errorf("dict key must be a scalar, got %s", v.Type())
	}
}

func varsOrEmpty(vars map[string]interface{}) map[string]interface{} {
	if vars == nil {
		return map[string]interface{}{}
	}
	return vars
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
