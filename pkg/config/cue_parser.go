package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/loomctl/loom/pkg/engine"
)

// CUEParser parses and validates CUE stack manifests.
type CUEParser struct {
	ctx               *cue.Context
	schemaRegistry    *SchemaRegistry
	starlarkEvaluator *StarlarkEvaluator
	validator         *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:               cuecontext.New(),
		schemaRegistry:    NewSchemaRegistry(),
		starlarkEvaluator: NewStarlarkEvaluator(30 * time.Second),
		validator:         validator.New(),
	}
}

// Evaluate parses manifest sources and returns a populated node registry,
// ready for graph building.
func (cp *CUEParser) Evaluate(ctx context.Context, sources []string) (*engine.Registry, *ParsedManifest, error) {
	manifest, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, nil, err
	}

	registry, err := manifest.ToRegistry()
	if err != nil {
		return nil, manifest, err
	}
	return registry, manifest, nil
}

// EvaluateStarlark executes a Starlark script for procedural manifest
// generation.
func (cp *CUEParser) EvaluateStarlark(ctx context.Context, script string, input map[string]interface{}) (map[string]interface{}, error) {
	result, err := cp.starlarkEvaluator.Evaluate(ctx, script, input)
	if err != nil {
		return nil, err
	}

	if result.Error != "" {
		return nil, fmt.Errorf("starlark error: %s", result.Error)
	}

	return result.Output, nil
}

// Parse parses manifest sources. YAML files are handed to the YAML loader,
// Starlark files are executed after the declarative sources so their scripts
// see the stack variables, and everything else is treated as CUE. Multiple
// sources unify into one manifest.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedManifest, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError
	var yamlResources []ResourceManifest
	var yamlStack *StackConfig
	var starSources []string

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := cp.loadDirectory(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, files...)
			continue
		}

		if isStarlarkFile(source) {
			starSources = append(starSources, source)
			sourceFiles = append(sourceFiles, source)
			continue
		}

		if isYAMLFile(source) {
			m, err := LoadYAMLFile(source)
			if err != nil {
				parseErrors = append(parseErrors, ValidationError{
					File:     source,
					Message:  err.Error(),
					Severity: "error",
				})
			} else {
				yamlResources = append(yamlResources, m.Resources...)
				if m.Stack.Name != "" {
					yamlStack = &m.Stack
				}
			}
			sourceFiles = append(sourceFiles, source)
			continue
		}

		val, errs := cp.loadFile(source)
		if len(errs) > 0 {
			parseErrors = append(parseErrors, errs...)
		}
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
		sourceFiles = append(sourceFiles, source)
	}

	if len(parseErrors) > 0 {
		return &ParsedManifest{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	manifest := &ParsedManifest{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	if cueValue.Exists() {
		if err := cueValue.Err(); err != nil {
			manifest.Errors = append(manifest.Errors, cp.convertCUEErrors(err)...)
			return manifest, nil
		}
		extracted, err := cp.extractManifest(cueValue, sourceFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to extract manifest: %w", err)
		}
		manifest.Stack = extracted.Stack
		manifest.Resources = extracted.Resources
		manifest.Errors = extracted.Errors
	}

	manifest.Resources = append(manifest.Resources, yamlResources...)
	if yamlStack != nil && manifest.Stack.Name == "" {
		manifest.Stack = *yamlStack
	}

	for _, source := range starSources {
		resources, err := cp.evaluateStarlarkFile(ctx, source, manifest.Stack.Variables)
		if err != nil {
			manifest.Errors = append(manifest.Errors, ValidationError{
				File:     source,
				Message:  err.Error(),
				Severity: "error",
			})
			continue
		}
		manifest.Resources = append(manifest.Resources, resources...)
	}

	return manifest, nil
}

// evaluateStarlarkFile runs one manifest script and collects the resources
// it declares.
func (cp *CUEParser) evaluateStarlarkFile(ctx context.Context, path string, vars map[string]interface{}) ([]ResourceManifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return cp.starlarkEvaluator.EvaluateManifest(ctx, path, string(content), vars)
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractManifest extracts the stack and resources from a CUE value.
func (cp *CUEParser) extractManifest(val cue.Value, sourceFiles []string) (*ParsedManifest, error) {
	manifest := &ParsedManifest{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	stackVal := val.LookupPath(cue.ParsePath("stack"))
	if stackVal.Exists() {
		var stack StackConfig
		if err := stackVal.Decode(&stack); err != nil {
			manifest.Errors = append(manifest.Errors, ValidationError{
				Path:     "stack",
				Message:  fmt.Sprintf("failed to decode stack: %v", err),
				Severity: "error",
			})
		} else {
			manifest.Stack = stack
		}
	}

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if !resourcesVal.Exists() {
		return manifest, nil
	}

	switch resourcesVal.Kind() {
	case cue.StructKind:
		// Map of resources keyed by identifier.
		iter, err := resourcesVal.Fields(cue.All())
		if err != nil {
			manifest.Errors = append(manifest.Errors, ValidationError{
				Path:     "resources",
				Message:  fmt.Sprintf("failed to iterate resources: %v", err),
				Severity: "error",
			})
			return manifest, nil
		}
		for iter.Next() {
			id := strings.Trim(iter.Selector().String(), `"`)
			resource, err := cp.extractResource(id, iter.Value())
			if err != nil {
				manifest.Errors = append(manifest.Errors, ValidationError{
					Path:     fmt.Sprintf("resources.%s", id),
					Message:  err.Error(),
					Severity: "error",
				})
			} else {
				manifest.Resources = append(manifest.Resources, resource)
			}
		}
	case cue.ListKind:
		list, err := resourcesVal.List()
		if err != nil {
			manifest.Errors = append(manifest.Errors, ValidationError{
				Path:     "resources",
				Message:  fmt.Sprintf("failed to list resources: %v", err),
				Severity: "error",
			})
			return manifest, nil
		}
		idx := 0
		for list.Next() {
			resource, err := cp.extractResource("", list.Value())
			if err != nil {
				manifest.Errors = append(manifest.Errors, ValidationError{
					Path:     fmt.Sprintf("resources[%d]", idx),
					Message:  err.Error(),
					Severity: "error",
				})
			} else {
				manifest.Resources = append(manifest.Resources, resource)
			}
			idx++
		}
	}

	return manifest, nil
}

// extractResource extracts a resource manifest from a CUE value.
func (cp *CUEParser) extractResource(id string, val cue.Value) (ResourceManifest, error) {
	var resource ResourceManifest

	if err := val.Decode(&resource); err != nil {
		return resource, fmt.Errorf("failed to decode resource: %w", err)
	}

	// When the map key carries the identifier, the value may omit it.
	if resource.ID == "" && id != "" {
		resource.ID = id
	}

	if err := cp.validator.Struct(resource); err != nil {
		return resource, fmt.Errorf("validation failed: %w", err)
	}

	return resource, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	errs := errors.Errors(err)
	for _, e := range errs {
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
			Severity: "error",
		})
	}

	return validationErrors
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedManifest, error) {
	val := cp.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		return &ParsedManifest{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractManifest(val, []string{"inline"})
}

// ValidateWithSchema validates data against a named schema.
func (cp *CUEParser) ValidateWithSchema(ctx context.Context, data interface{}, schemaName string) error {
	return cp.schemaRegistry.ValidateAgainstSchema(ctx, schemaName, data)
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ExtractValue extracts a specific path from a CUE manifest.
func (cp *CUEParser) ExtractValue(val cue.Value, path string) (interface{}, error) {
	v := val.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return nil, fmt.Errorf("path %s not found", path)
	}

	var result interface{}
	if err := v.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode value at %s: %w", path, err)
	}

	return result, nil
}

// MergeValues merges two CUE values.
func (cp *CUEParser) MergeValues(val1, val2 cue.Value) (cue.Value, error) {
	merged := val1.Unify(val2)
	if err := merged.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to merge values: %w", err)
	}
	return merged, nil
}

// ExportJSON exports a CUE value to JSON.
func (cp *CUEParser) ExportJSON(val cue.Value) ([]byte, error) {
	var data interface{}
	if err := val.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}

	return json.MarshalIndent(data, "", "  ")
}

// LoadFromDirectory lists all CUE files under a directory.
func (cp *CUEParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}

// isYAMLFile reports whether a path looks like a YAML manifest.
func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// isStarlarkFile reports whether a path looks like a manifest script.
func isStarlarkFile(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".star"
}
