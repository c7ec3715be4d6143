package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlManifest mirrors ParsedManifest with YAML-friendly field types. YAML
// cannot decode into json.RawMessage, so specs pass through an interface
// value and are re-encoded as JSON.
type yamlManifest struct {
	Stack     StackConfig    `yaml:"stack"`
	Resources []yamlResource `yaml:"resources"`
}

type yamlResource struct {
	ID        string                 `yaml:"id"`
	Kind      string                 `yaml:"kind"`
	Spec      map[string]interface{} `yaml:"spec"`
	Provider  string                 `yaml:"provider"`
	Namespace string                 `yaml:"namespace"`
	DependsOn []string               `yaml:"depends_on"`
	Labels    map[string]string      `yaml:"labels"`
}

// LoadYAMLFile parses a YAML stack manifest file.
func LoadYAMLFile(path string) (*ParsedManifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	manifest, err := ParseYAML(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	manifest.SourceFiles = []string{path}
	return manifest, nil
}

// ParseYAML parses YAML manifest content.
func ParseYAML(content []byte) (*ParsedManifest, error) {
	var raw yamlManifest
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, err
	}

	manifest := &ParsedManifest{
		Stack:    raw.Stack,
		ParsedAt: time.Now(),
	}

	for i, yr := range raw.Resources {
		spec, err := json.Marshal(normalizeYAML(yr.Spec))
		if err != nil {
			return nil, fmt.Errorf("resource %d (%s): failed to encode spec: %w", i, yr.ID, err)
		}
		manifest.Resources = append(manifest.Resources, ResourceManifest{
			ID:        yr.ID,
			Kind:      yr.Kind,
			Spec:      spec,
			Provider:  yr.Provider,
			Namespace: yr.Namespace,
			DependsOn: yr.DependsOn,
			Labels:    yr.Labels,
		})
	}

	return manifest, nil
}

// normalizeYAML converts YAML's map[interface{}]interface{} values into
// JSON-encodable map[string]interface{}.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
