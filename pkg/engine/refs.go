package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// resolveSpec substitutes "${node.output}" placeholders in a node's spec
// with the referenced nodes' exported values. In strict mode an unresolvable
// reference is an error; the differ uses lenient mode because upstream
// outputs may not exist yet when previewing a first apply.
func resolveSpec(registry *Registry, node *ResourceNode, strict bool) (json.RawMessage, error) {
	var doc interface{}
	if err := json.Unmarshal(node.Spec, &doc); err != nil {
		return nil, NewError(ErrValidation, "node spec is not valid JSON", err).WithNode(node.ID)
	}

	resolved, err := resolveValue(registry, doc, strict)
	if err != nil {
		return nil, NewError(ErrValidation, "unresolvable output reference", err).WithNode(node.ID)
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, NewError(ErrInternal, "failed to re-encode resolved spec", err).WithNode(node.ID)
	}
	return out, nil
}

func resolveValue(registry *Registry, v interface{}, strict bool) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			resolved, err := resolveValue(registry, inner, strict)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			resolved, err := resolveValue(registry, inner, strict)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		if !strings.HasPrefix(val, "${") || !strings.HasSuffix(val, "}") {
			return val, nil
		}
		ref := strings.TrimSuffix(strings.TrimPrefix(val, "${"), "}")
		idx := strings.IndexByte(ref, '.')
		if idx <= 0 {
			return val, nil
		}
		producerID, key := ref[:idx], ref[idx+1:]
		producer, ok := registry.Get(producerID)
		if !ok {
			if strict {
				return nil, fmt.Errorf("reference %q names an undeclared node", ref)
			}
			return val, nil
		}
		output, ok := producer.Output(key)
		if !ok {
			if strict {
				return nil, fmt.Errorf("node %q exports no output %q", producerID, key)
			}
			return val, nil
		}
		return output, nil
	default:
		return v, nil
	}
}
