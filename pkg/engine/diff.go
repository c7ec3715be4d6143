package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// DiffOp is the operation a reconciliation pass decides for one node.
type DiffOp string

const (
	// OpNoChange means desired and observed state already match; the node
	// completes without contacting the external system.
	OpNoChange DiffOp = "no-change"

	// OpCreate means no observed state exists; the resource must be created.
	OpCreate DiffOp = "create"

	// OpUpdate means the existing resource can be mutated in place.
	OpUpdate DiffOp = "update"

	// OpReplace means a changed field is incompatible with in-place update;
	// the old resource is deleted before the new one is created.
	OpReplace DiffOp = "replace"

	// OpDelete means the resource exists but is no longer desired.
	OpDelete DiffOp = "delete"
)

// IsMutating reports whether the operation contacts the external system.
func (o DiffOp) IsMutating() bool {
	return o != OpNoChange
}

// Change is a single field-level difference between desired and observed.
type Change struct {
	// Path is the dotted path of the changed field.
	Path string `json:"path"`

	// Before is the observed value, nil for additions.
	Before interface{} `json:"before,omitempty"`

	// After is the desired value, nil for removals.
	After interface{} `json:"after,omitempty"`
}

// Diff is the reconciliation decision for one node.
type Diff struct {
	// NodeID is the node the diff applies to.
	NodeID string `json:"node_id"`

	// Op is the decided operation.
	Op DiffOp `json:"op"`

	// Changes lists the field-level differences driving the decision.
	Changes []Change `json:"changes,omitempty"`

	// ReplacePaths are the immutable paths whose change forced a replace.
	ReplacePaths []string `json:"replace_paths,omitempty"`
}

// Differ computes structural diffs between a node's desired specification
// and its last-observed state.
type Differ struct {
	registry *Registry
}

// NewDiffer creates a differ over a registry.
func NewDiffer(registry *Registry) *Differ {
	return &Differ{registry: registry}
}

// Reconcile decides the operation for a node on an apply pass. Output
// references in the spec are resolved from restored outputs before
// comparing, so a converged stack re-plans as NoChange; references whose
// producer has not run yet are compared as written.
func (d *Differ) Reconcile(node *ResourceNode) (*Diff, error) {
	observed := node.ObservedState()
	if observed == nil {
		return &Diff{
			NodeID:  node.ID,
			Op:      OpCreate,
			Changes: []Change{{Path: ".", After: json.RawMessage(node.Spec)}},
		}, nil
	}

	desired, err := resolveSpec(d.registry, node, false)
	if err != nil {
		return nil, err
	}

	changes, err := structuralChanges(desired, observed)
	if err != nil {
		return nil, NewError(ErrValidation, "failed to diff node state", err).WithNode(node.ID)
	}
	if len(changes) == 0 {
		return &Diff{NodeID: node.ID, Op: OpNoChange}, nil
	}

	desc, err := DescriptorFor(node.Kind)
	if err != nil {
		return nil, err
	}

	var replacePaths []string
	for _, change := range changes {
		for _, immutable := range desc.ImmutablePaths {
			if change.Path == immutable {
				replacePaths = append(replacePaths, change.Path)
			}
		}
	}

	diff := &Diff{NodeID: node.ID, Op: OpUpdate, Changes: changes}
	if len(replacePaths) > 0 {
		diff.Op = OpReplace
		diff.ReplacePaths = replacePaths
	}
	return diff, nil
}

// ReconcileDelete decides the operation for a node on a destroy pass: Delete
// when observed state exists, NoChange when the resource was never created
// or is already gone.
func (d *Differ) ReconcileDelete(node *ResourceNode) *Diff {
	if node.ObservedState() == nil {
		return &Diff{NodeID: node.ID, Op: OpNoChange}
	}
	return &Diff{
		NodeID:  node.ID,
		Op:      OpDelete,
		Changes: []Change{{Path: ".", Before: json.RawMessage(node.ObservedState())}},
	}
}

// structuralChanges walks desired against observed and reports field-level
// differences. Fields present only in observed state are ignored: providers
// record server-populated fields the declaration never mentions.
func structuralChanges(desired, observed json.RawMessage) ([]Change, error) {
	var want, have map[string]interface{}
	if err := json.Unmarshal(desired, &want); err != nil {
		return nil, fmt.Errorf("desired spec is not an object: %w", err)
	}
	if err := json.Unmarshal(observed, &have); err != nil {
		return nil, fmt.Errorf("observed state is not an object: %w", err)
	}

	var changes []Change
	diffMaps("", want, have, &changes)

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

func diffMaps(prefix string, want, have map[string]interface{}, changes *[]Change) {
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		wantVal := want[key]
		haveVal, exists := have[key]
		if !exists {
			*changes = append(*changes, Change{Path: path, After: wantVal})
			continue
		}

		wantMap, wantIsMap := wantVal.(map[string]interface{})
		haveMap, haveIsMap := haveVal.(map[string]interface{})
		if wantIsMap && haveIsMap {
			diffMaps(path, wantMap, haveMap, changes)
			continue
		}

		if !reflect.DeepEqual(wantVal, haveVal) {
			*changes = append(*changes, Change{Path: path, Before: haveVal, After: wantVal})
		}
	}
}

// specName extracts the "name" field from a spec document, empty if absent.
func specName(spec json.RawMessage) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(spec, &doc); err != nil {
		return ""
	}
	if name, ok := doc["name"].(string); ok {
		return name
	}
	return ""
}
