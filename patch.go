package twinsync

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OpKind is the kind of a patch operation. Only the two kinds the graph service
// accepts for property writes are modelled.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpReplace OpKind = "replace"
)

// Operation is a single JSON Patch operation.
type Operation struct {
	Op    OpKind
	Path  string
	Value any
}

// Add returns an operation adding the property at path.
func Add(path string, value any) Operation { return Operation{Op: OpAdd, Path: path, Value: value} }

// Replace returns an operation replacing the property at path.
func Replace(path string, value any) Operation {
	return Operation{Op: OpReplace, Path: path, Value: value}
}

// PropertyPath returns the JSON pointer addressing a top-level property.
func PropertyPath(name string) string {
	name = strings.ReplaceAll(name, "~", "~0")
	name = strings.ReplaceAll(name, "/", "~1")
	return "/" + name
}

// Patch is an ordered sequence of operations sent to the graph service as one
// atomic update.
//
// Each path may appear at most once in a patch; Validate enforces this.
type Patch []Operation

// Validate reports whether the patch can be sent: it must hold at least one
// operation, every operation must be an add or a replace on a well-formed
// pointer, and no path may repeat.
func (p Patch) Validate() error {
	if len(p) == 0 {
		return ErrEmptyPatch
	}
	seen := make(map[string]struct{}, len(p))
	for _, op := range p {
		if op.Op != OpAdd && op.Op != OpReplace {
			return fmt.Errorf("unsupported patch op %q", op.Op)
		}
		if _, err := SplitPath(op.Path); err != nil {
			return err
		}
		if _, dup := seen[op.Path]; dup {
			return &DuplicatePathError{Path: op.Path}
		}
		seen[op.Path] = struct{}{}
	}
	return nil
}

func (p Patch) String() string {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%%!(patch: %v)", err)
	}
	return string(b)
}

// wireOperation fixes the JSON member order to op, path, value; the value
// member is always present, even when null.
type wireOperation struct {
	Op    OpKind `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// MarshalJSON encodes the patch in the service's wire shape:
//
//	[{"op":"replace","path":"/Moisture","value":30}]
func (p Patch) MarshalJSON() ([]byte, error) {
	ops := make([]wireOperation, len(p))
	for i, op := range p {
		ops[i] = wireOperation(op)
	}
	return json.Marshal(ops)
}

// UnmarshalJSON decodes the wire shape produced by MarshalJSON.
func (p *Patch) UnmarshalJSON(b []byte) error {
	var ops []wireOperation
	if err := json.Unmarshal(b, &ops); err != nil {
		return err
	}
	*p = make(Patch, len(ops))
	for i, op := range ops {
		(*p)[i] = Operation(op)
	}
	return nil
}

// SplitPath decodes a JSON pointer (RFC 6901) into its unescaped reference
// tokens. The root pointer "" addresses the whole twin and is rejected, as is
// any pointer with an empty token.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, &InvalidPathError{Path: path, Reason: "empty pointer"}
	}
	if path[0] != '/' {
		return nil, &InvalidPathError{Path: path, Reason: "must start with '/'"}
	}
	tokens := strings.Split(path[1:], "/")
	for i, t := range tokens {
		if t == "" {
			return nil, &InvalidPathError{Path: path, Reason: "empty reference token"}
		}
		t = strings.ReplaceAll(t, "~1", "/")
		tokens[i] = strings.ReplaceAll(t, "~0", "~")
	}
	return tokens, nil
}

// topLevelProperty returns the property name addressed by path when it points
// at a top-level property.
func topLevelProperty(path string) (string, bool) {
	tokens, err := SplitPath(path)
	if err != nil || len(tokens) != 1 {
		return "", false
	}
	return tokens[0], true
}
