// Package document holds the JSON tree a resource edits, and the structural
// patches used to move it from one state to another.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/burntcarrot/pairdoc/paths"
)

// Patch kinds. Only add, replace and remove are produced by Diff.
const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrNotFound    = errors.New("path not found")
)

// Patch is a single structural change at a dot separated path.
type Patch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Normalize converts v into its JSON tree form, so numbers become float64 and
// structs become maps.
func Normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Clone returns a deep copy of a normalized tree.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, child := range t {
			m[k] = Clone(child)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, child := range t {
			s[i] = Clone(child)
		}
		return s
	default:
		return v
	}
}

// Equal compares two normalized trees.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Get returns the value at path.
func Get(doc any, path string) (any, error) {
	current := doc
	for _, part := range paths.ToParts(path) {
		switch t := current.(type) {
		case map[string]any:
			child, ok := t[part.String()]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			current = child
		case []any:
			if !part.IsIndex || part.Index >= len(t) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			current = t[part.Index]
		default:
			return nil, fmt.Errorf("%w: %s", ErrInvalidPath, path)
		}
	}
	return current, nil
}

// Set writes v at path, replacing an existing value or adding a new one.
func Set(doc any, path string, v any) (any, error) {
	op := OpAdd
	if _, err := Get(doc, path); err == nil {
		op = OpReplace
	}
	return Apply(doc, Patch{Op: op, Path: path, Value: v})
}

// Apply applies patches in order and returns the new document. On failure the
// document as it was before the failing patch is returned with the error.
func Apply(doc any, patches ...Patch) (any, error) {
	for _, p := range patches {
		next, err := applyOne(doc, p)
		if err != nil {
			return doc, err
		}
		doc = next
	}
	return doc, nil
}

func applyOne(doc any, p Patch) (any, error) {
	// The root is swapped directly, JSON Patch has no use for it.
	if p.Path == "" {
		switch p.Op {
		case OpAdd, OpReplace:
			return Normalize(p.Value)
		case OpRemove:
			return nil, nil
		}
	}

	raw := map[string]any{
		"op":   p.Op,
		"path": paths.ToPointer(p.Path),
	}
	if p.Op != OpRemove {
		raw["value"] = p.Value
	}
	encoded, err := json.Marshal([]any{raw})
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(encoded)
	if err != nil {
		return nil, err
	}

	source, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	patched, err := patch.Apply(source)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", p.Op, p.Path, err)
	}

	var out any
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Save writes the document to a file as JSON.
func Save(fileName string, doc any) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fileName, b, 0644) // skipcq: GSC-G302
}

// Load reads a JSON document from a file.
func Load(fileName string) (any, error) {
	b, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
