package commons

import (
	"github.com/burntcarrot/pairdoc/document"
)

// Type discriminates operations.
type Type string

const (
	TypeAdd     Type = "add"
	TypeReplace Type = "replace"
	TypeRemove  Type = "remove"
	TypeCustom  Type = "custom"
	TypeNoop    Type = "noop"
)

// Operation represents a single mutation of a document.
//
// An operation without an ID is raw: it has not been appended to the log yet.
// Once the log assigns an ID the operation also carries the client and user
// that proposed it, and whether its place in the global order is final.
type Operation struct {
	// ID is assigned by the log store on append. IDs sort in arrival order.
	ID string `json:"id,omitempty"`

	// Client represents the process that proposed the operation.
	Client string `json:"client,omitempty"`

	// User represents the user behind the client.
	User string `json:"user,omitempty"`

	// Type represents the operation type, for example, add, remove.
	Type Type `json:"type,omitempty"`

	// Path represents the location the operation targets.
	Path string `json:"path,omitempty"`

	// Value is the new value for add and replace operations.
	Value any `json:"value,omitempty"`

	// Payload is the opaque body of a custom operation.
	Payload any `json:"payload,omitempty"`

	// Version is the custom operator version that produced Payload.
	Version string `json:"version,omitempty"`

	// Settled is set once the operation's position in the log is final.
	Settled bool `json:"settled"`
}

// Add returns a raw add operation.
func Add(path string, value any) Operation {
	return Operation{Type: TypeAdd, Path: path, Value: value}
}

// Replace returns a raw replace operation.
func Replace(path string, value any) Operation {
	return Operation{Type: TypeReplace, Path: path, Value: value}
}

// Remove returns a raw remove operation.
func Remove(path string) Operation {
	return Operation{Type: TypeRemove, Path: path}
}

// Custom returns a raw custom operation carrying payload.
func Custom(path string, payload any) Operation {
	return Operation{Type: TypeCustom, Path: path, Payload: payload}
}

// Noop returns a raw noop operation.
func Noop() Operation {
	return Operation{Type: TypeNoop}
}

func IsAdd(op Operation) bool     { return op.Type == TypeAdd }
func IsReplace(op Operation) bool { return op.Type == TypeReplace }
func IsRemove(op Operation) bool  { return op.Type == TypeRemove }
func IsCustom(op Operation) bool  { return op.Type == TypeCustom }
func IsNoop(op Operation) bool    { return op.Type == TypeNoop }

// IsPatchCompatible reports whether op maps onto a structural patch.
func IsPatchCompatible(op Operation) bool {
	return IsAdd(op) || IsReplace(op) || IsRemove(op)
}

// IsRaw reports whether op has not been appended to the log yet.
func IsRaw(op Operation) bool {
	return op.ID == ""
}

// IsSettled reports whether op carries content and a final position.
// A bare placeholder with no type is never settled.
func IsSettled(op Operation) bool {
	return op.Settled && op.Type != ""
}

// AreEqual compares operations by ID.
func AreEqual(a, b Operation) bool {
	return a.ID == b.ID
}

// Noopify turns op into a noop, keeping its identity. A noop can never be
// turned back into anything else.
func Noopify(op Operation) Operation {
	return Operation{
		ID:      op.ID,
		Client:  op.Client,
		User:    op.User,
		Type:    TypeNoop,
		Settled: op.Settled,
	}
}

// FromPatch converts a structural patch into a raw operation. Patch kinds that
// have no operation (move, copy, test) become noops.
func FromPatch(p document.Patch) Operation {
	switch p.Op {
	case document.OpAdd:
		return Add(p.Path, p.Value)
	case document.OpReplace:
		return Replace(p.Path, p.Value)
	case document.OpRemove:
		return Remove(p.Path)
	default:
		return Noop()
	}
}

// FromPatches converts patches into raw operations.
func FromPatches(patches []document.Patch) []Operation {
	ops := make([]Operation, len(patches))
	for i, p := range patches {
		ops[i] = FromPatch(p)
	}
	return ops
}

// ToPatch converts op into a structural patch. The second return value is
// false for custom and noop operations.
func ToPatch(op Operation) (document.Patch, bool) {
	switch op.Type {
	case TypeAdd:
		return document.Patch{Op: document.OpAdd, Path: op.Path, Value: op.Value}, true
	case TypeReplace:
		return document.Patch{Op: document.OpReplace, Path: op.Path, Value: op.Value}, true
	case TypeRemove:
		return document.Patch{Op: document.OpRemove, Path: op.Path}, true
	default:
		return document.Patch{}, false
	}
}
