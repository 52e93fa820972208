// Package paths addresses locations inside a nested document.
//
// A path is a string of segments joined by a separator ("." by default).
// A segment made only of digits is an array index, any other segment is a
// named key. The empty string is the root.
package paths

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultSeparator joins path segments.
const DefaultSeparator = "."

// Only positive decimal numbers count as indices, hex and signs are keys.
var isNumericKey = regexp.MustCompile(`^\d+$`)

// Part is a single path segment.
type Part struct {
	Key     string
	Index   int
	IsIndex bool
}

// KeyPart returns a named segment.
func KeyPart(key string) Part {
	return Part{Key: key}
}

// IndexPart returns a numeric segment.
func IndexPart(index int) Part {
	return Part{Key: strconv.Itoa(index), Index: index, IsIndex: true}
}

func (p Part) String() string {
	if p.IsIndex && p.Key == "" {
		return strconv.Itoa(p.Index)
	}
	return p.Key
}

// Paths holds the separator used to split and join paths.
type Paths struct {
	sep string
}

// New returns path helpers bound to sep.
func New(sep string) Paths {
	if sep == "" {
		sep = DefaultSeparator
	}
	return Paths{sep: sep}
}

// Default uses DefaultSeparator.
var Default = New(DefaultSeparator)

// Separator returns the separator used by p.
func (p Paths) Separator() string {
	return p.sep
}

// IsNumericKey reports whether key is an array index.
func IsNumericKey(key string) bool {
	return isNumericKey.MatchString(key)
}

// ToParts splits path into segments, coercing all-digit segments to indices.
func (p Paths) ToParts(path string) []Part {
	if path == "" {
		return []Part{}
	}
	raw := strings.Split(path, p.sep)
	parts := make([]Part, len(raw))
	for i, s := range raw {
		parts[i] = parsePart(s)
	}
	return parts
}

func parsePart(s string) Part {
	if !IsNumericKey(s) {
		return KeyPart(s)
	}
	index, err := strconv.Atoi(s)
	if err != nil {
		// Too large for an int, keep it as a key.
		return KeyPart(s)
	}
	return Part{Key: s, Index: index, IsIndex: true}
}

// FromParts joins parts with the separator.
func (p Paths) FromParts(parts []Part) string {
	strs := make([]string, len(parts))
	for i, part := range parts {
		strs[i] = part.String()
	}
	return strings.Join(strs, p.sep)
}

// Parent removes the last level segments from path.
// A level of 0 returns path unchanged.
func (p Paths) Parent(path string, level int) string {
	if level <= 0 {
		return path
	}
	parts := p.ToParts(path)
	if level >= len(parts) {
		return ""
	}
	return p.FromParts(parts[:len(parts)-level])
}

// IsDescendant reports whether ancestor is a strict segment prefix of path.
func (p Paths) IsDescendant(path, ancestor string) bool {
	if AreEqual(path, ancestor) {
		return false
	}
	pathParts := p.ToParts(path)
	ancestorParts := p.ToParts(ancestor)
	if len(ancestorParts) >= len(pathParts) {
		return false
	}
	for i, part := range ancestorParts {
		if part != pathParts[i] {
			return false
		}
	}
	return true
}

// Transform rewrites subject so it keeps addressing the same element after an
// array insertion (direction +1) or removal (direction -1) at other.
//
// The walk compares segments pairwise. At the first numeric pair, a subject
// index at or after the other index is shifted by direction, otherwise the
// subject sits before the edit and is returned as is. Diverging named keys mean
// the two paths live on independent branches.
func (p Paths) Transform(subject, other string, direction int) string {
	subjectParts := p.ToParts(subject)
	otherParts := p.ToParts(other)

	for i, s := range subjectParts {
		if i >= len(otherParts) {
			return subject
		}
		o := otherParts[i]

		if s.IsIndex && o.IsIndex {
			if s.Index < o.Index {
				return subject
			}
			shifted := s.Index + direction
			if shifted < 0 {
				shifted = 0
			}
			subjectParts[i] = IndexPart(shifted)
			return p.FromParts(subjectParts)
		}

		if s.IsIndex != o.IsIndex || s.Key != o.Key {
			return subject
		}
	}

	return subject
}

// Join appends segments to path.
func (p Paths) Join(path string, segments ...string) string {
	all := make([]string, 0, len(segments)+1)
	if path != "" {
		all = append(all, path)
	}
	for _, s := range segments {
		if s != "" {
			all = append(all, s)
		}
	}
	return strings.Join(all, p.sep)
}

// ToPointer converts path to an RFC 6901 JSON Pointer.
func (p Paths) ToPointer(path string) string {
	var b strings.Builder
	for _, part := range p.ToParts(path) {
		b.WriteByte('/')
		b.WriteString(pointerEscaper.Replace(part.String()))
	}
	return b.String()
}

// FromPointer converts an RFC 6901 JSON Pointer to a path.
func (p Paths) FromPointer(pointer string) string {
	if pointer == "" || pointer == "/" {
		return ""
	}
	raw := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	for i, s := range raw {
		raw[i] = pointerUnescaper.Replace(s)
	}
	return strings.Join(raw, p.sep)
}

var (
	pointerEscaper   = strings.NewReplacer("~", "~0", "/", "~1")
	pointerUnescaper = strings.NewReplacer("~1", "/", "~0", "~")
)

// AreEqual reports whether two paths are identical.
func AreEqual(a, b string) bool {
	return a == b
}

// ToParts splits path with the default separator.
func ToParts(path string) []Part { return Default.ToParts(path) }

// FromParts joins parts with the default separator.
func FromParts(parts []Part) string { return Default.FromParts(parts) }

// Parent removes the last level segments using the default separator.
func Parent(path string, level int) string { return Default.Parent(path, level) }

// IsDescendant reports whether path is strictly below ancestor.
func IsDescendant(path, ancestor string) bool { return Default.IsDescendant(path, ancestor) }

// Transform shifts subject against an array edit at other.
func Transform(subject, other string, direction int) string {
	return Default.Transform(subject, other, direction)
}

// Join appends segments using the default separator.
func Join(path string, segments ...string) string { return Default.Join(path, segments...) }

// ToPointer converts a default-separated path to a JSON Pointer.
func ToPointer(path string) string { return Default.ToPointer(path) }

// FromPointer converts a JSON Pointer to a default-separated path.
func FromPointer(pointer string) string { return Default.FromPointer(pointer) }
