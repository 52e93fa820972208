package document

import (
	"sort"
	"strconv"
	"strings"

	"github.com/burntcarrot/pairdoc/paths"
)

// Diff returns the patches that turn from into to. Both trees must be
// normalized.
//
// Objects are compared key by key in sorted order. An object with a changed
// key that contains the path separator is replaced whole. Arrays are trimmed
// of their common prefix and suffix first, so an insertion or deletion shows
// up as an add or remove at the exact index instead of a run of replaces.
func Diff(from, to any) []Patch {
	return diff("", from, to, nil)
}

func diff(path string, from, to any, patches []Patch) []Patch {
	switch f := from.(type) {
	case map[string]any:
		if t, ok := to.(map[string]any); ok {
			return diffObject(path, f, t, patches)
		}
	case []any:
		if t, ok := to.([]any); ok {
			return diffArray(path, f, t, patches)
		}
	}

	if !Equal(from, to) {
		patches = append(patches, Patch{Op: OpReplace, Path: path, Value: Clone(to)})
	}
	return patches
}

func diffObject(path string, from, to map[string]any, patches []Patch) []Patch {
	// A key holding the separator cannot be addressed by a path, so the
	// object is replaced as a whole.
	if changedKeyHasSeparator(from, to) {
		return append(patches, Patch{Op: OpReplace, Path: path, Value: Clone(to)})
	}

	for _, key := range sortedKeys(from) {
		child := paths.Join(path, key)
		toValue, ok := to[key]
		if !ok {
			patches = append(patches, Patch{Op: OpRemove, Path: child})
			continue
		}
		patches = diff(child, from[key], toValue, patches)
	}

	for _, key := range sortedKeys(to) {
		if _, ok := from[key]; ok {
			continue
		}
		patches = append(patches, Patch{Op: OpAdd, Path: paths.Join(path, key), Value: Clone(to[key])})
	}

	return patches
}

func diffArray(path string, from, to []any, patches []Patch) []Patch {
	prefix := 0
	for prefix < len(from) && prefix < len(to) && Equal(from[prefix], to[prefix]) {
		prefix++
	}

	suffix := 0
	for suffix < len(from)-prefix && suffix < len(to)-prefix &&
		Equal(from[len(from)-1-suffix], to[len(to)-1-suffix]) {
		suffix++
	}

	fromMid := from[prefix : len(from)-suffix]
	toMid := to[prefix : len(to)-suffix]

	common := len(fromMid)
	if len(toMid) < common {
		common = len(toMid)
	}

	index := func(i int) string {
		return paths.Join(path, strconv.Itoa(prefix+i))
	}

	for i := 0; i < common; i++ {
		patches = diff(index(i), fromMid[i], toMid[i], patches)
	}

	// Each add lands right after the previous one.
	for i := common; i < len(toMid); i++ {
		patches = append(patches, Patch{Op: OpAdd, Path: index(i), Value: Clone(toMid[i])})
	}

	// Each remove shifts the rest down, so the index stays put.
	for i := common; i < len(fromMid); i++ {
		patches = append(patches, Patch{Op: OpRemove, Path: index(common)})
	}

	return patches
}

func changedKeyHasSeparator(from, to map[string]any) bool {
	sep := paths.Default.Separator()
	for key, f := range from {
		t, ok := to[key]
		if strings.Contains(key, sep) && (!ok || !Equal(f, t)) {
			return true
		}
	}
	for key := range to {
		if _, ok := from[key]; !ok && strings.Contains(key, sep) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
