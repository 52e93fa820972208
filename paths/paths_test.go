package paths

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTransform(t *testing.T) {
	tests := []struct {
		description string
		subject     string
		other       string
		direction   int
		want        string
	}{
		{description: "moves an identical index forwards", subject: "a.0.b", other: "a.0.c", direction: 1, want: "a.1.b"},
		{description: "moves a later index forwards", subject: "a.1.b", other: "a.0.b", direction: 1, want: "a.2.b"},
		{description: "moves an identical index backwards", subject: "a.1.b", other: "a.1.c", direction: -1, want: "a.0.b"},
		{description: "earlier index is untouched", subject: "a.0.b", other: "a.3", direction: 1, want: "a.0.b"},
		{description: "diverging keys", subject: "a.0.b", other: "c.0.b", direction: 1, want: "a.0.b"},
		{description: "identical paths without indices", subject: "a.b.c", other: "a.b.c", direction: 1, want: "a.b.c"},
		{description: "nested index", subject: "a.b.2", other: "a.b.1", direction: 1, want: "a.b.3"},
		{description: "other is shorter", subject: "a.b.c", other: "a", direction: 1, want: "a.b.c"},
		{description: "index against key", subject: "a.0", other: "a.x", direction: 1, want: "a.0"},
		{description: "never below zero", subject: "a.0", other: "a.0", direction: -1, want: "a.0"},
	}

	for _, tc := range tests {
		got := Transform(tc.subject, tc.other, tc.direction)
		if got != tc.want {
			t.Errorf("(%s) got != want; got = %v, want = %v\n", tc.description, got, tc.want)
		}
	}
}

func TestAreEqual(t *testing.T) {
	if !AreEqual("a.b.0.1", "a.b.0.1") {
		t.Errorf("identical paths should be equal")
	}
	if AreEqual("a.b.0.1", "a.c.0.1") {
		t.Errorf("different paths should not be equal")
	}
}

func TestParent(t *testing.T) {
	tests := []struct {
		path  string
		level int
		want  string
	}{
		{path: "a.b", level: 1, want: "a"},
		{path: "a.b.c", level: 1, want: "a.b"},
		{path: "a.b.c", level: 2, want: "a"},
		{path: "a.b", level: 0, want: "a.b"},
		{path: "a", level: 3, want: ""},
	}

	for _, tc := range tests {
		got := Parent(tc.path, tc.level)
		if got != tc.want {
			t.Errorf("Parent(%q, %d) = %q, want %q", tc.path, tc.level, got, tc.want)
		}
	}
}

func TestIsDescendant(t *testing.T) {
	tests := []struct {
		path     string
		ancestor string
		want     bool
	}{
		{path: "a.b.c", ancestor: "a.b", want: true},
		{path: "a.b.c", ancestor: "a.d", want: false},
		{path: "a.b.c", ancestor: "a.b.c", want: false},
		{path: "a.bc", ancestor: "a.b", want: false},
		{path: "a", ancestor: "", want: true},
		{path: "a.b", ancestor: "a.b.c", want: false},
	}

	for _, tc := range tests {
		got := IsDescendant(tc.path, tc.ancestor)
		if got != tc.want {
			t.Errorf("IsDescendant(%q, %q) = %v, want %v", tc.path, tc.ancestor, got, tc.want)
		}
	}
}

func TestToParts(t *testing.T) {
	got := ToParts("items.12.name")
	want := []Part{KeyPart("items"), IndexPart(12), KeyPart("name")}

	if !cmp.Equal(got, want) {
		t.Errorf("got != want; diff = %v\n", cmp.Diff(got, want))
	}

	if len(ToParts("")) != 0 {
		t.Errorf("root path should have no parts")
	}

	if FromParts(want) != "items.12.name" {
		t.Errorf("FromParts did not round trip, got %q", FromParts(want))
	}
}

func TestSeparator(t *testing.T) {
	p := New("/")

	if got := p.Transform("a/0/b", "a/0/c", 1); got != "a/1/b" {
		t.Errorf("got %q, want %q", got, "a/1/b")
	}
	if got := p.Parent("a/b/c", 1); got != "a/b" {
		t.Errorf("got %q, want %q", got, "a/b")
	}
}

func TestPointer(t *testing.T) {
	tests := []struct {
		path    string
		pointer string
	}{
		{path: "", pointer: ""},
		{path: "items.0", pointer: "/items/0"},
		{path: "a~b.c/d", pointer: "/a~0b/c~1d"},
	}

	for _, tc := range tests {
		if got := ToPointer(tc.path); got != tc.pointer {
			t.Errorf("ToPointer(%q) = %q, want %q", tc.path, got, tc.pointer)
		}
		if got := FromPointer(tc.pointer); got != tc.path {
			t.Errorf("FromPointer(%q) = %q, want %q", tc.pointer, got, tc.path)
		}
	}
}
