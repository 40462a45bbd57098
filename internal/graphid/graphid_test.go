package graphid

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		kind   Kind
		parent string
		sub    string
	}{
		{
			name:   "user graph",
			input:  "kg0123456789abcdef",
			kind:   KindParent,
			parent: "kg0123456789abcdef",
		},
		{
			name:   "user graph longer than 16 hex",
			input:  "kg0123456789abcdef0123",
			kind:   KindParent,
			parent: "kg0123456789abcdef0123",
		},
		{
			name:  "shared repository",
			input: "sec",
			kind:  KindShared,
		},
		{
			name:  "shared repository never decomposes",
			input: "reference",
			kind:  KindShared,
		},
		{
			name:   "subgraph",
			input:  "kg0123456789abcdef_dev",
			kind:   KindSubgraph,
			parent: "kg0123456789abcdef",
			sub:    "dev",
		},
		{
			name:  "empty string",
			input: "",
			kind:  KindInvalid,
		},
		{
			name:  "uppercase hex rejected",
			input: "kg0123456789ABCDEF",
			kind:  KindInvalid,
		},
		{
			name:  "too short hex",
			input: "kg0123abc",
			kind:  KindInvalid,
		},
		{
			name:  "multiple underscores rejected",
			input: "kg0123456789abcdef_dev_2",
			kind:  KindInvalid,
		},
		{
			name:  "subgraph name too long",
			input: "kg0123456789abcdef_" + strings.Repeat("a", 21),
			kind:  KindInvalid,
		},
		{
			name:  "underscore without valid parent",
			input: "sec_dev",
			kind:  KindInvalid,
		},
		{
			name:  "bare underscore suffix",
			input: "kg0123456789abcdef_",
			kind:  KindInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Parse(tt.input)
			if p.Kind != tt.kind {
				t.Fatalf("Parse(%q).Kind = %v, want %v", tt.input, p.Kind, tt.kind)
			}
			if p.Parent != tt.parent {
				t.Errorf("Parent = %q, want %q", p.Parent, tt.parent)
			}
			if p.Name != tt.sub {
				t.Errorf("Name = %q, want %q", p.Name, tt.sub)
			}
		})
	}
}

func TestConstructSubgraphRoundTrip(t *testing.T) {
	id, err := ConstructSubgraph("kg0123456789abcdef", "dev")
	if err != nil {
		t.Fatalf("ConstructSubgraph: %v", err)
	}
	if id != "kg0123456789abcdef_dev" {
		t.Fatalf("id = %q", id)
	}

	p := Parse(id)
	if p.Kind != KindSubgraph || p.Parent != "kg0123456789abcdef" || p.Name != "dev" {
		t.Errorf("round trip lost components: %+v", p)
	}
}

func TestConstructSubgraphRejections(t *testing.T) {
	if _, err := ConstructSubgraph("sec", "dev"); err == nil {
		t.Error("shared repository must not accept subgraphs")
	}
	if _, err := ConstructSubgraph("kg0123456789abcdef", "has_underscore"); err == nil {
		t.Error("subgraph names must be alphanumeric")
	}
	if _, err := ConstructSubgraph("kg0123456789abcdef", ""); err == nil {
		t.Error("empty subgraph name must be rejected")
	}
	if _, err := ConstructSubgraph("notakg", "dev"); err == nil {
		t.Error("invalid parent must be rejected")
	}
}

func TestParentOf(t *testing.T) {
	parent, err := ParentOf("kg0123456789abcdef_dev")
	if err != nil || parent != "kg0123456789abcdef" {
		t.Errorf("ParentOf(subgraph) = %q, %v", parent, err)
	}

	parent, err = ParentOf("kg0123456789abcdef")
	if err != nil || parent != "kg0123456789abcdef" {
		t.Errorf("ParentOf(parent) = %q, %v", parent, err)
	}

	if _, err := ParentOf("sec"); err == nil {
		t.Error("shared repositories have no parent")
	}
	if _, err := ParentOf(""); err == nil {
		t.Error("invalid IDs have no parent")
	}
}

func TestDatabaseName(t *testing.T) {
	for _, id := range []string{"kg0123456789abcdef", "kg0123456789abcdef_dev", "sec"} {
		if got := DatabaseName(id); got != id {
			t.Errorf("DatabaseName(%q) = %q, want unchanged", id, got)
		}
	}
}

func TestGenerateUniqueName(t *testing.T) {
	parent := "kg0123456789abcdef"

	name, err := GenerateUniqueName(parent, "My Fork!", nil)
	if err != nil {
		t.Fatalf("GenerateUniqueName: %v", err)
	}
	if name != "MyFork1" {
		t.Errorf("name = %q, want MyFork1", name)
	}

	existing := []string{parent + "_MyFork1", parent + "_MyFork2"}
	name, err = GenerateUniqueName(parent, "My Fork!", existing)
	if err != nil {
		t.Fatalf("GenerateUniqueName: %v", err)
	}
	if name != "MyFork3" {
		t.Errorf("name = %q, want MyFork3", name)
	}
}

func TestGenerateUniqueNameTruncatesAndExhausts(t *testing.T) {
	parent := "kg0123456789abcdef"
	long := strings.Repeat("x", 40)

	name, err := GenerateUniqueName(parent, long, nil)
	if err != nil {
		t.Fatalf("GenerateUniqueName: %v", err)
	}
	if len(name) > 19 {
		t.Errorf("len(name) = %d, want <= 19 (17 base + 2 digit suffix)", len(name))
	}

	existing := make([]string, 0, 99)
	base := strings.Repeat("x", 17)
	for i := 1; i <= 99; i++ {
		id, _ := ConstructSubgraph(parent, base+itoa(i))
		existing = append(existing, id)
	}
	if _, err := GenerateUniqueName(parent, long, existing); err == nil {
		t.Error("expected failure after 99 candidates")
	}
}

func itoa(i int) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	return string(rune('0'+i/10)) + string(rune('0'+i%10))
}

func TestNewUserGraphID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewUserGraphID()
		if !IsParent(id) {
			t.Fatalf("generated ID %q does not parse as a user graph", id)
		}
		if len(id) != 18 {
			t.Fatalf("len(%q) = %d, want 18", id, len(id))
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = struct{}{}
	}
}
