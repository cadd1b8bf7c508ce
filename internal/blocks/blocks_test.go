package blocks

import (
	"errors"
	"strconv"
	"testing"
)

func paragraph(id, text string, children ...BlockNode) BlockNode {
	return BlockNode{Block: Block{ID: id, Type: "paragraph", Text: text}, Children: children}
}

func TestWalkVisitsInDocumentOrderWithPositions(t *testing.T) {
	tree := []BlockNode{
		paragraph("a", "A", paragraph("a1", "A1"), paragraph("a2", "A2")),
		paragraph("b", "B"),
	}

	type seen struct {
		id  string
		pos Position
	}
	var got []seen
	err := Walk(tree, func(v Visit) error {
		got = append(got, seen{id: v.Node.Block.ID, pos: v.Position()})
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}

	want := []seen{
		{"a", Position{Parent: "", LeftSibling: ""}},
		{"a1", Position{Parent: "a", LeftSibling: ""}},
		{"a2", Position{Parent: "a", LeftSibling: "a1"}},
		{"b", Position{Parent: "", LeftSibling: "a"}},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d visits, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("visit %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestWalkRejectsTreesDeeperThanMaxDepth(t *testing.T) {
	node := paragraph("leaf", "")
	for i := 0; i < MaxDepth+1; i++ {
		node = BlockNode{Block: Block{ID: "n" + strconv.Itoa(i)}, Children: []BlockNode{node}}
	}
	err := Walk([]BlockNode{node}, func(Visit) error { return nil })
	if !errors.Is(err, ErrInvalidTree) {
		t.Fatalf("expected ErrInvalidTree, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		tree    []BlockNode
		wantErr bool
	}{
		{name: "empty", tree: nil},
		{name: "valid", tree: []BlockNode{paragraph("a", "", paragraph("b", ""))}},
		{name: "duplicate sibling", tree: []BlockNode{paragraph("a", ""), paragraph("a", "")}, wantErr: true},
		{name: "block under itself", tree: []BlockNode{paragraph("a", "", paragraph("a", ""))}, wantErr: true},
		{name: "missing id", tree: []BlockNode{paragraph("", "")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.tree)
			if tt.wantErr && !errors.Is(err, ErrInvalidTree) {
				t.Fatalf("expected ErrInvalidTree, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPlainTextIgnoresAnnotationsAndIncludesChildren(t *testing.T) {
	node := paragraph("a", "Hello ", paragraph("b", "nested "), paragraph("c", "world"))
	node.Block.Annotations = []Annotation{{Type: "strong", Starts: []int32{0}, Ends: []int32{5}}}

	if got := PlainText(node); got != "Hello nested world" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestTitleUsesFirstTopLevelBlock(t *testing.T) {
	if got := Title(nil); got != "" {
		t.Fatalf("expected empty title, got %q", got)
	}
	tree := []BlockNode{paragraph("a", "  My doc "), paragraph("b", "body")}
	if got := Title(tree); got != "My doc" {
		t.Fatalf("unexpected title %q", got)
	}
}

func TestStampIgnoresRevisionAndTracksContent(t *testing.T) {
	a := Block{ID: "a", Type: "paragraph", Text: "x", Revision: "r1"}
	b := a
	b.Revision = "r2"
	if Stamp(a) != Stamp(b) {
		t.Fatal("stamp must not depend on revision")
	}
	b.Text = "y"
	if Stamp(a) == Stamp(b) {
		t.Fatal("stamp must change with content")
	}
	c := a
	c.Attributes = map[string]string{}
	if !ContentEqual(a, c) {
		t.Fatal("nil and empty props must compare equal")
	}
}

func TestFingerprintTracksChildOrderAndGroup(t *testing.T) {
	base := paragraph("p", "x", paragraph("a", ""), paragraph("b", ""))
	reordered := paragraph("p", "x", paragraph("b", ""), paragraph("a", ""))
	if Fingerprint(base) == Fingerprint(reordered) {
		t.Fatal("fingerprint must change with child order")
	}

	grouped := base.Clone()
	grouped.Group = &ChildGroup{ListType: ListOrdered, Start: 3}
	if Fingerprint(base) == Fingerprint(grouped) {
		t.Fatal("fingerprint must change with child group")
	}

	edited := base.Clone()
	edited.Children[0].Block.Text = "changed"
	if Fingerprint(base) != Fingerprint(edited) {
		t.Fatal("a child's content is not part of its parent's value")
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := paragraph("a", "x", paragraph("b", "y"))
	original.Block.Attributes = map[string]string{"k": "v"}

	copied := original.Clone()
	copied.Block.Attributes["k"] = "changed"
	copied.Children[0].Block.Text = "changed"

	if original.Block.Attributes["k"] != "v" || original.Children[0].Block.Text != "y" {
		t.Fatalf("clone shares state with original: %+v", original)
	}
}
