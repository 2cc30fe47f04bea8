package element

import (
	"testing"
)

func section(id string, children ...string) *Element {
	if children == nil {
		children = []string{}
	}
	return &Element{ID: id, Type: "Section", PageID: "p1", Children: children}
}

func text(id, parent string) *Element {
	return &Element{ID: id, Type: "Text", PageID: "p1", ParentID: parent,
		Styles: map[string]any{"fontSize": "14px"}}
}

func TestPutLinksChildIntoParent(t *testing.T) {
	f := NewForest()
	f.Put(section("s1"))
	f.Put(text("t1", "s1"))

	parent, ok := f.Get("s1")
	if !ok {
		t.Fatalf("parent not found")
	}
	if len(parent.Children) != 1 || parent.Children[0] != "t1" {
		t.Fatalf("expected parent to list t1, got %v", parent.Children)
	}
	if conflicts := Validate(f); len(conflicts) != 0 {
		t.Fatalf("expected well-formed forest, got %v", conflicts)
	}
}

func TestDeleteDetachesAndRemovesSubtree(t *testing.T) {
	f := NewForest()
	f.Put(section("s1"))
	f.Put(&Element{ID: "box", Type: "Container", ParentID: "s1", Children: []string{}})
	f.Put(text("t1", "box"))

	f.Delete("box")

	if f.Has("box") || f.Has("t1") {
		t.Fatalf("subtree should be removed")
	}
	parent, _ := f.Get("s1")
	if len(parent.Children) != 0 {
		t.Fatalf("expected s1 children detached, got %v", parent.Children)
	}
}

func TestGetReturnsClone(t *testing.T) {
	f := NewForest()
	f.Put(section("s1"))
	el, _ := f.Get("s1")
	el.Type = "Mutated"
	el.Children = append(el.Children, "ghost")

	again, _ := f.Get("s1")
	if again.Type != "Section" || len(again.Children) != 0 {
		t.Fatalf("forest state leaked through Get: %+v", again)
	}
}

func TestRootsListsParentlessSorted(t *testing.T) {
	f := NewForest()
	f.Put(section("s2"))
	f.Put(section("s1"))
	f.Put(text("t1", "s1"))

	roots := f.Roots()
	if len(roots) != 2 || roots[0] != "s1" || roots[1] != "s2" {
		t.Fatalf("expected roots [s1 s2], got %v", roots)
	}
}

func TestHashIndependentOfConstructionOrder(t *testing.T) {
	a := NewForest()
	a.Put(section("s1"))
	a.Put(text("t1", "s1"))
	a.Put(text("t2", "s1"))

	b := NewForest()
	b.Put(section("s1", "t1", "t2"))
	b.Put(text("t2", "s1"))
	b.Put(text("t1", "s1"))

	if Hash(a) != Hash(b) {
		t.Fatalf("structurally identical forests must hash identically")
	}
}

func TestHashReflectsStyleChange(t *testing.T) {
	f := NewForest()
	f.Put(section("s1"))
	before := Hash(f)

	el, _ := f.Get("s1")
	el.Styles = map[string]any{"width": "50%"}
	f.Put(el)

	if Hash(f) == before {
		t.Fatalf("style change must change the forest hash")
	}
}

func TestEncodeDecodeCanonical(t *testing.T) {
	f := NewForest()
	f.Put(section("s1"))
	f.Put(text("t1", "s1"))

	data, err := EncodeForest(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodeForest(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if Hash(back) != Hash(f) {
		t.Fatalf("round trip changed content")
	}

	again, _ := EncodeForest(back)
	if string(again) != string(data) {
		t.Fatalf("canonical encoding must be byte-stable")
	}
}

func TestValidateMissingChild(t *testing.T) {
	f := NewForest()
	f.Put(section("s1", "ghost"))

	conflicts := Validate(f)
	if len(conflicts) != 1 || conflicts[0].Code != ConflictMissingChild {
		t.Fatalf("expected MISSING_CHILD, got %v", conflicts)
	}
	if conflicts[0].ElementID != "s1" {
		t.Fatalf("conflict should name the container, got %s", conflicts[0].ElementID)
	}
}

func TestValidateDanglingParent(t *testing.T) {
	f := FromElements([]*Element{{ID: "t1", Type: "Text", ParentID: "nope"}})
	conflicts := Validate(f)
	if len(conflicts) != 1 || conflicts[0].Code != ConflictDanglingParent {
		t.Fatalf("expected DANGLING_PARENT, got %v", conflicts)
	}
}

func TestValidateMultiParent(t *testing.T) {
	f := FromElements([]*Element{
		{ID: "a", Type: "Section", Children: []string{"t1"}},
		{ID: "b", Type: "Section", Children: []string{"t1"}},
		{ID: "t1", Type: "Text", ParentID: "a"},
	})
	found := false
	for _, c := range Validate(f) {
		if c.Code == ConflictMultiParent && c.ElementID == "t1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected MULTI_PARENT for t1")
	}
}

func TestValidateCycle(t *testing.T) {
	f := FromElements([]*Element{
		{ID: "a", Type: "Container", ParentID: "b", Children: []string{"b"}},
		{ID: "b", Type: "Container", ParentID: "a", Children: []string{"a"}},
	})
	found := false
	for _, c := range Validate(f) {
		if c.Code == ConflictCycle {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected CYCLE conflict")
	}
}
