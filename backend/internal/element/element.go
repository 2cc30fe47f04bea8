package element

import (
	"encoding/json"
	"sort"
)

// Element is one node of the page element tree.
// Children holds ordered child ids; the Forest index resolves them. Embedding
// ids instead of live pointers keeps serialization and cycle checks simple.
type Element struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	ParentID string         `json:"parentId,omitempty"`
	PageID   string         `json:"pageId,omitempty"`
	Styles   map[string]any `json:"styles,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
	Children []string       `json:"children,omitempty"`
}

// IsContainer reports whether the element carries a child list.
func (e *Element) IsContainer() bool {
	return e.Children != nil
}

func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	cp := &Element{
		ID:       e.ID,
		Type:     e.Type,
		ParentID: e.ParentID,
		PageID:   e.PageID,
	}
	if e.Styles != nil {
		cp.Styles = make(map[string]any, len(e.Styles))
		for k, v := range e.Styles {
			cp.Styles[k] = v
		}
	}
	if e.Settings != nil {
		cp.Settings = make(map[string]any, len(e.Settings))
		for k, v := range e.Settings {
			cp.Settings[k] = v
		}
	}
	if e.Children != nil {
		cp.Children = append([]string{}, e.Children...)
	}
	return cp
}

// Forest is an id-indexed element forest. All accessors return clones so
// callers cannot mutate indexed state behind the Forest's back.
type Forest struct {
	nodes map[string]*Element
}

func NewForest() *Forest {
	return &Forest{nodes: make(map[string]*Element)}
}

func (f *Forest) Len() int { return len(f.nodes) }

func (f *Forest) Get(id string) (*Element, bool) {
	el, ok := f.nodes[id]
	if !ok {
		return nil, false
	}
	return el.Clone(), true
}

func (f *Forest) Has(id string) bool {
	_, ok := f.nodes[id]
	return ok
}

// Put inserts or replaces an element. When the element names a parent that is
// present but does not yet list it, the id is appended to the parent's child
// list so locally-built forests stay well formed.
func (f *Forest) Put(el *Element) {
	if el == nil || el.ID == "" {
		return
	}
	f.nodes[el.ID] = el.Clone()
	if el.ParentID == "" {
		return
	}
	parent, ok := f.nodes[el.ParentID]
	if !ok {
		return
	}
	for _, c := range parent.Children {
		if c == el.ID {
			return
		}
	}
	parent.Children = append(parent.Children, el.ID)
}

// Delete removes the element and its whole subtree, detaching the root of the
// removed subtree from its parent's child list.
func (f *Forest) Delete(id string) {
	el, ok := f.nodes[id]
	if !ok {
		return
	}
	if parent, ok := f.nodes[el.ParentID]; ok {
		kept := parent.Children[:0]
		for _, c := range parent.Children {
			if c != id {
				kept = append(kept, c)
			}
		}
		parent.Children = kept
	}
	f.deleteSubtree(id)
}

func (f *Forest) deleteSubtree(id string) {
	el, ok := f.nodes[id]
	if !ok {
		return
	}
	delete(f.nodes, id)
	for _, c := range el.Children {
		f.deleteSubtree(c)
	}
}

// IDs returns all element ids in sorted order.
func (f *Forest) IDs() []string {
	ids := make([]string, 0, len(f.nodes))
	for id := range f.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Roots returns the ids of elements with no parent, sorted.
func (f *Forest) Roots() []string {
	var roots []string
	for id, el := range f.nodes {
		if el.ParentID == "" {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Elements returns clones of all elements in sorted-id order.
func (f *Forest) Elements() []*Element {
	out := make([]*Element, 0, len(f.nodes))
	for _, id := range f.IDs() {
		out = append(out, f.nodes[id].Clone())
	}
	return out
}

func (f *Forest) Clone() *Forest {
	cp := NewForest()
	for id, el := range f.nodes {
		cp.nodes[id] = el.Clone()
	}
	return cp
}

// FromElements builds a forest from a flat element list, e.g. a decoded
// snapshot payload. Parent/child links are taken as given; Validate decides
// whether the result is well formed.
func FromElements(els []*Element) *Forest {
	f := NewForest()
	for _, el := range els {
		if el == nil || el.ID == "" {
			continue
		}
		f.nodes[el.ID] = el.Clone()
	}
	return f
}

type forestJSON struct {
	Elements []*Element `json:"elements"`
}

// EncodeForest serializes the forest as a flat sorted element list. The
// encoding is canonical: two forests with equal content encode to identical
// bytes.
func EncodeForest(f *Forest) ([]byte, error) {
	return json.Marshal(forestJSON{Elements: f.Elements()})
}

func DecodeForest(data []byte) (*Forest, error) {
	var fj forestJSON
	if err := json.Unmarshal(data, &fj); err != nil {
		return nil, err
	}
	return FromElements(fj.Elements), nil
}
