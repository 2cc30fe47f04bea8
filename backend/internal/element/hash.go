package element

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Structural conflict codes. Conflicts are flagged, never fatal: the replica
// accepts the update and the application decides whether to surface it.
const (
	ConflictMissingChild   = "MISSING_CHILD"   // child list names an id with no element
	ConflictDanglingParent = "DANGLING_PARENT" // parentId names an id with no element
	ConflictUnlistedChild  = "UNLISTED_CHILD"  // parent exists but does not list the child
	ConflictMultiParent    = "MULTI_PARENT"    // element appears in two child lists
	ConflictCycle          = "CYCLE"           // parent chain loops back on itself
)

type Conflict struct {
	Code      string `json:"code"`
	ElementID string `json:"elementId"`
	Detail    string `json:"detail,omitempty"`
}

// HashElement returns a stable content hash of a single element. The hash is
// a pure function of (id, type, parentId, children order, canonical styles,
// canonical settings); json.Marshal sorts map keys, so construction order and
// object identity do not matter.
func HashElement(e *Element) string {
	h := sha256.New()
	styles, _ := json.Marshal(e.Styles)
	settings, _ := json.Marshal(e.Settings)
	children, _ := json.Marshal(e.Children)
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%s\x00%s",
		e.ID, e.Type, e.ParentID, e.PageID, styles, settings, children)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash returns a stable content hash of the whole forest: per-element hashes
// combined in sorted-id order. Structurally identical trees hash identically
// regardless of how they were built.
func Hash(f *Forest) string {
	h := sha256.New()
	for _, id := range f.IDs() {
		fmt.Fprintf(h, "%s=%s\n", id, HashElement(f.nodes[id]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validate flags structural problems without rejecting the forest. It is run
// at every mutation boundary, local and remote-applied alike.
func Validate(f *Forest) []Conflict {
	var conflicts []Conflict

	owner := make(map[string]string)
	for _, id := range f.IDs() {
		el := f.nodes[id]
		if !el.IsContainer() {
			continue
		}
		for _, childID := range el.Children {
			if !f.Has(childID) {
				conflicts = append(conflicts, Conflict{
					Code:      ConflictMissingChild,
					ElementID: id,
					Detail:    "missing elements for container: " + childID,
				})
				continue
			}
			if prev, taken := owner[childID]; taken {
				conflicts = append(conflicts, Conflict{
					Code:      ConflictMultiParent,
					ElementID: childID,
					Detail:    "claimed by both " + prev + " and " + id,
				})
				continue
			}
			owner[childID] = id
		}
	}

	for _, id := range f.IDs() {
		el := f.nodes[id]
		if el.ParentID == "" {
			continue
		}
		parent, ok := f.nodes[el.ParentID]
		if !ok {
			conflicts = append(conflicts, Conflict{
				Code:      ConflictDanglingParent,
				ElementID: id,
				Detail:    "parent " + el.ParentID + " does not exist",
			})
			continue
		}
		listed := false
		for _, c := range parent.Children {
			if c == id {
				listed = true
				break
			}
		}
		if !listed {
			conflicts = append(conflicts, Conflict{
				Code:      ConflictUnlistedChild,
				ElementID: id,
				Detail:    "parent " + el.ParentID + " does not list child",
			})
		}
	}

	// Cycle detection over parent pointers.
	state := make(map[string]int) // 0 unvisited, 1 in progress, 2 done
	for _, id := range f.IDs() {
		if state[id] != 0 {
			continue
		}
		var chain []string
		cur := id
		for {
			if cur == "" || !f.Has(cur) {
				break
			}
			if state[cur] == 2 {
				break
			}
			if state[cur] == 1 {
				conflicts = append(conflicts, Conflict{
					Code:      ConflictCycle,
					ElementID: cur,
					Detail:    "parent chain loops",
				})
				break
			}
			state[cur] = 1
			chain = append(chain, cur)
			cur = f.nodes[cur].ParentID
		}
		for _, c := range chain {
			state[c] = 2
		}
	}

	return conflicts
}
