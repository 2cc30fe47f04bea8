package replica

import (
	"math/rand"
	"testing"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
)

func forestWith(els ...*element.Element) *element.Forest {
	f := element.NewForest()
	for _, el := range els {
		f.Put(el)
	}
	return f
}

func TestApplyLocalProducesDiffOnly(t *testing.T) {
	r := New("a")
	u := r.ApplyLocal(forestWith(&element.Element{ID: "e1", Type: "Section", Children: []string{}}))
	if u == nil || len(u.Ops) != 1 {
		t.Fatalf("expected one op, got %+v", u)
	}

	// Same content again: no ops.
	if u2 := r.ApplyLocal(forestWith(&element.Element{ID: "e1", Type: "Section", Children: []string{}})); u2 != nil {
		t.Fatalf("no-op change must produce nil update, got %+v", u2)
	}

	// Style change: one op for e1 only.
	u3 := r.ApplyLocal(forestWith(&element.Element{
		ID: "e1", Type: "Section", Children: []string{},
		Styles: map[string]any{"width": "50%"},
	}))
	if u3 == nil || len(u3.Ops) != 1 || u3.Ops[0].ElementID != "e1" {
		t.Fatalf("expected single e1 op, got %+v", u3)
	}
}

func TestApplyLocalTombstonesRemoved(t *testing.T) {
	r := New("a")
	r.ApplyLocal(forestWith(
		&element.Element{ID: "e1", Type: "Section", Children: []string{}},
		&element.Element{ID: "e2", Type: "Text", ParentID: "e1"},
	))
	u := r.ApplyLocal(forestWith(&element.Element{ID: "e1", Type: "Section", Children: []string{}}))
	if u == nil {
		t.Fatalf("expected tombstone update")
	}
	var tomb *Op
	for i := range u.Ops {
		if u.Ops[i].Tombstone {
			tomb = &u.Ops[i]
		}
	}
	if tomb == nil || tomb.ElementID != "e2" {
		t.Fatalf("expected tombstone for e2, got %+v", u.Ops)
	}
	if r.Forest().Has("e2") {
		t.Fatalf("e2 should be gone from live content")
	}
}

func TestConvergenceAnyDeliveryOrder(t *testing.T) {
	a := New("a")
	b := New("b")

	ua1 := a.ApplyLocal(forestWith(&element.Element{ID: "e1", Type: "Section", Children: []string{}}))
	ua2 := a.ApplyLocal(forestWith(&element.Element{
		ID: "e1", Type: "Section", Children: []string{},
		Styles: map[string]any{"width": "50%"},
	}))
	ub1 := b.ApplyLocal(forestWith(&element.Element{ID: "e9", Type: "Text"}))

	// Per-actor order preserved, cross-actor order shuffled.
	c := New("c")
	d := New("d")
	for _, u := range []*Update{ua1, ua2, ub1} {
		c.ApplyRemote(u)
	}
	for _, u := range []*Update{ub1, ua1, ua2} {
		d.ApplyRemote(u)
	}

	if c.Hash() != d.Hash() {
		t.Fatalf("replicas diverged: %s vs %s", c.Hash(), d.Hash())
	}
	cf, _ := element.EncodeForest(c.Forest())
	df, _ := element.EncodeForest(d.Forest())
	if string(cf) != string(df) {
		t.Fatalf("serialized content differs")
	}
}

func TestConcurrentEditsConvergeDeterministically(t *testing.T) {
	a := New("a")
	b := New("b")
	base := forestWith(&element.Element{ID: "e1", Type: "Section", Children: []string{}})
	ua := a.ApplyLocal(base.Clone())
	b.ApplyRemote(ua)

	// Both edit e1 concurrently.
	fa := base.Clone()
	ea, _ := fa.Get("e1")
	ea.Styles = map[string]any{"width": "30%"}
	fa.Put(ea)
	ca := a.ApplyLocal(fa)

	fb := base.Clone()
	eb, _ := fb.Get("e1")
	eb.Styles = map[string]any{"width": "70%"}
	fb.Put(eb)
	cb := b.ApplyLocal(fb)

	a.ApplyRemote(cb)
	b.ApplyRemote(ca)

	if a.Hash() != b.Hash() {
		t.Fatalf("concurrent edits diverged")
	}
	// Equal clocks tie-break on actor id; "b" > "a" wins.
	el, _ := a.Forest().Get("e1")
	if el.Styles["width"] != "70%" {
		t.Fatalf("expected deterministic winner 70%%, got %v", el.Styles["width"])
	}
}

func TestIdempotence(t *testing.T) {
	a := New("a")
	b := New("b")
	u := a.ApplyLocal(forestWith(&element.Element{ID: "e1", Type: "Section", Children: []string{}}))

	if !b.ApplyRemote(u) {
		t.Fatalf("first apply should change content")
	}
	h := b.Hash()
	if b.ApplyRemote(u) {
		t.Fatalf("second apply must be a no-op")
	}
	if b.Hash() != h {
		t.Fatalf("hash changed on duplicate apply")
	}
}

func TestDiffSinceResume(t *testing.T) {
	server := New("srv")
	client := New("a")

	// Client syncs, then goes away.
	server.ApplyRemote(client.ApplyLocal(forestWith(&element.Element{ID: "e1", Type: "Section", Children: []string{}})))
	client.ApplyRemote(server.DiffSince(client.StateVector()))
	sv := client.StateVector()

	// Another client mutates the room while the first is gone.
	other := New("b")
	other.ApplyRemote(server.DiffSince(other.StateVector()))
	server.ApplyRemote(other.ApplyLocal(func() *element.Forest {
		f := other.Forest()
		f.Put(&element.Element{ID: "e2", Type: "Text", ParentID: "e1"})
		return f
	}()))

	diff := server.DiffSince(sv)
	if diff == nil {
		t.Fatalf("expected a resume diff")
	}
	for _, op := range diff.Ops {
		if op.Actor == "a" {
			t.Fatalf("resume diff must not resend the client's own ops")
		}
	}
	client.ApplyRemote(diff)
	if client.Hash() != server.Hash() {
		t.Fatalf("client did not catch up: %s vs %s", client.Hash(), server.Hash())
	}
}

func TestLogCompactionBoundsResumeDiff(t *testing.T) {
	r := New("a")
	f := forestWith(&element.Element{ID: "e1", Type: "Section", Children: []string{}})
	r.ApplyLocal(f)

	// Resize the same element far past the compaction threshold. Every edit
	// supersedes the previous one, so the log must not retain them all.
	for i := 0; i < 3*compactThreshold; i++ {
		el, _ := f.Get("e1")
		el.Styles = map[string]any{"width": i}
		f.Put(el)
		if u := r.ApplyLocal(f); u == nil {
			t.Fatalf("edit %d produced no update", i)
		}
	}

	diff := r.DiffSince(StateVector{})
	if diff == nil {
		t.Fatalf("expected a full resume diff")
	}
	if len(diff.Ops) > compactThreshold {
		t.Fatalf("resume diff carries %d ops, compaction should keep it under %d",
			len(diff.Ops), compactThreshold)
	}

	// A fresh replica fed only the compacted diff still converges.
	fresh := New("b")
	fresh.ApplyRemote(diff)
	if fresh.Hash() != r.Hash() {
		t.Fatalf("compacted diff diverged: %s vs %s", fresh.Hash(), r.Hash())
	}
}

func TestConvergenceRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	actors := []string{"a", "b", "c"}
	var updates []*Update

	reps := make(map[string]*Replica)
	for _, id := range actors {
		reps[id] = New(id)
	}
	for i := 0; i < 30; i++ {
		id := actors[rng.Intn(len(actors))]
		r := reps[id]
		f := r.Forest()
		f.Put(&element.Element{
			ID:   string(rune('a' + rng.Intn(5))),
			Type: "Text",
			Styles: map[string]any{
				"order": rng.Intn(100),
			},
		})
		if u := r.ApplyLocal(f); u != nil {
			updates = append(updates, u)
		}
		// Occasionally cross-sync so clocks interleave.
		if rng.Intn(3) == 0 {
			peer := reps[actors[rng.Intn(len(actors))]]
			peer.ApplyRemote(r.DiffSince(peer.StateVector()))
		}
	}

	// Two fresh replicas consume every actor's ops in different interleavings
	// that preserve per-actor order.
	x := New("x")
	y := New("y")
	for _, u := range updates {
		x.ApplyRemote(u)
	}
	byActor := make(map[string][]*Update)
	for _, u := range updates {
		byActor[u.Origin()] = append(byActor[u.Origin()], u)
	}
	for len(byActor) > 0 {
		for _, id := range actors {
			q := byActor[id]
			if len(q) == 0 {
				delete(byActor, id)
				continue
			}
			n := 1 + rng.Intn(len(q))
			for _, u := range q[:n] {
				y.ApplyRemote(u)
			}
			byActor[id] = q[n:]
		}
	}

	if x.Hash() != y.Hash() {
		t.Fatalf("randomized delivery diverged")
	}
}
