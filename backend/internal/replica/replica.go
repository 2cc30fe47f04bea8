// Package replica holds the replicated page document: a versioned element set
// that converges under concurrent edits. Each replica stamps its ops with a
// per-actor sequence (idempotence, resume) and a lamport clock (merge order);
// an element's live value is the op with the highest (clock, actor) pair, so
// every replica that has seen the same op set serializes identically.
package replica

import (
	"sync"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
)

// Op is a single replicated element mutation.
type Op struct {
	Actor     string           `json:"actor"`
	Seq       uint64           `json:"seq"`
	Clock     uint64           `json:"clock"`
	ElementID string           `json:"elementId"`
	Tombstone bool             `json:"tombstone,omitempty"`
	Element   *element.Element `json:"element,omitempty"`
}

// Update is an ordered batch of ops from one origin.
type Update struct {
	Ops []Op `json:"ops"`
}

// Origin returns the actor that produced the update. Updates are relayed
// per-origin, so the first op's actor identifies the whole batch.
func (u *Update) Origin() string {
	if u == nil || len(u.Ops) == 0 {
		return ""
	}
	return u.Ops[0].Actor
}

// StateVector maps actor id to the highest sequence number seen from it.
type StateVector map[string]uint64

// compactThreshold bounds the op log: once it grows past this, ops that lost
// the merge are dropped. Losing ops can never win on a later replay, so the
// compacted log still converges any peer DiffSince serves.
const compactThreshold = 1024

type record struct {
	el        *element.Element // nil for tombstones
	clock     uint64
	actor     string
	tombstone bool
}

// newer reports whether (c1, a1) wins over (c2, a2) in the merge order.
func newer(c1 uint64, a1 string, c2 uint64, a2 string) bool {
	if c1 != c2 {
		return c1 > c2
	}
	return a1 > a2
}

// Replica is one copy of a room's document. Safe to call from transport
// callbacks and local edit paths concurrently.
type Replica struct {
	mu       sync.Mutex
	actor    string
	clock    uint64
	seq      uint64
	sv       StateVector
	recs     map[string]*record
	log      []Op
	onChange func(origin string)
}

func New(actor string) *Replica {
	return &Replica{
		actor: actor,
		sv:    make(StateVector),
		recs:  make(map[string]*record),
	}
}

func (r *Replica) Actor() string { return r.actor }

// OnChange registers the change notification consumed by the reconciliation
// bridge. It fires after every apply that changed live content, with the
// origin actor of the change.
func (r *Replica) OnChange(cb func(origin string)) {
	r.mu.Lock()
	r.onChange = cb
	r.mu.Unlock()
}

// ApplyLocal diffs the given forest against current content and applies the
// difference as locally-authored ops. Returns nil when nothing changed.
func (r *Replica) ApplyLocal(f *element.Forest) *Update {
	r.mu.Lock()

	var ops []Op
	clock := r.clock + 1
	for _, el := range f.Elements() {
		rec := r.recs[el.ID]
		if rec != nil && !rec.tombstone && element.HashElement(rec.el) == element.HashElement(el) {
			continue
		}
		r.seq++
		ops = append(ops, Op{
			Actor: r.actor, Seq: r.seq, Clock: clock,
			ElementID: el.ID, Element: el.Clone(),
		})
	}
	for id, rec := range r.recs {
		if rec.tombstone || f.Has(id) {
			continue
		}
		r.seq++
		ops = append(ops, Op{
			Actor: r.actor, Seq: r.seq, Clock: clock,
			ElementID: id, Tombstone: true,
		})
	}

	if len(ops) == 0 {
		r.mu.Unlock()
		return nil
	}

	r.clock = clock
	for i := range ops {
		r.applyOp(ops[i])
		r.log = append(r.log, ops[i])
	}
	r.sv[r.actor] = r.seq
	r.compactLogLocked()
	cb := r.onChange
	r.mu.Unlock()

	if cb != nil {
		cb(r.actor)
	}
	return &Update{Ops: ops}
}

// ApplyRemote merges a peer update. Ops already covered by the state vector
// are skipped, so applying the same update twice is a no-op. Returns whether
// live content changed.
func (r *Replica) ApplyRemote(u *Update) bool {
	if u == nil || len(u.Ops) == 0 {
		return false
	}
	r.mu.Lock()

	changed := false
	origin := ""
	for _, op := range u.Ops {
		if op.Seq <= r.sv[op.Actor] {
			continue // already seen
		}
		r.sv[op.Actor] = op.Seq
		if op.Clock > r.clock {
			r.clock = op.Clock
		}
		r.log = append(r.log, op)
		if r.applyOp(op) {
			changed = true
			if origin == "" {
				// first op that actually won; own ops never get here because
				// the state vector already covers them
				origin = op.Actor
			}
		}
	}
	r.compactLogLocked()
	cb := r.onChange
	r.mu.Unlock()

	if changed && cb != nil {
		cb(origin)
	}
	return changed
}

// applyOp merges one op into the element set; caller holds the lock. Returns
// whether the op won the merge.
func (r *Replica) applyOp(op Op) bool {
	rec := r.recs[op.ElementID]
	if rec != nil && !newer(op.Clock, op.Actor, rec.clock, rec.actor) {
		return false
	}
	var el *element.Element
	if !op.Tombstone {
		el = op.Element.Clone()
	}
	r.recs[op.ElementID] = &record{
		el: el, clock: op.Clock, actor: op.Actor, tombstone: op.Tombstone,
	}
	return true
}

// compactLogLocked drops ops the merge has already decided against; caller
// holds the lock. An op survives only while it is its element's live winner.
func (r *Replica) compactLogLocked() {
	if len(r.log) <= compactThreshold {
		return
	}
	kept := r.log[:0]
	for _, op := range r.log {
		rec := r.recs[op.ElementID]
		if rec != nil && rec.clock == op.Clock && rec.actor == op.Actor {
			kept = append(kept, op)
		}
	}
	r.log = kept
}

// Forest materializes the current live content.
func (r *Replica) Forest() *element.Forest {
	r.mu.Lock()
	defer r.mu.Unlock()
	els := make([]*element.Element, 0, len(r.recs))
	for _, rec := range r.recs {
		if !rec.tombstone {
			els = append(els, rec.el)
		}
	}
	return element.FromElements(els)
}

// Hash is the content hash of the live forest.
func (r *Replica) Hash() string {
	return element.Hash(r.Forest())
}

// StateVector returns a copy of the replica's vector.
func (r *Replica) StateVector() StateVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	sv := make(StateVector, len(r.sv))
	for k, v := range r.sv {
		sv[k] = v
	}
	return sv
}

// DiffSince returns every logged op the peer's vector does not cover, in the
// order this replica applied them. Nil when the peer is up to date.
func (r *Replica) DiffSince(peer StateVector) *Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ops []Op
	for _, op := range r.log {
		if op.Seq > peer[op.Actor] {
			ops = append(ops, op)
		}
	}
	if len(ops) == 0 {
		return nil
	}
	return &Update{Ops: ops}
}
