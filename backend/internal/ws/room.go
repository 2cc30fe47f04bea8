package ws

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/awareness"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/replica"
)

var ErrMalformedUpdate = errors.New("malformed update")

// Room is one collaboration session: the authoritative replica for a page,
// the ephemeral awareness map, and the set of attached connections. All
// mutation is serialized through mu; distinct rooms run fully in parallel.
type Room struct {
	ID        string
	ProjectID string
	PageID    string

	mu    sync.Mutex
	rep   *replica.Replica
	aw    map[string]awareness.Entry
	conns map[*Conn]struct{}
}

func newRoom(projectID, pageID, serverActor string, boot *element.Forest) *Room {
	r := &Room{
		ID:        RoomKey(projectID, pageID),
		ProjectID: projectID,
		PageID:    pageID,
		rep:       replica.New(serverActor),
		aw:        make(map[string]awareness.Entry),
		conns:     make(map[*Conn]struct{}),
	}
	if boot != nil && boot.Len() > 0 {
		r.rep.ApplyLocal(boot)
	}
	return r
}

func RoomKey(projectID, pageID string) string {
	return projectID + ":" + pageID
}

func (r *Room) addConn(c *Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

// removeConn detaches the connection and its awareness entry, returning the
// number of connections left.
func (r *Room) removeConn(c *Conn) int {
	r.mu.Lock()
	delete(r.conns, c)
	delete(r.aw, c.clientID)
	n := len(r.conns)
	r.mu.Unlock()
	return n
}

func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Room) Forest() *element.Forest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rep.Forest()
}

func (r *Room) Hash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rep.Hash()
}

func validateUpdate(u *replica.Update) error {
	if u == nil || len(u.Ops) == 0 {
		return ErrMalformedUpdate
	}
	for _, op := range u.Ops {
		if op.ElementID == "" || op.Actor == "" || op.Seq == 0 {
			return ErrMalformedUpdate
		}
		if !op.Tombstone {
			if op.Element == nil || op.Element.ID != op.ElementID {
				return ErrMalformedUpdate
			}
		}
	}
	return nil
}

// HandleSync answers a crdt client's state vector with everything it is
// missing plus the server's own vector, completing the client's handshake.
func (r *Room) HandleSync(c *Conn, sv replica.StateVector) {
	r.mu.Lock()
	payload := SyncPayload{
		StateVector: r.rep.StateVector(),
		Update:      r.rep.DiffSince(sv),
	}
	r.mu.Unlock()

	env, err := NewEnvelope(TypeSync, r.ID, "", payload)
	if err != nil {
		log.Printf("room %s: encode sync reply: %v", r.ID, err)
		return
	}
	c.enqueue(env)
	c.markSynced()
}

// HandleUpdate applies a crdt client's ops to the authoritative replica and
// rebroadcasts to every other connection. A malformed update is returned as
// an error so the caller can answer the sender; it is never applied or
// forwarded. Structural conflicts are flagged but accepted.
func (r *Room) HandleUpdate(c *Conn, u *replica.Update) error {
	if err := validateUpdate(u); err != nil {
		return err
	}

	r.mu.Lock()
	changed := r.rep.ApplyRemote(u)
	var conflicts []element.Conflict
	if changed {
		conflicts = element.Validate(r.rep.Forest())
	}
	r.mu.Unlock()

	if !changed {
		return nil // echo or already-seen ops, nothing to relay
	}

	r.flagConflicts(conflicts)
	r.broadcastUpdate(c, c.clientID, u)
	c.hub.dispatch(r.ID, c.clientID, u)
	return nil
}

// HandleSnapshot ingests a snapshot client's full tree. The server diffs it
// against the replica, so the rest of the room still receives incremental
// ops and no-op snapshots die here instead of echoing around the room.
func (r *Room) HandleSnapshot(c *Conn, els []*element.Element) error {
	f := element.FromElements(els)

	r.mu.Lock()
	u := r.rep.ApplyLocal(f)
	var conflicts []element.Conflict
	if u != nil {
		conflicts = element.Validate(r.rep.Forest())
	}
	r.mu.Unlock()

	if u == nil {
		return nil
	}

	r.flagConflicts(conflicts)
	r.broadcastUpdate(c, c.clientID, u)
	c.hub.dispatch(r.ID, c.clientID, u)
	return nil
}

// applyRelayed merges an update another server instance already accepted.
func (r *Room) applyRelayed(origin string, u *replica.Update) {
	if validateUpdate(u) != nil {
		return
	}
	r.mu.Lock()
	changed := r.rep.ApplyRemote(u)
	r.mu.Unlock()
	if changed {
		r.broadcastUpdate(nil, origin, u)
	}
}

// HandleAwareness stores the sender's entry and relays the room's presence
// snapshot to everyone else. Never persisted, never originated by the server.
func (r *Room) HandleAwareness(c *Conn, entries map[string]awareness.Entry) {
	entry, ok := entries[c.clientID]
	if !ok {
		return // a client only owns its own entry
	}

	r.mu.Lock()
	r.aw[c.clientID] = entry
	snapshot := make(map[string]awareness.Entry, len(r.aw))
	for id, e := range r.aw {
		snapshot[id] = e
	}
	targets := r.otherConns(c)
	r.mu.Unlock()

	env, err := NewEnvelope(TypeAwareness, r.ID, c.clientID, AwarenessPayload{Entries: snapshot})
	if err != nil {
		return
	}
	for _, t := range targets {
		t.enqueue(env)
	}
}

// broadcastDisconnect tells remaining peers to drop the client's cursor.
func (r *Room) broadcastDisconnect(clientID string) {
	env, err := NewEnvelope(TypeUserDisconnect, r.ID, clientID, DisconnectPayload{ClientID: clientID})
	if err != nil {
		return
	}
	r.mu.Lock()
	targets := r.otherConns(nil)
	r.mu.Unlock()
	for _, t := range targets {
		t.enqueue(env)
	}
}

// broadcastUpdate relays applied ops to every connection except the origin.
// Snapshot-mode peers cannot apply ops, so they get the full current tree.
func (r *Room) broadcastUpdate(except *Conn, origin string, u *replica.Update) {
	r.mu.Lock()
	var crdtTargets, snapTargets []*Conn
	for peer := range r.conns {
		if peer == except {
			continue
		}
		if peer.mode == ModeSnapshot {
			snapTargets = append(snapTargets, peer)
		} else {
			crdtTargets = append(crdtTargets, peer)
		}
	}
	var snapshot SnapshotPayload
	if len(snapTargets) > 0 {
		f := r.rep.Forest()
		snapshot = SnapshotPayload{Elements: f.Elements(), Hash: element.Hash(f)}
	}
	r.mu.Unlock()

	if len(crdtTargets) > 0 {
		env, err := NewEnvelope(TypeUpdate, r.ID, origin, UpdatePayload{Update: u})
		if err != nil {
			return
		}
		for _, t := range crdtTargets {
			t.enqueue(env)
		}
	}
	if len(snapTargets) > 0 {
		env, err := NewEnvelope(TypeCurrentState, r.ID, origin, snapshot)
		if err != nil {
			return
		}
		for _, t := range snapTargets {
			t.enqueue(env)
		}
	}
}

// sendCurrentState pushes the full tree to one connection, the snapshot-mode
// join handshake.
func (r *Room) sendCurrentState(c *Conn) {
	r.mu.Lock()
	f := r.rep.Forest()
	r.mu.Unlock()

	env, err := NewEnvelope(TypeCurrentState, r.ID, "", SnapshotPayload{
		Elements: f.Elements(),
		Hash:     element.Hash(f),
	})
	if err != nil {
		return
	}
	c.enqueue(env)
	c.markSynced()
}

// flagConflicts raises accepted-but-suspect merges to every client in the
// room; the page builder decides whether to surface them.
func (r *Room) flagConflicts(conflicts []element.Conflict) {
	if len(conflicts) == 0 {
		return
	}
	for _, cf := range conflicts {
		log.Printf("room %s: structural conflict %s on %s: %s", r.ID, cf.Code, cf.ElementID, cf.Detail)
	}
	env, err := NewEnvelope(TypeError, r.ID, "", ErrorPayload{
		Code:    CodeStructuralConflict,
		Message: conflicts[0].Detail,
	})
	if err != nil {
		return
	}
	r.mu.Lock()
	targets := r.otherConns(nil)
	r.mu.Unlock()
	for _, t := range targets {
		t.enqueue(env)
	}
}

// otherConns returns all connections except the given one; caller holds mu.
func (r *Room) otherConns(except *Conn) []*Conn {
	out := make([]*Conn, 0, len(r.conns))
	for peer := range r.conns {
		if peer != except {
			out = append(out, peer)
		}
	}
	return out
}

// flushDeadline bounds room-teardown persistence.
const flushDeadline = 5 * time.Second
