package client

import (
	"sync"
	"time"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/replica"
)

// Bridge keeps the UI element store and the document replica consistent in
// both directions without feedback loops. Local edits flow store -> replica
// -> network; replica changes authored elsewhere flow back into the store.
// Changes this bridge authored are recognized by their origin actor and never
// reapplied.
type Bridge struct {
	store    ElementStore
	rep      *replica.Replica
	origin   string
	debounce time.Duration
	send     func(*replica.Update)

	mu       sync.Mutex
	timer    *time.Timer
	applying bool
}

func newBridge(store ElementStore, rep *replica.Replica, debounce time.Duration, send func(*replica.Update)) *Bridge {
	b := &Bridge{
		store:    store,
		rep:      rep,
		origin:   rep.Actor(),
		debounce: debounce,
		send:     send,
	}
	rep.OnChange(b.onReplicaChange)
	return b
}

// onReplicaChange is the replica's change notification. Changes from our own
// origin already live in the store (the store is where they came from), so
// reapplying them would loop; everything else is re-derived from the current
// replica content rather than replayed from a stored diff.
func (b *Bridge) onReplicaChange(origin string) {
	if origin == b.origin {
		return
	}
	b.mu.Lock()
	b.applying = true
	b.mu.Unlock()

	b.store.LoadElements(b.rep.Forest())

	b.mu.Lock()
	b.applying = false
	b.mu.Unlock()
}

// LocalEdit schedules a flush of the store's tree into the replica. Edits
// arrive per keystroke and per drag-frame, so sends coalesce on a short
// timer while the store itself stays optimistically up to date.
func (b *Bridge) LocalEdit() {
	b.mu.Lock()
	if b.applying || b.timer != nil {
		b.mu.Unlock()
		return
	}
	if b.debounce <= 0 {
		b.mu.Unlock()
		b.Flush()
		return
	}
	b.timer = time.AfterFunc(b.debounce, func() {
		b.mu.Lock()
		b.timer = nil
		b.mu.Unlock()
		b.Flush()
	})
	b.mu.Unlock()
}

// Flush serializes the current store tree into the replica and ships the
// resulting diff. A tree whose content hash matches the replica produces no
// ops and nothing is sent.
func (b *Bridge) Flush() {
	u := b.rep.ApplyLocal(b.store.Tree())
	if u != nil && b.send != nil {
		b.send(u)
	}
}

// applyRemoteForest ingests a full-tree snapshot (snapshot transport mode):
// load it into the store, then fold it into the replica so later local diffs
// start from the right base. The fold is a self-origin change, so
// onReplicaChange ignores it.
func (b *Bridge) applyRemoteForest(f *element.Forest) {
	b.mu.Lock()
	b.applying = true
	b.mu.Unlock()

	b.store.LoadElements(f)

	b.mu.Lock()
	b.applying = false
	b.mu.Unlock()

	b.rep.ApplyLocal(f)
}
