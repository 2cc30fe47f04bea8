package client

import (
	"sync"
	"testing"
	"time"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/ws"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) count(s State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st == s {
			n++
		}
	}
	return n
}

func newDeadSession(t *testing.T, maxRetries int) (*Session, *MemoryStore, *stateRecorder) {
	t.Helper()
	st := NewMemoryStore()
	sess := NewSession(st, Options{
		URL:         "ws://127.0.0.1:1/collab/ws", // nothing listens here
		ProjectID:   "p1",
		PageID:      "page1",
		ClientID:    "client-a",
		Mode:        ws.ModeCRDT,
		Debounce:    5 * time.Millisecond,
		DialTimeout: 250 * time.Millisecond,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
		MaxRetries:  maxRetries,
	})
	st.OnMutate(sess.LocalEdit)
	rec := &stateRecorder{}
	sess.OnStatus(rec.record)
	t.Cleanup(sess.Disconnect)
	return sess, st, rec
}

func waitForState(t *testing.T, sess *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for sess.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", sess.Status(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// An unreachable server burns through the retry budget and parks the session
// in Offline instead of retrying forever.
func TestRetryBudgetEndsOffline(t *testing.T) {
	sess, _, rec := newDeadSession(t, 2)
	sess.Connect()
	waitForState(t, sess, StateOffline)

	// initial attempt plus two retries
	if got := rec.count(StateConnecting); got != 3 {
		t.Fatalf("connect attempts = %d, want 3", got)
	}

	// offline is terminal until asked; no timer may revive the session
	time.Sleep(150 * time.Millisecond)
	if sess.Status() != StateOffline {
		t.Fatalf("session left offline on its own: %s", sess.Status())
	}
}

// Local editing keeps working while offline; the replica accumulates the
// edits for the next successful sync.
func TestOfflineEditingContinues(t *testing.T) {
	sess, st, _ := newDeadSession(t, 1)
	sess.Connect()
	waitForState(t, sess, StateOffline)

	st.AddElement(&element.Element{
		ID: "e1", Type: "Section", PageID: "page1",
		Styles: map[string]any{"width": "50%"},
	})
	sess.Flush()

	if n := st.MutationCount(); n != 1 {
		t.Fatalf("mutations = %d", n)
	}
	if !sess.Replica().Forest().Has("e1") {
		t.Fatalf("offline edit not folded into replica")
	}
}

// Reconnect after Offline restarts the schedule with a fresh budget.
func TestManualReconnectRestartsSchedule(t *testing.T) {
	sess, _, rec := newDeadSession(t, 1)
	sess.Connect()
	waitForState(t, sess, StateOffline)

	before := rec.count(StateConnecting)
	sess.Reconnect()
	waitForState(t, sess, StateOffline)

	after := rec.count(StateConnecting)
	if after <= before {
		t.Fatalf("reconnect made no attempts (before=%d after=%d)", before, after)
	}
}

// A deliberate disconnect schedules nothing; the session stays down.
func TestManualDisconnectStopsRetry(t *testing.T) {
	srv := newCollabServer(t)
	sess, _ := newTestSession(t, srv, "client-a", ws.ModeCRDT)
	connectAndSync(t, sess)

	rec := &stateRecorder{}
	sess.OnStatus(rec.record)

	sess.Disconnect()
	waitForState(t, sess, StateDisconnected)

	time.Sleep(200 * time.Millisecond)
	if sess.Status() != StateDisconnected {
		t.Fatalf("session restarted itself: %s", sess.Status())
	}
	if got := rec.count(StateConnecting); got != 0 {
		t.Fatalf("disconnect triggered %d reconnect attempts", got)
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateSynced:       "synced",
		StateOffline:      "offline",
	}
	for st, want := range cases {
		if st.String() != want {
			t.Fatalf("%d.String() = %s, want %s", st, st.String(), want)
		}
	}
}
