// Package awareness holds ephemeral presence state: cursors, selection and
// user identity per connected client. Nothing here is replicated or
// persisted; entries live exactly as long as their connection.
package awareness

import "sync"

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Entry is one client's presence, keyed by ephemeral client id (one user may
// hold several tabs, each with its own entry).
type Entry struct {
	UserID            string `json:"userId"`
	Username          string `json:"username,omitempty"`
	Cursor            Cursor `json:"cursor"`
	SelectedElementID string `json:"selectedElementId,omitempty"`
}

// Store is the client-side awareness state for one session. The local entry
// is kept apart from remote ones so it is never rendered as a remote cursor.
type Store struct {
	mu       sync.Mutex
	localID  string
	local    Entry
	remote   map[string]Entry
	onChange func(map[string]Entry)
}

func New(localID string) *Store {
	return &Store{
		localID: localID,
		remote:  make(map[string]Entry),
	}
}

func (s *Store) LocalID() string { return s.localID }

// OnChange registers the callback fired whenever the remote entry set
// changes. It receives a snapshot copy.
func (s *Store) OnChange(cb func(map[string]Entry)) {
	s.mu.Lock()
	s.onChange = cb
	s.mu.Unlock()
}

func (s *Store) SetLocal(e Entry) {
	s.mu.Lock()
	s.local = e
	s.mu.Unlock()
}

func (s *Store) Local() Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// ApplyRemote replaces the remote entry set with the received snapshot.
// Entries for clients no longer present are pruned; the local client's own
// entry is never stored as remote.
func (s *Store) ApplyRemote(snapshot map[string]Entry) {
	s.mu.Lock()
	next := make(map[string]Entry, len(snapshot))
	for id, e := range snapshot {
		if id == s.localID {
			continue
		}
		next[id] = e
	}
	s.remote = next
	cb := s.onChange
	out := s.snapshotLocked()
	s.mu.Unlock()

	if cb != nil {
		cb(out)
	}
}

// Remove drops one client, typically on a userDisconnect notice.
func (s *Store) Remove(clientID string) {
	s.mu.Lock()
	_, ok := s.remote[clientID]
	delete(s.remote, clientID)
	cb := s.onChange
	out := s.snapshotLocked()
	s.mu.Unlock()

	if ok && cb != nil {
		cb(out)
	}
}

// Clear resets remote state, used when a session leaves a room.
func (s *Store) Clear() {
	s.mu.Lock()
	s.remote = make(map[string]Entry)
	s.mu.Unlock()
}

// Snapshot returns a copy of all remote entries.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() map[string]Entry {
	out := make(map[string]Entry, len(s.remote))
	for id, e := range s.remote {
		out[id] = e
	}
	return out
}
