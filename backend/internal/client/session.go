package client

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/awareness"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/replica"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/ws"
)

// State is the connection lifecycle state visible to the UI.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected // socket open, initial sync not finished
	StateSynced
	StateOffline // retry budget exhausted; editing continues locally
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSynced:
		return "synced"
	case StateOffline:
		return "offline"
	}
	return "unknown"
}

type Options struct {
	URL       string // collab server websocket endpoint
	ProjectID string
	PageID    string
	Token     string
	ClientID  string
	UserID    string
	Username  string
	Mode      string // ws.ModeCRDT or ws.ModeSnapshot, fixed for the session

	Debounce          time.Duration // local edit coalescing window
	AwarenessCoalesce time.Duration
	DialTimeout       time.Duration
	SyncTimeout       time.Duration // recycle the socket if sync never completes
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxRetries        int
}

func (o *Options) roomID() string {
	return o.ProjectID + ":" + o.PageID
}

func (o *Options) withDefaults() {
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.Mode == "" {
		o.Mode = ws.ModeCRDT
	}
	if o.Debounce == 0 {
		o.Debounce = 75 * time.Millisecond
	}
	if o.AwarenessCoalesce == 0 {
		o.AwarenessCoalesce = 40 * time.Millisecond
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.SyncTimeout == 0 {
		o.SyncTimeout = 10 * time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
}

// Session runs one client's membership in a room: it owns the replica, the
// awareness store, the reconciliation bridge, and the transport, and drives
// the reconnect state machine.
type Session struct {
	opts   Options
	rep    *replica.Replica
	aw     *awareness.Store
	store  ElementStore
	bridge *Bridge
	tr     Transport

	mu           sync.Mutex
	state        State
	retries      int
	retryTimer   *time.Timer
	syncTimer    *time.Timer
	awTimer      *time.Timer
	manualClose  bool
	pendingLocal bool // snapshot mode: offline edits awaiting a resend

	onStatus   func(State)
	onConflict func([]element.Conflict)
}

func NewSession(store ElementStore, opts Options) *Session {
	opts.withDefaults()
	s := &Session{
		opts:  opts,
		rep:   replica.New(opts.ClientID),
		aw:    awareness.New(opts.ClientID),
		store: store,
	}
	s.bridge = newBridge(store, s.rep, opts.Debounce, s.sendLocal)
	s.tr = newTransport(&s.opts, s.rep, RemoteHandlers{
		OnRemoteUpdate:   s.onRemoteUpdate,
		OnRemoteSnapshot: s.onRemoteSnapshot,
		OnAwareness:      s.onAwareness,
		OnPeerDisconnect: s.onPeerDisconnect,
		OnServerError:    s.onServerError,
		OnSynced:         s.onSynced,
		OnClose:          s.onClose,
	})
	return s
}

func (s *Session) ClientID() string          { return s.opts.ClientID }
func (s *Session) Replica() *replica.Replica { return s.rep }
func (s *Session) Awareness() *awareness.Store {
	return s.aw
}

// Hash is the content hash of this client's current document view.
func (s *Session) Hash() string { return s.rep.Hash() }

func (s *Session) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStatus registers the state change callback. Fires outside the session
// lock, once per transition.
func (s *Session) OnStatus(cb func(State)) {
	s.mu.Lock()
	s.onStatus = cb
	s.mu.Unlock()
}

// OnConflict registers the structural conflict callback. Conflicts are
// advisory: the merged state stands, the UI decides how to surface them.
func (s *Session) OnConflict(cb func([]element.Conflict)) {
	s.mu.Lock()
	s.onConflict = cb
	s.mu.Unlock()
}

// Connect starts the session. It returns immediately; progress is observable
// through OnStatus, and failures feed the retry schedule.
func (s *Session) Connect() {
	s.mu.Lock()
	s.manualClose = false
	s.retries = 0
	s.mu.Unlock()
	s.connect()
}

// Reconnect restarts a session that went Offline or was disconnected
// manually, with a fresh retry budget.
func (s *Session) Reconnect() {
	s.Connect()
}

// Disconnect closes the session deliberately. No retries are scheduled and
// awareness for the room is dropped.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.manualClose = true
	s.stopTimersLocked()
	s.mu.Unlock()
	_ = s.tr.Disconnect()
	s.aw.Clear()
	s.setState(StateDisconnected)
}

// LocalEdit tells the session the store changed. Wire it to the store's
// mutation hook; edits coalesce for Options.Debounce before being shipped.
func (s *Session) LocalEdit() {
	s.bridge.LocalEdit()
}

// Flush forces any pending local edits out immediately.
func (s *Session) Flush() {
	s.bridge.Flush()
}

// SetAwareness publishes this client's presence. Updates coalesce so cursor
// moves do not flood the socket.
func (s *Session) SetAwareness(entry awareness.Entry) {
	s.aw.SetLocal(entry)
	s.mu.Lock()
	if s.awTimer != nil {
		s.mu.Unlock()
		return
	}
	s.awTimer = time.AfterFunc(s.opts.AwarenessCoalesce, s.flushAwareness)
	s.mu.Unlock()
}

func (s *Session) flushAwareness() {
	s.mu.Lock()
	s.awTimer = nil
	s.mu.Unlock()
	if !s.tr.IsConnected() {
		return
	}
	entry := s.aw.Local()
	_ = s.tr.SendAwareness(map[string]awareness.Entry{s.aw.LocalID(): entry})
}

// WaitSynced blocks until the session reaches Synced, goes Offline, or the
// context expires.
func (s *Session) WaitSynced(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		switch s.Status() {
		case StateSynced:
			return nil
		case StateOffline:
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (s *Session) connect() {
	s.setState(StateConnecting)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.DialTimeout)
		defer cancel()
		if err := s.tr.Connect(ctx); err != nil {
			log.Printf("collab session %s: connect failed: %v", s.opts.ClientID, err)
			s.scheduleRetry()
			return
		}
		s.setState(StateConnected)
		s.mu.Lock()
		s.syncTimer = time.AfterFunc(s.opts.SyncTimeout, func() {
			if !s.tr.IsSynced() {
				log.Printf("collab session %s: sync deadline passed, recycling connection", s.opts.ClientID)
				_ = s.tr.Disconnect()
				s.scheduleRetry()
			}
		})
		s.mu.Unlock()
	}()
}

// scheduleRetry runs the exponential backoff schedule; past the retry budget
// the session parks in Offline until Reconnect.
func (s *Session) scheduleRetry() {
	s.mu.Lock()
	if s.manualClose {
		s.mu.Unlock()
		s.setState(StateDisconnected)
		return
	}
	s.retries++
	if s.retries > s.opts.MaxRetries {
		s.mu.Unlock()
		log.Printf("collab session %s: retry budget exhausted, going offline", s.opts.ClientID)
		s.setState(StateOffline)
		return
	}
	backoff := s.opts.BackoffBase << (s.retries - 1)
	if backoff > s.opts.BackoffMax {
		backoff = s.opts.BackoffMax
	}
	s.mu.Unlock()

	s.setState(StateDisconnected)

	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(backoff, s.connect)
	s.mu.Unlock()
}

func (s *Session) stopTimersLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.syncTimer != nil {
		s.syncTimer.Stop()
		s.syncTimer = nil
	}
	if s.awTimer != nil {
		s.awTimer.Stop()
		s.awTimer = nil
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	cb := s.onStatus
	s.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

// sendLocal is the bridge's send hook. When the transport is down the edit
// stays in the replica; crdt mode replays it through the handshake diff,
// snapshot mode remembers to resend the full tree.
func (s *Session) sendLocal(u *replica.Update) {
	if !s.tr.IsConnected() {
		s.markPendingLocal()
		return
	}
	err := s.tr.SendLocalChange(LocalChange{Update: u, Forest: s.rep.Forest()})
	if err != nil {
		s.markPendingLocal()
	}
}

func (s *Session) markPendingLocal() {
	if s.opts.Mode != ws.ModeSnapshot {
		return
	}
	s.mu.Lock()
	s.pendingLocal = true
	s.mu.Unlock()
}

func (s *Session) onSynced() {
	s.mu.Lock()
	s.retries = 0
	if s.syncTimer != nil {
		s.syncTimer.Stop()
		s.syncTimer = nil
	}
	s.mu.Unlock()
	s.setState(StateSynced)
	// pick up edits still sitting in the debounce window
	s.bridge.Flush()
	if s.aw.Local().UserID != "" || s.aw.Local().Username != "" {
		s.flushAwareness()
	}
}

func (s *Session) onRemoteUpdate(origin string, u *replica.Update) {
	if origin == s.opts.ClientID {
		return
	}
	if s.rep.ApplyRemote(u) {
		s.checkConflicts()
	}
}

func (s *Session) onRemoteSnapshot(origin string, f *element.Forest) {
	if origin == s.opts.ClientID {
		return
	}
	s.mu.Lock()
	pending := s.pendingLocal
	s.mu.Unlock()
	if pending {
		// offline edits win over the server copy; push them instead of
		// letting the inbound tree clobber the store. The flag is cleared
		// only once the resend went out, so a send failure leaves the edits
		// protected against the next currentState too.
		if err := s.tr.SendLocalChange(LocalChange{Forest: s.rep.Forest()}); err != nil {
			log.Printf("collab session %s: resend of offline edits failed: %v", s.opts.ClientID, err)
			return
		}
		s.mu.Lock()
		s.pendingLocal = false
		s.mu.Unlock()
		return
	}
	if element.Hash(f) == s.rep.Hash() {
		return
	}
	s.bridge.applyRemoteForest(f)
	s.checkConflicts()
}

func (s *Session) onAwareness(entries map[string]awareness.Entry) {
	s.aw.ApplyRemote(entries)
}

func (s *Session) onPeerDisconnect(clientID string) {
	s.aw.Remove(clientID)
}

func (s *Session) onServerError(code, message string) {
	log.Printf("collab session %s: server error %s: %s", s.opts.ClientID, code, message)
	if code != ws.CodeStructuralConflict {
		return
	}
	s.mu.Lock()
	cb := s.onConflict
	s.mu.Unlock()
	if cb != nil {
		cb([]element.Conflict{{Code: code, Detail: message}})
	}
}

func (s *Session) onClose(err error) {
	s.mu.Lock()
	manual := s.manualClose
	if s.syncTimer != nil {
		s.syncTimer.Stop()
		s.syncTimer = nil
	}
	s.mu.Unlock()
	if manual {
		s.setState(StateDisconnected)
		return
	}
	if err != nil {
		log.Printf("collab session %s: connection lost: %v", s.opts.ClientID, err)
	}
	s.scheduleRetry()
}

func (s *Session) checkConflicts() {
	conflicts := element.Validate(s.rep.Forest())
	if len(conflicts) == 0 {
		return
	}
	s.mu.Lock()
	cb := s.onConflict
	s.mu.Unlock()
	if cb != nil {
		cb(conflicts)
	}
}
