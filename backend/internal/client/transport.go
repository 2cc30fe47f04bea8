package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/awareness"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/replica"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/ws"
)

const transportWriteWait = 10 * time.Second

var ErrNotConnected = errors.New("transport not connected")

// LocalChange carries one flushed local edit. Crdt transports send the op
// diff; snapshot transports ignore it and ship the full tree.
type LocalChange struct {
	Update *replica.Update
	Forest *element.Forest
}

// RemoteHandlers receive everything the server pushes. All callbacks fire on
// the transport's read goroutine.
type RemoteHandlers struct {
	OnRemoteUpdate   func(origin string, u *replica.Update)
	OnRemoteSnapshot func(origin string, f *element.Forest)
	OnAwareness      func(entries map[string]awareness.Entry)
	OnPeerDisconnect func(clientID string)
	OnServerError    func(code, message string)
	OnSynced         func()
	OnClose          func(err error)
}

// Transport is one websocket connection to a room in a fixed mode. A
// transport can be connected repeatedly; each Connect dials a fresh socket
// and restarts the mode's handshake.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	IsSynced() bool
	SendLocalChange(ch LocalChange) error
	SendAwareness(entries map[string]awareness.Entry) error
}

func newTransport(opts *Options, rep *replica.Replica, h RemoteHandlers) Transport {
	if opts.Mode == ws.ModeSnapshot {
		return &snapshotTransport{baseTransport: baseTransport{opts: opts, h: h}}
	}
	return &crdtTransport{baseTransport: baseTransport{opts: opts, h: h}, rep: rep}
}

// baseTransport holds the socket mechanics shared by both modes.
type baseTransport struct {
	opts *Options
	h    RemoteHandlers

	mu        sync.Mutex
	sock      *websocket.Conn
	connected bool
	synced    bool
	closing   bool
}

// endpointURL builds the dial target from the configured server URL, mapping
// http(s) schemes to their websocket counterparts.
func (t *baseTransport) endpointURL(mode string) (string, error) {
	u, err := url.Parse(t.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("projectId", t.opts.ProjectID)
	q.Set("pageId", t.opts.PageID)
	q.Set("mode", mode)
	q.Set("clientId", t.opts.ClientID)
	if t.opts.Token != "" {
		q.Set("token", t.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *baseTransport) dial(ctx context.Context, mode string) error {
	target, err := t.endpointURL(mode)
	if err != nil {
		return err
	}
	sock, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	t.mu.Lock()
	t.sock = sock
	t.connected = true
	t.synced = false
	t.closing = false
	t.mu.Unlock()
	return nil
}

func (t *baseTransport) write(messageType int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.sock == nil {
		return ErrNotConnected
	}
	_ = t.sock.SetWriteDeadline(time.Now().Add(transportWriteWait))
	return t.sock.WriteMessage(messageType, data)
}

// teardown marks the transport dead and reports the close upward. The sock
// argument identifies which connection is closing; a read loop left over
// from an earlier connection must not tear down its replacement. The error
// is nil when Disconnect initiated the close.
func (t *baseTransport) teardown(sock *websocket.Conn, err error) {
	t.mu.Lock()
	if sock == nil || t.sock != sock {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.synced = false
	if t.closing {
		err = nil
	}
	t.sock = nil
	t.mu.Unlock()

	_ = sock.Close()
	if t.h.OnClose != nil {
		t.h.OnClose(err)
	}
}

func (t *baseTransport) Disconnect() error {
	t.mu.Lock()
	t.closing = true
	sock := t.sock
	t.mu.Unlock()
	if sock != nil {
		// the read loop observes the close and finishes teardown
		return sock.Close()
	}
	return nil
}

func (t *baseTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *baseTransport) IsSynced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.synced
}

// markSynced flips the synced flag and fires OnSynced on the first flip per
// connection.
func (t *baseTransport) markSynced() {
	t.mu.Lock()
	first := !t.synced && t.connected
	t.synced = t.connected
	t.mu.Unlock()
	if first && t.h.OnSynced != nil {
		t.h.OnSynced()
	}
}

func (t *baseTransport) dispatchCommon(env *ws.Envelope) {
	switch env.Type {
	case ws.TypeAwareness:
		var p ws.AwarenessPayload
		if env.DecodePayload(&p) == nil && t.h.OnAwareness != nil {
			t.h.OnAwareness(p.Entries)
		}
	case ws.TypeUserDisconnect:
		var p ws.DisconnectPayload
		if env.DecodePayload(&p) == nil && t.h.OnPeerDisconnect != nil {
			t.h.OnPeerDisconnect(p.ClientID)
		}
	case ws.TypeError:
		var p ws.ErrorPayload
		if env.DecodePayload(&p) == nil && t.h.OnServerError != nil {
			t.h.OnServerError(p.Code, p.Message)
		}
	}
}
