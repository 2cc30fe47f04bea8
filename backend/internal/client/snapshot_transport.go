package client

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/awareness"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/ws"
)

// snapshotTransport speaks the full-tree fallback protocol: plain JSON text
// messages, every update carries the whole element tree, and the server
// opens with a currentState message instead of a handshake exchange.
type snapshotTransport struct {
	baseTransport
}

func (t *snapshotTransport) Connect(ctx context.Context) error {
	if err := t.dial(ctx, ws.ModeSnapshot); err != nil {
		return err
	}
	t.mu.Lock()
	sock := t.sock
	t.mu.Unlock()
	go t.readLoop(sock)
	return nil
}

func (t *snapshotTransport) SendLocalChange(ch LocalChange) error {
	if ch.Forest == nil {
		return nil
	}
	return t.sendEnvelope(ws.TypeUpdate, ws.SnapshotPayload{
		Elements: ch.Forest.Elements(),
		Hash:     element.Hash(ch.Forest),
	})
}

func (t *snapshotTransport) SendAwareness(entries map[string]awareness.Entry) error {
	return t.sendEnvelope(ws.TypeAwareness, ws.AwarenessPayload{Entries: entries})
}

func (t *snapshotTransport) sendEnvelope(typ string, payload any) error {
	env, err := ws.NewEnvelope(typ, t.opts.roomID(), t.opts.ClientID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.write(websocket.TextMessage, data)
}

func (t *snapshotTransport) readLoop(sock *websocket.Conn) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			t.teardown(sock, err)
			return
		}
		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case ws.TypeCurrentState:
			var p ws.SnapshotPayload
			if env.DecodePayload(&p) != nil {
				continue
			}
			// first currentState doubles as the sync signal in this mode
			if t.h.OnRemoteSnapshot != nil {
				t.h.OnRemoteSnapshot(env.ClientID, element.FromElements(p.Elements))
			}
			t.markSynced()
		default:
			t.dispatchCommon(&env)
		}
	}
}
