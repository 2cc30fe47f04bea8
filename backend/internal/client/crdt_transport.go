package client

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/awareness"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/replica"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/ws"
)

// crdtTransport speaks the incremental protocol: binary frames, a
// state-vector handshake on connect, then op diffs in both directions.
type crdtTransport struct {
	baseTransport
	rep *replica.Replica
}

func (t *crdtTransport) Connect(ctx context.Context) error {
	if err := t.dial(ctx, ws.ModeCRDT); err != nil {
		return err
	}
	t.mu.Lock()
	sock := t.sock
	t.mu.Unlock()
	// open the handshake: tell the server what we have seen
	if err := t.sendFrame(ws.TypeSync, ws.SyncPayload{StateVector: t.rep.StateVector()}); err != nil {
		t.teardown(sock, err)
		return err
	}
	go t.readLoop(sock)
	return nil
}

func (t *crdtTransport) SendLocalChange(ch LocalChange) error {
	return t.sendFrame(ws.TypeUpdate, ws.UpdatePayload{Update: ch.Update})
}

func (t *crdtTransport) SendAwareness(entries map[string]awareness.Entry) error {
	return t.sendFrame(ws.TypeAwareness, ws.AwarenessPayload{Entries: entries})
}

func (t *crdtTransport) sendFrame(typ string, payload any) error {
	env, err := ws.NewEnvelope(typ, t.opts.roomID(), t.opts.ClientID, payload)
	if err != nil {
		return err
	}
	frame, err := ws.EncodeFrame(env)
	if err != nil {
		return err
	}
	return t.write(websocket.BinaryMessage, frame)
}

func (t *crdtTransport) readLoop(sock *websocket.Conn) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			t.teardown(sock, err)
			return
		}
		env, err := ws.DecodeFrame(data)
		if err != nil {
			continue
		}
		switch env.Type {
		case ws.TypeSync:
			t.handleSyncReply(env)
		case ws.TypeUpdate:
			var p ws.UpdatePayload
			if env.DecodePayload(&p) == nil && t.h.OnRemoteUpdate != nil {
				t.h.OnRemoteUpdate(env.ClientID, p.Update)
			}
		default:
			t.dispatchCommon(env)
		}
	}
}

// handleSyncReply completes the handshake: apply the ops the server sent,
// mark the connection synced, then push back everything the server's vector
// is missing (edits made while offline included).
func (t *crdtTransport) handleSyncReply(env *ws.Envelope) {
	var p ws.SyncPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if p.Update != nil && t.h.OnRemoteUpdate != nil {
		t.h.OnRemoteUpdate(env.ClientID, p.Update)
	}
	t.markSynced()
	if diff := t.rep.DiffSince(p.StateVector); diff != nil {
		_ = t.sendFrame(ws.TypeUpdate, ws.UpdatePayload{Update: diff})
	}
}
