package ws

import (
	"encoding/json"
	"errors"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/awareness"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/replica"
)

// Message types carried on the wire. Every message carries roomId, and all
// but error carry the origin client id used for echo suppression.
const (
	TypeSync           = "sync"
	TypeUpdate         = "update"
	TypeAwareness      = "awareness"
	TypeError          = "error"
	TypeCurrentState   = "currentState"
	TypeUserDisconnect = "userDisconnect"
)

// Transport modes, negotiated once at connect time.
const (
	ModeCRDT     = "crdt"
	ModeSnapshot = "snapshot"
)

// Error codes sent in error payloads.
const (
	CodeMalformed          = "MALFORMED_UPDATE"
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeBusy               = "BUSY"
	CodeStructuralConflict = "STRUCTURAL_CONFLICT"
)

type Envelope struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(typ, roomID, clientID string, payload any) (*Envelope, error) {
	env := &Envelope{Type: typ, RoomID: roomID, ClientID: clientID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return env, nil
}

func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// SyncPayload drives the crdt-mode handshake: each side states what it has
// seen and ships the ops the other side is missing.
type SyncPayload struct {
	StateVector replica.StateVector `json:"stateVector"`
	Update      *replica.Update     `json:"update,omitempty"`
}

type UpdatePayload struct {
	Update *replica.Update `json:"update"`
}

// SnapshotPayload carries the full element tree; snapshot-mode updates and
// currentState messages both use it.
type SnapshotPayload struct {
	Elements []*element.Element `json:"elements"`
	Hash     string             `json:"hash,omitempty"`
}

type AwarenessPayload struct {
	Entries map[string]awareness.Entry `json:"entries"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type DisconnectPayload struct {
	ClientID string `json:"clientId"`
}

// Binary framing for crdt mode: one frame-kind byte followed by the JSON
// envelope. Snapshot mode sends the bare JSON envelope as a text message.
const (
	frameSync byte = iota + 1
	frameUpdate
	frameAwareness
	frameError
	frameCurrentState
	frameUserDisconnect
)

var frameByType = map[string]byte{
	TypeSync:           frameSync,
	TypeUpdate:         frameUpdate,
	TypeAwareness:      frameAwareness,
	TypeError:          frameError,
	TypeCurrentState:   frameCurrentState,
	TypeUserDisconnect: frameUserDisconnect,
}

var typeByFrame = map[byte]string{
	frameSync:           TypeSync,
	frameUpdate:         TypeUpdate,
	frameAwareness:      TypeAwareness,
	frameError:          TypeError,
	frameCurrentState:   TypeCurrentState,
	frameUserDisconnect: TypeUserDisconnect,
}

var ErrUnknownFrame = errors.New("unknown frame kind")

func EncodeFrame(env *Envelope) ([]byte, error) {
	kind, ok := frameByType[env.Type]
	if !ok {
		return nil, ErrUnknownFrame
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, kind)
	return append(out, body...), nil
}

func DecodeFrame(data []byte) (*Envelope, error) {
	if len(data) < 2 {
		return nil, ErrUnknownFrame
	}
	typ, ok := typeByFrame[data[0]]
	if !ok {
		return nil, ErrUnknownFrame
	}
	var env Envelope
	if err := json.Unmarshal(data[1:], &env); err != nil {
		return nil, err
	}
	if env.Type != typ {
		return nil, errors.New("frame kind does not match envelope type")
	}
	return &env, nil
}
