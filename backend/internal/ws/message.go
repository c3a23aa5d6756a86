package ws

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"docsync/backend/internal/revision"
)

type MessageType int32

const (
	TypeClientPushRevision MessageType = 1
	// TypeClientPing carries the client's rev id and asks for catch up.
	TypeClientPing        MessageType = 2
	TypeServerPull        MessageType = 3
	TypeServerPush        MessageType = 4
	TypeServerAck         MessageType = 5
	TypeServerNewRevision MessageType = 6
	TypeServerError       MessageType = 7
	// TypeServerPresence carries the room's members as JSON.
	TypeServerPresence MessageType = 8
	// TypeServerCatchUp carries a run of committed revisions, oldest first.
	TypeServerCatchUp MessageType = 9
)

func (t MessageType) String() string {
	switch t {
	case TypeClientPushRevision:
		return "client_push_revision"
	case TypeClientPing:
		return "client_ping"
	case TypeServerPull:
		return "server_pull"
	case TypeServerPush:
		return "server_push"
	case TypeServerAck:
		return "server_ack"
	case TypeServerNewRevision:
		return "server_new_revision"
	case TypeServerError:
		return "server_error"
	case TypeServerPresence:
		return "server_presence"
	case TypeServerCatchUp:
		return "server_catch_up"
	}
	return fmt.Sprintf("type(%d)", int32(t))
}

var ErrMalformedFrame = errors.New("MALFORMED_FRAME")

// Envelope is one binary websocket frame:
//
//	1 object_id, 2 data_id (ulid), 3 type, 4 payload
type Envelope struct {
	ObjectID string
	DataID   string
	Type     MessageType
	Payload  []byte
}

func NewEnvelope(objectID string, typ MessageType, payload []byte) Envelope {
	return Envelope{ObjectID: objectID, DataID: ulid.Make().String(), Type: typ, Payload: payload}
}

func (e Envelope) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, e.ObjectID)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, e.DataID)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	return b
}

func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%v: %w", protowire.ParseError(n), ErrMalformedFrame)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			e.ObjectID, n = protowire.ConsumeString(b)
		case num == 2 && typ == protowire.BytesType:
			e.DataID, n = protowire.ConsumeString(b)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			e.Type = MessageType(v)
		case num == 4 && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			e.Payload = append([]byte(nil), v...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Envelope{}, fmt.Errorf("%v: %w", protowire.ParseError(n), ErrMalformedFrame)
		}
		b = b[n:]
	}
	if e.ObjectID == "" || e.Type == 0 {
		return Envelope{}, fmt.Errorf("missing object id or type: %w", ErrMalformedFrame)
	}
	return e, nil
}

// revIDPayload is the body of pings and acks: 1 rev_id.
func revIDPayload(revID int64) []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(revID))
}

func parseRevID(b []byte) (int64, error) {
	var revID int64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, fmt.Errorf("%v: %w", protowire.ParseError(n), ErrMalformedFrame)
		}
		b = b[n:]
		if num == 1 && typ == protowire.VarintType {
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			revID = int64(v)
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return 0, fmt.Errorf("%v: %w", protowire.ParseError(n), ErrMalformedFrame)
		}
		b = b[n:]
	}
	return revID, nil
}

// catchUpPayload is the body of TypeServerCatchUp: repeated 1 revision.
func catchUpPayload(revs []revision.Revision) []byte {
	var b []byte
	for _, rev := range revs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, rev.Marshal())
	}
	return b
}

func parseCatchUp(b []byte) ([]revision.Revision, error) {
	var out []revision.Revision
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%v: %w", protowire.ParseError(n), ErrMalformedFrame)
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				rev, err := revision.UnmarshalRevision(v)
				if err != nil {
					return nil, err
				}
				out = append(out, rev)
			}
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%v: %w", protowire.ParseError(n), ErrMalformedFrame)
		}
		b = b[n:]
	}
	return out, nil
}

// errorPayload is the body of TypeServerError: 1 code, 2 message.
func errorPayload(code, msg string) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, code)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendString(b, msg)
}

func parseError(b []byte) (code, msg string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("%v: %w", protowire.ParseError(n), ErrMalformedFrame)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			code, n = protowire.ConsumeString(b)
		case num == 2 && typ == protowire.BytesType:
			msg, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", "", fmt.Errorf("%v: %w", protowire.ParseError(n), ErrMalformedFrame)
		}
		b = b[n:]
	}
	return code, msg, nil
}
