package ws

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"docsync/backend/internal/revision"
	"docsync/backend/internal/revsync"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env := NewEnvelope("doc-1", TypeServerAck, revIDPayload(42))
	got, err := UnmarshalEnvelope(env.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalEnvelope() error = %v", err)
	}
	if diff := cmp.Diff(env, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	revID, err := parseRevID(got.Payload)
	if err != nil || revID != 42 {
		t.Fatalf("parseRevID() = %d, %v, want 42", revID, err)
	}
}

func TestEnvelope_ErrorPayload(t *testing.T) {
	code, msg, err := parseError(errorPayload("CHECKSUM_MISMATCH", "rev 3"))
	if err != nil || code != "CHECKSUM_MISMATCH" || msg != "rev 3" {
		t.Fatalf("parseError() = %q, %q, %v", code, msg, err)
	}
}

func TestUnmarshalEnvelope_Malformed(t *testing.T) {
	noType := Envelope{ObjectID: "doc"}.Marshal()
	noObject := Envelope{Type: TypeClientPing}.Marshal()
	truncated := NewEnvelope("doc", TypeClientPing, revIDPayload(1)).Marshal()
	truncated = truncated[:len(truncated)-2]

	for name, b := range map[string][]byte{
		"garbage":   {0xff, 0xff, 0xff},
		"no type":   noType,
		"no object": noObject,
		"truncated": truncated,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := UnmarshalEnvelope(b); !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("UnmarshalEnvelope() error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestCatchUpPayload_KeepsOrder(t *testing.T) {
	var revs []revision.Revision
	for i := int64(1); i <= 3; i++ {
		revs = append(revs, revision.Revision{ObjectID: "doc", BaseRevID: i - 1, RevID: i, Delta: []byte(`[]`), MD5: "m", Author: "a"})
	}
	got, err := parseCatchUp(catchUpPayload(revs))
	if err != nil {
		t.Fatalf("parseCatchUp() error = %v", err)
	}
	if diff := cmp.Diff(revs, got); diff != "" {
		t.Fatalf("catch up mismatch (-want +got):\n%s", diff)
	}

	if _, err := parseCatchUp([]byte{0x0a, 0x05, 0x01}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("parseCatchUp(truncated) error = %v, want ErrMalformedFrame", err)
	}
}

func TestSession_CatchUpFitsSendQueue(t *testing.T) {
	s := &Session{id: "s", send: make(chan Envelope, sendQueueSize), rooms: map[string]struct{}{}}
	revs := make([]revision.Revision, 600)
	for i := range revs {
		revs[i] = revision.Revision{BaseRevID: int64(i), RevID: int64(i + 1)}
	}
	if err := s.Receive(revsync.Response{Kind: revsync.ResponseCatchUp, ObjectID: "doc", Revisions: revs}); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(s.send) != 3 {
		t.Fatalf("queued frames = %d, want 3", len(s.send))
	}
	next := int64(1)
	for len(s.send) > 0 {
		env := <-s.send
		if env.Type != TypeServerCatchUp {
			t.Fatalf("frame type = %s, want server_catch_up", env.Type)
		}
		got, err := parseCatchUp(env.Payload)
		if err != nil {
			t.Fatalf("parseCatchUp() error = %v", err)
		}
		for _, rev := range got {
			if rev.RevID != next {
				t.Fatalf("revision %d out of order, want %d", rev.RevID, next)
			}
			next++
		}
	}
	if next != 601 {
		t.Fatalf("received %d revisions, want 600", next-1)
	}
}

func TestSession_ReceiveAfterCloseFails(t *testing.T) {
	s := &Session{id: "s", send: make(chan Envelope, sendQueueSize), rooms: map[string]struct{}{}}
	s.closed = true
	err := s.Receive(revsync.Response{Kind: revsync.ResponseAck, ObjectID: "doc", RevID: 1})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Receive() error = %v, want ErrSessionClosed", err)
	}
}
