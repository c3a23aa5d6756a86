// Package revsync is the server side of revision sync: one actor per open
// document serializes every revision against that document.
package revsync

import (
	"context"
	"errors"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/revision"
)

var (
	ErrServerAheadOfClient = errors.New("SERVER_AHEAD_OF_CLIENT")
	ErrInvalidRevision     = errors.New("INVALID_REVISION")
	ErrChecksumMismatch    = revision.ErrChecksumMismatch
	ErrPersistFailed       = errors.New("PERSIST_FAILED")
	ErrDocumentNotFound    = errors.New("DOCUMENT_NOT_FOUND")
	ErrDocumentExists      = errors.New("DOCUMENT_EXISTS")
	ErrClosed              = errors.New("SYNCHRONIZER_CLOSED")
)

type ResponseKind int

const (
	// ResponsePull asks the client to resend the revisions in Range.
	ResponsePull ResponseKind = iota + 1
	ResponsePush
	ResponseAck
	// ResponseNewRevision carries the committed, rebased form of the
	// client's own revision.
	ResponseNewRevision
	// ResponseCatchUp carries every revision a joining client is missing,
	// oldest first, in Revisions. No other kind sets Revisions.
	ResponseCatchUp
)

func (k ResponseKind) String() string {
	switch k {
	case ResponsePull:
		return "pull"
	case ResponsePush:
		return "push"
	case ResponseAck:
		return "ack"
	case ResponseNewRevision:
		return "new_revision"
	case ResponseCatchUp:
		return "catch_up"
	}
	return "unknown"
}

type Response struct {
	Kind      ResponseKind
	ObjectID  string
	Revision  revision.Revision
	RevID     int64
	Range     revision.Range
	Revisions []revision.Revision
}

// RevisionUser is the send side of one connected session.
// Receive must not block. A Receive error drops the user from the
// document until it connects again.
type RevisionUser interface {
	UserID() string
	SessionID() string
	Receive(Response) error
}

// Document is what the store returns for an object: the latest snapshot
// and every revision after it.
type Document struct {
	ObjectID      string
	Kind          collab.DocKind
	Snapshot      []byte
	SnapshotRevID int64
	Revisions     []revision.Revision
}

type Persistence interface {
	PersistRevisions(ctx context.Context, objectID string, revs []revision.Revision) error
	// FetchDocument returns ErrDocumentNotFound for unknown objects.
	FetchDocument(ctx context.Context, objectID string) (Document, error)
	Revisions(ctx context.Context, objectID string, r revision.Range) ([]revision.Revision, error)
	SaveSnapshot(ctx context.Context, objectID string, kind collab.DocKind, revID int64, snapshot []byte) error
}

// Publisher receives an event per commit. collab.KafkaDispatcher is one.
type Publisher interface {
	Enqueue(ctx context.Context, evt collab.RevisionEvent) error
}

type AckPolicy int

const (
	// AckAfterQueue acks once the revision is queued for persistence.
	AckAfterQueue AckPolicy = iota
	// AckAfterPersist acks only after the store accepted the revision.
	AckAfterPersist
)

func ParseAckPolicy(s string) AckPolicy {
	if s == "persist" || s == "after_persist" {
		return AckAfterPersist
	}
	return AckAfterQueue
}
