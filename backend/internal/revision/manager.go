package revision

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"docsync/backend/internal/collab"
)

// Sender delivers a locally created revision to the server.
type Sender interface {
	SendRevision(ctx context.Context, rev Revision) error
}

type ManagerState int

const (
	Idle ManagerState = iota
	// Composing: a revision is in flight and local edits are buffered behind it.
	Composing
	AwaitingAck
	// Conflicted: a server revision arrived while ours was in flight.
	Conflicted
)

func (s ManagerState) String() string {
	switch s {
	case Composing:
		return "composing"
	case AwaitingAck:
		return "awaiting_ack"
	case Conflicted:
		return "conflicted"
	}
	return "idle"
}

type ManagerOptions struct {
	ObjectID   string
	Author     string
	Kind       collab.DocKind
	Snapshot   []byte
	RevID      int64
	Disk       DiskStore
	FlushDelay time.Duration
	Sender     Sender
}

// Manager is the client side of one object. It keeps at most one revision
// in flight, buffers local edits behind it and rebases both over revisions
// pushed by the server.
type Manager struct {
	objectID string
	author   string
	alg      collab.Algebra
	counter  *RevIDCounter
	cache    *Cache
	sender   Sender

	mu          sync.Mutex
	doc         collab.Replica
	serverRevID int64
	state       ManagerState
	inflight    *Revision
	buffer      []byte
	// sent is the in-flight revision as it went out, before any rebase.
	sent *Revision
	// restored marks an in-flight revision reloaded from disk. Its delta
	// is not part of doc.
	restored bool
	attempts int
}

const (
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

func NewManager(opt ManagerOptions) (*Manager, error) {
	alg, err := collab.AlgebraFor(opt.Kind)
	if err != nil {
		return nil, err
	}
	doc, err := alg.NewReplica(opt.Snapshot)
	if err != nil {
		return nil, err
	}
	return &Manager{
		objectID:    opt.ObjectID,
		author:      opt.Author,
		alg:         alg,
		counter:     NewRevIDCounter(opt.RevID),
		cache:       NewCache(opt.ObjectID, opt.Disk, opt.FlushDelay),
		sender:      opt.Sender,
		doc:         doc,
		serverRevID: opt.RevID,
	}, nil
}

func (m *Manager) ObjectID() string { return m.objectID }

// LocalEdit applies ops to the local document and either sends them or
// composes them into the buffer. Ops are normalized against the local
// document first, so what is sent is what was applied.
func (m *Manager) LocalEdit(ctx context.Context, ops []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops, err := collab.Normalize(m.doc, ops)
	if err != nil {
		return err
	}
	if err := m.doc.Apply(ops); err != nil {
		return err
	}
	if m.inflight == nil {
		return m.sendLocked(ctx, ops)
	}
	if m.buffer == nil {
		m.buffer = ops
	} else {
		composed, err := m.alg.Compose(m.buffer, ops)
		if err != nil {
			return fmt.Errorf("compose local edit: %w", err)
		}
		m.buffer = composed
	}
	if m.state == AwaitingAck {
		m.state = Composing
	}
	return nil
}

func (m *Manager) sendLocked(ctx context.Context, ops []byte) error {
	m.counter.SetRevID(m.serverRevID)
	base, rev := m.counter.NextRevIDPair()
	sum, err := collab.Checksum(m.doc)
	if err != nil {
		return err
	}
	r := Revision{
		ObjectID:  m.objectID,
		BaseRevID: base,
		RevID:     rev,
		Delta:     ops,
		MD5:       sum,
		Author:    m.author,
		CreatedAt: time.Now(),
	}
	m.cache.Add(Record{Revision: r, State: StateSent})
	sent := r
	m.inflight, m.sent = &r, &sent
	m.buffer = nil
	m.state = AwaitingAck
	if m.sender == nil {
		return nil
	}
	// the record stays cached; a Pull from the server resends it
	return m.sender.SendRevision(ctx, r)
}

// Resend sends the in-flight revision again exactly as it first went out.
// The server commits one origin at most once and answers a duplicate with
// the original outcome.
func (m *Manager) Resend(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil || m.sender == nil {
		return nil
	}
	return m.sender.SendRevision(ctx, *m.sent)
}

// RetryDelay returns how long to wait before resending the in-flight
// revision after a failed attempt, doubling per attempt up to a cap.
// ok is false when nothing is in flight.
func (m *Manager) RetryDelay() (delay time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		return 0, false
	}
	delay = retryBaseDelay << min(m.attempts, 16)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	m.attempts++
	return delay, true
}

// RestorePending puts the newest revision left unacknowledged on disk back
// in flight and sends it again. The manager must be fresh from a server
// snapshot: the revision is not applied locally, its effect arrives with
// the server's catch-up after the answer.
func (m *Manager) RestorePending(ctx context.Context) (bool, error) {
	recs, err := m.cache.Unacked(ctx)
	if err != nil {
		return false, err
	}
	if len(recs) == 0 {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight != nil {
		return false, nil
	}
	for _, stale := range recs[:len(recs)-1] {
		if err := m.cache.Drop(ctx, stale.Revision.RevID); err != nil {
			log.Printf("revision drop failed object=%s rev=%d err=%v", m.objectID, stale.Revision.RevID, err)
		}
	}
	r := recs[len(recs)-1].Revision
	sent := r
	m.inflight, m.sent, m.restored = &r, &sent, true
	m.state = AwaitingAck
	log.Printf("revision restored object=%s %s", m.objectID, r)
	if m.sender == nil {
		return true, nil
	}
	return true, m.sender.SendRevision(ctx, r)
}

// HandleAck confirms the in-flight revision committed unchanged.
func (m *Manager) HandleAck(ctx context.Context, revID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight == nil || m.inflight.RevID != revID {
		return nil
	}
	if m.restored {
		if err := m.cache.Drop(ctx, revID); err != nil {
			log.Printf("revision drop failed object=%s rev=%d err=%v", m.objectID, revID, err)
		}
		return m.settleRestoredLocked(ctx, revID)
	}
	if err := m.cache.Ack(ctx, revID); err != nil {
		log.Printf("revision ack write failed object=%s rev=%d err=%v", m.objectID, revID, err)
	}
	m.serverRevID = revID
	return m.settleLocked(ctx)
}

// HandleNewRevision takes the server's rebased copy of the in-flight
// revision, which stands in for the ack.
func (m *Manager) HandleNewRevision(ctx context.Context, rev Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight == nil {
		return nil
	}
	if m.restored {
		if err := m.cache.Drop(ctx, m.inflight.RevID); err != nil {
			log.Printf("revision drop failed object=%s rev=%d err=%v", m.objectID, m.inflight.RevID, err)
		}
		return m.settleRestoredLocked(ctx, rev.RevID)
	}
	if rev.RevID != m.serverRevID+1 {
		return fmt.Errorf("new revision %d after %d: %w", rev.RevID, m.serverRevID, ErrMissingRevision)
	}
	if err := m.cache.Drop(ctx, m.inflight.RevID); err != nil {
		log.Printf("revision drop failed object=%s rev=%d err=%v", m.objectID, m.inflight.RevID, err)
	}
	m.cache.Add(Record{Revision: rev, State: StateAcked})
	m.serverRevID = rev.RevID
	if m.buffer == nil && rev.MD5 != "" {
		if err := m.verifyLocked(rev); err != nil {
			m.inflight, m.sent, m.state = nil, nil, Idle
			return err
		}
	}
	return m.settleLocked(ctx)
}

// HandlePush applies a revision another user committed.
func (m *Manager) HandlePush(ctx context.Context, rev Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rev.RevID <= m.serverRevID {
		return nil
	}
	if rev.RevID != m.serverRevID+1 {
		return fmt.Errorf("push %d after %d: %w", rev.RevID, m.serverRevID, ErrMissingRevision)
	}

	if m.inflight == nil || m.restored {
		return m.applyPushLocked(rev)
	}

	inflight, s1, err := m.alg.Transform(m.inflight.Delta, rev.Delta)
	if err != nil {
		return fmt.Errorf("rebase in-flight over %s: %w", rev, err)
	}
	s2 := s1
	if m.buffer != nil {
		buffer, s, err := m.alg.Transform(m.buffer, s1)
		if err != nil {
			return fmt.Errorf("rebase buffer over %s: %w", rev, err)
		}
		m.buffer, s2 = buffer, s
	}
	if err := m.doc.Apply(s2); err != nil {
		return fmt.Errorf("apply rebased push %s: %w", rev, err)
	}
	// the cached record keeps the delta as sent; the server rebases it itself
	m.inflight.Delta = inflight
	m.serverRevID = rev.RevID
	m.state = Conflicted
	return nil
}

// applyPushLocked applies rev when nothing in flight is part of doc. Only
// the buffer, if any, is rebased over it.
func (m *Manager) applyPushLocked(rev Revision) error {
	ops, buffer := rev.Delta, m.buffer
	if buffer != nil {
		b, s, err := m.alg.Transform(buffer, rev.Delta)
		if err != nil {
			return fmt.Errorf("rebase buffer over %s: %w", rev, err)
		}
		ops, buffer = s, b
	}
	if err := m.doc.Apply(ops); err != nil {
		return fmt.Errorf("apply push %s: %w", rev, err)
	}
	m.buffer = buffer
	m.serverRevID = rev.RevID
	m.counter.SetRevID(rev.RevID)
	if m.buffer == nil && rev.MD5 != "" {
		return m.verifyLocked(rev)
	}
	return nil
}

// HandlePull returns the cached revisions in r for resending.
func (m *Manager) HandlePull(ctx context.Context, r Range) ([]Revision, error) {
	recs, err := m.cache.Range(ctx, r)
	if err != nil {
		return nil, err
	}
	out := make([]Revision, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Revision)
	}
	return out, nil
}

// Reset replaces the document with a fresh server copy and drops local
// state that was not yet committed, on disk too.
func (m *Manager) Reset(ctx context.Context, snapshot []byte, revID int64) error {
	doc, err := m.alg.NewReplica(snapshot)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight != nil {
		if err := m.cache.Drop(ctx, m.inflight.RevID); err != nil {
			log.Printf("revision drop failed object=%s rev=%d err=%v", m.objectID, m.inflight.RevID, err)
		}
	}
	m.doc = doc
	m.serverRevID = revID
	m.counter.SetRevID(revID)
	m.inflight, m.sent, m.buffer, m.state = nil, nil, nil, Idle
	m.restored, m.attempts = false, 0
	return nil
}

func (m *Manager) settleLocked(ctx context.Context) error {
	m.counter.SetRevID(m.serverRevID)
	m.inflight, m.sent = nil, nil
	m.restored, m.attempts = false, 0
	m.state = Idle
	if m.buffer == nil {
		return nil
	}
	return m.sendLocked(ctx, m.buffer)
}

// settleRestoredLocked ends a restored revision the server committed as
// committedID. Anything past our revision, our own commit included, is
// fetched through catch-up, signalled by ErrMissingRevision.
func (m *Manager) settleRestoredLocked(ctx context.Context, committedID int64) error {
	behind := committedID > m.serverRevID
	if err := m.settleLocked(ctx); err != nil {
		return err
	}
	if behind {
		return fmt.Errorf("restored revision committed as %d after %d: %w", committedID, m.serverRevID, ErrMissingRevision)
	}
	return nil
}

func (m *Manager) verifyLocked(rev Revision) error {
	sum, err := collab.Checksum(m.doc)
	if err != nil {
		return err
	}
	if sum != rev.MD5 {
		return fmt.Errorf("object %s at %d: local %s, server %s: %w", m.objectID, rev.RevID, sum, rev.MD5, ErrChecksumMismatch)
	}
	return nil
}

func (m *Manager) Document() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.JSON()
}

func (m *Manager) RevID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverRevID
}

func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Revisions returns the records still held in memory.
func (m *Manager) Revisions() []Record { return m.cache.Records() }

func (m *Manager) Close(ctx context.Context) error { return m.cache.Close(ctx) }
