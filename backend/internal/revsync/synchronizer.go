package revsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/revision"
)

type Options struct {
	MailboxSize    int
	HistoryCap     int
	SnapshotEvery  int
	AckPolicy      AckPolicy
	PersistTimeout time.Duration
	Publisher      Publisher
}

func (o Options) withDefaults() Options {
	if o.MailboxSize <= 0 {
		o.MailboxSize = 1000
	}
	if o.HistoryCap <= 0 {
		o.HistoryCap = 1000
	}
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 100
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	return o
}

const publishTimeout = 100 * time.Millisecond

// originKey identifies a revision as the client proposed it.
type originKey struct {
	author string
	base   int64
	rev    int64
	md5    string
}

type persistJob struct {
	batch []revision.Revision
	done  chan struct{}
	err   error
}

// Synchronizer owns one document. Every exported method is a command run
// on the actor goroutine, in mailbox order.
type Synchronizer struct {
	objectID string
	kind     collab.DocKind
	alg      collab.Algebra
	store    Persistence
	opt      Options

	mailbox chan func()
	done    chan struct{}
	once    sync.Once

	// owned by the actor goroutine
	doc           collab.Replica
	revID         int64
	history       []revision.Revision
	origins       map[originKey]int64
	users         map[string]RevisionUser
	unpersisted   []revision.Revision
	job           *persistJob
	sinceSnapshot int
	closed        bool
}

func NewSynchronizer(doc Document, store Persistence, opt Options) (*Synchronizer, error) {
	opt = opt.withDefaults()
	alg, err := collab.AlgebraFor(doc.Kind)
	if err != nil {
		return nil, err
	}
	replica, revID, err := revision.FromRevisions(doc.Kind, doc.Snapshot, doc.SnapshotRevID, doc.Revisions)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", doc.ObjectID, err)
	}
	s := &Synchronizer{
		objectID: doc.ObjectID,
		kind:     doc.Kind,
		alg:      alg,
		store:    store,
		opt:      opt,
		mailbox:  make(chan func(), opt.MailboxSize),
		done:     make(chan struct{}),
		doc:      replica,
		revID:    revID,
		origins:  make(map[originKey]int64),
		users:    make(map[string]RevisionUser),
	}
	for _, rev := range doc.Revisions {
		if rev.RevID > doc.SnapshotRevID {
			s.remember(rev, originKey{author: rev.Author, base: rev.BaseRevID, rev: rev.RevID, md5: rev.MD5})
		}
	}
	go s.run()
	return s, nil
}

func (s *Synchronizer) run() {
	for {
		select {
		case cmd := <-s.mailbox:
			cmd()
		case <-s.done:
			return
		}
	}
}

// do runs fn on the actor and waits for it.
func (s *Synchronizer) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.mailbox <- cmd:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		// Close ran before our command
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. Used by persist goroutines.
func (s *Synchronizer) post(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.done:
	}
}

// Closed reports whether Close has finished. Commands on a closed
// synchronizer fail with ErrClosed.
func (s *Synchronizer) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Synchronizer) ObjectID() string     { return s.objectID }
func (s *Synchronizer) Kind() collab.DocKind { return s.kind }

// NewConnection registers user and brings it up to date: a client behind
// the server gets its missing revisions in one CatchUp, a client ahead
// gets a Pull.
func (s *Synchronizer) NewConnection(ctx context.Context, user RevisionUser, clientRevID int64) error {
	var err error
	if e := s.do(ctx, func() {
		if s.closed {
			err = ErrClosed
			return
		}
		s.users[user.SessionID()] = user
		err = s.catchUp(ctx, user, clientRevID)
	}); e != nil {
		return e
	}
	return err
}

func (s *Synchronizer) catchUp(ctx context.Context, user RevisionUser, clientRevID int64) error {
	switch {
	case clientRevID < s.revID:
		missing, err := s.revisionsSince(ctx, clientRevID)
		if err != nil {
			return err
		}
		s.send(user, Response{Kind: ResponseCatchUp, Revisions: missing})
	case clientRevID > s.revID:
		s.send(user, Response{Kind: ResponsePull, Range: revision.Range{Start: s.revID + 1, End: clientRevID}})
	}
	return nil
}

// ApplyRevision commits rev from user. A revision on the current head
// commits as is and is acked. A revision on an older base is rebased over
// everything committed since and answered with ResponseNewRevision.
// A revision ahead of the server triggers a Pull.
func (s *Synchronizer) ApplyRevision(ctx context.Context, user RevisionUser, rev revision.Revision) error {
	var err error
	if e := s.do(ctx, func() {
		if s.closed {
			err = ErrClosed
			return
		}
		s.users[user.SessionID()] = user
		err = s.applyRevision(ctx, user, rev)
	}); e != nil {
		return e
	}
	return err
}

func (s *Synchronizer) applyRevision(ctx context.Context, user RevisionUser, rev revision.Revision) error {
	origin := originKey{author: rev.Author, base: rev.BaseRevID, rev: rev.RevID, md5: rev.MD5}
	if committed, ok := s.origins[origin]; ok {
		// resent after a lost ack
		s.reply(user, rev, committed)
		return nil
	}

	switch {
	case rev.BaseRevID == s.revID:
		next := s.doc.Clone()
		if err := next.Apply(rev.Delta); err != nil {
			return fmt.Errorf("%s: %v: %w", rev, err, ErrInvalidRevision)
		}
		sum, err := collab.Checksum(next)
		if err != nil {
			return err
		}
		if rev.MD5 != "" && rev.MD5 != sum {
			return fmt.Errorf("%s: client %s, server %s: %w", rev, rev.MD5, sum, ErrChecksumMismatch)
		}
		committed := s.stamp(rev, rev.Delta, sum)
		if err := s.commit(ctx, next, committed, origin); err != nil {
			return err
		}
		s.send(user, Response{Kind: ResponseAck, RevID: committed.RevID})
		s.broadcast(user, committed)
		return nil

	case rev.BaseRevID < s.revID:
		server, err := s.revisionsSince(ctx, rev.BaseRevID)
		if err != nil {
			return err
		}
		ops := rev.Delta
		for _, srv := range server {
			ops, _, err = s.alg.Transform(ops, srv.Delta)
			if err != nil {
				return fmt.Errorf("%s over %d: %v: %w", rev, srv.RevID, err, ErrInvalidRevision)
			}
		}
		next := s.doc.Clone()
		if err := next.Apply(ops); err != nil {
			return fmt.Errorf("%s rebased: %v: %w", rev, err, ErrInvalidRevision)
		}
		sum, err := collab.Checksum(next)
		if err != nil {
			return err
		}
		committed := s.stamp(rev, ops, sum)
		if err := s.commit(ctx, next, committed, origin); err != nil {
			return err
		}
		s.send(user, Response{Kind: ResponseNewRevision, Revision: committed})
		s.broadcast(user, committed)
		return nil

	default:
		s.send(user, Response{Kind: ResponsePull, Range: revision.Range{Start: s.revID + 1, End: rev.BaseRevID}})
		return fmt.Errorf("%s on server %d: %w", rev, s.revID, ErrInvalidRevision)
	}
}

// reply answers a duplicate with what the original produced.
func (s *Synchronizer) reply(user RevisionUser, rev revision.Revision, committed int64) {
	if committed == rev.RevID {
		s.send(user, Response{Kind: ResponseAck, RevID: committed})
		return
	}
	if c, ok := s.fromHistory(committed); ok {
		s.send(user, Response{Kind: ResponseNewRevision, Revision: c})
	}
}

func (s *Synchronizer) stamp(rev revision.Revision, ops []byte, sum string) revision.Revision {
	out := revision.Revision{
		ObjectID:  s.objectID,
		BaseRevID: s.revID,
		RevID:     s.revID + 1,
		Delta:     ops,
		MD5:       sum,
		Author:    rev.Author,
		CreatedAt: time.Now(),
	}
	return out
}

func (s *Synchronizer) commit(ctx context.Context, next collab.Replica, rev revision.Revision, origin originKey) error {
	if s.opt.AckPolicy == AckAfterPersist {
		s.waitPersist()
		batch := append(append([]revision.Revision(nil), s.unpersisted...), rev)
		if err := s.store.PersistRevisions(ctx, s.objectID, batch); err != nil {
			return fmt.Errorf("%s: %v: %w", rev, err, ErrPersistFailed)
		}
		s.unpersisted = nil
	} else {
		s.unpersisted = append(s.unpersisted, rev)
	}

	s.doc = next
	s.revID = rev.RevID
	s.remember(rev, origin)

	if s.opt.AckPolicy == AckAfterQueue {
		s.startPersist()
	}
	s.sinceSnapshot++
	if s.sinceSnapshot >= s.opt.SnapshotEvery {
		s.snapshotAsync()
	}
	s.publish(rev)
	return nil
}

func (s *Synchronizer) remember(rev revision.Revision, origin originKey) {
	if len(s.history) >= s.opt.HistoryCap {
		drop := s.history[0]
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
		for k, v := range s.origins {
			if v == drop.RevID {
				delete(s.origins, k)
			}
		}
	}
	s.history = append(s.history, rev)
	if origin.author != "" || origin.md5 != "" {
		s.origins[origin] = rev.RevID
	}
}

func (s *Synchronizer) fromHistory(revID int64) (revision.Revision, bool) {
	if len(s.history) == 0 {
		return revision.Revision{}, false
	}
	i := revID - s.history[0].RevID
	if i < 0 || i >= int64(len(s.history)) {
		return revision.Revision{}, false
	}
	return s.history[i], true
}

// revisionsSince returns the committed revisions after from, oldest first.
func (s *Synchronizer) revisionsSince(ctx context.Context, from int64) ([]revision.Revision, error) {
	if from >= s.revID {
		return nil, nil
	}
	oldest := s.revID + 1
	if len(s.history) > 0 {
		oldest = s.history[0].RevID
	}
	var out []revision.Revision
	if from+1 < oldest {
		stored, err := s.store.Revisions(ctx, s.objectID, revision.Range{Start: from + 1, End: oldest - 1})
		if err != nil {
			return nil, fmt.Errorf("load %d..%d: %v: %w", from+1, oldest-1, err, ErrServerAheadOfClient)
		}
		out = append(out, stored...)
	}
	for _, rev := range s.history {
		if rev.RevID > from {
			out = append(out, rev)
		}
	}
	for i, rev := range out {
		if rev.RevID != from+1+int64(i) {
			return nil, fmt.Errorf("history after %d has a gap at %d: %w", from, from+1+int64(i), ErrServerAheadOfClient)
		}
	}
	if int64(len(out)) != s.revID-from {
		return nil, fmt.Errorf("history after %d ends early: %w", from, ErrServerAheadOfClient)
	}
	return out, nil
}

func (s *Synchronizer) send(user RevisionUser, resp Response) {
	resp.ObjectID = s.objectID
	if err := user.Receive(resp); err != nil {
		// the session is gone or can not keep up; it rejoins with a ping
		log.Printf("revsync send failed, dropping session object=%s session=%s kind=%s err=%v", s.objectID, user.SessionID(), resp.Kind, err)
		delete(s.users, user.SessionID())
	}
}

func (s *Synchronizer) broadcast(from RevisionUser, rev revision.Revision) {
	for id, u := range s.users {
		if id == from.SessionID() {
			continue
		}
		s.send(u, Response{Kind: ResponsePush, Revision: rev})
	}
}

func (s *Synchronizer) publish(rev revision.Revision) {
	if s.opt.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err := s.opt.Publisher.Enqueue(ctx, collab.RevisionEvent{
		EventType:   collab.EventRevisionCommitted,
		ObjectID:    s.objectID,
		Kind:        s.kind,
		RevID:       rev.RevID,
		BaseRevID:   rev.BaseRevID,
		Author:      rev.Author,
		MD5:         rev.MD5,
		Delta:       rev.Delta,
		CommittedAt: rev.CreatedAt,
	})
	if err != nil {
		log.Printf("revsync publish dropped object=%s rev=%d err=%v", s.objectID, rev.RevID, err)
	}
}

// startPersist sends the unpersisted list to the store in the background.
// Only one batch is out at a time; a failed batch stays listed and goes
// out again with the next commit or Flush.
func (s *Synchronizer) startPersist() {
	if s.job != nil || len(s.unpersisted) == 0 {
		return
	}
	job := &persistJob{
		batch: append([]revision.Revision(nil), s.unpersisted...),
		done:  make(chan struct{}),
	}
	s.job = job
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opt.PersistTimeout)
		job.err = s.store.PersistRevisions(ctx, s.objectID, job.batch)
		cancel()
		close(job.done)
		s.post(func() { s.finishPersist(job) })
	}()
}

func (s *Synchronizer) finishPersist(job *persistJob) {
	if s.job != job {
		return
	}
	s.job = nil
	if job.err != nil {
		log.Printf("revsync persist failed object=%s revs=%d..%d err=%v",
			s.objectID, job.batch[0].RevID, job.batch[len(job.batch)-1].RevID, job.err)
		return
	}
	s.markPersisted(job.batch[len(job.batch)-1].RevID)
	s.startPersist()
}

func (s *Synchronizer) markPersisted(upTo int64) {
	i := 0
	for i < len(s.unpersisted) && s.unpersisted[i].RevID <= upTo {
		i++
	}
	s.unpersisted = append([]revision.Revision(nil), s.unpersisted[i:]...)
}

// waitPersist settles the batch in flight, if any, on the actor.
func (s *Synchronizer) waitPersist() {
	if s.job == nil {
		return
	}
	<-s.job.done
	s.finishPersistQuiet(s.job)
}

func (s *Synchronizer) finishPersistQuiet(job *persistJob) {
	s.job = nil
	if job.err == nil {
		s.markPersisted(job.batch[len(job.batch)-1].RevID)
	}
}

func (s *Synchronizer) flush(ctx context.Context) error {
	s.waitPersist()
	if len(s.unpersisted) == 0 {
		return nil
	}
	if err := s.store.PersistRevisions(ctx, s.objectID, s.unpersisted); err != nil {
		return fmt.Errorf("flush %s: %v: %w", s.objectID, err, ErrPersistFailed)
	}
	s.unpersisted = nil
	return nil
}

// Flush writes every unpersisted revision now.
func (s *Synchronizer) Flush(ctx context.Context) error {
	var err error
	if e := s.do(ctx, func() { err = s.flush(ctx) }); e != nil {
		return e
	}
	return err
}

func (s *Synchronizer) snapshotAsync() {
	js, err := s.doc.JSON()
	if err != nil {
		log.Printf("revsync snapshot encode failed object=%s err=%v", s.objectID, err)
		return
	}
	s.sinceSnapshot = 0
	revID := s.revID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opt.PersistTimeout)
		defer cancel()
		if err := s.store.SaveSnapshot(ctx, s.objectID, s.kind, revID, js); err != nil {
			log.Printf("revsync snapshot failed object=%s rev=%d err=%v", s.objectID, revID, err)
		}
	}()
}

// Document returns the current document JSON and its revision.
func (s *Synchronizer) Document(ctx context.Context) ([]byte, int64, error) {
	var (
		js    []byte
		revID int64
		err   error
	)
	if e := s.do(ctx, func() {
		js, err = s.doc.JSON()
		revID = s.revID
	}); e != nil {
		return nil, 0, e
	}
	return js, revID, err
}

// DocJSON is Document without the revision.
func (s *Synchronizer) DocJSON(ctx context.Context) ([]byte, error) {
	js, _, err := s.Document(ctx)
	return js, err
}

// RemoveUser drops the session from the collaborator set.
func (s *Synchronizer) RemoveUser(ctx context.Context, sessionID string) error {
	return s.do(ctx, func() { delete(s.users, sessionID) })
}

// Users reports the number of registered sessions.
func (s *Synchronizer) Users(ctx context.Context) (int, error) {
	n := 0
	err := s.do(ctx, func() { n = len(s.users) })
	return n, err
}

// Close flushes, writes a final snapshot and stops the actor. When the
// flush fails the synchronizer keeps running so nothing is lost.
func (s *Synchronizer) Close(ctx context.Context) error {
	var err error
	e := s.do(ctx, func() {
		if s.closed {
			return
		}
		if err = s.flush(ctx); err != nil {
			return
		}
		if s.sinceSnapshot > 0 {
			js, jerr := s.doc.JSON()
			if jerr == nil {
				jerr = s.store.SaveSnapshot(ctx, s.objectID, s.kind, s.revID, js)
			}
			if jerr != nil {
				log.Printf("revsync final snapshot failed object=%s err=%v", s.objectID, jerr)
			}
		}
		s.closed = true
	})
	if errors.Is(e, ErrClosed) {
		return nil
	}
	if e != nil {
		return e
	}
	if err != nil {
		return err
	}
	s.once.Do(func() { close(s.done) })
	return nil
}
