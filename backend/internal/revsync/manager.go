package revsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/revision"
)

// Manager maps object ids to their synchronizers. Synchronizers open
// lazily from the store; concurrent opens of one object share a fetch.
type Manager struct {
	store Persistence
	opt   Options

	mu    sync.RWMutex
	docs  map[string]*Synchronizer
	group singleflight.Group
}

func NewManager(store Persistence, opt Options) *Manager {
	return &Manager{
		store: store,
		opt:   opt.withDefaults(),
		docs:  make(map[string]*Synchronizer),
	}
}

// closedRetries bounds how often one call reopens a document that closed
// underneath it.
const closedRetries = 5

// Open returns the synchronizer for objectID, loading it on first use and
// again after it closed.
func (m *Manager) Open(ctx context.Context, objectID string) (*Synchronizer, error) {
	if s := m.live(objectID); s != nil {
		return s, nil
	}

	v, err, _ := m.group.Do(objectID, func() (any, error) {
		if s := m.live(objectID); s != nil {
			return s, nil
		}
		doc, err := m.store.FetchDocument(ctx, objectID)
		if err != nil {
			return nil, err
		}
		doc.ObjectID = objectID
		s, err := NewSynchronizer(doc, m.store, m.opt)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.docs[objectID] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Synchronizer), nil
}

func (m *Manager) lookup(objectID string) *Synchronizer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.docs[objectID]
}

// live is lookup minus synchronizers that already closed.
func (m *Manager) live(objectID string) *Synchronizer {
	s := m.lookup(objectID)
	if s == nil {
		return nil
	}
	if s.Closed() {
		m.forget(objectID, s)
		return nil
	}
	return s
}

func (m *Manager) forget(objectID string, s *Synchronizer) {
	m.mu.Lock()
	if m.docs[objectID] == s {
		delete(m.docs, objectID)
	}
	m.mu.Unlock()
}

// withOpen runs fn on objectID's synchronizer, reopening the document when
// it closed between Open and fn.
func (m *Manager) withOpen(ctx context.Context, objectID string, fn func(*Synchronizer) error) error {
	for attempt := 0; ; attempt++ {
		s, err := m.Open(ctx, objectID)
		if err != nil {
			return err
		}
		err = fn(s)
		if !errors.Is(err, ErrClosed) || attempt == closedRetries {
			return err
		}
		m.forget(objectID, s)
	}
}

func (m *Manager) ApplyRevision(ctx context.Context, user RevisionUser, rev revision.Revision) error {
	return m.withOpen(ctx, rev.ObjectID, func(s *Synchronizer) error {
		return s.ApplyRevision(ctx, user, rev)
	})
}

func (m *Manager) NewConnection(ctx context.Context, objectID string, user RevisionUser, revID int64) error {
	return m.withOpen(ctx, objectID, func(s *Synchronizer) error {
		return s.NewConnection(ctx, user, revID)
	})
}

// RemoveUser drops a session from an open document. Closed documents have
// nothing to drop.
func (m *Manager) RemoveUser(ctx context.Context, objectID, sessionID string) error {
	s := m.lookup(objectID)
	if s == nil {
		return nil
	}
	err := s.RemoveUser(ctx, sessionID)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// DocumentView is the document as served to joiners.
type DocumentView struct {
	ObjectID string          `json:"objectId"`
	Kind     collab.DocKind  `json:"kind"`
	RevID    int64           `json:"revId"`
	JSON     json.RawMessage `json:"document"`
}

func (m *Manager) Document(ctx context.Context, objectID string) (DocumentView, error) {
	var view DocumentView
	err := m.withOpen(ctx, objectID, func(s *Synchronizer) error {
		js, revID, err := s.Document(ctx)
		if err != nil {
			return err
		}
		view = DocumentView{ObjectID: objectID, Kind: s.Kind(), RevID: revID, JSON: js}
		return nil
	})
	return view, err
}

// CreateDocument stores snapshot as revision 0 of a new object.
func (m *Manager) CreateDocument(ctx context.Context, objectID string, kind collab.DocKind, snapshot []byte) (DocumentView, error) {
	replica, err := collab.NewReplica(kind, snapshot)
	if err != nil {
		return DocumentView{}, err
	}
	js, err := replica.JSON()
	if err != nil {
		return DocumentView{}, err
	}
	if m.lookup(objectID) != nil {
		return DocumentView{}, fmt.Errorf("%s: %w", objectID, ErrDocumentExists)
	}
	_, err = m.store.FetchDocument(ctx, objectID)
	switch {
	case err == nil:
		return DocumentView{}, fmt.Errorf("%s: %w", objectID, ErrDocumentExists)
	case !errors.Is(err, ErrDocumentNotFound):
		return DocumentView{}, err
	}
	if err := m.store.SaveSnapshot(ctx, objectID, kind, 0, js); err != nil {
		return DocumentView{}, err
	}
	return DocumentView{ObjectID: objectID, Kind: kind, JSON: js}, nil
}

// Flush persists every open document's pending revisions.
func (m *Manager) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.snapshot() {
		if err := s.Flush(ctx); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseDocument closes one synchronizer; the next use reloads it from the store.
func (m *Manager) CloseDocument(ctx context.Context, objectID string) error {
	s := m.lookup(objectID)
	if s == nil {
		return nil
	}
	if err := s.Close(ctx); err != nil {
		return err
	}
	m.forget(objectID, s)
	return nil
}

// Close closes every document. Documents that fail to flush stay open.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.snapshot() {
		if err := m.CloseDocument(ctx, s.ObjectID()); err != nil {
			log.Printf("revsync close failed object=%s err=%v", s.ObjectID(), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) snapshot() []*Synchronizer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Synchronizer, 0, len(m.docs))
	for _, s := range m.docs {
		out = append(out, s)
	}
	return out
}
