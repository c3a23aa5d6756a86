package ws

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"docsync/backend/internal/revision"
	"docsync/backend/internal/revsync"
	"docsync/backend/internal/store"
)

// flakyStore fails PersistRevisions while failing is set, or for the
// first failFirst calls.
type flakyStore struct {
	*store.MemoryStore
	failing   atomic.Bool
	failFirst atomic.Int32
	failures  atomic.Int32
}

func (s *flakyStore) PersistRevisions(ctx context.Context, objectID string, revs []revision.Revision) error {
	if s.failing.Load() || s.failFirst.Add(-1) >= 0 {
		s.failures.Add(1)
		return errors.New("disk full")
	}
	return s.MemoryStore.PersistRevisions(ctx, objectID, revs)
}

func TestClient_ResendsAfterPersistFailure(t *testing.T) {
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore()}
	flaky.failFirst.Store(2)
	srv := newTestServerWith(t, flaky, revsync.Options{AckPolicy: revsync.AckAfterPersist}, Options{})
	srv.create(t, "doc", "hello")

	a := dialClient(t, srv, 1)
	if _, err := a.Open(t.Context(), "doc"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := a.ReplaceText(t.Context(), "doc", "hello world"); err != nil {
		t.Fatalf("ReplaceText() error = %v", err)
	}
	eventually(t, "first edit committed", settled(a, "doc", "hello world"))
	if n := flaky.failures.Load(); n != 2 {
		t.Fatalf("store failed %d times, want 2", n)
	}

	for _, s := range []string{"hello world!", "hello, world!", "Hello, world!"} {
		if err := a.ReplaceText(t.Context(), "doc", s); err != nil {
			t.Fatalf("ReplaceText() error = %v", err)
		}
		eventually(t, "edit committed", settled(a, "doc", s))
	}

	view, err := srv.docs.Document(t.Context(), "doc")
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	if string(view.JSON) != `"Hello, world!"` || view.RevID != 4 {
		t.Fatalf("server = %s at %d, want \"Hello, world!\" at 4", view.JSON, view.RevID)
	}
}

func TestClient_RestoresUnackedRevisionOnReopen(t *testing.T) {
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore()}
	flaky.failing.Store(true)
	srv := newTestServerWith(t, flaky, revsync.Options{AckPolicy: revsync.AckAfterPersist}, Options{})
	srv.create(t, "doc", "hello")

	disk, err := revision.OpenSQLiteDisk(t.Context(), filepath.Join(t.TempDir(), "revs.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteDisk() error = %v", err)
	}
	t.Cleanup(func() { _ = disk.Close() })

	a := dialClientWith(t, srv, 1, disk)
	if _, err := a.Open(t.Context(), "doc"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := a.ReplaceText(t.Context(), "doc", "hello world"); err != nil {
		t.Fatalf("ReplaceText() error = %v", err)
	}
	eventually(t, "commit refused", func() bool { return flaky.failures.Load() > 0 })
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	flaky.failing.Store(false)

	b := dialClientWith(t, srv, 1, disk)
	m, err := b.Open(t.Context(), "doc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	eventually(t, "restored edit committed", settled(b, "doc", "hello world"))
	if m.RevID() != 1 {
		t.Fatalf("RevID() = %d, want 1", m.RevID())
	}
	view, err := srv.docs.Document(t.Context(), "doc")
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	if string(view.JSON) != `"hello world"` || view.RevID != 1 {
		t.Fatalf("server = %s at %d, want \"hello world\" at 1", view.JSON, view.RevID)
	}
}
