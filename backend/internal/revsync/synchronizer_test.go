package revsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/revision"
)

type storedSnapshot struct {
	kind  collab.DocKind
	revID int64
	data  []byte
}

type fakeStore struct {
	mu        sync.Mutex
	snapshots map[string]storedSnapshot
	revs      map[string]map[int64]revision.Revision
	failing   bool
	fetches   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		snapshots: make(map[string]storedSnapshot),
		revs:      make(map[string]map[int64]revision.Revision),
	}
}

func (f *fakeStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeStore) PersistRevisions(_ context.Context, objectID string, revs []revision.Revision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("store down")
	}
	if f.revs[objectID] == nil {
		f.revs[objectID] = make(map[int64]revision.Revision)
	}
	for _, r := range revs {
		f.revs[objectID][r.RevID] = r
	}
	return nil
}

func (f *fakeStore) FetchDocument(_ context.Context, objectID string) (Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	snap, ok := f.snapshots[objectID]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	doc := Document{ObjectID: objectID, Kind: snap.kind, Snapshot: snap.data, SnapshotRevID: snap.revID}
	for id, r := range f.revs[objectID] {
		if id > snap.revID {
			doc.Revisions = append(doc.Revisions, r)
		}
	}
	sort.Slice(doc.Revisions, func(i, j int) bool { return doc.Revisions[i].RevID < doc.Revisions[j].RevID })
	return doc, nil
}

func (f *fakeStore) Revisions(_ context.Context, objectID string, r revision.Range) ([]revision.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []revision.Revision
	for id := r.Start; id <= r.End; id++ {
		rev, ok := f.revs[objectID][id]
		if !ok {
			break
		}
		out = append(out, rev)
	}
	return out, nil
}

func (f *fakeStore) SaveSnapshot(_ context.Context, objectID string, kind collab.DocKind, revID int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("store down")
	}
	f.snapshots[objectID] = storedSnapshot{kind: kind, revID: revID, data: append([]byte(nil), data...)}
	return nil
}

func (f *fakeStore) persisted(objectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.revs[objectID])
}

func (f *fakeStore) snapshotRev(objectID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[objectID].revID
}

type fakeUser struct {
	id string

	mu  sync.Mutex
	got []Response
}

func (u *fakeUser) UserID() string    { return u.id }
func (u *fakeUser) SessionID() string { return "session-" + u.id }

func (u *fakeUser) Receive(r Response) error {
	u.mu.Lock()
	u.got = append(u.got, r)
	u.mu.Unlock()
	return nil
}

func (u *fakeUser) take() []Response {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.got
	u.got = nil
	return out
}

func ops(t *testing.T, d delta.Delta) []byte {
	t.Helper()
	b, err := d.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	return b
}

func newPlainDoc(t *testing.T, store *fakeStore, objectID, text string) {
	t.Helper()
	m := NewManager(store, Options{})
	if _, err := m.CreateDocument(context.Background(), objectID, collab.KindPlainText, []byte(fmt.Sprintf("%q", text))); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
}

func docText(t *testing.T, m *Manager, objectID string) (string, int64) {
	t.Helper()
	view, err := m.Document(context.Background(), objectID)
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	return string(view.JSON[1 : len(view.JSON)-1]), view.RevID
}

// deliver feeds server responses into a client manager.
func deliver(t *testing.T, c *revision.Manager, rs []Response) {
	t.Helper()
	ctx := context.Background()
	for _, r := range rs {
		var err error
		switch r.Kind {
		case ResponseAck:
			err = c.HandleAck(ctx, r.RevID)
		case ResponsePush:
			err = c.HandlePush(ctx, r.Revision)
		case ResponseNewRevision:
			err = c.HandleNewRevision(ctx, r.Revision)
		case ResponseCatchUp:
			for _, rev := range r.Revisions {
				if err = c.HandlePush(ctx, rev); err != nil {
					break
				}
			}
		}
		if err != nil {
			t.Fatalf("deliver %s: %v", r.Kind, err)
		}
	}
}

type captureSender struct{ sent []revision.Revision }

func (s *captureSender) SendRevision(_ context.Context, r revision.Revision) error {
	s.sent = append(s.sent, r)
	return nil
}

func TestSynchronizer_ConcurrentInsertsConverge(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	newPlainDoc(t, store, "doc", "")
	m := NewManager(store, Options{})
	alice, bob := &fakeUser{id: "alice"}, &fakeUser{id: "bob"}

	clients := map[string]*revision.Manager{}
	senders := map[string]*captureSender{}
	for _, name := range []string{"alice", "bob"} {
		senders[name] = &captureSender{}
		c, err := revision.NewManager(revision.ManagerOptions{
			ObjectID: "doc", Author: name, Kind: collab.KindPlainText, Sender: senders[name],
		})
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		clients[name] = c
	}
	_ = m.NewConnection(ctx, "doc", alice, 0)
	_ = m.NewConnection(ctx, "doc", bob, 0)

	_ = clients["alice"].LocalEdit(ctx, ops(t, delta.Delta{}.Insert("X", nil)))
	_ = clients["bob"].LocalEdit(ctx, ops(t, delta.Delta{}.Insert("Y", nil)))

	if err := m.ApplyRevision(ctx, alice, senders["alice"].sent[0]); err != nil {
		t.Fatalf("ApplyRevision(alice) error = %v", err)
	}
	if err := m.ApplyRevision(ctx, bob, senders["bob"].sent[0]); err != nil {
		t.Fatalf("ApplyRevision(bob) error = %v", err)
	}

	text, rev := docText(t, m, "doc")
	if text != "YX" || rev != 2 {
		t.Fatalf("server document = %q@%d, want \"YX\"@2", text, rev)
	}

	bobGot := bob.take()
	if len(bobGot) != 2 || bobGot[0].Kind != ResponsePush || bobGot[1].Kind != ResponseNewRevision {
		t.Fatalf("bob responses = %+v, want push then new_revision", bobGot)
	}
	deliver(t, clients["alice"], alice.take())
	deliver(t, clients["bob"], bobGot)

	for name, c := range clients {
		js, _ := c.Document()
		if string(js) != `"YX"` || c.RevID() != 2 || c.State() != revision.Idle {
			t.Fatalf("%s = %s@%d %s, want \"YX\"@2 idle", name, js, c.RevID(), c.State())
		}
	}
}

func TestSynchronizer_CatchUp(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	newPlainDoc(t, store, "doc", "")
	m := NewManager(store, Options{})
	writer := &fakeUser{id: "w"}
	for i := 0; i < 3; i++ {
		rev := revision.Revision{ObjectID: "doc", Author: "w", BaseRevID: int64(i), RevID: int64(i + 1),
			Delta: ops(t, delta.Delta{}.Retain(i, nil).Insert("abc"[i:i+1], nil))}
		if err := m.ApplyRevision(ctx, writer, rev); err != nil {
			t.Fatalf("ApplyRevision(%d) error = %v", i+1, err)
		}
	}

	late := &fakeUser{id: "late"}
	if err := m.NewConnection(ctx, "doc", late, 0); err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	got := late.take()
	if len(got) != 1 || got[0].Kind != ResponseCatchUp {
		t.Fatalf("late responses = %+v, want one catch_up", got)
	}
	if len(got[0].Revisions) != 3 {
		t.Fatalf("catch up revisions = %d, want 3", len(got[0].Revisions))
	}
	for i, r := range got[0].Revisions {
		if r.RevID != int64(i+1) {
			t.Fatalf("catch up revision %d = rev %d", i, r.RevID)
		}
	}

	ahead := &fakeUser{id: "ahead"}
	_ = m.NewConnection(ctx, "doc", ahead, 5)
	if got := ahead.take(); len(got) != 1 || got[0].Kind != ResponsePull || got[0].Range != (revision.Range{Start: 4, End: 5}) {
		t.Fatalf("ahead responses = %+v, want pull 4..5", got)
	}
}

func TestSynchronizer_RejectsBadRevisions(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	newPlainDoc(t, store, "doc", "abc")
	m := NewManager(store, Options{})
	u := &fakeUser{id: "u"}

	cases := []struct {
		name string
		rev  revision.Revision
		want error
	}{
		{"out of bounds", revision.Revision{ObjectID: "doc", RevID: 1, Delta: ops(t, delta.Delta{}.Retain(9, nil))}, ErrInvalidRevision},
		{"short", revision.Revision{ObjectID: "doc", RevID: 1, Delta: ops(t, delta.Delta{}.Retain(1, nil))}, ErrInvalidRevision},
		{"bad checksum", revision.Revision{ObjectID: "doc", RevID: 1, MD5: "x", Delta: ops(t, delta.Delta{}.Retain(3, nil).Insert("d", nil))}, ErrChecksumMismatch},
		{"ahead", revision.Revision{ObjectID: "doc", BaseRevID: 4, RevID: 5, Delta: ops(t, delta.Delta{}.Retain(3, nil))}, ErrInvalidRevision},
	}
	for _, tc := range cases {
		err := m.ApplyRevision(ctx, u, tc.rev)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: ApplyRevision() error = %v, want %v", tc.name, err, tc.want)
		}
	}
	if text, rev := docText(t, m, "doc"); text != "abc" || rev != 0 {
		t.Fatalf("document = %q@%d after rejects, want \"abc\"@0", text, rev)
	}
	got := u.take()
	if len(got) != 1 || got[0].Kind != ResponsePull || got[0].Range != (revision.Range{Start: 1, End: 4}) {
		t.Fatalf("responses = %+v, want a single pull 1..4", got)
	}
}

func TestSynchronizer_DuplicateIsReacked(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	newPlainDoc(t, store, "doc", "")
	m := NewManager(store, Options{})
	u := &fakeUser{id: "u"}
	rev := revision.Revision{ObjectID: "doc", Author: "u", RevID: 1, Delta: ops(t, delta.FromString("hi"))}

	for i := 0; i < 2; i++ {
		if err := m.ApplyRevision(ctx, u, rev); err != nil {
			t.Fatalf("ApplyRevision(#%d) error = %v", i, err)
		}
	}
	got := u.take()
	if len(got) != 2 || got[0].Kind != ResponseAck || got[1].Kind != ResponseAck || got[1].RevID != 1 {
		t.Fatalf("responses = %+v, want two acks for 1", got)
	}
	if text, rev := docText(t, m, "doc"); text != "hi" || rev != 1 {
		t.Fatalf("document = %q@%d, want \"hi\"@1", text, rev)
	}
}

func TestSynchronizer_PersistFailureRecovers(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	newPlainDoc(t, store, "doc", "")
	m := NewManager(store, Options{AckPolicy: AckAfterQueue})
	u := &fakeUser{id: "u"}

	store.setFailing(true)
	for i := 0; i < 10; i++ {
		rev := revision.Revision{ObjectID: "doc", Author: "u", BaseRevID: int64(i), RevID: int64(i + 1),
			Delta: ops(t, delta.Delta{}.Retain(i, nil).Insert("x", nil))}
		if err := m.ApplyRevision(ctx, u, rev); err != nil {
			t.Fatalf("ApplyRevision(%d) error = %v", i+1, err)
		}
	}
	if acks := u.take(); len(acks) != 10 {
		t.Fatalf("acks = %d, want 10", len(acks))
	}
	if err := m.Flush(ctx); !errors.Is(err, ErrPersistFailed) {
		t.Fatalf("Flush() with store down error = %v, want ErrPersistFailed", err)
	}
	if n := store.persisted("doc"); n != 0 {
		t.Fatalf("persisted = %d while store down", n)
	}

	store.setFailing(false)
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n := store.persisted("doc"); n != 10 {
		t.Fatalf("persisted = %d, want 10", n)
	}
	if err := m.CloseDocument(ctx, "doc"); err != nil {
		t.Fatalf("CloseDocument() error = %v", err)
	}

	fresh := NewManager(store, Options{})
	if text, rev := docText(t, fresh, "doc"); text != "xxxxxxxxxx" || rev != 10 {
		t.Fatalf("reloaded document = %q@%d, want 10 x at 10", text, rev)
	}
}

func TestSynchronizer_AckAfterPersistHoldsCommit(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	newPlainDoc(t, store, "doc", "")
	m := NewManager(store, Options{AckPolicy: AckAfterPersist})
	u := &fakeUser{id: "u"}
	rev := revision.Revision{ObjectID: "doc", Author: "u", RevID: 1, Delta: ops(t, delta.FromString("a"))}

	store.setFailing(true)
	if err := m.ApplyRevision(ctx, u, rev); !errors.Is(err, ErrPersistFailed) {
		t.Fatalf("ApplyRevision() error = %v, want ErrPersistFailed", err)
	}
	if _, r := docText(t, m, "doc"); r != 0 || len(u.take()) != 0 {
		t.Fatalf("committed without persisting, rev = %d", r)
	}

	store.setFailing(false)
	if err := m.ApplyRevision(ctx, u, rev); err != nil {
		t.Fatalf("ApplyRevision() retry error = %v", err)
	}
	if store.persisted("doc") != 1 {
		t.Fatalf("revision not persisted before ack")
	}
	if got := u.take(); len(got) != 1 || got[0].Kind != ResponseAck {
		t.Fatalf("responses = %+v, want ack", got)
	}
}

func TestSynchronizer_SingleWriterMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	newPlainDoc(t, store, "doc", "")
	m := NewManager(store, Options{})

	const writers = 20
	payload := ops(t, delta.FromString("a"))
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := &fakeUser{id: fmt.Sprintf("w%d", i)}
			rev := revision.Revision{ObjectID: "doc", Author: u.id, RevID: 1, Delta: payload}
			errs <- m.ApplyRevision(ctx, u, rev)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ApplyRevision() error = %v", err)
		}
	}

	text, rev := docText(t, m, "doc")
	if len(text) != writers || rev != writers {
		t.Fatalf("document = %q@%d, want %d runes at %d", text, rev, writers, writers)
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	revs, _ := store.Revisions(ctx, "doc", revision.Range{Start: 1, End: writers})
	for i, r := range revs {
		if r.RevID != int64(i+1) || r.BaseRevID != int64(i) {
			t.Fatalf("revision %d = %d on base %d", i, r.RevID, r.BaseRevID)
		}
	}
}

func TestManager_OpenSharesFetch(t *testing.T) {
	store := newFakeStore()
	newPlainDoc(t, store, "doc", "x")
	store.mu.Lock()
	store.fetches = 0
	store.mu.Unlock()

	m := NewManager(store, Options{})
	var wg sync.WaitGroup
	opened := make([]*Synchronizer, 8)
	for i := range opened {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			opened[i], _ = m.Open(context.Background(), "doc")
		}(i)
	}
	wg.Wait()
	for _, s := range opened {
		if s == nil || s != opened[0] {
			t.Fatalf("Open() returned different synchronizers")
		}
	}
	store.mu.Lock()
	fetches := store.fetches
	store.mu.Unlock()
	if fetches != 1 {
		t.Fatalf("fetches = %d, want 1", fetches)
	}

	if _, err := m.Open(context.Background(), "missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("Open(missing) error = %v, want ErrDocumentNotFound", err)
	}
}

func TestSynchronizer_PeriodicSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	newPlainDoc(t, store, "doc", "")
	m := NewManager(store, Options{SnapshotEvery: 3})
	u := &fakeUser{id: "u"}
	for i := 0; i < 3; i++ {
		rev := revision.Revision{ObjectID: "doc", Author: "u", BaseRevID: int64(i), RevID: int64(i + 1),
			Delta: ops(t, delta.Delta{}.Retain(i, nil).Insert("s", nil))}
		_ = m.ApplyRevision(ctx, u, rev)
	}
	deadline := time.Now().Add(2 * time.Second)
	for store.snapshotRev("doc") != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("snapshot rev = %d, want 3", store.snapshotRev("doc"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type goneUser struct{ fakeUser }

func (u *goneUser) Receive(Response) error { return errors.New("session closed") }

func TestSynchronizer_DropsUnreachableUser(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	newPlainDoc(t, store, "doc", "")
	m := NewManager(store, Options{})
	writer, gone := &fakeUser{id: "w"}, &goneUser{fakeUser{id: "gone"}}

	if err := m.NewConnection(ctx, "doc", gone, 0); err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	if err := m.NewConnection(ctx, "doc", writer, 0); err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	rev := revision.Revision{ObjectID: "doc", Author: "w", RevID: 1, Delta: ops(t, delta.Delta{}.Insert("x", nil))}
	if err := m.ApplyRevision(ctx, writer, rev); err != nil {
		t.Fatalf("ApplyRevision() error = %v", err)
	}

	s, err := m.Open(ctx, "doc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if n, err := s.Users(ctx); err != nil || n != 1 {
		t.Fatalf("Users() = %d, %v, want only the writer", n, err)
	}
}

func TestSynchronizer_RebasesRevisionThreeBehind(t *testing.T) {
	ctx := context.Background()
	alg, err := collab.AlgebraFor(collab.KindPlainText)
	if err != nil {
		t.Fatalf("AlgebraFor() error = %v", err)
	}
	history := [][]byte{
		ops(t, delta.Delta{}.Insert("X", nil).Retain(5, nil)),
		ops(t, delta.Delta{}.Retain(6, nil).Insert("!", nil)),
		ops(t, delta.Delta{}.Retain(1, nil).Delete(1).Retain(5, nil)),
	}
	composed := history[0]
	for _, h := range history[1:] {
		if composed, err = alg.Compose(composed, h); err != nil {
			t.Fatalf("Compose() error = %v", err)
		}
	}

	cases := []struct {
		name   string
		client delta.Delta
	}{
		{"insert in the middle", delta.Delta{}.Retain(3, nil).Insert("LL", nil).Retain(2, nil)},
		{"delete over a deleted rune", delta.Delta{}.Delete(2).Retain(3, nil)},
		{"replace the tail", delta.Delta{}.Retain(2, nil).Delete(3).Insert("y", nil)},
		{"insert at the front", delta.Delta{}.Insert("<", nil).Retain(5, nil)},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			objectID := fmt.Sprintf("doc-%d", i)
			store := newFakeStore()
			newPlainDoc(t, store, objectID, "hello")
			m := NewManager(store, Options{})
			writer, late := &fakeUser{id: "w"}, &fakeUser{id: "late"}
			for n, h := range history {
				rev := revision.Revision{ObjectID: objectID, Author: "w", BaseRevID: int64(n), RevID: int64(n + 1), Delta: h}
				if err := m.ApplyRevision(ctx, writer, rev); err != nil {
					t.Fatalf("ApplyRevision(history %d) error = %v", n+1, err)
				}
			}

			client := ops(t, tc.client)
			rev := revision.Revision{ObjectID: objectID, Author: "late", BaseRevID: 0, RevID: 1, Delta: client}
			if err := m.ApplyRevision(ctx, late, rev); err != nil {
				t.Fatalf("ApplyRevision() error = %v", err)
			}

			want, _ := collab.NewReplica(collab.KindPlainText, []byte(`"hello"`))
			rebased, _, err := alg.Transform(client, composed)
			if err != nil {
				t.Fatalf("Transform() error = %v", err)
			}
			for _, step := range [][]byte{composed, rebased} {
				if err := want.Apply(step); err != nil {
					t.Fatalf("Apply() error = %v", err)
				}
			}
			wantJSON, _ := want.JSON()
			wantSum, _ := collab.Checksum(want)

			text, revID := docText(t, m, objectID)
			if `"`+text+`"` != string(wantJSON) || revID != 4 {
				t.Fatalf("server = %q@%d, want %s@4", text, revID, wantJSON)
			}
			got := late.take()
			if len(got) != 1 || got[0].Kind != ResponseNewRevision {
				t.Fatalf("responses = %+v, want one new_revision", got)
			}
			if nr := got[0].Revision; nr.BaseRevID != 3 || nr.RevID != 4 || nr.MD5 != wantSum {
				t.Fatalf("new revision = %d->%d md5 %s, want 3->4 md5 %s", nr.BaseRevID, nr.RevID, nr.MD5, wantSum)
			}
		})
	}
}

func TestManager_ApplyWhileDocumentCloses(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	newPlainDoc(t, store, "doc", "")
	m := NewManager(store, Options{})
	writer := &fakeUser{id: "w"}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = m.CloseDocument(ctx, "doc")
			time.Sleep(200 * time.Microsecond)
		}
	}()

	const letters = "abcdefghijklmnopqrst"
	var failed error
	for i := 0; i < len(letters) && failed == nil; i++ {
		rev := revision.Revision{ObjectID: "doc", Author: "w", BaseRevID: int64(i), RevID: int64(i + 1),
			Delta: ops(t, delta.Delta{}.Retain(i, nil).Insert(letters[i:i+1], nil))}
		failed = m.ApplyRevision(ctx, writer, rev)
	}
	close(stop)
	wg.Wait()
	if failed != nil {
		t.Fatalf("ApplyRevision() error = %v", failed)
	}

	text, rev := docText(t, m, "doc")
	if text != letters || rev != int64(len(letters)) {
		t.Fatalf("document = %q@%d, want %q@%d", text, rev, letters, len(letters))
	}
}
