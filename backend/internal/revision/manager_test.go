package revision

import (
	"context"
	"errors"
	"testing"
	"time"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/ot/node"
)

type recordingSender struct {
	sent []Revision
}

func (s *recordingSender) SendRevision(_ context.Context, rev Revision) error {
	s.sent = append(s.sent, rev)
	return nil
}

func newTestManager(t *testing.T, snapshot string, revID int64) (*Manager, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	m, err := NewManager(ManagerOptions{
		ObjectID: "doc",
		Author:   "alice",
		Kind:     collab.KindPlainText,
		Snapshot: []byte(`"` + snapshot + `"`),
		RevID:    revID,
		Sender:   sender,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, sender
}

func checksumOf(t *testing.T, text string) string {
	t.Helper()
	r, _ := collab.NewReplica(collab.KindPlainText, []byte(`"`+text+`"`))
	sum, err := collab.Checksum(r)
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	return sum
}

func docText(t *testing.T, m *Manager) string {
	t.Helper()
	js, err := m.Document()
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	return string(js[1 : len(js)-1])
}

func TestManager_BuffersBehindInflight(t *testing.T) {
	ctx := context.Background()
	m, sender := newTestManager(t, "ab", 3)

	if err := m.LocalEdit(ctx, deltaBytes(t, delta.Delta{}.Insert("1", nil).Retain(2, nil))); err != nil {
		t.Fatalf("LocalEdit() error = %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].BaseRevID != 3 || sender.sent[0].RevID != 4 {
		t.Fatalf("sent = %+v, want one revision 3->4", sender.sent)
	}
	if sender.sent[0].MD5 != checksumOf(t, "1ab") {
		t.Fatalf("revision md5 does not match the local document")
	}

	_ = m.LocalEdit(ctx, deltaBytes(t, delta.Delta{}.Retain(3, nil).Insert("2", nil)))
	_ = m.LocalEdit(ctx, deltaBytes(t, delta.Delta{}.Retain(4, nil).Insert("3", nil)))
	if m.State() != Composing || len(sender.sent) != 1 {
		t.Fatalf("state = %s with %d sent, want composing with 1", m.State(), len(sender.sent))
	}

	if err := m.HandleAck(ctx, 4); err != nil {
		t.Fatalf("HandleAck() error = %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent = %d, want the buffer sent after the ack", len(sender.sent))
	}
	next := sender.sent[1]
	if next.BaseRevID != 4 || next.RevID != 5 {
		t.Fatalf("buffer revision = %d->%d, want 4->5", next.BaseRevID, next.RevID)
	}
	got, err := delta.FromBytes(next.Delta)
	if err != nil {
		t.Fatalf("FromBytes() error = %v", err)
	}
	if s, _ := got.Apply("1ab"); s != "1ab23" {
		t.Fatalf("composed buffer applied = %q, want %q", s, "1ab23")
	}
	if m.State() != AwaitingAck {
		t.Fatalf("state = %s, want awaiting_ack", m.State())
	}
}

func TestManager_PushWhileInflightRebases(t *testing.T) {
	ctx := context.Background()
	m, sender := newTestManager(t, "doc", 0)

	_ = m.LocalEdit(ctx, deltaBytes(t, delta.Delta{}.Insert("X", nil).Retain(3, nil)))
	_ = m.LocalEdit(ctx, deltaBytes(t, delta.Delta{}.Retain(4, nil).Insert("!", nil)))

	push := Revision{ObjectID: "doc", BaseRevID: 0, RevID: 1, Author: "bob",
		Delta: deltaBytes(t, delta.Delta{}.Insert("Y", nil).Retain(3, nil)), MD5: checksumOf(t, "Ydoc")}
	if err := m.HandlePush(ctx, push); err != nil {
		t.Fatalf("HandlePush() error = %v", err)
	}
	if m.State() != Conflicted {
		t.Fatalf("state = %s, want conflicted", m.State())
	}
	if got := docText(t, m); got != "XYdoc!" {
		t.Fatalf("document = %q, want %q", got, "XYdoc!")
	}

	// the server rebases X over Y and commits it as 2
	committed := Revision{ObjectID: "doc", BaseRevID: 1, RevID: 2, Author: "alice",
		Delta: deltaBytes(t, delta.Delta{}.Insert("X", nil).Retain(4, nil)), MD5: checksumOf(t, "XYdoc")}
	if err := m.HandleNewRevision(ctx, committed); err != nil {
		t.Fatalf("HandleNewRevision() error = %v", err)
	}
	if m.RevID() != 2 || len(sender.sent) != 2 || sender.sent[1].BaseRevID != 2 {
		t.Fatalf("rev = %d, sent = %+v, want buffer sent on base 2", m.RevID(), sender.sent)
	}
}

func TestManager_PushErrors(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "a", 0)

	gap := Revision{RevID: 2, BaseRevID: 1, Delta: deltaBytes(t, delta.Delta{}.Retain(1, nil))}
	if err := m.HandlePush(ctx, gap); !errors.Is(err, ErrMissingRevision) {
		t.Fatalf("HandlePush(gap) error = %v, want ErrMissingRevision", err)
	}

	bad := Revision{RevID: 1, Delta: deltaBytes(t, delta.Delta{}.Retain(1, nil).Insert("b", nil)), MD5: "nope"}
	if err := m.HandlePush(ctx, bad); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("HandlePush(bad md5) error = %v, want ErrChecksumMismatch", err)
	}

	if err := m.Reset(ctx, []byte(`"fresh"`), 9); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if docText(t, m) != "fresh" || m.RevID() != 9 || m.State() != Idle {
		t.Fatalf("after Reset: %q@%d %s", docText(t, m), m.RevID(), m.State())
	}
}

func TestManager_HandlePullResends(t *testing.T) {
	ctx := context.Background()
	m, sender := newTestManager(t, "", 5)
	_ = m.LocalEdit(ctx, deltaBytes(t, delta.FromString("hi")))

	got, err := m.HandlePull(ctx, Range{Start: 6, End: 6})
	if err != nil {
		t.Fatalf("HandlePull() error = %v", err)
	}
	if len(got) != 1 || got[0].RevID != sender.sent[0].RevID {
		t.Fatalf("HandlePull() = %+v, want the in-flight revision", got)
	}
}

func newDiskManager(t *testing.T, snapshot string, revID int64, disk DiskStore) (*Manager, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	m, err := NewManager(ManagerOptions{
		ObjectID:   "doc",
		Author:     "alice",
		Kind:       collab.KindPlainText,
		Snapshot:   []byte(`"` + snapshot + `"`),
		RevID:      revID,
		Disk:       disk,
		FlushDelay: time.Hour,
		Sender:     sender,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, sender
}

func TestManager_ResendKeepsOriginalRevision(t *testing.T) {
	ctx := context.Background()
	m, sender := newTestManager(t, "doc", 0)

	if _, ok := m.RetryDelay(); ok {
		t.Fatalf("RetryDelay() ok with nothing in flight")
	}
	_ = m.LocalEdit(ctx, deltaBytes(t, delta.Delta{}.Insert("X", nil).Retain(3, nil)))
	push := Revision{ObjectID: "doc", RevID: 1, Author: "bob",
		Delta: deltaBytes(t, delta.Delta{}.Insert("Y", nil).Retain(3, nil))}
	if err := m.HandlePush(ctx, push); err != nil {
		t.Fatalf("HandlePush() error = %v", err)
	}

	if err := m.Resend(ctx); err != nil {
		t.Fatalf("Resend() error = %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent %d revisions, want 2", len(sender.sent))
	}
	first, again := sender.sent[0], sender.sent[1]
	if again.RevID != first.RevID || again.BaseRevID != first.BaseRevID ||
		again.MD5 != first.MD5 || string(again.Delta) != string(first.Delta) {
		t.Fatalf("resent %+v, want the original %+v", again, first)
	}

	for i, want := range []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond} {
		if got, ok := m.RetryDelay(); !ok || got != want {
			t.Fatalf("attempt %d: RetryDelay() = %s, %v, want %s", i, got, ok, want)
		}
	}

	committed := Revision{ObjectID: "doc", BaseRevID: 1, RevID: 2, Author: "alice",
		Delta: deltaBytes(t, delta.Delta{}.Insert("X", nil).Retain(4, nil)), MD5: checksumOf(t, "XYdoc")}
	if err := m.HandleNewRevision(ctx, committed); err != nil {
		t.Fatalf("HandleNewRevision() error = %v", err)
	}
	if _, ok := m.RetryDelay(); ok {
		t.Fatalf("RetryDelay() ok after the revision settled")
	}
	if err := m.Resend(ctx); err != nil || len(sender.sent) != 2 {
		t.Fatalf("Resend() after settle sent %d, err %v", len(sender.sent), err)
	}
}

func TestManager_RestorePendingAfterRestart(t *testing.T) {
	ctx := context.Background()
	disk := newMemDisk()

	before, firstSender := newDiskManager(t, "doc", 3, disk)
	if err := before.LocalEdit(ctx, deltaBytes(t, delta.Delta{}.Insert("X", nil).Retain(3, nil))); err != nil {
		t.Fatalf("LocalEdit() error = %v", err)
	}
	if err := before.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// the server moved on to 5 while the client was away
	m, sender := newDiskManager(t, "ZYdoc", 5, disk)
	restored, err := m.RestorePending(ctx)
	if err != nil || !restored {
		t.Fatalf("RestorePending() = %v, %v, want true", restored, err)
	}
	if len(sender.sent) != 1 || sender.sent[0].RevID != 4 || string(sender.sent[0].Delta) != string(firstSender.sent[0].Delta) {
		t.Fatalf("sent = %+v, want revision 4 as first sent", sender.sent)
	}
	if got := docText(t, m); got != "ZYdoc" {
		t.Fatalf("document = %q, want the server copy", got)
	}

	if err := m.LocalEdit(ctx, deltaBytes(t, delta.Delta{}.Retain(5, nil).Insert("!", nil))); err != nil {
		t.Fatalf("LocalEdit() error = %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("edit sent while the restored revision is in flight")
	}

	committed := Revision{ObjectID: "doc", BaseRevID: 5, RevID: 6, Author: "alice",
		Delta: deltaBytes(t, delta.Delta{}.Insert("X", nil).Retain(5, nil))}
	err = m.HandleNewRevision(ctx, committed)
	if !errors.Is(err, ErrMissingRevision) {
		t.Fatalf("HandleNewRevision() error = %v, want ErrMissingRevision", err)
	}
	if len(sender.sent) != 2 || sender.sent[1].BaseRevID != 5 {
		t.Fatalf("sent = %+v, want the buffer sent on base 5", sender.sent)
	}
	if rows, _ := disk.snapshot(); len(rows) != 0 {
		t.Fatalf("disk still holds %d records after the restored revision settled", len(rows))
	}

	// catch-up delivers our own commit as a push
	if err := m.HandlePush(ctx, committed); err != nil {
		t.Fatalf("HandlePush() error = %v", err)
	}
	if got := docText(t, m); got != "XZYdoc!" {
		t.Fatalf("document = %q, want %q", got, "XZYdoc!")
	}
	if m.RevID() != 6 {
		t.Fatalf("rev = %d, want 6", m.RevID())
	}
}

func TestManager_RestorePendingNothingOnDisk(t *testing.T) {
	ctx := context.Background()
	m, sender := newDiskManager(t, "doc", 2, newMemDisk())
	restored, err := m.RestorePending(ctx)
	if err != nil || restored || len(sender.sent) != 0 {
		t.Fatalf("RestorePending() = %v, %v with %d sent, want nothing", restored, err, len(sender.sent))
	}
	if m.State() != Idle {
		t.Fatalf("state = %s, want idle", m.State())
	}
}

func TestManager_ResetDropsUnackedRecord(t *testing.T) {
	ctx := context.Background()
	disk := newMemDisk()
	m, _ := newDiskManager(t, "doc", 0, disk)
	_ = m.LocalEdit(ctx, deltaBytes(t, delta.FromString("x").Retain(3, nil)))
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Reset(ctx, []byte(`"fresh"`), 4); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if rows, _ := disk.snapshot(); len(rows) != 0 {
		t.Fatalf("disk holds %+v after Reset, want nothing", rows)
	}
}

func TestManager_LocalEditNormalizesTreeInsert(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	m, err := NewManager(ManagerOptions{ObjectID: "tree", Author: "alice", Kind: collab.KindNodeTree, Sender: sender})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	ops, _ := node.Operations{node.Insert(node.Path{7}, node.NodeData{Type: "text"})}.Bytes()
	if err := m.LocalEdit(ctx, ops); err != nil {
		t.Fatalf("LocalEdit() error = %v", err)
	}
	got, err := node.FromBytes(sender.sent[0].Delta)
	if err != nil {
		t.Fatalf("FromBytes() error = %v", err)
	}
	if len(got) != 1 || !got[0].Path.Equal(node.Path{0}) {
		t.Fatalf("sent %+v, want the insert at [0]", got)
	}
}
