package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/revision"
	"docsync/backend/internal/revsync"
)

// MemoryStore keeps everything in process. Used when no MySQL is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]DocumentSnapshot
	revisions map[string]map[int64]DocumentRevision
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]DocumentSnapshot),
		revisions: make(map[string]map[int64]DocumentRevision),
	}
}

func (s *MemoryStore) PersistRevisions(_ context.Context, objectID string, revs []revision.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.revisions[objectID]
	if rows == nil {
		rows = make(map[int64]DocumentRevision)
		s.revisions[objectID] = rows
	}
	for _, r := range revs {
		if _, ok := rows[r.RevID]; ok {
			continue
		}
		row := toRow(r)
		row.ObjectID = objectID
		rows[r.RevID] = row
	}
	return nil
}

func (s *MemoryStore) FetchDocument(_ context.Context, objectID string) (revsync.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[objectID]
	if !ok {
		return revsync.Document{}, fmt.Errorf("%s: %w", objectID, revsync.ErrDocumentNotFound)
	}
	doc := revsync.Document{
		ObjectID:      objectID,
		Kind:          snap.kind(),
		Snapshot:      snap.Content,
		SnapshotRevID: snap.RevID,
	}
	for id, row := range s.revisions[objectID] {
		if id > snap.RevID {
			doc.Revisions = append(doc.Revisions, row.revision())
		}
	}
	sort.Slice(doc.Revisions, func(i, j int) bool { return doc.Revisions[i].RevID < doc.Revisions[j].RevID })
	return doc, nil
}

func (s *MemoryStore) Revisions(_ context.Context, objectID string, r revision.Range) ([]revision.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]revision.Revision, 0)
	for id := r.Start; id <= r.End; id++ {
		row, ok := s.revisions[objectID][id]
		if !ok {
			continue
		}
		out = append(out, row.revision())
	}
	return out, nil
}

// SaveSnapshot keeps only the newest snapshot per object.
func (s *MemoryStore) SaveSnapshot(_ context.Context, objectID string, kind collab.DocKind, revID int64, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snapshots[objectID]; ok && cur.RevID >= revID {
		return nil
	}
	s.snapshots[objectID] = DocumentSnapshot{
		ObjectID: objectID,
		RevID:    revID,
		Kind:     string(kind),
		Content:  append([]byte(nil), snapshot...),
	}
	return nil
}
