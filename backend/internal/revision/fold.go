package revision

import (
	"fmt"
	"sort"

	"docsync/backend/internal/collab"
)

// FromRevisions rebuilds a document from a snapshot taken at snapshotRevID
// and the revisions after it. Revisions at or below snapshotRevID are
// already in the snapshot and are skipped. The rest must be contiguous.
func FromRevisions(kind collab.DocKind, snapshot []byte, snapshotRevID int64, revs []Revision) (collab.Replica, int64, error) {
	doc, err := collab.NewReplica(kind, snapshot)
	if err != nil {
		return nil, 0, err
	}
	sorted := append([]Revision(nil), revs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RevID < sorted[j].RevID })

	cur := snapshotRevID
	for _, rev := range sorted {
		if rev.RevID <= cur {
			continue
		}
		if rev.RevID != cur+1 {
			return nil, 0, fmt.Errorf("object %s: have %d, next is %d: %w", rev.ObjectID, cur, rev.RevID, ErrMissingRevision)
		}
		if err := doc.Apply(rev.Delta); err != nil {
			return nil, 0, fmt.Errorf("fold %s: %w", rev, err)
		}
		cur = rev.RevID
	}
	return doc, cur, nil
}
