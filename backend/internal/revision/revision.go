// Package revision holds the revision model shared by clients and the
// server, and the client side revision manager with its caches.
package revision

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrMissingRevision  = errors.New("MISSING_REVISION")
	ErrInvalidRange     = errors.New("INVALID_REVISION_RANGE")
	ErrChecksumMismatch = errors.New("CHECKSUM_MISMATCH")
)

// Revision is one committed (or proposed) change to an object. Delta holds
// the encoded op list for the object's DocKind; MD5 is the checksum of the
// document after the change.
type Revision struct {
	ObjectID  string
	BaseRevID int64
	RevID     int64
	Delta     []byte
	MD5       string
	Author    string
	CreatedAt time.Time
}

func (r Revision) String() string {
	return fmt.Sprintf("%s@%d(base %d)", r.ObjectID, r.RevID, r.BaseRevID)
}

// Range is an inclusive, 1-based span of rev ids.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Valid() bool { return r.Start >= 1 && r.End >= r.Start }

func (r Range) Len() int64 {
	if !r.Valid() {
		return 0
	}
	return r.End - r.Start + 1
}

func (r Range) Contains(revID int64) bool { return revID >= r.Start && revID <= r.End }

func (r Range) String() string { return fmt.Sprintf("[%d..%d]", r.Start, r.End) }

type RecordState int

const (
	StateSent RecordState = iota
	StateAcked
)

func (s RecordState) String() string {
	if s == StateAcked {
		return "acked"
	}
	return "sent"
}

// Record tracks a revision through send, ack and the disk write.
type Record struct {
	Revision    Revision
	State       RecordState
	WriteToDisk bool
}

// RevIDCounter hands out (base, rev) pairs for locally created revisions.
type RevIDCounter struct {
	mu  sync.Mutex
	cur int64
}

func NewRevIDCounter(start int64) *RevIDCounter { return &RevIDCounter{cur: start} }

// NextRevIDPair returns the current id as base and advances to base+1.
func (c *RevIDCounter) NextRevIDPair() (base, rev int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base = c.cur
	c.cur++
	return base, c.cur
}

func (c *RevIDCounter) RevID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *RevIDCounter) SetRevID(id int64) {
	c.mu.Lock()
	c.cur = id
	c.mu.Unlock()
}
