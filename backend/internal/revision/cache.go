package revision

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"
)

const DefaultFlushDelay = 600 * time.Millisecond

// DiskStore is the durable side of the revision cache.
type DiskStore interface {
	Write(ctx context.Context, records []Record) error
	Read(ctx context.Context, objectID string, r Range) ([]Record, error)
	Delete(ctx context.Context, objectID string, revIDs []int64) error
}

// Cache keeps an object's unflushed records in memory and writes them to
// disk in batches. Every write restarts the flush timer.
type Cache struct {
	objectID string
	disk     DiskStore
	delay    time.Duration

	mu      sync.Mutex
	records map[int64]*Record
	pending map[int64]struct{}
	timer   *time.Timer
}

func NewCache(objectID string, disk DiskStore, delay time.Duration) *Cache {
	if delay <= 0 {
		delay = DefaultFlushDelay
	}
	return &Cache{
		objectID: objectID,
		disk:     disk,
		delay:    delay,
		records:  make(map[int64]*Record),
		pending:  make(map[int64]struct{}),
	}
}

func (c *Cache) Add(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := rec
	r.WriteToDisk = c.disk != nil
	c.records[rec.Revision.RevID] = &r
	if r.WriteToDisk {
		c.pending[rec.Revision.RevID] = struct{}{}
		c.scheduleLocked()
	}
}

// Ack marks revID acked. A record that already reached disk is updated
// there right away.
func (c *Cache) Ack(ctx context.Context, revID int64) error {
	c.mu.Lock()
	rec, ok := c.records[revID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	rec.State = StateAcked
	if _, pending := c.pending[revID]; pending {
		c.scheduleLocked()
		c.mu.Unlock()
		return nil
	}
	out := *rec
	c.mu.Unlock()
	if c.disk == nil {
		return nil
	}
	if err := c.disk.Write(ctx, []Record{out}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.records, revID)
	c.mu.Unlock()
	return nil
}

// Drop forgets revID, in memory and on disk.
func (c *Cache) Drop(ctx context.Context, revID int64) error {
	c.mu.Lock()
	delete(c.records, revID)
	delete(c.pending, revID)
	c.mu.Unlock()
	if c.disk == nil {
		return nil
	}
	return c.disk.Delete(ctx, c.objectID, []int64{revID})
}

func (c *Cache) Get(revID int64) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[revID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns the in-memory records ordered by rev id.
func (c *Cache) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision.RevID < out[j].Revision.RevID })
	return out
}

// Range returns the records in r, reading disk for ids no longer in memory.
func (c *Cache) Range(ctx context.Context, r Range) ([]Record, error) {
	c.mu.Lock()
	found := make(map[int64]Record)
	for id, rec := range c.records {
		if r.Contains(id) {
			found[id] = *rec
		}
	}
	c.mu.Unlock()

	if int64(len(found)) < r.Len() && c.disk != nil {
		onDisk, err := c.disk.Read(ctx, c.objectID, r)
		if err != nil {
			return nil, err
		}
		for _, rec := range onDisk {
			if _, ok := found[rec.Revision.RevID]; !ok {
				found[rec.Revision.RevID] = rec
			}
		}
	}
	out := make([]Record, 0, len(found))
	for _, rec := range found {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision.RevID < out[j].Revision.RevID })
	return out, nil
}

// Unacked returns every record still in StateSent, in memory or on disk,
// ordered by rev id.
func (c *Cache) Unacked(ctx context.Context) ([]Record, error) {
	all, err := c.Range(ctx, Range{Start: 1, End: math.MaxInt64})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.State == StateSent {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Flush writes every pending record now. Acked records leave memory once
// they are on disk.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.pending) == 0 || c.disk == nil {
		c.mu.Unlock()
		return nil
	}
	batch := make([]Record, 0, len(c.pending))
	for id := range c.pending {
		batch = append(batch, *c.records[id])
	}
	c.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Revision.RevID < batch[j].Revision.RevID })
	if err := c.disk.Write(ctx, batch); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, written := range batch {
		id := written.Revision.RevID
		rec, ok := c.records[id]
		if !ok {
			continue
		}
		// written again below if it changed while the batch was out
		if rec.State != written.State {
			continue
		}
		delete(c.pending, id)
		if rec.State == StateAcked {
			delete(c.records, id)
		}
	}
	if len(c.pending) > 0 {
		c.scheduleLocked()
	}
	return nil
}

func (c *Cache) Close(ctx context.Context) error {
	return c.Flush(ctx)
}

func (c *Cache) scheduleLocked() {
	if c.disk == nil {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.delay, func() {
		if err := c.Flush(context.Background()); err != nil {
			log.Printf("revision cache flush failed object=%s err=%v", c.objectID, err)
		}
	})
}
