package cache

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	DocBaseTTL  = 30 * time.Second
	DocJitter   = 10 * time.Second
	NullDocTTL  = 5 * time.Second
	nullDocMark = "-"
)

// ErrNotFound is returned, and cached briefly, for documents the loader
// does not know.
var ErrNotFound = errors.New("NOT_FOUND")

// DocumentCache fronts document reads with redis. Misses for one key are
// collapsed into a single load; unknown ids are cached as a null marker.
type DocumentCache struct {
	rdb redis.UniversalClient
	sf  singleflight.Group
}

func NewDocumentCache(rdb redis.UniversalClient) *DocumentCache {
	return &DocumentCache{rdb: rdb}
}

// jittered TTL so cached documents do not expire together
func docTTL() time.Duration {
	return DocBaseTTL + time.Duration(rand.Int63n(int64(DocJitter)))
}

// Get returns the cached bytes for objectID or calls load. load reports
// found=false for unknown documents.
func (c *DocumentCache) Get(ctx context.Context, objectID string, load func(context.Context) ([]byte, bool, error)) ([]byte, error) {
	key := docKey(objectID)
	v, err, _ := c.sf.Do(key, func() (any, error) {
		res, err := c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil && string(res) == nullDocMark:
			return nil, ErrNotFound
		case err == nil:
			return res, nil
		case !errors.Is(err, redis.Nil):
			// redis trouble falls through to the loader
			log.Printf("document cache read failed key=%s err=%v", key, err)
		}

		val, found, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if !found {
			if err := c.rdb.Set(ctx, key, nullDocMark, NullDocTTL).Err(); err != nil {
				log.Printf("document cache null write failed key=%s err=%v", key, err)
			}
			return nil, ErrNotFound
		}
		if err := c.rdb.Set(ctx, key, val, docTTL()).Err(); err != nil {
			log.Printf("document cache write failed key=%s err=%v", key, err)
		}
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, errors.New("internal type error")
}

// Invalidate drops the cached entry, e.g. after the document was created.
func (c *DocumentCache) Invalidate(ctx context.Context, objectID string) error {
	return c.rdb.Del(ctx, docKey(objectID)).Err()
}
