package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, objectID, userID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, objectID, userID string) error
	GetDocuments(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, objectID string) ([]PresenceMember, error)
}

type redisPresence struct {
	rdb redis.UniversalClient
}

type PresenceMember struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// AddMember also refreshes an existing member's TTL.
func (p *redisPresence) AddMember(ctx context.Context, objectID, userID, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// score is the expiry in unix seconds, a logical TTL per member
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(objectID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(objectID), userID, username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, objectID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(objectID), userID)
	tx.HDel(ctx, namesKey(objectID), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	var documents []string
	iter := p.rdb.Scan(ctx, 0, roomPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// names keys share the room prefix
		if strings.Contains(k, ":names:") {
			continue
		}
		id := strings.TrimPrefix(k, roomPrefix)
		id = strings.TrimSuffix(strings.TrimPrefix(id, "{obj:"), "}")
		if id != "" {
			documents = append(documents, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return documents, nil
}

const expireScript = `
-- KEYS[1] = roomKey(objectID)
-- KEYS[2] = namesKey(objectID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`

var expireMembers = redis.NewScript(expireScript)

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, objectID string) ([]PresenceMember, error) {
	// expireAt <= now counts as gone
	now := time.Now().Unix()
	_, err := expireMembers.Run(ctx, p.rdb, []string{roomKey(objectID), namesKey(objectID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(objectID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(objectID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name, _ := v.(string)
		members = append(members, PresenceMember{UserID: aliveIDs[i], Username: name})
	}
	return members, nil
}
