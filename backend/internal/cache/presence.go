package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Member 一个会话在某文档上的在线状态（光标、选区等由客户端定义）
type Member struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// PresenceCache 跨实例共享的在线状态，本实例的 presence.Tracker 写入，其它实例读取
type PresenceCache interface {
	Put(ctx context.Context, docID string, m Member, ttl time.Duration) error
	Remove(ctx context.Context, docID, sessionID string) error
	Members(ctx context.Context, docID string) ([]Member, error)
	Documents(ctx context.Context) ([]string, error)
}

// 具体实现：基于 redis 的 PresenceCache，单机和 cluster 都可以
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) Put(ctx context.Context, docID string, m Member, ttl time.Duration) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}
	// ZSET score 使用 expireAt（毫秒），用于表达“逻辑 TTL”；刷新 TTL 也直接调用 Put
	expireAt := time.Now().Add(ttl).UnixMilli()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: m.SessionID})
	tx.HSet(ctx, membersKey(docID), m.SessionID, b)
	// 整个房间都没人刷新时由 redis 自己回收
	tx.PExpire(ctx, roomKey(docID), 2*ttl)
	tx.PExpire(ctx, membersKey(docID), 2*ttl)
	_, err = tx.Exec(ctx)
	if err != nil {
		return err
	}
	// docs 集合和房间不在同一个 slot，不能放进同一个事务
	return p.rdb.SAdd(ctx, docsKey(), docID).Err()
}

func (p *redisPresence) Remove(ctx context.Context, docID, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), sessionID)
	tx.HDel(ctx, membersKey(docID), sessionID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Documents(ctx context.Context) ([]string, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	// 顺手清理已经没有成员的文档
	alive := docs[:0]
	for _, docID := range docs {
		n, err := p.rdb.ZCard(ctx, roomKey(docID)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		if n == 0 {
			p.rdb.SRem(ctx, docsKey(), docID)
			continue
		}
		alive = append(alive, docID)
	}
	return alive, nil
}

var expireScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = membersKey(docID)
-- ARGV[1] = now (unix millis)

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) Members(ctx context.Context, docID string) ([]Member, error) {
	// step1: 清理过期成员。约定 score=expireAt，expireAt <= now 视为过期
	now := time.Now().UnixMilli()
	_, err := expireScript.Run(ctx, p.rdb, []string{roomKey(docID), membersKey(docID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线会话
	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	// step3: 批量取成员
	vals, err := p.rdb.HMGet(ctx, membersKey(docID), alive...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m Member
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("decode member %s: %w", alive[i], err)
		}
		members = append(members, m)
	}
	return members, nil
}
