package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 跨实例的房间成员镜像。进程内权威状态在 presence.Registry，
// 这里只负责让别的实例也能看到“谁在哪个文档里”。
type PresenceCache interface {
	AddMember(ctx context.Context, docID, participantID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, participantID string) error
	GetAliveMembers(ctx context.Context, docID string) ([]Member, error)
	GetDocuments(ctx context.Context) ([]string, error)
}

type Member struct {
	ParticipantID string
	DisplayName   string
}

// 基于 redis 的实现
type redisPresence struct {
	rdb redis.Cmdable
}

func NewRedisPresence(rdb redis.Cmdable) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// AddMember 加成员并刷新 TTL（续约也走这里）。
// ZSET score 存 expireAt（Unix 秒），表达“逻辑 TTL”。
func (p *redisPresence) AddMember(ctx context.Context, docID, participantID, displayName string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: participantID})
	tx.HSet(ctx, namesKey(docID), participantID, displayName)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, participantID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), participantID)
	tx.HDel(ctx, namesKey(docID), participantID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	var documents []string
	iter := p.rdb.Scan(ctx, 0, "presence:room:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// namesKey 也是 presence:room: 开头（presence:room:names:{docID}），要滤掉
		if strings.Contains(k, ":names:") {
			continue
		}
		docID := strings.TrimPrefix(k, "presence:room:")
		docID = strings.TrimPrefix(docID, "{docID:")
		docID = strings.TrimSuffix(docID, "}")
		if docID != "" {
			documents = append(documents, docID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return documents, nil
}

// GetAliveMembers 先用 Lua 原子清掉过期成员，再查活着的。
// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期。
func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]Member, error) {
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(docID)   e.g. presence:room:{docID}
	-- KEYS[2] = namesKey(docID)  e.g. presence:room:names:{docID}
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`
	script := redis.NewScript(luaScript)
	if _, err := script.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, Member{ParticipantID: id, DisplayName: name})
	}
	return members, nil
}
