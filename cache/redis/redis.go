package redis

import (
	"context"
	"crypto/tls"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisBoardCache struct {
	client redis.UniversalClient
}

func NewRedisBoardCache(ctx context.Context, devMode bool, redisEndpoint string) (*RedisBoardCache, error) {
	opts := &redis.Options{Addr: redisEndpoint}
	if !devMode {
		// AWS elasticache endpoints require TLS
		opts.TLSConfig = &tls.Config{}
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisBoardCache{client: client}, nil
}

func (redisCache *RedisBoardCache) Publish(ctx context.Context, channel string, message []byte) error {
	return redisCache.client.Publish(ctx, channel, message).Err()
}

// Subscribe blocks until the subscription is confirmed, then hands messages
// to handler on a background goroutine until ctx is cancelled.
func (redisCache *RedisBoardCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := redisCache.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		log.Printf("Pubsub channel closed: %s", channel)
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// Hash tag keeps all keys of one board on the same cluster slot.
func buildLockKey(key string) string {
	return "lock:{" + key + "}"
}

func (redisCache *RedisBoardCache) AcquireLock(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error) {
	return redisCache.client.SetNX(ctx, buildLockKey(key), owner, ttl).Result()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (redisCache *RedisBoardCache) ReleaseLock(ctx context.Context, key string, owner string) error {
	return releaseScript.Run(ctx, redisCache.client, []string{buildLockKey(key)}, owner).Err()
}

// Members live in a sorted set scored by their expiry deadline in ms.
func buildMembersKey(roomId string) string {
	return "members:{" + roomId + "}"
}

func nowMillis() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func (redisCache *RedisBoardCache) AddRoomMember(ctx context.Context, roomId string, member string, ttl time.Duration) error {
	key := buildMembersKey(roomId)
	deadline := time.Now().Add(ttl).UnixMilli()

	_, err := redisCache.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(deadline), Member: member})
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	return err
}

func (redisCache *RedisBoardCache) RemoveRoomMember(ctx context.Context, roomId string, member string) (int, error) {
	key := buildMembersKey(roomId)

	var remaining *redis.IntCmd
	_, err := redisCache.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, key, member)
		pipe.ZRemRangeByScore(ctx, key, "-inf", nowMillis())
		remaining = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(remaining.Val()), nil
}

func (redisCache *RedisBoardCache) RoomMembers(ctx context.Context, roomId string) ([]string, error) {
	return redisCache.client.ZRangeByScore(ctx, buildMembersKey(roomId), &redis.ZRangeBy{
		Min: "(" + nowMillis(),
		Max: "+inf",
	}).Result()
}
