package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper reserves Idempotency-Key values for payout commands and
// provider event submissions. Keys are scoped to the authenticated caller,
// so a developer and the provider may reuse the same key independently. A
// reservation lives for ttl; a key replayed after that is treated as new.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func reservationKey(callerID, requestKey string) string {
	return "payout:idem:" + callerID + ":" + requestKey
}

// Add reserves requestKey for callerID and reports whether this request won
// the reservation. The stored value is the reservation time.
func (r *RedisDeduper) Add(ctx context.Context, callerID, requestKey string) (bool, error) {
	return r.client.SetNX(ctx, reservationKey(callerID, requestKey), time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
}

// Remove drops a reservation after the command failed, so the caller can
// retry with the same key.
func (r *RedisDeduper) Remove(ctx context.Context, callerID, requestKey string) error {
	return r.client.Del(ctx, reservationKey(callerID, requestKey)).Err()
}
