package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDeduper(t *testing.T) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return NewRedisDeduper(client, time.Minute), m
}

func TestRedisDeduperAddRemove(t *testing.T) {
	deduper, m := newTestDeduper(t)
	ctx := context.Background()

	added, err := deduper.Add(ctx, "user", "k1")
	if err != nil || !added {
		t.Fatalf("first add: added=%v err=%v", added, err)
	}
	if added, err = deduper.Add(ctx, "user", "k1"); err != nil || added {
		t.Fatalf("duplicate add: added=%v err=%v", added, err)
	}
	if added, err = deduper.Add(ctx, "other", "k1"); err != nil || !added {
		t.Fatalf("keys must be scoped per user: added=%v err=%v", added, err)
	}
	if ttl := m.TTL(reservationKey("user", "k1")); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	reserved, err := m.Get("payout:idem:user:k1")
	if err != nil {
		t.Fatalf("reservation not stored: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, reserved); err != nil {
		t.Fatalf("reservation value %q is not a timestamp", reserved)
	}

	if err := deduper.Remove(ctx, "user", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if added, err = deduper.Add(ctx, "user", "k1"); err != nil || !added {
		t.Fatalf("add after remove: added=%v err=%v", added, err)
	}
}

func TestRedisDeduperExpires(t *testing.T) {
	deduper, m := newTestDeduper(t)
	ctx := context.Background()
	if _, err := deduper.Add(ctx, "user", "k1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	m.FastForward(2 * time.Minute)
	if added, err := deduper.Add(ctx, "user", "k1"); err != nil || !added {
		t.Fatalf("expired key still deduplicated: added=%v err=%v", added, err)
	}
}
