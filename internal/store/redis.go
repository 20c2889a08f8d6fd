package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis holds the client shared by the sweep lease, the event queue and
// health checks. Every key it hands out lives under one prefix so several
// libraries can share a Redis.
type Redis struct {
	Client *redis.Client
	prefix string
	owner  string
}

// NewRedis connects to redis with short timeouts. An empty prefix means
// "library".
func NewRedis(addr, prefix string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client, prefix: keyPrefix(prefix), owner: leaseOwner()}
}

func keyPrefix(prefix string) string {
	if prefix == "" {
		return "library"
	}
	return prefix
}

// leaseOwner identifies this process in lease values, for operators
// inspecting which instance swept a boundary.
func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// LeaseKey is the Redis key guarding one sweep.
func (r *Redis) LeaseKey(key string) string { return r.prefix + ":lease:" + key }

// EventsKey is the Redis list carrying attendance transition events.
func (r *Redis) EventsKey() string { return r.prefix + ":attendance-events" }

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// AcquireLease claims key for ttl with SET NX. Only the first caller across
// all instances gets true until the key expires. The value names the holder.
func (r *Redis) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, r.LeaseKey(key), r.owner, ttl).Result()
}

// Close closes the client.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
