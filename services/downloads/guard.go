package downloads

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// IPGuard tracks the distinct client IPs that used a grant.
type IPGuard interface {
	// RecordIP adds ip to the grant's set and returns the set size. The set
	// is kept until expiresAt.
	RecordIP(ctx context.Context, grantID, ip string, expiresAt time.Time) (int, error)
}

// RedisGuard keeps IP sets in Redis so counts survive restarts.
type RedisGuard struct {
	client redis.Cmdable
	prefix string
}

// NewRedisGuard creates a guard over client.
func NewRedisGuard(client redis.Cmdable) *RedisGuard {
	return &RedisGuard{client: client, prefix: "downloads:ips:"}
}

func (g *RedisGuard) RecordIP(ctx context.Context, grantID, ip string, expiresAt time.Time) (int, error) {
	key := g.prefix + grantID
	var card *redis.IntCmd
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, ip)
		card = pipe.SCard(ctx, key)
		pipe.ExpireAt(ctx, key, expiresAt)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

// MemoryGuard is a process-local IPGuard.
type MemoryGuard struct {
	mu   sync.Mutex
	sets map[string]*ipSet
	now  func() time.Time
}

type ipSet struct {
	ips     map[string]struct{}
	expires time.Time
}

// NewMemoryGuard creates an empty guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{sets: make(map[string]*ipSet), now: time.Now}
}

func (g *MemoryGuard) RecordIP(_ context.Context, grantID, ip string, expiresAt time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for id, s := range g.sets {
		if !now.Before(s.expires) {
			delete(g.sets, id)
		}
	}

	s, ok := g.sets[grantID]
	if !ok {
		s = &ipSet{ips: make(map[string]struct{})}
		g.sets[grantID] = s
	}
	s.ips[ip] = struct{}{}
	s.expires = expiresAt
	return len(s.ips), nil
}
