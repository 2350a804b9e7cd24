// Package kv opens the shared Redis connection used for download abuse
// tracking and AI task state.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Open parses a redis:// URL and verifies the server answers PING.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: ping %s: %w", opt.Addr, err)
	}
	return client, nil
}

// IsMiss reports whether err is a missing-key reply.
func IsMiss(err error) bool {
	return err == redis.Nil
}
