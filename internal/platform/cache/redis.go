package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options locates the Redis instance shared by the summary cache and the
// job queue.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Client returns the go-redis options. The cache calls sit on request paths,
// so dial and read stay short.
func (o Options) Client() *redis.Options {
	return &redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// New creates a Redis client and checks it answers.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(opts.Client())

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping %s: %w", opts.Addr, err)
	}

	return client, nil
}
