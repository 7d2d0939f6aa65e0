package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/roamdata/migrator/internal/catalog"
)

// Connect parses redisURL, names the connection after clientName unless the
// URL already does, and pings the server. An unreachable server yields a
// catalog.ConnectivityError.
func Connect(ctx context.Context, redisURL, clientName string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if opts.ClientName == "" {
		opts.ClientName = clientName
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &catalog.ConnectivityError{Op: "pinging redis", Err: err}
	}

	return client, nil
}
