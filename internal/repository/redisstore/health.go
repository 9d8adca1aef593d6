package redisstore

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/demasj/upload-app/internal/repository"
)

// Health exposes the Redis connection as a backend health check.
type Health struct {
	client *redis.Client
}

// NewHealth wraps an existing Redis client for health reporting.
func NewHealth(client *redis.Client) *Health {
	return &Health{client: client}
}

// Ping checks the Redis connection.
func (h *Health) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (h *Health) Close() error {
	return h.client.Close()
}

// Ensure Health implements repository.DatabaseHealth.
var _ repository.DatabaseHealth = (*Health)(nil)
