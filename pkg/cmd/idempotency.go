package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowdeck/flowdeck/pkg/idempotency"
)

// NewIdempotencyStore creates the idempotency key store. A Redis URL gets
// the shared Redis store; an empty URL falls back to the in-process store,
// which is only safe for single-instance deployments.
func NewIdempotencyStore(ctx context.Context, logger *slog.Logger, redisURL string) (idempotency.Store, error) {
	if redisURL == "" {
		logger.InfoContext(ctx, "Using in-process idempotency store")

		return idempotency.NewMemoryStore(), nil
	}

	store, err := idempotency.NewRedisStore(ctx, redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis idempotency store: %w", err)
	}

	logger.InfoContext(ctx, "Using redis idempotency store")

	return store, nil
}
