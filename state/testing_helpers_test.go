package state

import (
	"time"

	"github.com/go-redis/redis/v8"
)

// newDeadRedisClient points at a closed local port so every command
// fails quickly with a connection-refused error, used to exercise the
// CompositeStore's fallback path without a flaky real-network timeout.
func newDeadRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		ReadTimeout: 100 * time.Millisecond,
		MaxRetries:  0,
	})
}
