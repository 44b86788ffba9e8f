package mypipe_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/your-org/mypipe-go/pkg/mypipe"
)

// newRedisClient creates a Redis client for relay tests from the same
// environment variables the commands read (REDIS_HOST, REDIS_PORT,
// REDIS_PASSWORD, REDIS_USE_TLS). The test is skipped in -short mode or
// when no server answers.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis relay test in short mode")
	}

	client := redis.NewClient(mypipe.ConfigFromEnv().Redis.RedisOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not reachable: %v", err)
	}

	t.Cleanup(func() { client.Close() })
	return client
}

// uniqueNamespace returns a test-scoped namespace like "test-TestName-1707000000-abc123".
// Registers a cleanup function to delete all keys with this prefix.
func uniqueNamespace(t *testing.T, client *redis.Client) string {
	timestamp := time.Now().Unix()
	shortUUID := uuid.New().String()[:8]
	name := strings.ReplaceAll(t.Name(), "/", "_")
	namespace := fmt.Sprintf("test-%s-%d-%s", name, timestamp, shortUUID)

	t.Cleanup(func() {
		if err := cleanupKeys(context.Background(), client, namespace); err != nil {
			t.Logf("Cleanup failed for namespace %s: %v", namespace, err)
		}
	})

	return namespace
}

// cleanupKeys deletes all Redis keys matching "{namespace}:*" using SCAN + DEL.
func cleanupKeys(ctx context.Context, client *redis.Client, namespace string) error {
	iter := client.Scan(ctx, 0, namespace+":*", 0).Iterator()

	for iter.Next(ctx) {
		key := iter.Val()
		if err := client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
	}

	return iter.Err()
}

// waitFor polls condition every 50ms until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("waitFor timed out after %v", timeout)
}

// relayConfig returns a config with fast relay intervals for testing.
func relayConfig(namespace, device string) mypipe.Config {
	cfg := mypipe.DefaultConfig()
	cfg.Device.Name = device
	cfg.Device.ShutdownTimeoutMs = 2000
	cfg.Capacity = 4
	cfg.Relay.Namespace = namespace
	cfg.Relay.BlockTimeoutMs = 200
	cfg.Relay.BaseDelayMs = 20
	cfg.Relay.MaxDelayMs = 200
	cfg.Relay.Jitter = false
	return cfg
}
