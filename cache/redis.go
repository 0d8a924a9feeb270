package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Every key this application writes lives under this namespace so a shared
// Redis instance can be swept per application.
const keyPrefix = "kapture"

var (
	redisOnce   sync.Once
	redisClient *redis.Client
	redisErr    error
)

// Key assembles a namespaced Redis key from its parts.
func Key(parts ...string) string {
	return keyPrefix + ":" + strings.Join(parts, ":")
}

func optionsFromEnv() *redis.Options {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		addr = "localhost:6379"
	}
	db := 0
	if rawDB := strings.TrimSpace(os.Getenv("REDIS_DB")); rawDB != "" {
		if parsed, err := strconv.Atoi(rawDB); err == nil {
			db = parsed
		}
	}
	return &redis.Options{
		Addr:       addr,
		Password:   os.Getenv("REDIS_PASSWORD"),
		DB:         db,
		ClientName: keyPrefix,
	}
}

// GetRedisClient returns the shared Redis client, dialing it on first use.
// REDIS_ADDR defaults to localhost:6379; REDIS_DB and REDIS_PASSWORD are
// optional.
func GetRedisClient() (*redis.Client, error) {
	redisOnce.Do(func() {
		options := optionsFromEnv()
		client := redis.NewClient(options)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			redisErr = fmt.Errorf("cache: ping redis %s failed: %w", options.Addr, err)
			_ = client.Close()
			return
		}

		redisClient = client
	})

	return redisClient, redisErr
}

// Close releases the shared Redis connection. Mainly useful for tests.
func Close() error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Close()
}
