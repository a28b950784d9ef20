package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"rural-triage/server/internal/config"
)

const claimKeyPrefix = "triage:persisted:"

// Redis keeps claims in Redis so every coordinator replica sees them.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedis connects and pings the server.
func NewRedis(cfg config.LedgerConfig, logger *logrus.Logger) (*Redis, error) {
	if logger == nil {
		logger = logrus.New()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithField("addr", cfg.RedisAddr).Info("persistence ledger connected to Redis")
	return NewRedisFromClient(rdb, cfg.TTL, logger), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client, ttl time.Duration, logger *logrus.Logger) *Redis {
	if logger == nil {
		logger = logrus.New()
	}
	return &Redis{rdb: rdb, ttl: ttl, logger: logger}
}

func (r *Redis) Claim(ctx context.Context, caseID string) (bool, error) {
	result := r.rdb.SetArgs(ctx, claimKeyPrefix+caseID, time.Now().UTC().Format(time.RFC3339), redis.SetArgs{
		Mode: "NX",
		TTL:  r.ttl,
	})
	if err := result.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("claim case %s: %w", caseID, err)
	}
	return result.Val() == "OK", nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
