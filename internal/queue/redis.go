package queue

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromeherd/api/schemas"
	"github.com/xkilldash9x/chromeherd/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisQueue is a blocking task source and a result sink backed by two
// Redis lists. Producers RPUSH JSON-encoded tasks onto the task list;
// results are RPUSHed onto the result list.
type RedisQueue struct {
	rdb    *redis.Client
	cfg    config.QueueConfig
	logger *zap.Logger
}

// NewRedisQueue connects a queue client. Ping verifies reachability before
// the worker enters its consume loop.
func NewRedisQueue(cfg config.QueueConfig, logger *zap.Logger) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &RedisQueue{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.Named("queue"),
	}
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", q.cfg.RedisAddr, err)
	}
	return nil
}

// Next blocks until a task is available. Malformed or invalid payloads are
// logged and skipped rather than failing the worker.
func (q *RedisQueue) Next(ctx context.Context) (schemas.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return schemas.Task{}, err
		}

		vals, err := q.rdb.BLPop(ctx, q.cfg.PopTimeout, q.cfg.TaskList).Result()
		if errors.Is(err, redis.Nil) {
			continue // pop timeout elapsed with an empty list
		}
		if err != nil {
			if ctx.Err() != nil {
				return schemas.Task{}, ctx.Err()
			}
			return schemas.Task{}, fmt.Errorf("failed to pop task: %w", err)
		}
		// BLPop returns [key, value].
		task, err := decodeTask([]byte(vals[1]))
		if err != nil {
			q.logger.Warn("Discarding malformed task payload.", zap.Error(err))
			continue
		}
		return task, nil
	}
}

// Publish pushes a result onto the result list.
func (q *RedisQueue) Publish(ctx context.Context, res schemas.TaskResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.cfg.ResultList, data).Err(); err != nil {
		return fmt.Errorf("failed to push result: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

// decodeTask unmarshals and validates a queued task payload.
func decodeTask(data []byte) (schemas.Task, error) {
	var task schemas.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return schemas.Task{}, fmt.Errorf("invalid task JSON: %w", err)
	}
	if err := task.Validate(); err != nil {
		return schemas.Task{}, fmt.Errorf("invalid task: %w", err)
	}
	return task, nil
}
