// Package redisstream provides a durable work unit queue on Redis streams with a consumer group.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

const busyGroup = "BUSYGROUP Consumer Group name already exists"

// Config controls the stream, group and polling behavior.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
	Consumer string
	// DelayedKey names the sorted set holding units that are not yet due.
	DelayedKey string
	Block      time.Duration
}

// client is the subset of go-redis used by the queue.
type client interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Close() error
}

// Queue implements harvest.Queue.
type Queue struct {
	client client
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New connects to Redis and ensures the consumer group exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newWithClient(ctx, rdb, cfg, logger)
}

func newWithClient(ctx context.Context, c client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.Stream == "" {
		cfg.Stream = "harvest:units"
	}
	if cfg.Group == "" {
		cfg.Group = "harvest-workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.DelayedKey == "" {
		cfg.DelayedKey = cfg.Stream + ":delayed"
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{client: c, cfg: cfg, logger: logger, now: time.Now}
	// Start from "0" so units added before the group existed are not skipped.
	if err := c.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err(); err != nil && err.Error() != busyGroup {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}
	return q, nil
}

// Enqueue appends unit to the stream.
func (q *Queue) Enqueue(ctx context.Context, unit harvest.WorkUnit) error {
	payload, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal unit: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{"unit": string(payload), "kind": string(unit.Kind)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd (stream=%s): %w", q.cfg.Stream, err)
	}
	return nil
}

// EnqueueAfter parks unit in the delayed set until it is due.
func (q *Queue) EnqueueAfter(ctx context.Context, unit harvest.WorkUnit, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, unit)
	}
	payload, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal unit: %w", err)
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.cfg.DelayedKey, redis.Z{Score: float64(due), Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("zadd (key=%s): %w", q.cfg.DelayedKey, err)
	}
	return nil
}

// Dequeue blocks until a unit is delivered to this consumer or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (harvest.WorkUnit, error) {
	for {
		if err := ctx.Err(); err != nil {
			return harvest.WorkUnit{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		if err := q.promoteDue(ctx); err != nil {
			q.logger.Warn("promote delayed units failed", zap.Error(err))
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    1,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return harvest.WorkUnit{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return harvest.WorkUnit{}, fmt.Errorf("reading from stream: %w", err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				unit, err := parseMessage(msg)
				if err != nil {
					q.logger.Error("dropping malformed unit", zap.String("message_id", msg.ID), zap.Error(err))
					_ = q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, msg.ID).Err()
					continue
				}
				return unit, nil
			}
		}
	}
}

// Ack acknowledges a delivered unit.
func (q *Queue) Ack(ctx context.Context, unit harvest.WorkUnit) error {
	if unit.Receipt == "" {
		return nil
	}
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, unit.Receipt).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", q.cfg.Stream, err)
	}
	return nil
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// promoteDue moves due units from the delayed set into the stream. Only the caller that
// removes a member re-adds it, so concurrent consumers never duplicate a unit.
func (q *Queue) promoteDue(ctx context.Context) error {
	members, err := q.client.ZRangeByScore(ctx, q.cfg.DelayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 64,
	}).Result()
	if err != nil {
		return fmt.Errorf("zrangebyscore: %w", err)
	}
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.cfg.DelayedKey, m).Result()
		if err != nil {
			return fmt.Errorf("zrem: %w", err)
		}
		if removed == 0 {
			continue
		}
		var unit harvest.WorkUnit
		if err := json.Unmarshal([]byte(m), &unit); err != nil {
			q.logger.Error("dropping malformed delayed unit", zap.Error(err))
			continue
		}
		if err := q.Enqueue(ctx, unit); err != nil {
			return err
		}
	}
	return nil
}

func parseMessage(msg redis.XMessage) (harvest.WorkUnit, error) {
	raw, ok := msg.Values["unit"]
	if !ok {
		return harvest.WorkUnit{}, errors.New("missing unit")
	}
	var unit harvest.WorkUnit
	if err := json.Unmarshal([]byte(fmt.Sprint(raw)), &unit); err != nil {
		return harvest.WorkUnit{}, fmt.Errorf("decode unit: %w", err)
	}
	unit.Receipt = msg.ID
	return unit, nil
}
