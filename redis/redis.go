package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func ConnectToRedisURL(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// EnsureGroup creates stream and its consumer group if either is missing.
func EnsureGroup(ctx context.Context, rdb *redis.Client, stream, group string) error {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// PublishWarm appends a warm request for dataset to stream.
func PublishWarm(ctx context.Context, rdb *redis.Client, stream, dataset string) error {
	return rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"dataset":      dataset,
			"requested_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
}

func WatchStreams(ctx context.Context, rdb *redis.Client, stream, group, consumer string, handle WarmFunc) error {
	log := logrus.WithFields(logrus.Fields{"stream": stream, "consumer": consumer})
	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(10),
			Block:    5 * time.Second,
			NoAck:    false,
		}).Result()
		switch {
		case err == redis.Nil:
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warn("error reading from stream")
			select {
			case <-time.After(backoff):
				if backoff < 3*time.Second {
					backoff *= 2
				}
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			backoff = 100 * time.Millisecond
		}
		for _, incomingStream := range res {
			for _, msg := range incomingStream.Messages {
				if err := handle(ctx, parseWarmMessage(msg)); err != nil {
					log.WithError(err).WithField("id", msg.ID).Warn("warm failed")
					continue
				}
				if err := rdb.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
					log.WithError(err).WithField("id", msg.ID).Warn("ack failed")
				}
			}
		}
	}
}

func parseWarmMessage(msg redis.XMessage) WarmMessage {
	var wm WarmMessage
	if v, ok := msg.Values["dataset"].(string); ok {
		wm.Dataset = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := msg.Values["requested_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			wm.RequestedAt = t
		}
	}
	return wm
}
