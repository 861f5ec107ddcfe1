/*
Package notify publishes newly paid awards for live displays.

PURPOSE:
  Implements ledger.Notifier on a Redis stream. Each award becomes one
  XADD entry; displays (score popups, leaderboards) tail the stream with
  XREAD. Publishing is best effort: the engine logs failures and never
  rolls back a grant because a notification was lost.

STREAM ENTRY FIELDS:
  account, kind, amount, reason, key, event, source, overtaken, at

SEE ALSO:
  - ledger/engine.go: Notifier interface and call site
*/
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/score-engine/ledger"
)

const DefaultStreamMaxLen = 10000

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Stream    string
	StreamMax int64 // 0 = unlimited
}

// RedisNotifier appends award notices to a Redis stream.
type RedisNotifier struct {
	client    *redis.Client
	logger    *zap.Logger
	stream    string
	streamMax int64
}

// NewRedisNotifier connects and pings Redis.
func NewRedisNotifier(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisNotifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	logger.Info("connected to Redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.String("stream", opts.Stream))

	return NewRedisNotifierFromClient(rdb, opts.Stream, opts.StreamMax, logger), nil
}

func NewRedisNotifierFromClient(client *redis.Client, stream string, streamMax int64, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{client: client, logger: logger, stream: stream, streamMax: streamMax}
}

// Publish adds one stream entry per notice in a single pipeline.
func (n *RedisNotifier) Publish(ctx context.Context, notices []ledger.AwardNotice) error {
	if len(notices) == 0 {
		return nil
	}
	_, err := n.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, notice := range notices {
			args := &redis.XAddArgs{
				Stream: n.stream,
				Values: Values(notice),
			}
			if n.streamMax > 0 {
				args.MaxLen = n.streamMax
				args.Approx = true
			}
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd %s: %w", n.stream, err)
	}
	n.logger.Debug("awards published", zap.String("stream", n.stream), zap.Int("count", len(notices)))
	return nil
}

// Values flattens a notice into stream entry fields.
func Values(notice ledger.AwardNotice) map[string]any {
	return map[string]any{
		"account":   string(notice.AccountID),
		"kind":      string(notice.Kind),
		"amount":    notice.Amount.String(),
		"reason":    notice.Reason,
		"key":       notice.IdempotencyKey,
		"event":     notice.EventID,
		"source":    notice.Source,
		"overtaken": string(notice.Overtaken),
		"at":        notice.At.UTC().Format(time.RFC3339Nano),
	}
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

var _ ledger.Notifier = (*RedisNotifier)(nil)
