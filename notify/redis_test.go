package notify_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/score-engine/ledger"
	"github.com/warp/score-engine/notify"
)

var awardedAt = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func overtakeNotice() ledger.AwardNotice {
	return ledger.AwardNotice{
		AccountID:      "A",
		Kind:           ledger.CategoryOvertake,
		Amount:         decimal.NewFromInt(20),
		Reason:         "overtook B",
		IdempotencyKey: ledger.OvertakeKey("typing", "A", "B"),
		EventID:        "e1",
		Source:         "typing",
		Overtaken:      "B",
		At:             awardedAt,
	}
}

func TestValues(t *testing.T) {
	v := notify.Values(overtakeNotice())
	assert.Equal(t, "A", v["account"])
	assert.Equal(t, "overtake", v["kind"])
	assert.Equal(t, "20", v["amount"])
	assert.Equal(t, "overtake:typing:A:B", v["key"])
	assert.Equal(t, "B", v["overtaken"])
	assert.Equal(t, "2025-03-10T12:00:00Z", v["at"])
}

func TestPublish_Empty(t *testing.T) {
	// No commands are sent for an empty batch, so no server is needed
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	n := notify.NewRedisNotifierFromClient(client, "score:test", 0, nil)
	assert.NoError(t, n.Publish(context.Background(), nil))
}

// Requires a running Redis: SCORE_ENGINE_REDIS_ADDR=localhost:6379
func TestRedisNotifier_Publish(t *testing.T) {
	addr := os.Getenv("SCORE_ENGINE_REDIS_ADDR")
	if addr == "" {
		t.Skip("SCORE_ENGINE_REDIS_ADDR not set")
	}
	ctx := context.Background()
	stream := fmt.Sprintf("score:test:%d", time.Now().UnixNano())

	n, err := notify.NewRedisNotifier(ctx, notify.RedisOptions{Addr: addr, Stream: stream, StreamMax: 100}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Close()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	t.Cleanup(func() { client.Del(context.Background(), stream) })

	second := overtakeNotice()
	second.Kind = ledger.CategoryTier
	second.IdempotencyKey = ledger.TierKey("typing", "A", 2)
	require.NoError(t, n.Publish(ctx, []ledger.AwardNotice{overtakeNotice(), second}))

	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "overtake", entries[0].Values["kind"])
	assert.Equal(t, "tier", entries[1].Values["kind"])
	assert.Equal(t, "e1", entries[1].Values["event"])
}

func TestNewRedisNotifier_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := notify.NewRedisNotifier(ctx, notify.RedisOptions{Addr: "127.0.0.1:1", Stream: "s"}, nil)
	assert.Error(t, err)
}
