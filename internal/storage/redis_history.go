package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	historyKeyPrefix = "orchestrator:executions:"
	// DefaultHistoryWindow matches the number of records health is computed over.
	DefaultHistoryWindow = 100
)

// RedisHistory keeps a capped list of execution records per provider.
// The newest record sits at the head of the list.
type RedisHistory struct {
	rdb    redis.UniversalClient
	window int64
}

func NewRedisHistory(rdb redis.UniversalClient, window int) *RedisHistory {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &RedisHistory{rdb: rdb, window: int64(window)}
}

func historyKey(provider string) string {
	return historyKeyPrefix + provider
}

func (h *RedisHistory) AppendExecution(ctx context.Context, rec models.ExecutionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ID == 0 {
		rec.ID = rec.CreatedAt.UnixNano()
	}
	raw, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode execution record: %w", err)
	}
	key := historyKey(rec.Provider)
	_, err = h.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, raw)
		p.LTrim(ctx, key, 0, h.window-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append execution record: %w", err)
	}
	return nil
}

func (h *RedisHistory) RecentExecutions(ctx context.Context, provider string, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 || int64(limit) > h.window {
		limit = int(h.window)
	}
	raws, err := h.rdb.LRange(ctx, historyKey(provider), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read execution history: %w", err)
	}
	out := make([]models.ExecutionRecord, 0, len(raws))
	for _, raw := range raws {
		var rec models.ExecutionRecord
		if err := sonic.UnmarshalString(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode execution record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close releases the underlying client.
func (h *RedisHistory) Close() error {
	return h.rdb.Close()
}
