package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisTracker хранит окно дедупликации в Redis, общее для всех экземпляров сервиса.
// Окно ограничено только по времени (EX); ограничение по объему - политика maxmemory самого Redis.
type RedisTracker struct {
	rdb       goredis.Cmdable
	prefix    string
	retention time.Duration
}

var _ port.IdempotencyTrackerPort = (*RedisTracker)(nil)

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Retention time.Duration
}

// NewRedisClient создает клиента и проверяет соединение пингом
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*goredis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisTracker(rdb goredis.Cmdable, keyPrefix string, retention time.Duration) (*RedisTracker, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	if keyPrefix == "" {
		keyPrefix = "notifications:delivered:"
	}
	return &RedisTracker{rdb: rdb, prefix: keyPrefix, retention: retention}, nil
}

func (t *RedisTracker) key(k string) string {
	return t.prefix + k
}

func (t *RedisTracker) Seen(ctx context.Context, key string) (*domain.DeliveryRecord, bool, error) {
	raw, err := t.rdb.Get(ctx, t.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var record domain.DeliveryRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		// поврежденная запись все равно означает, что ключ уже обрабатывался
		return &domain.DeliveryRecord{Key: key}, true, nil
	}
	return &record, true, nil
}

func (t *RedisTracker) Record(ctx context.Context, record domain.DeliveryRecord) error {
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal delivery record: %w", err)
	}
	if err := t.rdb.Set(ctx, t.key(record.Key), raw, t.retention).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", record.Key, err)
	}
	return nil
}
