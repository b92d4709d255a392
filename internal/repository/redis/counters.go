package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
)

// counterStore keeps send counters in redis, one key per
// (user, channel, period bucket). INCR is atomic across workers; reads are
// snapshots, so a limit can be exceeded by at most one in-flight message
// under concurrent dispatch.
type counterStore struct {
	client *redis.Client
}

func NewCounterStore(client *redis.Client) repository.CounterStore {
	return &counterStore{client: client}
}

func dayKey(userID uuid.UUID, ch model.Channel, at time.Time) string {
	return fmt.Sprintf("freq:%s:%s:d:%s", userID, ch, at.UTC().Format("2006-01-02"))
}

func weekKey(userID uuid.UUID, ch model.Channel, at time.Time) string {
	year, week := at.UTC().ISOWeek()
	return fmt.Sprintf("freq:%s:%s:w:%d-%02d", userID, ch, year, week)
}

func (s *counterStore) IncrSent(ctx context.Context, userID uuid.UUID, ch model.Channel, at time.Time) error {
	pipe := s.client.TxPipeline()

	day := dayKey(userID, ch, at)
	week := weekKey(userID, ch, at)
	pipe.Incr(ctx, day)
	pipe.Expire(ctx, day, 48*time.Hour)
	pipe.Incr(ctx, week)
	pipe.Expire(ctx, week, 14*24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment send counters: %w", err)
	}
	return nil
}

func (s *counterStore) SentToday(ctx context.Context, userID uuid.UUID, ch model.Channel, at time.Time) (int64, error) {
	return s.get(ctx, dayKey(userID, ch, at))
}

func (s *counterStore) SentThisWeek(ctx context.Context, userID uuid.UUID, ch model.Channel, at time.Time) (int64, error) {
	return s.get(ctx, weekKey(userID, ch, at))
}

func (s *counterStore) get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	return n, nil
}
