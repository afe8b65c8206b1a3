package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/AchilleasB/family-hub/penalty-service/internal/config"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
)

const DefaultPendingKey = "penalties:pending"

// Client is the subset of *redis.Client the cache needs.
type Client interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// entry carries the sync bookkeeping the penalty JSON leaves out.
type entry struct {
	Penalty   domain.Penalty `json:"penalty"`
	SyncState string         `json:"syncState"`
	Revision  uint64         `json:"revision"`
}

// PendingCache stores unsynced penalties in one Redis hash keyed by penalty
// id, so a restarted process can push them.
type PendingCache struct {
	client Client
	key    string
	cb     *gobreaker.CircuitBreaker
}

var _ ports.PendingCache = (*PendingCache)(nil)

func NewPendingCache(client Client, key string) *PendingCache {
	if key == "" {
		key = DefaultPendingKey
	}
	return &PendingCache{
		client: client,
		key:    key,
		cb:     config.NewCircuitBreaker(config.BreakerRedis),
	}
}

// SavePending replaces the stored set with penalties.
func (c *PendingCache) SavePending(ctx context.Context, penalties []domain.Penalty) error {
	values := make([]interface{}, 0, 2*len(penalties))
	for _, p := range penalties {
		raw, err := json.Marshal(entry{Penalty: p, SyncState: p.SyncState.String(), Revision: p.Revision})
		if err != nil {
			return fmt.Errorf("encode pending %s: %w", p.ID, err)
		}
		values = append(values, p.ID, string(raw))
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		if err := c.client.Del(ctx, c.key).Err(); err != nil {
			return nil, err
		}
		if len(values) == 0 {
			return nil, nil
		}
		return nil, c.client.HSet(ctx, c.key, values...).Err()
	})
	if err != nil {
		return fmt.Errorf("save pending: %w", err)
	}
	return nil
}

// LoadPending returns the stored penalties ordered by id. Entries that no
// longer decode are skipped.
func (c *PendingCache) LoadPending(ctx context.Context) ([]domain.Penalty, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.client.HGetAll(ctx, c.key).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	stored := res.(map[string]string)

	ids := make([]string, 0, len(stored))
	for id := range stored {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	penalties := make([]domain.Penalty, 0, len(ids))
	for _, id := range ids {
		var e entry
		if err := json.Unmarshal([]byte(stored[id]), &e); err != nil {
			slog.Warn("skipping undecodable pending penalty", slog.String("id", id), slog.Any("error", err))
			continue
		}
		p := e.Penalty
		p.ID = id
		p.SyncState = parseSyncState(e.SyncState)
		p.Revision = e.Revision
		penalties = append(penalties, p)
	}
	return penalties, nil
}

func (c *PendingCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func parseSyncState(s string) domain.SyncState {
	switch s {
	case domain.SyncLocal.String():
		return domain.SyncLocal
	case domain.SyncModified.String():
		return domain.SyncModified
	default:
		return domain.SyncSynced
	}
}
