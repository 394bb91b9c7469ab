package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultFundingRetention is how many funding records per market the
// Redis store keeps.
const DefaultFundingRetention = 10_000

// RedisViewStore keeps views in Redis as JSON values. Funding history is a
// list per market, appended in settlement order and trimmed to retention.
type RedisViewStore struct {
	rdb       *redis.Client
	prefix    string
	retention int64
}

func NewRedisViewStore(rdb *redis.Client, prefix string) *RedisViewStore {
	return &RedisViewStore{rdb: rdb, prefix: prefix, retention: DefaultFundingRetention}
}

func (s *RedisViewStore) marketKey(id string) string { return fmt.Sprintf("%smarket:%s", s.prefix, id) }
func (s *RedisViewStore) accountKey(owner uuid.UUID) string {
	return fmt.Sprintf("%saccount:%s", s.prefix, owner)
}
func (s *RedisViewStore) fundingKey(id string) string { return fmt.Sprintf("%sfunding:%s", s.prefix, id) }

func (s *RedisViewStore) PutMarket(ctx context.Context, v MarketView) error {
	return s.put(ctx, s.marketKey(v.ID), v)
}

func (s *RedisViewStore) GetMarket(ctx context.Context, id string) (*MarketView, error) {
	var v MarketView
	if err := s.get(ctx, s.marketKey(id), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *RedisViewStore) PutAccount(ctx context.Context, v AccountView) error {
	return s.put(ctx, s.accountKey(v.Owner), v)
}

func (s *RedisViewStore) GetAccount(ctx context.Context, owner uuid.UUID) (*AccountView, error) {
	var v AccountView
	if err := s.get(ctx, s.accountKey(owner), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *RedisViewStore) AppendFunding(ctx context.Context, v FundingView) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal funding view: %w", err)
	}
	key := s.fundingKey(v.MarketID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -s.retention, -1)
		return nil
	})
	return err
}

func (s *RedisViewStore) ListFunding(ctx context.Context, marketID string, limit int) ([]FundingView, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, s.fundingKey(marketID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FundingView, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var v FundingView
		if err := json.Unmarshal([]byte(raw[i]), &v); err != nil {
			return nil, fmt.Errorf("unmarshal funding view: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *RedisViewStore) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.rdb.Set(ctx, key, data, 0).Err()
}

func (s *RedisViewStore) get(ctx context.Context, key string, v any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
