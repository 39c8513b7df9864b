package availability

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Store persists availability documents keyed by doctor id.
type Store interface {
	Save(ctx context.Context, d Doctor) error
	LoadAll(ctx context.Context) ([]Doctor, error)
}

const (
	doctorKeyPrefix = "availability:doctor:"
	doctorIndexKey  = "availability:doctors"
)

// RedisStore keeps one msgpack document per doctor plus an index set.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, d Doctor) error {
	data, err := msgpack.Marshal(&d)
	if err != nil {
		return fmt.Errorf("encode availability %s: %w", d.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, doctorKeyPrefix+d.ID, data, 0)
	pipe.SAdd(ctx, doctorIndexKey, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save availability %s: %w", d.ID, err)
	}
	return nil
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]Doctor, error) {
	ids, err := s.client.SMembers(ctx, doctorIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list availability index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = doctorKeyPrefix + id
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load availability documents: %w", err)
	}

	out := make([]Doctor, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // index entry without a document
		}
		var d Doctor
		if err := msgpack.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode availability %s: %w", ids[i], err)
		}
		out = append(out, d)
	}
	return out, nil
}
