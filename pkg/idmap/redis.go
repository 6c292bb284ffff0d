package idmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// redisMaxAttempts bounds optimistic-lock retries when another client
// touches a watched key between read and write.
const redisMaxAttempts = 5

// RedisStore keeps live mappings in one hash per model (field = source id,
// value = JSON entry) and superseded entries in a list per model. Writes use
// WATCH/MULTI so the conflict check and the write are atomic.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps a connected client. Keys are "<prefix>:<model>" and
// "<prefix>:<model>:superseded".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idmap"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) liveKey(model string) string { return s.prefix + ":" + model }
func (s *RedisStore) supersededKey(model string) string { return s.prefix + ":" + model + ":superseded" }

func (s *RedisStore) Lookup(ctx context.Context, model string, sourceID int64) (int64, bool, error) {
	data, err := s.client.HGet(ctx, s.liveKey(model), strconv.FormatInt(sourceID, 10)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s/%d: %w", model, sourceID, err)
	}
	var rec models.MigrationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false, fmt.Errorf("decode mapping %s/%d: %w", model, sourceID, err)
	}
	return rec.TargetID, true, nil
}

func (s *RedisStore) BulkLookup(ctx context.Context, model string, sourceIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(sourceIDs))
	if err := s.liveTargets(ctx, s.client, model, sourceIDs, out); err != nil {
		return nil, err
	}
	return out, nil
}

type hmGetter interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func (s *RedisStore) liveTargets(ctx context.Context, c hmGetter, model string, ids []int64, out map[int64]int64) error {
	if len(ids) == 0 {
		return nil
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = strconv.FormatInt(id, 10)
	}
	values, err := c.HMGet(ctx, s.liveKey(model), fields...).Result()
	if err != nil {
		return fmt.Errorf("bulk lookup %s: %w", model, err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec models.MigrationRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return fmt.Errorf("decode mapping %s/%d: %w", model, ids[i], err)
		}
		out[ids[i]] = rec.TargetID
	}
	return nil
}

func (s *RedisStore) Record(ctx context.Context, rec models.MigrationRecord) (*models.MigrationRecord, error) {
	stored := stamp(rec)
	if err := s.RecordAll(ctx, []models.MigrationRecord{stored}); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *RedisStore) RecordAll(ctx context.Context, recs []models.MigrationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	order, groups := groupByModel(recs)
	keys := make([]string, len(order))
	for i, model := range order {
		keys[i] = s.liveKey(model)
	}

	txf := func(tx *redis.Tx) error {
		planned := make(map[string][]models.MigrationRecord, len(order))
		for _, model := range order {
			existing := make(map[int64]int64)
			if err := s.liveTargets(ctx, tx, model, sourceIDs(groups[model]), existing); err != nil {
				return err
			}
			toStore, err := planRecords(existing, groups[model])
			if err != nil {
				return err
			}
			planned[model] = toStore
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, model := range order {
				if len(planned[model]) == 0 {
					continue
				}
				values := make([]any, 0, 2*len(planned[model]))
				for _, rec := range planned[model] {
					data, err := json.Marshal(rec)
					if err != nil {
						return fmt.Errorf("encode mapping: %w", err)
					}
					values = append(values, strconv.FormatInt(rec.SourceID, 10), data)
				}
				pipe.HSet(ctx, s.liveKey(model), values...)
			}
			return nil
		})
		return err
	}

	return s.watch(ctx, txf, keys...)
}

func (s *RedisStore) watch(ctx context.Context, txf func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < redisMaxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("id map keys %v kept changing during write: %w", keys, redis.TxFailedErr)
}

func (s *RedisStore) Supersede(ctx context.Context, rec models.MigrationRecord) (*models.MigrationRecord, error) {
	stored := stamp(rec)
	field := strconv.FormatInt(rec.SourceID, 10)
	key := s.liveKey(rec.SourceModel)

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, field).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%s source id %d: %w", rec.SourceModel, rec.SourceID, apperrors.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("supersede %s/%d: %w", rec.SourceModel, rec.SourceID, err)
		}
		var old models.MigrationRecord
		if err := json.Unmarshal(data, &old); err != nil {
			return fmt.Errorf("decode mapping: %w", err)
		}
		now := time.Now().UTC()
		old.SupersededAt = &now

		oldData, err := json.Marshal(old)
		if err != nil {
			return fmt.Errorf("encode mapping: %w", err)
		}
		newData, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode mapping: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.supersededKey(rec.SourceModel), oldData)
			pipe.HSet(ctx, key, field, newData)
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *RedisStore) ListByModel(ctx context.Context, model string) ([]models.MigrationRecord, error) {
	var out []models.MigrationRecord

	old, err := s.client.LRange(ctx, s.supersededKey(model), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list superseded %s: %w", model, err)
	}
	for _, item := range old {
		var rec models.MigrationRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode mapping: %w", err)
		}
		out = append(out, rec)
	}

	live, err := s.client.HGetAll(ctx, s.liveKey(model)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", model, err)
	}
	for _, item := range live {
		var rec models.MigrationRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode mapping: %w", err)
		}
		out = append(out, rec)
	}

	sortRecords(out)
	return out, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
